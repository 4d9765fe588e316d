// Package providera integrates the API-key based provider that creates documents
// as drafts and finalizes them in a separate call.
package providera

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/provider/domain"
)

const Kind = "provider_a"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Kind() string {
	return Kind
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	apiKey := strings.TrimSpace(cfg.Credentials.APIKey)
	baseURL := trimBase(cfg.BaseURL)
	if apiKey == "" || baseURL == "" {
		return nil, domain.ErrInvalidConfig
	}
	return &Adapter{client: &client{baseURL: baseURL, apiKey: apiKey, http: cfg.HTTP()}}, nil
}

type Adapter struct {
	client *client
}

var (
	_ domain.Adapter            = (*Adapter)(nil)
	_ domain.ChronologyReporter = (*Adapter)(nil)
)

type linePayload struct {
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	ExemptionReason string          `json:"exemption_reason,omitempty"`
}

type documentPayload struct {
	ClientID            string          `json:"client_id"`
	Date                string          `json:"date"`
	Observations        string          `json:"observations,omitempty"`
	Lines               []linePayload   `json:"lines"`
	Total               decimal.Decimal `json:"total"`
	ReferenceDocumentID string          `json:"reference_document_id,omitempty"`
	Reason              string          `json:"reason,omitempty"`
	PaymentMethod       string          `json:"payment_method,omitempty"`
}

type documentResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

type documentDetail struct {
	ID       string        `json:"id"`
	ClientID string        `json:"client_id"`
	Date     string        `json:"date"`
	Lines    []linePayload `json:"lines"`
}

type clientPayload struct {
	Name    string `json:"name"`
	TaxID   string `json:"tax_id"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	Country string `json:"country,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

type clientListResponse struct {
	Data []idResponse `json:"data"`
}

type qrResponse struct {
	QRURL string `json:"qr_url"`
}

type documentListResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Date string `json:"date"`
	} `json:"data"`
}

func (a *Adapter) Kind() string {
	return Kind
}

func (a *Adapter) ResolveOrCreateClient(ctx context.Context, _ string, c domain.Client) (string, error) {
	if c.ProviderClientID != "" {
		return c.ProviderClientID, nil
	}

	if taxID := strings.TrimSpace(c.TaxID); taxID != "" {
		resp, err := a.client.do(ctx, http.MethodGet, "/clients?tax_id="+url.QueryEscape(taxID), nil, "")
		if err != nil {
			return "", domain.TransportFailed("client lookup", err)
		}
		if !resp.ok() && resp.status != http.StatusNotFound {
			return "", domain.RequestFailed("client lookup", resp.status, resp.body)
		}
		if resp.ok() {
			var list clientListResponse
			if err := resp.decode(&list); err != nil {
				return "", domain.TransportFailed("client lookup", err)
			}
			if len(list.Data) > 0 && list.Data[0].ID != "" {
				return list.Data[0].ID, nil
			}
		}
	}

	resp, err := a.client.do(ctx, http.MethodPost, "/clients", clientPayload{
		Name:    c.Name,
		TaxID:   c.TaxID,
		Email:   c.Email,
		Address: c.Address,
		Country: c.Country,
	}, "")
	if err != nil {
		return "", domain.TransportFailed("client create", err)
	}
	if !resp.ok() {
		return "", domain.RequestFailed("client create", resp.status, resp.body)
	}
	var created idResponse
	if err := resp.decode(&created); err != nil || created.ID == "" {
		return "", domain.TransportFailed("client create", domain.ErrResponseInvalid)
	}
	return created.ID, nil
}

func (a *Adapter) CreateDocument(ctx context.Context, _ string, req domain.DocumentRequest) (*domain.CreatedDocument, error) {
	path, err := collectionPath(req.Type)
	if err != nil {
		return nil, err
	}
	payload := documentPayload{
		ClientID:      req.Client.ProviderClientID,
		Date:          req.Date.Format(time.DateOnly),
		Observations:  req.Observations,
		Lines:         toLinePayloads(req.Lines),
		Total:         req.Totals.Gross,
		PaymentMethod: req.PaymentMethod,
	}
	if req.Related != nil {
		payload.ReferenceDocumentID = req.Related.ID
	}
	return a.create(ctx, path, payload, req.IdempotencyKey)
}

func (a *Adapter) create(ctx context.Context, path string, payload documentPayload, idempotencyKey string) (*domain.CreatedDocument, error) {
	resp, err := a.client.do(ctx, http.MethodPost, path, payload, idempotencyKey)
	if err != nil {
		return nil, domain.TransportFailed("document create", err)
	}

	existing := resp.status == http.StatusConflict
	if !resp.ok() && !existing {
		return nil, domain.RequestFailed("document create", resp.status, resp.body)
	}

	var doc documentResponse
	if err := resp.decode(&doc); err != nil || doc.ID == "" {
		if existing {
			return nil, domain.RequestFailed("document create", resp.status, resp.body)
		}
		return nil, domain.TransportFailed("document create", domain.ErrResponseInvalid)
	}

	finalized := strings.EqualFold(doc.Status, "final") || strings.EqualFold(doc.Status, "finalized")
	return &domain.CreatedDocument{
		Identity:       domain.DocumentIdentity{Provider: Kind, ID: doc.ID},
		HumanReference: strings.TrimSpace(doc.Reference),
		Finalized:      finalized && doc.Reference != "",
		Existing:       existing,
	}, nil
}

func (a *Adapter) Finalize(ctx context.Context, _ string, id domain.DocumentIdentity) (string, error) {
	if id.ID == "" {
		return "", domain.ErrMissingIdentity
	}
	resp, err := a.client.do(ctx, http.MethodPut, "/documents/"+url.PathEscape(id.ID)+"/finalize", struct{}{}, "")
	if err != nil {
		return "", domain.TransportFailed("document finalize", err)
	}
	if !resp.ok() {
		return "", domain.RequestFailed("document finalize", resp.status, resp.body)
	}
	var doc documentResponse
	if err := resp.decode(&doc); err != nil || strings.TrimSpace(doc.Reference) == "" {
		return "", domain.TransportFailed("document finalize", domain.ErrResponseInvalid)
	}
	return strings.TrimSpace(doc.Reference), nil
}

func (a *Adapter) FetchPDF(ctx context.Context, _ string, id domain.DocumentIdentity) ([]byte, error) {
	if id.ID == "" {
		return nil, domain.ErrMissingIdentity
	}
	resp, err := a.client.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id.ID)+"/pdf", nil, "")
	if err != nil {
		return nil, domain.TransportFailed("pdf fetch", err)
	}
	if resp.status == http.StatusAccepted {
		return nil, domain.ErrArtifactNotReady
	}
	if !resp.ok() {
		return nil, domain.RequestFailed("pdf fetch", resp.status, resp.body)
	}
	if len(resp.body) == 0 {
		return nil, domain.ErrArtifactNotReady
	}
	return resp.body, nil
}

func (a *Adapter) FetchQR(ctx context.Context, _ string, id domain.DocumentIdentity) (string, error) {
	if id.ID == "" {
		return "", domain.ErrMissingIdentity
	}
	resp, err := a.client.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id.ID)+"/qr", nil, "")
	if err != nil {
		return "", domain.TransportFailed("qr fetch", err)
	}
	if resp.status == http.StatusAccepted {
		return "", domain.ErrArtifactNotReady
	}
	if !resp.ok() {
		return "", domain.RequestFailed("qr fetch", resp.status, resp.body)
	}
	var qr qrResponse
	if err := resp.decode(&qr); err != nil {
		return "", domain.TransportFailed("qr fetch", err)
	}
	if strings.TrimSpace(qr.QRURL) == "" {
		return "", domain.ErrArtifactNotReady
	}
	return strings.TrimSpace(qr.QRURL), nil
}

// Void issues a credit note against the original and finalizes it.
func (a *Adapter) Void(ctx context.Context, token string, req domain.VoidRequest) (*domain.VoidResult, error) {
	if req.Original.ID == "" {
		return nil, domain.ErrMissingIdentity
	}

	// The original is always read: the credit note must name the same client.
	detail, err := a.document(ctx, req.Original.ID)
	if err != nil {
		return nil, err
	}
	lines := toLinePayloads(req.Items)
	if len(lines) == 0 {
		lines = detail.Lines
	}
	if len(lines) == 0 {
		return nil, domain.TransportFailed("credit note", domain.ErrResponseInvalid)
	}

	total := decimal.Zero
	if len(req.Items) > 0 {
		for _, item := range req.Items {
			total = total.Add(item.Gross)
		}
	} else {
		total = linesGross(lines)
	}

	created, err := a.create(ctx, "/credit_notes", documentPayload{
		ClientID:            detail.ClientID,
		Date:                req.Date.Format(time.DateOnly),
		Lines:               lines,
		Total:               total.Round(2),
		ReferenceDocumentID: req.Original.ID,
		Reason:              req.Reason,
	}, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	reference := created.HumanReference
	if !created.Finalized {
		reference, err = a.Finalize(ctx, token, created.Identity)
		if err != nil {
			return nil, err
		}
	}
	return &domain.VoidResult{Identity: created.Identity, HumanReference: reference}, nil
}

func (a *Adapter) document(ctx context.Context, id string) (*documentDetail, error) {
	resp, err := a.client.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id), nil, "")
	if err != nil {
		return nil, domain.TransportFailed("document fetch", err)
	}
	if !resp.ok() {
		return nil, domain.RequestFailed("document fetch", resp.status, resp.body)
	}
	var detail documentDetail
	if err := resp.decode(&detail); err != nil {
		return nil, domain.TransportFailed("document fetch", err)
	}
	return &detail, nil
}

func (a *Adapter) LatestDocumentDate(ctx context.Context, _ string, docType domain.DocumentType) (time.Time, bool, error) {
	query := url.Values{}
	query.Set("type", string(docType))
	query.Set("sort", "-date")
	query.Set("limit", "1")

	resp, err := a.client.do(ctx, http.MethodGet, "/documents?"+query.Encode(), nil, "")
	if err != nil {
		return time.Time{}, false, domain.TransportFailed("document list", err)
	}
	if !resp.ok() {
		return time.Time{}, false, domain.RequestFailed("document list", resp.status, resp.body)
	}
	var list documentListResponse
	if err := resp.decode(&list); err != nil {
		return time.Time{}, false, domain.TransportFailed("document list", err)
	}
	if len(list.Data) == 0 || list.Data[0].Date == "" {
		return time.Time{}, false, nil
	}
	date, err := time.Parse(time.DateOnly, list.Data[0].Date)
	if err != nil {
		return time.Time{}, false, domain.TransportFailed("document list", err)
	}
	return date, true, nil
}

func collectionPath(docType domain.DocumentType) (string, error) {
	switch docType {
	case domain.DocumentTypeInvoice:
		return "/invoices", nil
	case domain.DocumentTypeReceipt:
		return "/receipts", nil
	case domain.DocumentTypeCreditNote:
		return "/credit_notes", nil
	default:
		return "", domain.ErrUnsupportedAction
	}
}

// linesGross totals provider-side lines rounding each line to cents.
func linesGross(lines []linePayload) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	total := decimal.Zero
	for _, line := range lines {
		net := line.Quantity.Mul(line.UnitPrice).Round(2)
		tax := net.Mul(line.TaxRate).Div(hundred).Round(2)
		total = total.Add(net.Add(tax))
	}
	return total
}

func toLinePayloads(lines []domain.Line) []linePayload {
	out := make([]linePayload, 0, len(lines))
	for _, line := range lines {
		out = append(out, linePayload{
			Description:     line.Description,
			Quantity:        line.Quantity,
			UnitPrice:       line.UnitPrice,
			TaxRate:         line.TaxRate,
			ExemptionReason: line.ExemptionReason,
		})
	}
	return out
}
