// Package providerb integrates the session-token provider whose documents are
// finalized synchronously and addressed by type, series and number.
package providerb

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"github.com/smallbiznis/fiscal/internal/provider/domain"
)

const Kind = "provider_b"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Kind() string {
	return Kind
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, domain.ErrInvalidConfig
	}
	return &Adapter{client: &client{baseURL: baseURL, http: cfg.HTTP()}}, nil
}

type Adapter struct {
	client *client
}

var (
	_ domain.Adapter       = (*Adapter)(nil)
	_ domain.Authenticator = (*Adapter)(nil)
)

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type clientPayload struct {
	Name    string `json:"name"`
	TaxID   string `json:"tax_id,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	Country string `json:"country,omitempty"`
}

type linePayload struct {
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	ExemptionReason string          `json:"exemption_reason,omitempty"`
}

type referencePayload struct {
	DocType string `json:"doc_type"`
	Series  string `json:"series"`
	Number  string `json:"number"`
}

type documentPayload struct {
	IdempotencyKey string            `json:"idempotency_key"`
	DocType        string            `json:"doc_type"`
	Series         string            `json:"series,omitempty"`
	Date           string            `json:"date"`
	Client         clientPayload     `json:"client"`
	Lines          []linePayload     `json:"lines"`
	Total          decimal.Decimal   `json:"total"`
	Observations   string            `json:"observations,omitempty"`
	PaymentMethod  string            `json:"payment_method,omitempty"`
	Reference      *referencePayload `json:"reference,omitempty"`
}

type voidPayload struct {
	Reason         string        `json:"reason"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Date           string        `json:"date,omitempty"`
	Series         string        `json:"series,omitempty"`
	Lines          []linePayload `json:"lines,omitempty"`
}

type documentResponse struct {
	DocType   string `json:"doc_type"`
	Series    string `json:"series"`
	Number    string `json:"number"`
	Reference string `json:"reference"`
	PDFBase64 string `json:"pdf_base64,omitempty"`
	QRURL     string `json:"qr_url,omitempty"`
}

type conflictResponse struct {
	Document documentResponse `json:"document"`
}

func (a *Adapter) Kind() string {
	return Kind
}

func (a *Adapter) Authenticate(ctx context.Context, creds domain.Credentials) (string, time.Duration, error) {
	resp, err := a.client.do(ctx, http.MethodPost, "/auth/token", "", tokenRequest{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
	})
	if err != nil {
		return "", 0, fiscalerr.Wrap(fiscalerr.KindProviderAuthFailed, "authentication request failed", err)
	}
	if !resp.ok() {
		fe := fiscalerr.As(domain.RequestFailed("authentication", resp.status, resp.body))
		fe.Kind = fiscalerr.KindProviderAuthFailed
		return "", 0, fe
	}
	var token tokenResponse
	if err := resp.decode(&token); err != nil || strings.TrimSpace(token.AccessToken) == "" {
		return "", 0, fiscalerr.Wrap(fiscalerr.KindProviderAuthFailed, "authentication response invalid", domain.ErrResponseInvalid)
	}
	return strings.TrimSpace(token.AccessToken), time.Duration(token.ExpiresIn) * time.Second, nil
}

// ResolveOrCreateClient is a no-op: client data travels inline with each document.
func (a *Adapter) ResolveOrCreateClient(context.Context, string, domain.Client) (string, error) {
	return "", nil
}

func (a *Adapter) CreateDocument(ctx context.Context, token string, req domain.DocumentRequest) (*domain.CreatedDocument, error) {
	if !req.Type.Valid() {
		return nil, domain.ErrUnsupportedAction
	}
	payload := documentPayload{
		IdempotencyKey: req.IdempotencyKey,
		DocType:        req.Type.Code(),
		Series:         req.Series,
		Date:           req.Date.Format(time.DateOnly),
		Client: clientPayload{
			Name:    req.Client.Name,
			TaxID:   req.Client.TaxID,
			Email:   req.Client.Email,
			Address: req.Client.Address,
			Country: req.Client.Country,
		},
		Lines:         toLinePayloads(req.Lines),
		Total:         req.Totals.Gross,
		Observations:  req.Observations,
		PaymentMethod: req.PaymentMethod,
	}
	if req.Related != nil && req.Related.Number != "" {
		payload.Reference = &referencePayload{
			DocType: req.Related.DocType,
			Series:  req.Related.Series,
			Number:  req.Related.Number,
		}
	}

	resp, err := a.client.do(ctx, http.MethodPost, "/documents", token, payload)
	if err != nil {
		return nil, domain.TransportFailed("document create", err)
	}

	var doc documentResponse
	existing := false
	switch {
	case resp.status == http.StatusConflict:
		var conflict conflictResponse
		if err := resp.decode(&conflict); err != nil || conflict.Document.Number == "" {
			return nil, domain.RequestFailed("document create", resp.status, resp.body)
		}
		doc = conflict.Document
		existing = true
	case resp.ok():
		if err := resp.decode(&doc); err != nil || doc.Number == "" {
			return nil, domain.TransportFailed("document create", domain.ErrResponseInvalid)
		}
	default:
		return nil, domain.RequestFailed("document create", resp.status, resp.body)
	}

	created := &domain.CreatedDocument{
		Identity:       identityOf(doc),
		HumanReference: humanReference(doc),
		Finalized:      true,
		QRURL:          strings.TrimSpace(doc.QRURL),
		Existing:       existing,
	}
	if doc.PDFBase64 != "" {
		pdf, err := base64.StdEncoding.DecodeString(doc.PDFBase64)
		if err == nil {
			created.PDF = pdf
		}
	}
	return created, nil
}

// Finalize is a no-op: documents are final when created.
func (a *Adapter) Finalize(_ context.Context, _ string, id domain.DocumentIdentity) (string, error) {
	return "", nil
}

func (a *Adapter) FetchPDF(ctx context.Context, token string, id domain.DocumentIdentity) ([]byte, error) {
	doc, err := a.document(ctx, token, id, "pdf fetch")
	if err != nil {
		return nil, err
	}
	if doc.PDFBase64 == "" {
		return nil, domain.ErrArtifactNotReady
	}
	pdf, err := base64.StdEncoding.DecodeString(doc.PDFBase64)
	if err != nil {
		return nil, domain.TransportFailed("pdf fetch", err)
	}
	return pdf, nil
}

func (a *Adapter) FetchQR(ctx context.Context, token string, id domain.DocumentIdentity) (string, error) {
	doc, err := a.document(ctx, token, id, "qr fetch")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(doc.QRURL) == "" {
		return "", domain.ErrArtifactNotReady
	}
	return strings.TrimSpace(doc.QRURL), nil
}

func (a *Adapter) Void(ctx context.Context, token string, req domain.VoidRequest) (*domain.VoidResult, error) {
	path, err := documentPath(req.Original)
	if err != nil {
		return nil, err
	}
	payload := voidPayload{
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Series:         req.Series,
		Lines:          toLinePayloads(req.Items),
	}
	if !req.Date.IsZero() {
		payload.Date = req.Date.Format(time.DateOnly)
	}

	resp, err := a.client.do(ctx, http.MethodPost, path+"/void", token, payload)
	if err != nil {
		return nil, domain.TransportFailed("document void", err)
	}

	var doc documentResponse
	switch {
	case resp.status == http.StatusConflict:
		var conflict conflictResponse
		if err := resp.decode(&conflict); err != nil || conflict.Document.Number == "" {
			return nil, domain.RequestFailed("document void", resp.status, resp.body)
		}
		doc = conflict.Document
	case resp.ok():
		if err := resp.decode(&doc); err != nil || doc.Number == "" {
			return nil, domain.TransportFailed("document void", domain.ErrResponseInvalid)
		}
	default:
		return nil, domain.RequestFailed("document void", resp.status, resp.body)
	}

	return &domain.VoidResult{Identity: identityOf(doc), HumanReference: humanReference(doc)}, nil
}

func (a *Adapter) document(ctx context.Context, token string, id domain.DocumentIdentity, operation string) (*documentResponse, error) {
	path, err := documentPath(id)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.do(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, domain.TransportFailed(operation, err)
	}
	if resp.status == http.StatusAccepted || resp.status == http.StatusNotFound {
		return nil, domain.ErrArtifactNotReady
	}
	if !resp.ok() {
		return nil, domain.RequestFailed(operation, resp.status, resp.body)
	}
	var doc documentResponse
	if err := resp.decode(&doc); err != nil {
		return nil, domain.TransportFailed(operation, err)
	}
	return &doc, nil
}

func documentPath(id domain.DocumentIdentity) (string, error) {
	if id.DocType == "" || id.Number == "" {
		return "", domain.ErrMissingIdentity
	}
	series := id.Series
	if series == "" {
		series = "-"
	}
	return "/documents/" + url.PathEscape(id.DocType) + "/" + url.PathEscape(series) + "/" + url.PathEscape(id.Number), nil
}

func identityOf(doc documentResponse) domain.DocumentIdentity {
	return domain.DocumentIdentity{
		Provider: Kind,
		DocType:  strings.TrimSpace(doc.DocType),
		Series:   strings.TrimSpace(doc.Series),
		Number:   strings.TrimSpace(doc.Number),
	}
}

func humanReference(doc documentResponse) string {
	if ref := strings.TrimSpace(doc.Reference); ref != "" {
		return ref
	}
	if doc.Series != "" {
		return doc.DocType + " " + doc.Series + "/" + doc.Number
	}
	return doc.DocType + " " + doc.Number
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
