// Package providertest provides an in-memory provider adapter for orchestrator tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/fiscal/internal/provider/domain"
)

// Fake is a scriptable provider. Zero values give a provider that creates
// unfinalized documents, finalizes them and serves artifacts immediately.
type Fake struct {
	mu sync.Mutex

	ProviderKind string
	// FinalizeOnCreate makes CreateDocument return finalized documents.
	FinalizeOnCreate bool
	CreateErr        error
	FinalizeErr      error
	VoidErr          error
	ClientErr        error

	PDF      []byte
	PDFErr   error
	QRURL    string
	QRErr    error
	Latest   time.Time
	LatestOK bool

	// VoidDelay blocks Void so concurrent reversals overlap.
	VoidDelay time.Duration

	calls    map[string]int
	created  int
	voided   int
	Requests []domain.DocumentRequest
	Voids    []domain.VoidRequest
}

func New(kind string) *Fake {
	return &Fake{
		ProviderKind: kind,
		PDF:          []byte("%PDF-1.4 fake"),
		QRURL:        "https://qr.example/doc",
		calls:        map[string]int{},
	}
}

func (f *Fake) record(operation string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[operation]++
}

// Calls returns how many times operation was invoked.
func (f *Fake) Calls(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[operation]
}

// TotalCalls counts every provider operation, including client resolution.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *Fake) Kind() string { return f.ProviderKind }

func (f *Fake) CreateDocument(_ context.Context, _ string, req domain.DocumentRequest) (*domain.CreatedDocument, error) {
	f.record("create_document")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.created++
	doc := &domain.CreatedDocument{
		Identity: domain.DocumentIdentity{Provider: f.ProviderKind, ID: fmt.Sprintf("doc_%d", f.created)},
	}
	if f.FinalizeOnCreate {
		doc.Finalized = true
		doc.HumanReference = fmt.Sprintf("%s 2024/%d", req.Type.Code(), f.created)
	}
	return doc, nil
}

func (f *Fake) Finalize(_ context.Context, _ string, id domain.DocumentIdentity) (string, error) {
	f.record("finalize")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FinalizeErr != nil {
		return "", f.FinalizeErr
	}
	var n int
	if _, err := fmt.Sscanf(id.ID, "doc_%d", &n); err != nil {
		return "", err
	}
	code := "FT"
	if len(f.Requests) >= n && n > 0 {
		code = f.Requests[n-1].Type.Code()
	}
	return fmt.Sprintf("%s 2024/%d", code, n), nil
}

func (f *Fake) FetchPDF(_ context.Context, _ string, _ domain.DocumentIdentity) ([]byte, error) {
	f.record("fetch_pdf")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PDFErr != nil {
		return nil, f.PDFErr
	}
	return f.PDF, nil
}

func (f *Fake) FetchQR(_ context.Context, _ string, _ domain.DocumentIdentity) (string, error) {
	f.record("fetch_qr")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QRErr != nil {
		return "", f.QRErr
	}
	return f.QRURL, nil
}

func (f *Fake) Void(_ context.Context, _ string, req domain.VoidRequest) (*domain.VoidResult, error) {
	f.record("void")
	f.mu.Lock()
	delay := f.VoidDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Voids = append(f.Voids, req)
	if f.VoidErr != nil {
		return nil, f.VoidErr
	}
	f.voided++
	return &domain.VoidResult{
		Identity:       domain.DocumentIdentity{Provider: f.ProviderKind, ID: fmt.Sprintf("cn_%d", f.voided)},
		HumanReference: fmt.Sprintf("NC 2024/%d", f.voided),
	}, nil
}

func (f *Fake) ResolveOrCreateClient(_ context.Context, _ string, c domain.Client) (string, error) {
	f.record("resolve_client")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ClientErr != nil {
		return "", f.ClientErr
	}
	if c.ProviderClientID != "" {
		return c.ProviderClientID, nil
	}
	return "cli_" + c.TaxID, nil
}

func (f *Fake) LatestDocumentDate(_ context.Context, _ string, _ domain.DocumentType) (time.Time, bool, error) {
	f.record("latest_document_date")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Latest, f.LatestOK, nil
}

// Factory registers a Fake under its kind in a provider registry.
type Factory struct {
	Adapter *Fake
}

func (f Factory) Kind() string { return f.Adapter.ProviderKind }

func (f Factory) NewAdapter(domain.AdapterConfig) (domain.Adapter, error) {
	return f.Adapter, nil
}
