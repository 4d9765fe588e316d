package providera

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"github.com/smallbiznis/fiscal/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		Credentials: domain.Credentials{APIKey: "key_test"},
		BaseURL:     srv.URL,
		HTTPTimeout: time.Second,
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func invoiceRequest() domain.DocumentRequest {
	return domain.DocumentRequest{
		Type:           domain.DocumentTypeInvoice,
		IdempotencyKey: "sale-1-2",
		Date:           time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Client:         domain.Client{ProviderClientID: "cli_1", Name: "Acme", TaxID: "500100200"},
		Lines: []domain.Line{{
			Description: "Consulting",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.NewFromInt(100),
			TaxRate:     decimal.NewFromInt(23),
		}},
		Totals: domain.Totals{Gross: decimal.NewFromInt(123)},
	}
}

func TestFactoryRequiresAPIKey(t *testing.T) {
	_, err := NewFactory().NewAdapter(domain.AdapterConfig{BaseURL: "http://localhost"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestCreateDocumentSendsIdempotencyKey(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoices", r.URL.Path)
		assert.Equal(t, "key_test", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "sale-1-2", r.Header.Get("Idempotency-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cli_1", body["client_id"])
		assert.Equal(t, "2024-03-01", body["date"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"doc_1","status":"draft"}`))
	})

	created, err := adapter.CreateDocument(context.Background(), "", invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, "doc_1", created.ExternalID())
	assert.False(t, created.Finalized)
	assert.False(t, created.Existing)
}

func TestCreateDocumentConflictReturnsExisting(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"id":"doc_1"}`))
	})

	created, err := adapter.CreateDocument(context.Background(), "", invoiceRequest())
	require.NoError(t, err)
	assert.True(t, created.Existing)
	assert.Equal(t, "doc_1", created.Identity.ID)
}

func TestCreateDocumentFailureCarriesProviderStatus(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid tax id"}`))
	})

	_, err := adapter.CreateDocument(context.Background(), "", invoiceRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fiscalerr.ErrProviderRequestFailed))
	fe := fiscalerr.As(err)
	assert.Equal(t, http.StatusUnprocessableEntity, fe.ProviderStatus)
	assert.Contains(t, fe.ProviderDetail, "invalid tax id")
}

func TestFinalizeReturnsReference(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/documents/doc_1/finalize", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"doc_1","reference":"FT 501"}`))
	})

	ref, err := adapter.Finalize(context.Background(), "", domain.DocumentIdentity{Provider: Kind, ID: "doc_1"})
	require.NoError(t, err)
	assert.Equal(t, "FT 501", ref)
}

func TestFetchPDFNotReady(t *testing.T) {
	var calls atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	})

	id := domain.DocumentIdentity{Provider: Kind, ID: "doc_1"}
	_, err := adapter.FetchPDF(context.Background(), "", id)
	assert.ErrorIs(t, err, domain.ErrArtifactNotReady)

	pdf, err := adapter.FetchPDF(context.Background(), "", id)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(pdf))
}

func TestFetchQR(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents/doc_1/qr", r.URL.Path)
		_, _ = w.Write([]byte(`{"qr_url":"https://qr.example/doc_1"}`))
	})

	qr, err := adapter.FetchQR(context.Background(), "", domain.DocumentIdentity{ID: "doc_1"})
	require.NoError(t, err)
	assert.Equal(t, "https://qr.example/doc_1", qr)
}

func TestResolveOrCreateClientFindsExisting(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "500100200", r.URL.Query().Get("tax_id"))
		_, _ = w.Write([]byte(`{"data":[{"id":"cli_9"}]}`))
	})

	id, err := adapter.ResolveOrCreateClient(context.Background(), "", domain.Client{Name: "Acme", TaxID: "500100200"})
	require.NoError(t, err)
	assert.Equal(t, "cli_9", id)
}

func TestResolveOrCreateClientCreatesWhenMissing(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"data":[]}`))
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"cli_new"}`))
		}
	})

	id, err := adapter.ResolveOrCreateClient(context.Background(), "", domain.Client{Name: "Acme", TaxID: "500100200"})
	require.NoError(t, err)
	assert.Equal(t, "cli_new", id)
}

func TestVoidCreatesAndFinalizesCreditNote(t *testing.T) {
	var paths []string
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/documents/doc_1":
			_, _ = w.Write([]byte(`{"id":"doc_1","client_id":"cli_1","lines":[{"description":"Consulting","quantity":"1","unit_price":"100","tax_rate":"23"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/credit_notes":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "doc_1", body["reference_document_id"])
			assert.Equal(t, "cli_1", body["client_id"])
			assert.Equal(t, "123", body["total"])
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"cn_1","status":"draft"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/documents/cn_1/finalize":
			_, _ = w.Write([]byte(`{"id":"cn_1","reference":"NC 12"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := adapter.Void(context.Background(), "", domain.VoidRequest{
		Original:       domain.DocumentIdentity{Provider: Kind, ID: "doc_1"},
		OriginalType:   domain.DocumentTypeInvoice,
		Reason:         "customer returned goods",
		IdempotencyKey: "credit-1-doc_1",
		Date:           time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "cn_1", res.ExternalID())
	assert.Equal(t, "NC 12", res.HumanReference)
	assert.Equal(t, []string{
		"GET /documents/doc_1",
		"POST /credit_notes",
		"PUT /documents/cn_1/finalize",
	}, paths)
}

func TestLatestDocumentDate(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "invoice", r.URL.Query().Get("type"))
		assert.Equal(t, "-date", r.URL.Query().Get("sort"))
		_, _ = w.Write([]byte(`{"data":[{"id":"doc_7","date":"2024-03-05"}]}`))
	})

	date, ok, err := adapter.LatestDocumentDate(context.Background(), "", domain.DocumentTypeInvoice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), date)
}

func TestUnauthorizedMapsToAuthFailure(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := adapter.Finalize(context.Background(), "", domain.DocumentIdentity{ID: "doc_1"})
	assert.ErrorIs(t, err, fiscalerr.ErrProviderAuthFailed)
	assert.Equal(t, http.StatusUnauthorized, fiscalerr.As(err).ProviderStatus)
}

func TestVoidTotals(t *testing.T) {
	cases := []struct {
		name  string
		items []domain.Line
		want  string
	}{
		{
			name: "given items use computed gross",
			items: []domain.Line{{
				Description: "Consulting",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromInt(50),
				TaxRate:     decimal.NewFromInt(14),
				Net:         decimal.NewFromInt(50),
				Tax:         decimal.NewFromInt(7),
				Gross:       decimal.NewFromInt(57),
			}},
			want: "57",
		},
		{
			// two half-cent lines round up independently
			name: "original lines round per line",
			want: "0.02",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var total string
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodGet:
					_, _ = w.Write([]byte(`{"id":"doc_1","client_id":"cli_1","lines":[` +
						`{"description":"Bolt","quantity":"1","unit_price":"0.005","tax_rate":"0"},` +
						`{"description":"Nut","quantity":"1","unit_price":"0.005","tax_rate":"0"}]}`))
				case r.URL.Path == "/credit_notes":
					var body map[string]any
					require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
					total, _ = body["total"].(string)
					w.WriteHeader(http.StatusCreated)
					_, _ = w.Write([]byte(`{"id":"cn_1","status":"draft"}`))
				default:
					_, _ = w.Write([]byte(`{"id":"cn_1","reference":"NC 1"}`))
				}
			})

			_, err := adapter.Void(context.Background(), "", domain.VoidRequest{
				Original:       domain.DocumentIdentity{Provider: Kind, ID: "doc_1"},
				OriginalType:   domain.DocumentTypeInvoice,
				Reason:         "returned",
				IdempotencyKey: "credit-1-doc_1",
				Date:           time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
				Items:          tc.items,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, total)
		})
	}
}
