package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	"github.com/smallbiznis/fiscal/internal/authorization"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	issuanceservice "github.com/smallbiznis/fiscal/internal/issuance/service"
	"github.com/smallbiznis/fiscal/internal/observability"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"github.com/smallbiznis/fiscal/internal/ratelimit"
	reversalservice "github.com/smallbiznis/fiscal/internal/reversal/service"
	"github.com/smallbiznis/fiscal/internal/session"
	"github.com/smallbiznis/fiscal/internal/testutil/fiscaltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID  = "u-owner"
	memberID = "u-member"
)

type testServer struct {
	env      *fiscaltest.Env
	engine   *gin.Engine
	authz    authorization.Service
	server   *Server
	sessions *sessionCache
}

type sessionCache struct {
	mu     sync.Mutex
	tokens map[snowflake.ID]string
}

func (c *sessionCache) Get(_ context.Context, orgID snowflake.ID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.tokens[orgID]
	return token, ok, nil
}

func (c *sessionCache) Set(_ context.Context, orgID snowflake.ID, token string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[orgID] = token
	return nil
}

func (c *sessionCache) Delete(_ context.Context, orgID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, orgID)
	return nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := fiscaltest.New(t)
	enforcer, err := authorization.NewEnforcer(env.DB)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: env.Log, Enforcer: enforcer, AuditSvc: env.Audit})
	require.NoError(t, authz.GrantMembership(context.Background(), env.OrgID, ownerID, authorization.RoleOwner))
	require.NoError(t, authz.GrantMembership(context.Background(), env.OrgID, memberID, authorization.RoleMember))

	cache := &sessionCache{tokens: map[snowflake.ID]string{}}
	sessions := session.NewManager(session.Params{
		Log:       env.Log,
		ConfigSvc: env.ConfigSvc,
		Cache:     cache,
		Clock:     env.Clock,
		Policy:    env.Policy,
	})

	engine := NewEngine(observability.Config{}, nil)
	server := NewServer(ServerParams{
		Gin:       engine,
		Log:       env.Log,
		AuthzSvc:  authz,
		AuditSvc:  env.Audit,
		ConfigSvc: env.ConfigSvc,
		IssuanceSvc: issuanceservice.NewService(issuanceservice.Params{
			Log:       env.Log,
			ConfigSvc: env.ConfigSvc,
			SaleSvc:   env.SaleSvc,
			Ledger:    env.Ledger,
			Tax:       env.Tax,
			Registry:  env.Registry,
			Sessions:  env.Sessions,
			Store:     env.Store,
			Clock:     env.Clock,
			Policy:    env.Policy,
			AuditSvc:  env.Audit,
		}),
		ReversalSvc: reversalservice.NewService(reversalservice.Params{
			Log:       env.Log,
			ConfigSvc: env.ConfigSvc,
			Ledger:    env.Ledger,
			Tax:       env.Tax,
			Registry:  env.Registry,
			Sessions:  env.Sessions,
			Clock:     env.Clock,
			AuditSvc:  env.Audit,
		}),
		LedgerSvc: env.Ledger,
		Store:     env.Store,
		Sessions:  sessions,
	})

	return &testServer{env: env, engine: engine, authz: authz, server: server, sessions: cache}
}

func (s *testServer) orgPath(suffix string) string {
	return "/v1/organizations/" + s.env.OrgID.String() + suffix
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) issueInvoice(t *testing.T, userID string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, s.orgPath("/invoices"), userID, map[string]any{"sale_id": s.env.Sale.ID.String()})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeBody(t, rec)
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return payload
}

func TestIssueInvoiceEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.issueInvoice(t, memberID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "doc_1", body["external_id"])
	assert.Equal(t, "FT 2024/1", body["human_reference"])
	assert.NotEmpty(t, body["pdf_url"])
	assert.Equal(t, "https://qr.example/doc", body["qr_url"])

	rec = s.issueInvoice(t, memberID)
	require.Equal(t, http.StatusConflict, rec.Code)
	payload := errorOf(t, rec)
	assert.Equal(t, "already_issued", payload["type"])
	assert.Equal(t, "FT 2024/1", payload["human_reference"])
	assert.NotEmpty(t, payload["reason"])
	assert.Equal(t, 1, s.env.Provider.Calls("create_document"))
}

func TestRequestsWithoutMembershipAreForbidden(t *testing.T) {
	s := newTestServer(t)

	for _, userID := range []string{"", "u-stranger"} {
		rec := s.issueInvoice(t, userID)
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "unauthorized", errorOf(t, rec)["type"])
	}
	assert.Zero(t, s.env.Provider.TotalCalls())
}

func TestIssueInvoiceValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, s.orgPath("/invoices"), memberID, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/organizations/not-a-number/invoices", memberID, map[string]any{"sale_id": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, s.orgPath("/invoices"), memberID, map[string]any{"sale_id": "42"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReceiptBeforeInvoiceIsUnprocessable(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, s.orgPath("/receipts"), memberID, map[string]any{
		"sale_id":    s.env.Sale.ID.String(),
		"payment_id": s.env.Payment.ID.String(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	payload := errorOf(t, rec)
	assert.Equal(t, "validation_failed", payload["type"])
	assert.Equal(t, "no invoice issued yet", payload["reason"])
	assert.Zero(t, s.env.Provider.TotalCalls())
}

func TestDisabledIntegrationIsPreconditionFailed(t *testing.T) {
	s := newTestServer(t)
	s.env.DisableIntegration(t)

	rec := s.issueInvoice(t, memberID)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "configuration_missing", errorOf(t, rec)["type"])
}

func TestProviderFailureIsBadGateway(t *testing.T) {
	s := newTestServer(t)
	s.env.Provider.CreateErr = providerdomain.RequestFailed("create document", 500, []byte("boom"))

	rec := s.issueInvoice(t, memberID)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	payload := errorOf(t, rec)
	assert.Equal(t, "provider_request_failed", payload["type"])
	assert.Equal(t, float64(500), payload["provider_status"])
	assert.Equal(t, "creating", payload["stage"])
}

func TestCreditNoteEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.issueInvoice(t, memberID).Code)

	body := map[string]any{
		"original_document_id":   "doc_1",
		"original_document_type": "invoice",
		"reason":                 "duplicate sale",
	}

	rec := s.do(t, http.MethodPost, s.orgPath("/credit-notes"), memberID, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, s.orgPath("/credit-notes"), ownerID, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "NC 2024/1", decodeBody(t, rec)["human_reference"])

	rec = s.do(t, http.MethodPost, s.orgPath("/credit-notes"), ownerID, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["already_settled"])
	assert.Equal(t, 1, s.env.Provider.Calls("void"))

	body["reason"] = ""
	body["original_document_id"] = "doc_2"
	rec = s.do(t, http.MethodPost, s.orgPath("/credit-notes"), ownerID, body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestLedgerEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.issueInvoice(t, memberID).Code)

	rec := s.do(t, http.MethodGet, s.orgPath("/ledger?sale_id="+s.env.Sale.ID.String()), memberID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries, ok := decodeBody(t, rec)["data"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "invoice", entry["document_type"])
	assert.Equal(t, "issued", entry["status"])

	rec = s.do(t, http.MethodGet, s.orgPath("/ledger?sale_id=abc"), memberID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArtifactDownload(t *testing.T) {
	s := newTestServer(t)
	rec := s.issueInvoice(t, memberID)
	require.Equal(t, http.StatusCreated, rec.Code)
	pdfURL, _ := decodeBody(t, rec)["pdf_url"].(string)
	require.True(t, strings.HasPrefix(pdfURL, "/artifacts/"), pdfURL)

	rec = s.do(t, http.MethodGet, pdfURL, memberID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4 fake", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="ft-2024`)

	rec = s.do(t, http.MethodGet, pdfURL, "u-stranger", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/artifacts/"+s.env.OrgID.String()+"/missing.pdf", memberID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBillingConfigurationMasksCredentials(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{
		"provider":            "provider_a",
		"credentials":         map[string]any{"api_key": "key_live_987654"},
		"tax_default_rate":    "23",
		"integration_enabled": true,
	}

	rec := s.do(t, http.MethodPut, s.orgPath("/billing-configuration"), memberID, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPut, s.orgPath("/billing-configuration"), ownerID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "key_live_987654")
	creds := decodeBody(t, rec)["credentials"].(map[string]any)
	assert.Equal(t, "key_live_****7654", creds["api_key"])

	var logs []auditdomain.AuditLog
	require.NoError(t, s.env.DB.Where("org_id = ? AND action = ?", s.env.OrgID, auditdomain.ActionBillingConfigUpdated).Find(&logs).Error)
	require.Len(t, logs, 1)
	raw, err := json.Marshal(logs[0].Metadata)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "key_live_987654")
	assert.Equal(t, ownerID, *logs[0].ActorID)

	body["provider"] = "provider_z"
	rec = s.do(t, http.MethodPut, s.orgPath("/billing-configuration"), ownerID, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingConfigurationDropsProviderSession(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.env.ConfigSvc.SaveSession(ctx, s.env.OrgID, billingdomain.Session{
		Token:     "minted-for-old-secret",
		ExpiresAt: s.env.Clock.Now().Add(time.Hour),
	}))
	s.sessions.tokens[s.env.OrgID] = "minted-for-old-secret"

	rec := s.do(t, http.MethodPut, s.orgPath("/billing-configuration"), ownerID, map[string]any{
		"provider":            "provider_b",
		"credentials":         map[string]any{"client_id": "client", "client_secret": "rotated"},
		"tax_default_rate":    "23",
		"default_series":      "2024",
		"integration_enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Empty(t, s.sessions.tokens)
	settings, err := s.env.ConfigSvc.Load(ctx, s.env.OrgID)
	require.NoError(t, err)
	assert.Nil(t, settings.Session)
}

func TestMembershipEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, s.orgPath("/members/u-new"), ownerID, map[string]any{"role": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	role, err := s.authz.RoleOf(context.Background(), s.env.OrgID, "u-new")
	require.NoError(t, err)
	assert.Equal(t, authorization.RoleAdmin, role)

	rec = s.do(t, http.MethodPut, s.orgPath("/members/u-new"), memberID, map[string]any{"role": "owner"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, s.orgPath("/members/u-new"), ownerID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err = s.authz.RoleOf(context.Background(), s.env.OrgID, "u-new")
	assert.ErrorIs(t, err, authorization.ErrForbidden)
}

func TestAuditLogEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.issueInvoice(t, memberID).Code)

	rec := s.do(t, http.MethodGet, s.orgPath("/audit-logs?action=document.issued"), ownerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody(t, rec)["data"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, memberID, logs[0].(map[string]any)["actor_id"])

	rec = s.do(t, http.MethodGet, s.orgPath("/audit-logs"), memberID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

type stubLimiter struct {
	result *ratelimit.Result
	err    error
	calls  int
}

func (l *stubLimiter) Allow(context.Context, snowflake.ID) (*ratelimit.Result, error) {
	l.calls++
	return l.result, l.err
}

func TestIssuanceRateLimit(t *testing.T) {
	s := newTestServer(t)
	limiter := &stubLimiter{result: &ratelimit.Result{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
	s.server.limiter = limiter

	rec := s.issueInvoice(t, memberID)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", errorOf(t, rec)["type"])
	assert.Zero(t, s.env.Provider.TotalCalls())

	rec = s.do(t, http.MethodGet, s.orgPath("/ledger"), memberID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, limiter.calls)

	limiter.result = nil
	limiter.err = errors.New("redis down")
	rec = s.issueInvoice(t, memberID)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
