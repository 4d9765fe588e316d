package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/fiscal/internal/fiscalerr"
)

// Adapter is implemented by every provider integration.
type Adapter interface {
	Kind() string
	CreateDocument(ctx context.Context, token string, req DocumentRequest) (*CreatedDocument, error)
	// Finalize returns the human reference of the finalized document.
	Finalize(ctx context.Context, token string, id DocumentIdentity) (string, error)
	FetchPDF(ctx context.Context, token string, id DocumentIdentity) ([]byte, error)
	FetchQR(ctx context.Context, token string, id DocumentIdentity) (string, error)
	Void(ctx context.Context, token string, req VoidRequest) (*VoidResult, error)
	ResolveOrCreateClient(ctx context.Context, token string, client Client) (string, error)
}

// Authenticator is implemented by providers that exchange credentials for a session token.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (token string, expiresIn time.Duration, err error)
}

// ChronologyReporter is implemented by providers that expose their latest document date.
type ChronologyReporter interface {
	LatestDocumentDate(ctx context.Context, token string, docType DocumentType) (time.Time, bool, error)
}

// Unwrapper is implemented by adapter decorators.
type Unwrapper interface {
	Unwrap() Adapter
}

func AuthenticatorOf(a Adapter) (Authenticator, bool) {
	for a != nil {
		if auth, ok := a.(Authenticator); ok {
			return auth, true
		}
		u, ok := a.(Unwrapper)
		if !ok {
			break
		}
		a = u.Unwrap()
	}
	return nil, false
}

func ChronologyReporterOf(a Adapter) (ChronologyReporter, bool) {
	for a != nil {
		if reporter, ok := a.(ChronologyReporter); ok {
			return reporter, true
		}
		u, ok := a.(Unwrapper)
		if !ok {
			break
		}
		a = u.Unwrap()
	}
	return nil, false
}

type Credentials struct {
	APIKey       string
	ClientID     string
	ClientSecret string
}

type AdapterConfig struct {
	Credentials Credentials
	BaseURL     string
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
}

// HTTP returns the configured client or a new one bounded by HTTPTimeout.
func (c AdapterConfig) HTTP() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type AdapterFactory interface {
	Kind() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

var (
	ErrArtifactNotReady  = errors.New("artifact_not_ready")
	ErrProviderNotFound  = errors.New("provider_not_found")
	ErrInvalidConfig     = errors.New("invalid_config")
	ErrResponseInvalid   = errors.New("provider_response_invalid")
	ErrMissingIdentity   = errors.New("missing_document_identity")
	ErrUnsupportedAction = errors.New("unsupported_action")
)

const maxDetailBytes = 2048

// RequestFailed builds the error returned for a non-2xx provider response.
func RequestFailed(operation string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxDetailBytes {
		detail = detail[:maxDetailBytes]
	}
	kind := fiscalerr.KindProviderRequestFailed
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = fiscalerr.KindProviderAuthFailed
	}
	return &fiscalerr.Error{
		Kind:           kind,
		Reason:         fmt.Sprintf("%s rejected by provider", operation),
		ProviderStatus: status,
		ProviderDetail: detail,
	}
}

// TransportFailed wraps a network or decoding failure talking to the provider.
func TransportFailed(operation string, err error) error {
	return fiscalerr.Wrap(fiscalerr.KindProviderRequestFailed, operation+" request failed", err)
}
