package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fiscal/internal/artifact"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	"github.com/smallbiznis/fiscal/internal/authorization"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type           string            `json:"type"`
	Message        string            `json:"message"`
	Reason         string            `json:"reason,omitempty"`
	HumanReference string            `json:"human_reference,omitempty"`
	ExternalID     string            `json:"external_id,omitempty"`
	Stage          string            `json:"stage,omitempty"`
	ProviderStatus int               `json:"provider_status,omitempty"`
	Errors         []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    string(fiscalerr.KindInternal),
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Reason:  vErr.Errors[0].Message,
			Errors:  vErr.Errors,
		}
	}

	var fe *fiscalerr.Error
	if errors.As(err, &fe) && fe != nil {
		return mapFiscalError(fe)
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Reason:  validationErrorMessage(code),
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    string(fiscalerr.KindNotFound),
			Message: "not found",
			Reason:  "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
			Reason:  "issuance rate limit exceeded",
		}
	case errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    string(fiscalerr.KindUnauthorized),
			Message: "forbidden",
			Reason:  "forbidden",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    string(fiscalerr.KindInternal),
			Message: "internal server error",
			Reason:  "internal server error",
		}
	}
}

// mapFiscalError renders an engine result. Provider details stay in the logs.
func mapFiscalError(fe *fiscalerr.Error) (int, errorPayload) {
	payload := errorPayload{
		Type:           string(fe.Kind),
		Message:        kindMessage(fe.Kind),
		Reason:         fe.Reason,
		HumanReference: fe.Reference,
		ExternalID:     fe.ExternalID,
		Stage:          fe.Stage,
		ProviderStatus: fe.ProviderStatus,
	}
	if payload.Reason == "" {
		payload.Reason = payload.Message
	}

	switch fe.Kind {
	case fiscalerr.KindValidationFailed:
		return http.StatusUnprocessableEntity, payload
	case fiscalerr.KindUnauthorized:
		return http.StatusForbidden, payload
	case fiscalerr.KindAlreadyIssued, fiscalerr.KindInProgress:
		return http.StatusConflict, payload
	case fiscalerr.KindNotFound:
		return http.StatusNotFound, payload
	case fiscalerr.KindConfigurationMissing:
		return http.StatusPreconditionFailed, payload
	case fiscalerr.KindProviderAuthFailed,
		fiscalerr.KindProviderRequestFailed,
		fiscalerr.KindFinalizeFailed,
		fiscalerr.KindArtifactUnavailable:
		return http.StatusBadGateway, payload
	default:
		payload.Type = string(fiscalerr.KindInternal)
		payload.Message = "internal server error"
		payload.Reason = payload.Message
		payload.Stage = ""
		return http.StatusInternalServerError, payload
	}
}

func kindMessage(kind fiscalerr.Kind) string {
	switch kind {
	case fiscalerr.KindValidationFailed:
		return "validation failed"
	case fiscalerr.KindUnauthorized:
		return "forbidden"
	case fiscalerr.KindAlreadyIssued:
		return "document already issued"
	case fiscalerr.KindInProgress:
		return "operation already in progress"
	case fiscalerr.KindNotFound:
		return "not found"
	case fiscalerr.KindConfigurationMissing:
		return "billing integration is not configured"
	case fiscalerr.KindProviderAuthFailed:
		return "provider authentication failed"
	case fiscalerr.KindProviderRequestFailed:
		return "provider request failed"
	case fiscalerr.KindFinalizeFailed:
		return "document created but not finalized"
	case fiscalerr.KindArtifactUnavailable:
		return "document artifact unavailable"
	default:
		return "internal server error"
	}
}

// classifyErrorForLog feeds the request logger's error_type and error_code fields.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if asValidationErrors(err) != nil {
		return "validation_error", "invalid_request"
	}
	var fe *fiscalerr.Error
	if errors.As(err, &fe) && fe != nil {
		return string(fe.Kind), fe.Stage
	}
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil && len(vErr.Errors) > 0 {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, billingdomain.ErrInvalidOrganization),
		errors.Is(err, billingdomain.ErrInvalidProvider),
		errors.Is(err, billingdomain.ErrInvalidCredentials),
		errors.Is(err, billingdomain.ErrInvalidTaxRate),
		errors.Is(err, ledgerdomain.ErrInvalidOrganization),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidOrganization),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidRole):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, billingdomain.ErrNotFound),
		errors.Is(err, artifact.ErrNotFound),
		errors.Is(err, artifact.ErrInvalidPath),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_page_token":
		return "invalid page token"
	case "invalid_provider":
		return "unsupported billing provider"
	case "invalid_credentials":
		return "credentials do not match the provider"
	case "invalid_tax_rate":
		return "tax rate must be between 0 and 100"
	case "invalid_role":
		return "unknown role"
	default:
		return "invalid value"
	}
}
