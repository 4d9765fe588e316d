// Package fiscalerr defines the error taxonomy shared by the issuance and reversal engines.
package fiscalerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for callers and the HTTP surface.
type Kind string

const (
	KindConfigurationMissing  Kind = "configuration_missing"
	KindUnauthorized          Kind = "unauthorized"
	KindAlreadyIssued         Kind = "already_issued"
	KindInProgress            Kind = "in_progress"
	KindValidationFailed      Kind = "validation_failed"
	KindNotFound              Kind = "not_found"
	KindProviderAuthFailed    Kind = "provider_auth_failed"
	KindProviderRequestFailed Kind = "provider_request_failed"
	KindFinalizeFailed        Kind = "finalize_failed"
	KindArtifactUnavailable   Kind = "artifact_unavailable"
	KindInternal              Kind = "internal_error"
)

// Error is the result value returned by every engine operation on failure.
type Error struct {
	Kind   Kind
	Reason string

	// Reference carries the existing human reference for already_issued.
	Reference  string
	ExternalID string

	// Stage is the orchestrator state reached when the failure happened.
	Stage string

	ProviderStatus int
	ProviderDetail string

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.ProviderStatus != 0 {
		fmt.Fprintf(&b, " (provider status %d)", e.ProviderStatus)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrConfigurationMissing  = &Error{Kind: KindConfigurationMissing}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrAlreadyIssued         = &Error{Kind: KindAlreadyIssued}
	ErrInProgress            = &Error{Kind: KindInProgress}
	ErrValidationFailed      = &Error{Kind: KindValidationFailed}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrProviderAuthFailed    = &Error{Kind: KindProviderAuthFailed}
	ErrProviderRequestFailed = &Error{Kind: KindProviderRequestFailed}
	ErrFinalizeFailed        = &Error{Kind: KindFinalizeFailed}
	ErrArtifactUnavailable   = &Error{Kind: KindArtifactUnavailable}
	ErrInternal              = &Error{Kind: KindInternal}
)

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Validation(reason string) *Error {
	return New(KindValidationFailed, reason)
}

func AlreadyIssued(externalID, reference string) *Error {
	return &Error{
		Kind:       KindAlreadyIssued,
		Reason:     "document already issued",
		ExternalID: externalID,
		Reference:  reference,
	}
}

// KindOf extracts the kind of err, defaulting to internal_error for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe.Kind
	}
	return KindInternal
}

// As returns the *Error carried by err, wrapping foreign errors as internal_error.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe
	}
	return Wrap(KindInternal, "internal error", err)
}

// WithStage annotates err with the orchestrator stage unless one is already recorded.
func WithStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	fe := As(err)
	if fe.Stage == "" {
		fe.Stage = stage
	}
	return fe
}
