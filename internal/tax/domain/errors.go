package domain

import "errors"

var (
	ErrNoLines             = errors.New("document has no lines")
	ErrMissingTaxID        = errors.New("client tax id is required")
	ErrMissingExemption    = errors.New("exemption reason is required for zero tax rate")
	ErrInvalidTaxRate      = errors.New("tax rate must be between 0 and 100")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidUnitPrice    = errors.New("unit price cannot be negative")
	ErrInvalidDocumentType = errors.New("invalid document type")
)
