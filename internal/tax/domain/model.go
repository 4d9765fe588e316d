// Package domain describes the pre-flight tax validation applied to every
// document before a provider is contacted.
package domain

import (
	"github.com/shopspring/decimal"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
)

// SyntheticLineDescription labels the single line built from a sale total
// when the sale has no items.
const SyntheticLineDescription = "Service"

// LineInput is an item as recorded on the sale.
type LineInput struct {
	Description     string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	TaxRate         decimal.NullDecimal
	ExemptionReason string
}

// Default is the organization's fallback tax treatment.
type Default struct {
	Rate            decimal.Decimal
	ExemptionReason string
}

// ExistingReference is a document already recorded on the target sale or payment.
type ExistingReference struct {
	ExternalID     string
	HumanReference string
}

type Input struct {
	DocumentType providerdomain.DocumentType
	ClientTaxID  string
	Items        []LineInput
	// Total is used for the synthetic line when Items is empty.
	Total    decimal.Decimal
	Default  Default
	Existing *ExistingReference

	// PricesIncludeTax treats unit prices as gross amounts, as for a payment
	// being receipted.
	PricesIncludeTax bool
}

type Result struct {
	Lines  []providerdomain.Line
	Totals providerdomain.Totals
}

// Engine validates a document request and computes its lines. It performs no I/O.
type Engine interface {
	Validate(in Input) (*Result, error)
}
