// Package domain defines the reversal orchestrator, which cancels an issued
// document with a credit note exactly once.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
)

// Item replaces the original lines for a partial reversal.
type Item struct {
	Description     string              `json:"description"`
	Quantity        decimal.Decimal     `json:"quantity"`
	UnitPrice       decimal.Decimal     `json:"unit_price"`
	TaxRate         decimal.NullDecimal `json:"tax_rate"`
	ExemptionReason string              `json:"exemption_reason,omitempty"`
}

type ReverseRequest struct {
	OrgID                snowflake.ID
	OriginalExternalID   string
	OriginalDocumentType providerdomain.DocumentType
	Reason               string
	Items                []Item
}

type Result struct {
	ExternalID         string `json:"external_id"`
	HumanReference     string `json:"human_reference"`
	OriginalExternalID string `json:"original_external_id"`
	// AlreadySettled is set when an earlier request performed the reversal.
	AlreadySettled bool `json:"already_settled"`
}

type Service interface {
	Reverse(ctx context.Context, req ReverseRequest) (*Result, error)
}

// VoidIdempotencyKey is sent with the provider void call.
func VoidIdempotencyKey(orgID snowflake.ID, originalExternalID string) string {
	return "void-" + orgID.String() + "-" + originalExternalID
}
