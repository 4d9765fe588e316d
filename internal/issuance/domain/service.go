// Package domain defines the document issuance orchestrator: invoices for
// sales and receipts for payments, issued at most once per source.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
)

// Stage is the orchestrator state reached by a request. Failures report it.
type Stage string

const (
	StageValidating      Stage = "validating"
	StageAuthenticating  Stage = "authenticating"
	StageCreating        Stage = "creating"
	StageFinalizing      Stage = "finalizing"
	StageArtifactPending Stage = "artifact_pending"
	StageDone            Stage = "done"
)

type IssueInvoiceRequest struct {
	OrgID        snowflake.ID
	SaleID       snowflake.ID
	Observations string
}

type IssueReceiptRequest struct {
	OrgID     snowflake.ID
	SaleID    snowflake.ID
	PaymentID snowflake.ID
}

type Result struct {
	DocumentType   providerdomain.DocumentType `json:"document_type"`
	ExternalID     string                      `json:"external_id"`
	HumanReference string                      `json:"human_reference"`
	PDFPath        string                      `json:"pdf_path,omitempty"`
	PDFURL         string                      `json:"pdf_url,omitempty"`
	QRURL          string                      `json:"qr_url,omitempty"`
}

type Service interface {
	IssueInvoice(ctx context.Context, req IssueInvoiceRequest) (*Result, error)
	IssueReceipt(ctx context.Context, req IssueReceiptRequest) (*Result, error)
	// RecoverArtifacts retries the PDF and QR download for a document that was
	// issued without them. Issuance state is never changed.
	RecoverArtifacts(ctx context.Context, entry ledgerdomain.InvoiceLedgerEntry) (*Result, error)
}

// InvoiceIdempotencyKey is sent with the create call so provider retries collapse.
func InvoiceIdempotencyKey(orgID, saleID snowflake.ID) string {
	return "sale-" + orgID.String() + "-" + saleID.String()
}

func ReceiptIdempotencyKey(orgID, paymentID snowflake.ID) string {
	return "payment-" + orgID.String() + "-" + paymentID.String()
}

// NoInvoiceReason is reported when a receipt is requested for a sale without an issued invoice.
const NoInvoiceReason = "no invoice issued yet"
