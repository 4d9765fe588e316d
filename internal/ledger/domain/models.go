// Package domain holds the durable record of every fiscal document the engine
// has attempted to issue. The ledger, not the sale or payment row, is the
// authority on whether a document exists.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"gorm.io/datatypes"
)

type EntryStatus string

const (
	// EntryStatusPending marks a reservation held by an in-flight issuance.
	EntryStatusPending EntryStatus = "pending"
	// EntryStatusDraft means the provider created the document but finalize failed.
	EntryStatusDraft  EntryStatus = "draft"
	EntryStatusIssued EntryStatus = "issued"
	EntryStatusFailed EntryStatus = "failed"
)

// InvoiceLedgerEntry records one fiscal document: invoice, receipt or credit note.
// (org_id, document_type, source_id) is unique and is the at-most-once guard.
type InvoiceLedgerEntry struct {
	ID              snowflake.ID                                      `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID                                      `gorm:"not null;uniqueIndex:ux_invoice_ledger_source,priority:1" json:"org_id"`
	DocumentType    providerdomain.DocumentType                       `gorm:"type:text;not null;uniqueIndex:ux_invoice_ledger_source,priority:2" json:"document_type"`
	SourceID        string                                            `gorm:"type:text;not null;uniqueIndex:ux_invoice_ledger_source,priority:3" json:"source_id"`
	Status          EntryStatus                                       `gorm:"type:text;not null" json:"status"`
	Attempts        int                                               `gorm:"not null;default:1" json:"attempts"`
	Provider        string                                            `gorm:"type:text;not null" json:"provider"`
	ExternalID      string                                            `gorm:"type:text;not null;default:'';index" json:"external_id"`
	HumanReference  string                                            `gorm:"type:text;not null;default:''" json:"human_reference"`
	Total           decimal.Decimal                                   `gorm:"type:decimal(20,4);not null;default:0" json:"total"`
	DocumentDate    time.Time                                         `gorm:"type:date;not null" json:"document_date"`
	ClientName      string                                            `gorm:"type:text;not null;default:''" json:"client_name"`
	ProviderPayload datatypes.JSONType[providerdomain.DocumentIdentity] `gorm:"not null;default:'{}'" json:"provider_payload"`
	SaleID          snowflake.ID                                      `gorm:"not null;index" json:"sale_id"`
	PaymentID       *snowflake.ID                                     `json:"payment_id,omitempty"`
	PDFPath         string                                            `gorm:"column:pdf_path;type:text;not null;default:''" json:"pdf_path,omitempty"`
	QRURL           string                                            `gorm:"column:qr_url;type:text;not null;default:''" json:"qr_url,omitempty"`
	FailureReason   string                                            `gorm:"type:text;not null;default:''" json:"failure_reason,omitempty"`
	ReversedAt      *time.Time                                        `json:"reversed_at,omitempty"`
	CreatedAt       time.Time                                         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time                                         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (InvoiceLedgerEntry) TableName() string { return "invoice_ledger_entries" }

// Identity returns the provider identity stored with the entry.
func (e InvoiceLedgerEntry) Identity() providerdomain.DocumentIdentity {
	return e.ProviderPayload.Data()
}

type CreditNoteStatus string

const (
	CreditNoteStatusPending CreditNoteStatus = "pending"
	CreditNoteStatusSettled CreditNoteStatus = "settled"
	CreditNoteStatusFailed  CreditNoteStatus = "failed"
)

// CreditNoteLedgerEntry guards reversal of one original document per organization.
type CreditNoteLedgerEntry struct {
	ID                   snowflake.ID                                      `gorm:"primaryKey" json:"id"`
	OrgID                snowflake.ID                                      `gorm:"not null;uniqueIndex:ux_credit_note_original,priority:2" json:"org_id"`
	OriginalExternalID   string                                            `gorm:"type:text;not null;uniqueIndex:ux_credit_note_original,priority:1" json:"original_external_id"`
	OriginalDocumentType providerdomain.DocumentType                       `gorm:"type:text;not null" json:"original_document_type"`
	Reason               string                                            `gorm:"type:text;not null" json:"reason"`
	Status               CreditNoteStatus                                  `gorm:"type:text;not null" json:"status"`
	Attempts             int                                               `gorm:"not null;default:1" json:"attempts"`
	ExternalID           string                                            `gorm:"type:text;not null;default:''" json:"external_id"`
	HumanReference       string                                            `gorm:"type:text;not null;default:''" json:"human_reference"`
	ProviderPayload      datatypes.JSONType[providerdomain.DocumentIdentity] `gorm:"not null;default:'{}'" json:"provider_payload"`
	FailureReason        string                                            `gorm:"type:text;not null;default:''" json:"failure_reason,omitempty"`
	CreatedAt            time.Time                                         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt            time.Time                                         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (CreditNoteLedgerEntry) TableName() string { return "credit_note_ledger_entries" }
