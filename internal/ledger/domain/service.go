package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"github.com/smallbiznis/fiscal/pkg/db/pagination"
	"gorm.io/gorm"
)

// ReservationOutcome tells the orchestrator how to continue after Reserve.
type ReservationOutcome string

const (
	// ReservationAcquired: a new or reclaimed row is held, create the document.
	ReservationAcquired ReservationOutcome = "acquired"
	// ReservationDraft: the document exists at the provider, only finalize is missing.
	ReservationDraft ReservationOutcome = "draft"
	// ReservationIssued: the document was issued by an earlier request.
	ReservationIssued ReservationOutcome = "issued"
)

type ReserveRequest struct {
	OrgID        snowflake.ID
	DocumentType providerdomain.DocumentType
	SourceID     string
	SaleID       snowflake.ID
	PaymentID    *snowflake.ID
	Provider     string
	ClientName   string
	Total        decimal.Decimal
	DocumentDate time.Time
}

type Reservation struct {
	Outcome ReservationOutcome
	Entry   InvoiceLedgerEntry
}

// IssuedDocument is what the orchestrator learned from the provider.
type IssuedDocument struct {
	Identity       providerdomain.DocumentIdentity
	HumanReference string
	QRURL          string
	Total          decimal.Decimal
	DocumentDate   time.Time
}

type ReserveCreditNoteRequest struct {
	OrgID                snowflake.ID
	OriginalExternalID   string
	OriginalDocumentType providerdomain.DocumentType
	Reason               string
}

type CreditNoteReservation struct {
	// Acquired is false when the reversal already settled; Entry then carries its reference.
	Acquired bool
	Entry    CreditNoteLedgerEntry
}

type SettleCreditNoteRequest struct {
	CreditNote     CreditNoteLedgerEntry
	Original       InvoiceLedgerEntry
	Identity       providerdomain.DocumentIdentity
	HumanReference string
	DocumentDate   time.Time
	// Total is the reversed gross; zero means the whole original.
	Total decimal.Decimal
}

type ListRequest struct {
	OrgID     snowflake.ID
	SaleID    snowflake.ID
	PageToken string
	PageSize  int
}

type ListResponse struct {
	Entries  []InvoiceLedgerEntry `json:"entries"`
	PageInfo pagination.PageInfo  `json:"page_info"`
}

// Service is the ledger writer: it owns ordering of ledger, sale/payment and artifact writes.
type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	MarkDraft(ctx context.Context, entry InvoiceLedgerEntry, identity providerdomain.DocumentIdentity) error
	MarkFailed(ctx context.Context, entry InvoiceLedgerEntry, reason string) error
	RecordIssued(ctx context.Context, entry InvoiceLedgerEntry, doc IssuedDocument) (*InvoiceLedgerEntry, error)
	StoreArtifacts(ctx context.Context, entry InvoiceLedgerEntry, pdf []byte, qrURL string) (string, error)
	RepairReference(ctx context.Context, entry InvoiceLedgerEntry) error

	FindIssued(ctx context.Context, orgID snowflake.ID, docType providerdomain.DocumentType, sourceID string) (*InvoiceLedgerEntry, error)
	FindByExternalID(ctx context.Context, orgID snowflake.ID, docType providerdomain.DocumentType, externalID string) (*InvoiceLedgerEntry, error)

	ReserveCreditNote(ctx context.Context, req ReserveCreditNoteRequest) (*CreditNoteReservation, error)
	SettleCreditNote(ctx context.Context, req SettleCreditNoteRequest) (*CreditNoteLedgerEntry, error)
	FailCreditNote(ctx context.Context, entry CreditNoteLedgerEntry, reason string) error

	List(ctx context.Context, req ListRequest) (ListResponse, error)
	// ListMissingArtifacts returns issued documents without a stored PDF, oldest first.
	ListMissingArtifacts(ctx context.Context, issuedBefore time.Time, limit int) ([]InvoiceLedgerEntry, error)
}

type IssuedUpdate struct {
	ExternalID     string
	HumanReference string
	Payload        providerdomain.DocumentIdentity
	Total          decimal.Decimal
	DocumentDate   time.Time
	QRURL          string
}

type ListFilter struct {
	OrgID   snowflake.ID
	SaleID  snowflake.ID
	AfterID snowflake.ID
	Limit   int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *InvoiceLedgerEntry) (bool, error)
	FindBySource(ctx context.Context, db *gorm.DB, orgID snowflake.ID, docType providerdomain.DocumentType, sourceID string) (*InvoiceLedgerEntry, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, docType providerdomain.DocumentType, externalID string) (*InvoiceLedgerEntry, error)
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from EntryStatus, attempts int, now time.Time) (bool, error)
	MarkDraft(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID string, payload providerdomain.DocumentIdentity, now time.Time) error
	MarkIssued(ctx context.Context, db *gorm.DB, id snowflake.ID, update IssuedUpdate, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error
	SetArtifacts(ctx context.Context, db *gorm.DB, id snowflake.ID, pdfPath, qrURL string, now time.Time) error
	MarkReversed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*InvoiceLedgerEntry, error)
	ListMissingArtifacts(ctx context.Context, db *gorm.DB, issuedBefore time.Time, limit int) ([]*InvoiceLedgerEntry, error)

	ReserveCreditNote(ctx context.Context, db *gorm.DB, entry *CreditNoteLedgerEntry) (bool, error)
	FindCreditNote(ctx context.Context, db *gorm.DB, orgID snowflake.ID, originalExternalID string) (*CreditNoteLedgerEntry, error)
	ClaimCreditNote(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, reason string, now time.Time) (bool, error)
	SettleCreditNote(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID, humanReference string, payload providerdomain.DocumentIdentity, now time.Time) (bool, error)
	FailCreditNote(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInvalidDocumentType = errors.New("invalid_document_type")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrEntryNotFound       = errors.New("ledger_entry_not_found")
	ErrStateConflict       = errors.New("ledger_state_conflict")
)
