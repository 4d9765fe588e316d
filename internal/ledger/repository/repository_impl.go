package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const invoiceColumns = `id, org_id, document_type, source_id, status, attempts, provider, external_id,
	human_reference, total, document_date, client_name, provider_payload, sale_id, payment_id,
	pdf_path, qr_url, failure_reason, reversed_at, created_at, updated_at`

const creditNoteColumns = `id, org_id, original_external_id, original_document_type, reason, status, attempts,
	external_id, human_reference, provider_payload, failure_reason, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.InvoiceLedgerEntry) (bool, error) {
	if entry == nil {
		return false, errors.New("ledger entry is nil")
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO invoice_ledger_entries (
			id, org_id, document_type, source_id, status, attempts, provider, external_id,
			human_reference, total, document_date, client_name, provider_payload, sale_id, payment_id,
			pdf_path, qr_url, failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?, ?, ?, ?, '', '', '', ?, ?)
		ON CONFLICT (org_id, document_type, source_id) DO NOTHING`,
		entry.ID,
		entry.OrgID,
		entry.DocumentType,
		entry.SourceID,
		entry.Status,
		entry.Attempts,
		entry.Provider,
		entry.Total,
		entry.DocumentDate,
		entry.ClientName,
		entry.ProviderPayload,
		entry.SaleID,
		entry.PaymentID,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindBySource(ctx context.Context, db *gorm.DB, orgID snowflake.ID, docType providerdomain.DocumentType, sourceID string) (*domain.InvoiceLedgerEntry, error) {
	var item domain.InvoiceLedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoice_ledger_entries
		 WHERE org_id = ? AND document_type = ? AND source_id = ?
		 LIMIT 1`,
		orgID,
		docType,
		sourceID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, docType providerdomain.DocumentType, externalID string) (*domain.InvoiceLedgerEntry, error) {
	var item domain.InvoiceLedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoice_ledger_entries
		 WHERE org_id = ? AND document_type = ? AND external_id = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		orgID,
		docType,
		externalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// Claim moves a failed or stale row back to pending. The attempts counter
// makes the update a compare-and-swap between concurrent claimers.
func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.EntryStatus, attempts int, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoice_ledger_entries
		 SET status = ?, attempts = attempts + 1, failure_reason = '', updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		domain.EntryStatusPending,
		now,
		id,
		from,
		attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkDraft(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID string, payload providerdomain.DocumentIdentity, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_ledger_entries
		 SET status = ?, external_id = ?, provider_payload = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.EntryStatusDraft,
		externalID,
		datatypes.NewJSONType(payload),
		now,
		id,
		[]domain.EntryStatus{domain.EntryStatusPending, domain.EntryStatusDraft},
	).Error
}

func (r *repo) MarkIssued(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.IssuedUpdate, now time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoice_ledger_entries
		 SET status = ?, external_id = ?, human_reference = ?, provider_payload = ?,
			total = ?, document_date = ?, qr_url = ?, failure_reason = '', updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.EntryStatusIssued,
		update.ExternalID,
		update.HumanReference,
		datatypes.NewJSONType(update.Payload),
		update.Total,
		update.DocumentDate,
		update.QRURL,
		now,
		id,
		[]domain.EntryStatus{domain.EntryStatusPending, domain.EntryStatusDraft},
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_ledger_entries
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.EntryStatusFailed,
		reason,
		now,
		id,
		domain.EntryStatusPending,
	).Error
}

func (r *repo) SetArtifacts(ctx context.Context, db *gorm.DB, id snowflake.ID, pdfPath, qrURL string, now time.Time) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if pdfPath != "" {
		sets = append(sets, "pdf_path = ?")
		args = append(args, pdfPath)
	}
	if qrURL != "" {
		sets = append(sets, "qr_url = ?")
		args = append(args, qrURL)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now, id)

	return db.WithContext(ctx).Exec(
		`UPDATE invoice_ledger_entries SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	).Error
}

func (r *repo) MarkReversed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoice_ledger_entries
		 SET reversed_at = ?, updated_at = ?
		 WHERE id = ? AND reversed_at IS NULL`,
		now,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.InvoiceLedgerEntry, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoice_ledger_entries WHERE org_id = ?`
	args := []any{filter.OrgID}
	if filter.SaleID != 0 {
		query += ` AND sale_id = ?`
		args = append(args, filter.SaleID)
	}
	if filter.AfterID != 0 {
		query += ` AND id > ?`
		args = append(args, filter.AfterID)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		// One extra row tells the caller whether another page exists.
		query += ` LIMIT ?`
		args = append(args, filter.Limit+1)
	}

	var items []*domain.InvoiceLedgerEntry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListMissingArtifacts(ctx context.Context, db *gorm.DB, issuedBefore time.Time, limit int) ([]*domain.InvoiceLedgerEntry, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoice_ledger_entries
		WHERE status = ? AND pdf_path = '' AND external_id <> '' AND updated_at < ?
		ORDER BY updated_at ASC, id ASC`
	args := []any{domain.EntryStatusIssued, issuedBefore}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var items []*domain.InvoiceLedgerEntry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ReserveCreditNote inserts the reversal guard or reclaims a failed one in a
// single statement. It reports true when the caller now owns the reversal.
func (r *repo) ReserveCreditNote(ctx context.Context, db *gorm.DB, entry *domain.CreditNoteLedgerEntry) (bool, error) {
	if entry == nil {
		return false, errors.New("credit note entry is nil")
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO credit_note_ledger_entries (
			id, org_id, original_external_id, original_document_type, reason, status, attempts,
			external_id, human_reference, provider_payload, failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, '', '', ?, '', ?, ?)
		ON CONFLICT (original_external_id, org_id)
		DO UPDATE SET status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			attempts = credit_note_ledger_entries.attempts + 1,
			failure_reason = '',
			updated_at = EXCLUDED.updated_at
		WHERE credit_note_ledger_entries.status = ?`,
		entry.ID,
		entry.OrgID,
		entry.OriginalExternalID,
		entry.OriginalDocumentType,
		entry.Reason,
		domain.CreditNoteStatusPending,
		entry.ProviderPayload,
		entry.CreatedAt,
		entry.UpdatedAt,
		domain.CreditNoteStatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindCreditNote(ctx context.Context, db *gorm.DB, orgID snowflake.ID, originalExternalID string) (*domain.CreditNoteLedgerEntry, error) {
	var item domain.CreditNoteLedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+creditNoteColumns+`
		 FROM credit_note_ledger_entries
		 WHERE org_id = ? AND original_external_id = ?
		 LIMIT 1`,
		orgID,
		originalExternalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// ClaimCreditNote takes over a pending reversal whose owner stopped making progress.
func (r *repo) ClaimCreditNote(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, reason string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_note_ledger_entries
		 SET attempts = attempts + 1, reason = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		reason,
		now,
		id,
		domain.CreditNoteStatusPending,
		attempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SettleCreditNote(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID, humanReference string, payload providerdomain.DocumentIdentity, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_note_ledger_entries
		 SET status = ?, external_id = ?, human_reference = ?, provider_payload = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.CreditNoteStatusSettled,
		externalID,
		humanReference,
		datatypes.NewJSONType(payload),
		now,
		id,
		domain.CreditNoteStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FailCreditNote(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_note_ledger_entries
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.CreditNoteStatusFailed,
		reason,
		now,
		id,
		domain.CreditNoteStatusPending,
	).Error
}
