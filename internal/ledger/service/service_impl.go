package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/artifact"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/config"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	saledomain "github.com/smallbiznis/fiscal/internal/sale/domain"
	"github.com/smallbiznis/fiscal/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     ledgerdomain.Repository
	SaleSvc  saledomain.Service
	Store    artifact.Store
	Clock    clock.Clock
	Policy   *config.FiscalPolicyHolder  `optional:"true"`
	Metrics  *obsmetrics.Metrics         `optional:"true"`
	Issuance *obsmetrics.IssuanceMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     ledgerdomain.Repository
	saleSvc  saledomain.Service
	store    artifact.Store
	clock    clock.Clock
	policy   *config.FiscalPolicyHolder
	metrics  *obsmetrics.Metrics
	issuance *obsmetrics.IssuanceMetrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ledger.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		saleSvc:  p.SaleSvc,
		store:    p.Store,
		clock:    p.Clock,
		policy:   p.Policy,
		metrics:  p.Metrics,
		issuance: p.Issuance,
	}
}

func (s *Service) Reserve(ctx context.Context, req ledgerdomain.ReserveRequest) (*ledgerdomain.Reservation, error) {
	if req.OrgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if !req.DocumentType.Valid() {
		return nil, ledgerdomain.ErrInvalidDocumentType
	}
	req.SourceID = strings.TrimSpace(req.SourceID)
	if req.SourceID == "" {
		return nil, ledgerdomain.ErrInvalidSource
	}

	now := s.clock.Now().UTC()
	entry := ledgerdomain.InvoiceLedgerEntry{
		ID:              s.genID.Generate(),
		OrgID:           req.OrgID,
		DocumentType:    req.DocumentType,
		SourceID:        req.SourceID,
		Status:          ledgerdomain.EntryStatusPending,
		Attempts:        1,
		Provider:        req.Provider,
		Total:           req.Total,
		DocumentDate:    dateOnly(req.DocumentDate),
		ClientName:      req.ClientName,
		ProviderPayload: datatypes.NewJSONType(providerdomain.DocumentIdentity{Provider: req.Provider}),
		SaleID:          req.SaleID,
		PaymentID:       req.PaymentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, &entry)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.issuance.IncReservation(string(req.DocumentType), "inserted")
		return &ledgerdomain.Reservation{Outcome: ledgerdomain.ReservationAcquired, Entry: entry}, nil
	}

	existing, err := s.repo.FindBySource(ctx, s.db, req.OrgID, req.DocumentType, req.SourceID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ledgerdomain.ErrStateConflict
	}

	switch existing.Status {
	case ledgerdomain.EntryStatusIssued:
		s.issuance.IncReservation(string(req.DocumentType), "issued")
		return &ledgerdomain.Reservation{Outcome: ledgerdomain.ReservationIssued, Entry: *existing}, nil
	case ledgerdomain.EntryStatusPending:
		timeout := s.policy.Get().ReservationTimeout
		if now.Sub(existing.UpdatedAt) < timeout {
			s.issuance.IncReservation(string(req.DocumentType), "in_progress")
			return nil, inProgress(req.DocumentType, existing)
		}
		s.log.Warn("reclaiming stale reservation",
			zap.String("entry_id", existing.ID.String()),
			zap.String("document_type", string(req.DocumentType)),
			zap.Time("updated_at", existing.UpdatedAt),
		)
	case ledgerdomain.EntryStatusFailed, ledgerdomain.EntryStatusDraft:
	default:
		return nil, ledgerdomain.ErrStateConflict
	}

	claimed, err := s.repo.Claim(ctx, s.db, existing.ID, existing.Status, existing.Attempts, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		s.issuance.IncReservation(string(req.DocumentType), "in_progress")
		return nil, inProgress(req.DocumentType, existing)
	}

	entry = *existing
	entry.Status = ledgerdomain.EntryStatusPending
	entry.Attempts++
	entry.FailureReason = ""
	entry.UpdatedAt = now

	// A known external id means the provider already holds the document.
	outcome := ledgerdomain.ReservationAcquired
	if entry.ExternalID != "" {
		outcome = ledgerdomain.ReservationDraft
	}
	s.issuance.IncReservation(string(req.DocumentType), "reclaimed")
	return &ledgerdomain.Reservation{Outcome: outcome, Entry: entry}, nil
}

func inProgress(docType providerdomain.DocumentType, entry *ledgerdomain.InvoiceLedgerEntry) error {
	fe := fiscalerr.New(fiscalerr.KindInProgress, strings.ReplaceAll(string(docType), "_", " ")+" issuance already in progress")
	fe.ExternalID = entry.ExternalID
	return fe
}

func (s *Service) MarkDraft(ctx context.Context, entry ledgerdomain.InvoiceLedgerEntry, identity providerdomain.DocumentIdentity) error {
	return s.repo.MarkDraft(ctx, s.db, entry.ID, identity.ExternalID(), identity, s.clock.Now().UTC())
}

func (s *Service) MarkFailed(ctx context.Context, entry ledgerdomain.InvoiceLedgerEntry, reason string) error {
	return s.repo.MarkFailed(ctx, s.db, entry.ID, reason, s.clock.Now().UTC())
}

// RecordIssued writes the ledger first; the sale or payment fields follow and
// a failure there is only logged, since RepairReference rebuilds them later.
func (s *Service) RecordIssued(ctx context.Context, entry ledgerdomain.InvoiceLedgerEntry, doc ledgerdomain.IssuedDocument) (*ledgerdomain.InvoiceLedgerEntry, error) {
	now := s.clock.Now().UTC()
	update := ledgerdomain.IssuedUpdate{
		ExternalID:     doc.Identity.ExternalID(),
		HumanReference: doc.HumanReference,
		Payload:        doc.Identity,
		Total:          doc.Total,
		DocumentDate:   dateOnly(doc.DocumentDate),
		QRURL:          doc.QRURL,
	}
	if err := s.repo.MarkIssued(ctx, s.db, entry.ID, update, now); err != nil {
		return nil, err
	}

	entry.Status = ledgerdomain.EntryStatusIssued
	entry.ExternalID = update.ExternalID
	entry.HumanReference = update.HumanReference
	entry.ProviderPayload = datatypes.NewJSONType(update.Payload)
	entry.Total = update.Total
	entry.DocumentDate = update.DocumentDate
	entry.QRURL = update.QRURL
	entry.UpdatedAt = now

	s.metrics.RecordDocumentIssued(ctx, entry.Provider, string(entry.DocumentType))

	if err := s.writeReference(ctx, entry); err != nil {
		s.log.Warn("ledger entry issued but reference fields not updated",
			zap.String("entry_id", entry.ID.String()),
			zap.String("document_type", string(entry.DocumentType)),
			zap.Error(err),
		)
	}
	return &entry, nil
}

// RepairReference rebuilds missing sale or payment fields from an issued entry.
func (s *Service) RepairReference(ctx context.Context, entry ledgerdomain.InvoiceLedgerEntry) error {
	if entry.Status != ledgerdomain.EntryStatusIssued {
		return nil
	}
	return s.writeReference(ctx, entry)
}

func (s *Service) writeReference(ctx context.Context, entry ledgerdomain.InvoiceLedgerEntry) error {
	ref := saledomain.DocumentReference{
		ExternalID: entry.ExternalID,
		Reference:  entry.HumanReference,
		Provider:   entry.Provider,
		PDFPath:    entry.PDFPath,
		QRPath:     entry.QRURL,
	}

	var (
		updated bool
		err     error
	)
	switch entry.DocumentType {
	case providerdomain.DocumentTypeInvoice:
		updated, err = s.saleSvc.RecordInvoice(ctx, entry.OrgID, entry.SaleID, ref)
	case providerdomain.DocumentTypeReceipt:
		if entry.PaymentID == nil {
			return nil
		}
		updated, err = s.saleSvc.RecordReceipt(ctx, entry.OrgID, *entry.PaymentID, ref)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if updated {
		s.log.Debug("reference fields written",
			zap.String("entry_id", entry.ID.String()),
			zap.String("external_id", entry.ExternalID),
		)
	}
	return nil
}

// StoreArtifacts uploads the PDF and backfills artifact locations on the
// ledger and the sale or payment. It returns the stored path.
func (s *Service) StoreArtifacts(ctx context.Context, entry ledgerdomain.InvoiceLedgerEntry, pdf []byte, qrURL string) (string, error) {
	path := ""
	if len(pdf) > 0 {
		code, number := entry.Identity().CodeAndNumber(entry.DocumentType, entry.HumanReference)
		path = artifact.Path(entry.OrgID, entry.SaleID, code, number)
		if err := s.store.Put(ctx, path, artifact.ContentTypePDF, pdf); err != nil {
			return "", err
		}
	}
	if path == "" && qrURL == "" {
		return "", nil
	}

	if err := s.repo.SetArtifacts(ctx, s.db, entry.ID, path, qrURL, s.clock.Now().UTC()); err != nil {
		return path, err
	}

	var err error
	switch entry.DocumentType {
	case providerdomain.DocumentTypeInvoice:
		err = s.saleSvc.RecordInvoiceArtifacts(ctx, entry.OrgID, entry.SaleID, entry.ExternalID, path, qrURL)
	case providerdomain.DocumentTypeReceipt:
		if entry.PaymentID != nil && path != "" {
			err = s.saleSvc.RecordReceiptPDF(ctx, entry.OrgID, *entry.PaymentID, entry.ExternalID, path)
		}
	}
	if err != nil {
		s.log.Warn("artifact stored but reference fields not updated",
			zap.String("entry_id", entry.ID.String()),
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return path, nil
}

func (s *Service) FindIssued(ctx context.Context, orgID snowflake.ID, docType providerdomain.DocumentType, sourceID string) (*ledgerdomain.InvoiceLedgerEntry, error) {
	entry, err := s.repo.FindBySource(ctx, s.db, orgID, docType, sourceID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Status != ledgerdomain.EntryStatusIssued {
		return nil, nil
	}
	return entry, nil
}

func (s *Service) FindByExternalID(ctx context.Context, orgID snowflake.ID, docType providerdomain.DocumentType, externalID string) (*ledgerdomain.InvoiceLedgerEntry, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	return s.repo.FindByExternalID(ctx, s.db, orgID, docType, externalID)
}

func (s *Service) ReserveCreditNote(ctx context.Context, req ledgerdomain.ReserveCreditNoteRequest) (*ledgerdomain.CreditNoteReservation, error) {
	if req.OrgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	req.OriginalExternalID = strings.TrimSpace(req.OriginalExternalID)
	if req.OriginalExternalID == "" {
		return nil, ledgerdomain.ErrInvalidSource
	}

	now := s.clock.Now().UTC()
	entry := ledgerdomain.CreditNoteLedgerEntry{
		ID:                   s.genID.Generate(),
		OrgID:                req.OrgID,
		OriginalExternalID:   req.OriginalExternalID,
		OriginalDocumentType: req.OriginalDocumentType,
		Reason:               req.Reason,
		Status:               ledgerdomain.CreditNoteStatusPending,
		Attempts:             1,
		ProviderPayload:      datatypes.NewJSONType(providerdomain.DocumentIdentity{}),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	acquired, err := s.repo.ReserveCreditNote(ctx, s.db, &entry)
	if err != nil {
		return nil, err
	}

	current, err := s.repo.FindCreditNote(ctx, s.db, req.OrgID, req.OriginalExternalID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ledgerdomain.ErrStateConflict
	}
	if acquired {
		s.issuance.IncReservation(string(providerdomain.DocumentTypeCreditNote), "inserted")
		return &ledgerdomain.CreditNoteReservation{Acquired: true, Entry: *current}, nil
	}

	switch current.Status {
	case ledgerdomain.CreditNoteStatusSettled:
		s.issuance.IncReservation(string(providerdomain.DocumentTypeCreditNote), "issued")
		return &ledgerdomain.CreditNoteReservation{Acquired: false, Entry: *current}, nil
	case ledgerdomain.CreditNoteStatusPending:
		if now.Sub(current.UpdatedAt) >= s.policy.Get().ReservationTimeout {
			claimed, err := s.repo.ClaimCreditNote(ctx, s.db, current.ID, current.Attempts, req.Reason, now)
			if err != nil {
				return nil, err
			}
			if claimed {
				s.log.Warn("reclaiming stale reversal", zap.String("credit_note_id", current.ID.String()))
				current.Attempts++
				current.Reason = req.Reason
				current.UpdatedAt = now
				s.issuance.IncReservation(string(providerdomain.DocumentTypeCreditNote), "reclaimed")
				return &ledgerdomain.CreditNoteReservation{Acquired: true, Entry: *current}, nil
			}
		}
	}

	s.issuance.IncReservation(string(providerdomain.DocumentTypeCreditNote), "in_progress")
	return nil, fiscalerr.New(fiscalerr.KindInProgress, "reversal already in progress")
}

// SettleCreditNote records a successful reversal: the credit note guard, the
// credit note's own ledger entry and the original's reversal mark commit together.
func (s *Service) SettleCreditNote(ctx context.Context, req ledgerdomain.SettleCreditNoteRequest) (*ledgerdomain.CreditNoteLedgerEntry, error) {
	now := s.clock.Now().UTC()
	externalID := req.Identity.ExternalID()
	original := req.Original
	total := req.Total
	if total.IsZero() {
		total = original.Total
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		settled, err := s.repo.SettleCreditNote(ctx, tx, req.CreditNote.ID, externalID, req.HumanReference, req.Identity, now)
		if err != nil {
			return err
		}
		if !settled {
			return ledgerdomain.ErrStateConflict
		}

		entry := ledgerdomain.InvoiceLedgerEntry{
			ID:              s.genID.Generate(),
			OrgID:           original.OrgID,
			DocumentType:    providerdomain.DocumentTypeCreditNote,
			SourceID:        original.ExternalID,
			Status:          ledgerdomain.EntryStatusPending,
			Attempts:        1,
			Provider:        original.Provider,
			Total:           total,
			DocumentDate:    dateOnly(req.DocumentDate),
			ClientName:      original.ClientName,
			ProviderPayload: datatypes.NewJSONType(req.Identity),
			SaleID:          original.SaleID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		inserted, err := s.repo.Insert(ctx, tx, &entry)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindBySource(ctx, tx, original.OrgID, providerdomain.DocumentTypeCreditNote, original.ExternalID)
			if err != nil {
				return err
			}
			if existing == nil {
				return ledgerdomain.ErrStateConflict
			}
			if existing.Status == ledgerdomain.EntryStatusIssued {
				entry = *existing
			} else {
				entry.ID = existing.ID
				if _, err := s.repo.Claim(ctx, tx, existing.ID, existing.Status, existing.Attempts, now); err != nil {
					return err
				}
			}
		}
		if entry.Status != ledgerdomain.EntryStatusIssued {
			if err := s.repo.MarkIssued(ctx, tx, entry.ID, ledgerdomain.IssuedUpdate{
				ExternalID:     externalID,
				HumanReference: req.HumanReference,
				Payload:        req.Identity,
				Total:          total,
				DocumentDate:   dateOnly(req.DocumentDate),
			}, now); err != nil {
				return err
			}
		}

		if _, err := s.repo.MarkReversed(ctx, tx, original.ID, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDocumentIssued(ctx, original.Provider, string(providerdomain.DocumentTypeCreditNote))

	settled := req.CreditNote
	settled.Status = ledgerdomain.CreditNoteStatusSettled
	settled.ExternalID = externalID
	settled.HumanReference = req.HumanReference
	settled.ProviderPayload = datatypes.NewJSONType(req.Identity)
	settled.UpdatedAt = now
	return &settled, nil
}

func (s *Service) FailCreditNote(ctx context.Context, entry ledgerdomain.CreditNoteLedgerEntry, reason string) error {
	return s.repo.FailCreditNote(ctx, s.db, entry.ID, reason, s.clock.Now().UTC())
}

func (s *Service) ListMissingArtifacts(ctx context.Context, issuedBefore time.Time, limit int) ([]ledgerdomain.InvoiceLedgerEntry, error) {
	items, err := s.repo.ListMissingArtifacts(ctx, s.db, issuedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	entries := make([]ledgerdomain.InvoiceLedgerEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, *item)
	}
	return entries, nil
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListRequest) (ledgerdomain.ListResponse, error) {
	if req.OrgID == 0 {
		return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidOrganization
	}
	afterID, err := pagination.DecodeToken(req.PageToken)
	if err != nil {
		return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidPageToken
	}

	pageSize := pagination.Size(req.PageSize)
	items, err := s.repo.List(ctx, s.db, ledgerdomain.ListFilter{
		OrgID:   req.OrgID,
		SaleID:  req.SaleID,
		AfterID: afterID,
		Limit:   pageSize,
	})
	if err != nil {
		return ledgerdomain.ListResponse{}, err
	}

	entries, info := pagination.Page(items, pageSize, func(e *ledgerdomain.InvoiceLedgerEntry) snowflake.ID { return e.ID })
	return ledgerdomain.ListResponse{Entries: entries, PageInfo: info}, nil
}

func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
