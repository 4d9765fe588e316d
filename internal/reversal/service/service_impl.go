package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	"github.com/smallbiznis/fiscal/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	"github.com/smallbiznis/fiscal/internal/observability/tracing"
	"github.com/smallbiznis/fiscal/internal/provider"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	reversaldomain "github.com/smallbiznis/fiscal/internal/reversal/domain"
	"github.com/smallbiznis/fiscal/internal/session"
	taxdomain "github.com/smallbiznis/fiscal/internal/tax/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "fiscal/reversal"

const (
	stageValidating = "validating"
	stageReserving  = "reserving"
	stageVoiding    = "voiding"
	stageSettling   = "settling"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	ConfigSvc billingdomain.Service
	Ledger    ledgerdomain.Service
	Tax       taxdomain.Engine
	Registry  *provider.Registry
	Sessions  *session.Manager
	Clock     clock.Clock
	Issuance  *obsmetrics.IssuanceMetrics `optional:"true"`
	AuditSvc  auditdomain.Service         `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	configSvc billingdomain.Service
	ledger    ledgerdomain.Service
	tax       taxdomain.Engine
	registry  *provider.Registry
	sessions  *session.Manager
	clock     clock.Clock
	issuance  *obsmetrics.IssuanceMetrics
	auditSvc  auditdomain.Service
}

func NewService(p Params) reversaldomain.Service {
	return &Service{
		log:       p.Log.Named("reversal.service"),
		configSvc: p.ConfigSvc,
		ledger:    p.Ledger,
		tax:       p.Tax,
		registry:  p.Registry,
		sessions:  p.Sessions,
		clock:     p.Clock,
		issuance:  p.Issuance,
		auditSvc:  p.AuditSvc,
	}
}

func (s *Service) Reverse(ctx context.Context, req reversaldomain.ReverseRequest) (result *reversaldomain.Result, err error) {
	req.OriginalExternalID = strings.TrimSpace(req.OriginalExternalID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.OriginalDocumentType == "" {
		req.OriginalDocumentType = providerdomain.DocumentTypeInvoice
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "reversal.reverse",
		attribute.String("org_id", req.OrgID.String()),
		attribute.String("original_external_id", req.OriginalExternalID),
	)
	log := logger.WithDocument(logger.WithOrg(logger.WithContext(ctx, s.log), req.OrgID.String()),
		string(providerdomain.DocumentTypeCreditNote), req.OriginalExternalID)
	stage := stageValidating
	defer func() {
		err = fiscalerr.WithStage(err, stage)
		s.issuance.ObserveOperation(string(providerdomain.DocumentTypeCreditNote), stage, err)
		if err != nil {
			log.Warn("reversal failed",
				zap.String("kind", string(fiscalerr.KindOf(err))),
				zap.String("stage", stage),
				zap.Error(err),
			)
		}
		tracing.EndSpan(span, err)
	}()

	if req.OrgID == 0 || req.OriginalExternalID == "" {
		return nil, fiscalerr.Validation("organization and original document are required")
	}
	if req.Reason == "" {
		return nil, fiscalerr.Validation("reversal reason is required")
	}
	if req.OriginalDocumentType != providerdomain.DocumentTypeInvoice && req.OriginalDocumentType != providerdomain.DocumentTypeReceipt {
		return nil, fiscalerr.Validation("only invoices and receipts can be reversed")
	}

	settings, err := s.configSvc.Load(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}

	original, err := s.ledger.FindByExternalID(ctx, req.OrgID, req.OriginalDocumentType, req.OriginalExternalID)
	if err != nil {
		return nil, err
	}
	if original == nil || original.Status != ledgerdomain.EntryStatusIssued {
		return nil, fiscalerr.New(fiscalerr.KindNotFound, "original document not found")
	}

	lines, err := s.partialLines(settings, req.Items)
	if err != nil {
		return nil, err
	}

	stage = stageReserving
	reservation, err := s.ledger.ReserveCreditNote(ctx, ledgerdomain.ReserveCreditNoteRequest{
		OrgID:                req.OrgID,
		OriginalExternalID:   req.OriginalExternalID,
		OriginalDocumentType: req.OriginalDocumentType,
		Reason:               req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if !reservation.Acquired {
		log.Info("reversal already settled", zap.String("external_id", reservation.Entry.ExternalID))
		return &reversaldomain.Result{
			ExternalID:         reservation.Entry.ExternalID,
			HumanReference:     reservation.Entry.HumanReference,
			OriginalExternalID: req.OriginalExternalID,
			AlreadySettled:     true,
		}, nil
	}
	creditNote := reservation.Entry

	stage = stageVoiding
	adapter, err := s.registry.NewAdapter(string(settings.Provider), providerdomain.Credentials{
		APIKey:       settings.Credentials.APIKey,
		ClientID:     settings.Credentials.ClientID,
		ClientSecret: settings.Credentials.ClientSecret,
	})
	if err != nil {
		if errors.Is(err, providerdomain.ErrProviderNotFound) {
			err = fiscalerr.Wrap(fiscalerr.KindConfigurationMissing, "billing provider is not supported", err)
		}
		return nil, s.fail(ctx, log, creditNote, err)
	}
	token, err := s.sessions.Token(ctx, settings, adapter)
	if err != nil {
		return nil, s.fail(ctx, log, creditNote, err)
	}

	date := dateOnly(s.clock.Now())
	voided, err := adapter.Void(ctx, token, providerdomain.VoidRequest{
		Original:       original.Identity(),
		OriginalType:   req.OriginalDocumentType,
		Reason:         req.Reason,
		IdempotencyKey: reversaldomain.VoidIdempotencyKey(req.OrgID, req.OriginalExternalID),
		Date:           date,
		Series:         settings.DefaultSeries,
		Items:          lines,
	})
	if err != nil {
		s.sessions.DropRejected(ctx, settings, err)
		return nil, s.fail(ctx, log, creditNote, err)
	}

	stage = stageSettling
	settled, err := s.ledger.SettleCreditNote(ctx, ledgerdomain.SettleCreditNoteRequest{
		CreditNote:     creditNote,
		Original:       *original,
		Identity:       voided.Identity,
		HumanReference: voided.HumanReference,
		DocumentDate:   date,
		Total:          reversedGross(lines, original.Total),
	})
	if err != nil {
		log.Error("credit note issued but ledger not settled",
			zap.String("credit_note_external_id", voided.ExternalID()),
			zap.Error(err),
		)
		fe := fiscalerr.Wrap(fiscalerr.KindInternal, "credit note issued but ledger update failed", err)
		fe.ExternalID = voided.ExternalID()
		fe.Reference = voided.HumanReference
		return nil, fe
	}

	log.Info("document reversed",
		zap.String("credit_note_external_id", settled.ExternalID),
		zap.String("human_reference", settled.HumanReference),
	)
	s.emitAudit(ctx, auditdomain.ActionDocumentReversed, req, map[string]any{
		"credit_note_external_id": settled.ExternalID,
		"human_reference":         settled.HumanReference,
		"reason":                  req.Reason,
		"partial":                 len(lines) > 0,
	})
	return &reversaldomain.Result{
		ExternalID:         settled.ExternalID,
		HumanReference:     settled.HumanReference,
		OriginalExternalID: req.OriginalExternalID,
	}, nil
}

// partialLines validates caller-supplied items with the organization's tax defaults.
func (s *Service) partialLines(settings *billingdomain.Settings, items []reversaldomain.Item) ([]providerdomain.Line, error) {
	if len(items) == 0 {
		return nil, nil
	}
	inputs := make([]taxdomain.LineInput, 0, len(items))
	for _, item := range items {
		inputs = append(inputs, taxdomain.LineInput{
			Description:     item.Description,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			TaxRate:         item.TaxRate,
			ExemptionReason: item.ExemptionReason,
		})
	}
	computed, err := s.tax.Validate(taxdomain.Input{
		DocumentType: providerdomain.DocumentTypeCreditNote,
		Items:        inputs,
		Default: taxdomain.Default{
			Rate:            settings.TaxDefault.Rate,
			ExemptionReason: settings.TaxDefault.ExemptionReason,
		},
	})
	if err != nil {
		return nil, err
	}
	return computed.Lines, nil
}

func (s *Service) fail(ctx context.Context, log *zap.Logger, entry ledgerdomain.CreditNoteLedgerEntry, err error) error {
	fe := fiscalerr.As(err)
	reason := string(fe.Kind)
	if fe.Reason != "" {
		reason += ": " + fe.Reason
	}
	if markErr := s.ledger.FailCreditNote(ctx, entry, reason); markErr != nil {
		log.Error("failed to release reversal reservation", zap.String("credit_note_id", entry.ID.String()), zap.Error(markErr))
	}
	return err
}

func (s *Service) emitAudit(ctx context.Context, action string, req reversaldomain.ReverseRequest, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, req.OrgID, action, string(req.OriginalDocumentType), req.OriginalExternalID, metadata)
}

// reversedGross is the credit note total: the given lines, else the whole original.
func reversedGross(lines []providerdomain.Line, original decimal.Decimal) decimal.Decimal {
	if len(lines) == 0 {
		return original
	}
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Gross)
	}
	return total
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
