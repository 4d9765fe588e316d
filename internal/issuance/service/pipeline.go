package service

import (
	"context"
	"errors"
	"time"

	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	issuancedomain "github.com/smallbiznis/fiscal/internal/issuance/domain"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	saledomain "github.com/smallbiznis/fiscal/internal/sale/domain"
	"go.uber.org/zap"
)

// plan is a validated document ready to be reserved and sent.
type plan struct {
	settings *billingdomain.Settings
	client   saledomain.Client
	reserve  ledgerdomain.ReserveRequest
	request  providerdomain.DocumentRequest
}

func (s *Service) issue(ctx context.Context, r *run, p plan) (*issuancedomain.Result, error) {
	reservation, err := s.ledger.Reserve(ctx, p.reserve)
	if err != nil {
		return nil, r.fail(err)
	}
	entry := reservation.Entry
	if reservation.Outcome == ledgerdomain.ReservationIssued {
		s.repair(ctx, r, entry)
		return nil, r.fail(fiscalerr.AlreadyIssued(entry.ExternalID, entry.HumanReference))
	}

	adapter, err := s.registry.NewAdapter(string(p.settings.Provider), providerdomain.Credentials{
		APIKey:       p.settings.Credentials.APIKey,
		ClientID:     p.settings.Credentials.ClientID,
		ClientSecret: p.settings.Credentials.ClientSecret,
	})
	if err != nil {
		if errors.Is(err, providerdomain.ErrProviderNotFound) {
			err = fiscalerr.Wrap(fiscalerr.KindConfigurationMissing, "billing provider is not supported", err)
		}
		return nil, s.abandon(ctx, r, entry, err)
	}

	r.enter(issuancedomain.StageAuthenticating)
	token, err := s.sessions.Token(ctx, p.settings, adapter)
	if err != nil {
		return nil, s.abandon(ctx, r, entry, err)
	}

	date := p.request.Date
	identity := entry.Identity()
	var created *providerdomain.CreatedDocument
	if reservation.Outcome == ledgerdomain.ReservationDraft {
		r.log.Info("resuming draft document", zap.String("external_id", entry.ExternalID))
		if !entry.DocumentDate.IsZero() {
			date = entry.DocumentDate
		}
	} else {
		r.enter(issuancedomain.StageCreating)
		client, err := s.resolveClient(ctx, r, adapter, token, p.client)
		if err != nil {
			s.sessions.DropRejected(ctx, p.settings, err)
			return nil, s.abandon(ctx, r, entry, err)
		}
		req := p.request
		req.Client = client
		req.Date = s.documentDate(ctx, r, adapter, token, req.Type, req.Date)
		date = req.Date

		created, err = adapter.CreateDocument(ctx, token, req)
		if err != nil {
			s.sessions.DropRejected(ctx, p.settings, err)
			return nil, s.abandon(ctx, r, entry, err)
		}
		if created.Existing {
			r.log.Info("provider reported document already created", zap.String("external_id", created.ExternalID()))
		}
		identity = created.Identity
	}

	reference := ""
	if created != nil && created.Finalized {
		reference = created.HumanReference
	} else {
		r.enter(issuancedomain.StageFinalizing)
		reference, err = adapter.Finalize(ctx, token, identity)
		if err != nil {
			s.sessions.DropRejected(ctx, p.settings, err)
			if markErr := s.ledger.MarkDraft(ctx, entry, identity); markErr != nil {
				r.log.Error("failed to keep draft on ledger", zap.String("external_id", identity.ExternalID()), zap.Error(markErr))
			}
			return nil, r.fail(finalizeFailed(identity, err))
		}
		if reference == "" && created != nil {
			reference = created.HumanReference
		}
	}

	qrURL := ""
	if created != nil {
		qrURL = created.QRURL
	}
	issued, err := s.ledger.RecordIssued(ctx, entry, ledgerdomain.IssuedDocument{
		Identity:       identity,
		HumanReference: reference,
		QRURL:          qrURL,
		Total:          p.request.Totals.Gross,
		DocumentDate:   date,
	})
	if err != nil {
		return nil, r.fail(fiscalerr.Wrap(fiscalerr.KindInternal, "document issued but ledger update failed", err))
	}

	r.enter(issuancedomain.StageArtifactPending)
	result := &issuancedomain.Result{
		DocumentType:   issued.DocumentType,
		ExternalID:     issued.ExternalID,
		HumanReference: issued.HumanReference,
		QRURL:          issued.QRURL,
	}
	s.collectArtifacts(ctx, r, adapter, token, *issued, created, result)

	r.enter(issuancedomain.StageDone)
	s.emitAudit(ctx, auditdomain.ActionDocumentIssued, *issued, map[string]any{
		"human_reference": issued.HumanReference,
		"provider":        issued.Provider,
		"total":           issued.Total.StringFixed(2),
	})
	return result, nil
}

// abandon marks the reservation failed so the next request may claim it.
func (s *Service) abandon(ctx context.Context, r *run, entry ledgerdomain.InvoiceLedgerEntry, err error) error {
	err = r.fail(err)
	fe := fiscalerr.As(err)
	reason := string(fe.Kind)
	if fe.Reason != "" {
		reason += ": " + fe.Reason
	}
	if markErr := s.ledger.MarkFailed(ctx, entry, reason); markErr != nil {
		r.log.Error("failed to release ledger reservation", zap.String("entry_id", entry.ID.String()), zap.Error(markErr))
	}
	s.emitAudit(ctx, auditdomain.ActionDocumentFailed, entry, map[string]any{
		"stage":  fe.Stage,
		"reason": reason,
	})
	return err
}

func finalizeFailed(identity providerdomain.DocumentIdentity, err error) error {
	cause := fiscalerr.As(err)
	return &fiscalerr.Error{
		Kind:           fiscalerr.KindFinalizeFailed,
		Reason:         "document created but not finalized",
		ExternalID:     identity.ExternalID(),
		ProviderStatus: cause.ProviderStatus,
		ProviderDetail: cause.ProviderDetail,
		Err:            err,
	}
}

func (s *Service) resolveClient(ctx context.Context, r *run, adapter providerdomain.Adapter, token string, c saledomain.Client) (providerdomain.Client, error) {
	client := providerdomain.Client{
		ProviderClientID: c.ProviderClientID,
		Name:             c.Name,
		TaxID:            c.TaxID,
		Email:            c.Email,
		Address:          c.Address,
		Country:          c.Country,
	}
	id, err := adapter.ResolveOrCreateClient(ctx, token, client)
	if err != nil {
		return client, err
	}
	if id != "" && id != c.ProviderClientID {
		client.ProviderClientID = id
		if err := s.saleSvc.CacheProviderClientID(ctx, c.OrgID, c.ID, id); err != nil {
			r.log.Warn("failed to cache provider client id", zap.String("client_id", c.ID.String()), zap.Error(err))
		}
	}
	return client, nil
}

// documentDate clamps date up to the provider's latest document date. The
// lookup is best effort and its failure never blocks issuance.
func (s *Service) documentDate(ctx context.Context, r *run, adapter providerdomain.Adapter, token string, docType providerdomain.DocumentType, date time.Time) time.Time {
	if !s.policy.Get().ChronologicalGuard {
		return date
	}
	reporter, ok := providerdomain.ChronologyReporterOf(adapter)
	if !ok {
		return date
	}
	latest, found, err := reporter.LatestDocumentDate(ctx, token, docType)
	if err != nil {
		r.log.Warn("latest document date lookup failed", zap.Error(err))
		return date
	}
	latest = dateOnly(latest)
	if found && latest.After(date) {
		r.log.Info("document date moved forward to keep provider chronology",
			zap.Time("requested", date),
			zap.Time("latest", latest),
		)
		return latest
	}
	return date
}

func (s *Service) emitAudit(ctx context.Context, action string, entry ledgerdomain.InvoiceLedgerEntry, extra map[string]any) {
	if s.auditSvc == nil {
		return
	}
	metadata := map[string]any{
		"source_id": entry.SourceID,
		"sale_id":   entry.SaleID.String(),
	}
	if entry.PaymentID != nil {
		metadata["payment_id"] = entry.PaymentID.String()
	}
	for key, value := range extra {
		metadata[key] = value
	}
	target := entry.ExternalID
	if target == "" {
		target = entry.SourceID
	}
	_ = s.auditSvc.AuditLog(ctx, entry.OrgID, action, string(entry.DocumentType), target, metadata)
}
