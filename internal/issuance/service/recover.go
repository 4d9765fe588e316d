package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	issuancedomain "github.com/smallbiznis/fiscal/internal/issuance/domain"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	"github.com/smallbiznis/fiscal/internal/observability/tracing"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"go.opentelemetry.io/otel/attribute"
)

func (s *Service) RecoverArtifacts(ctx context.Context, entry ledgerdomain.InvoiceLedgerEntry) (result *issuancedomain.Result, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "issuance.recover_artifacts",
		attribute.String("org_id", entry.OrgID.String()),
		attribute.String("external_id", entry.ExternalID),
	)
	r := s.newRun(ctx, entry.DocumentType, entry.OrgID, entry.SourceID)
	defer func() {
		r.finish(err)
		tracing.EndSpan(span, err)
	}()

	if entry.Status != ledgerdomain.EntryStatusIssued || entry.ExternalID == "" {
		return nil, r.fail(fiscalerr.Validation("document is not issued"))
	}

	settings, err := s.configSvc.Load(ctx, entry.OrgID)
	if err != nil {
		return nil, r.fail(err)
	}
	adapter, err := s.registry.NewAdapter(entry.Provider, providerdomain.Credentials{
		APIKey:       settings.Credentials.APIKey,
		ClientID:     settings.Credentials.ClientID,
		ClientSecret: settings.Credentials.ClientSecret,
	})
	if err != nil {
		if errors.Is(err, providerdomain.ErrProviderNotFound) {
			err = fiscalerr.Wrap(fiscalerr.KindConfigurationMissing, "billing provider is not supported", err)
		}
		return nil, r.fail(err)
	}

	r.enter(issuancedomain.StageAuthenticating)
	token, err := s.sessions.Token(ctx, settings, adapter)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(issuancedomain.StageArtifactPending)
	result = &issuancedomain.Result{
		DocumentType:   entry.DocumentType,
		ExternalID:     entry.ExternalID,
		HumanReference: entry.HumanReference,
		QRURL:          entry.QRURL,
	}
	s.collectArtifacts(ctx, r, adapter, token, entry, nil, result)
	if result.PDFPath == "" {
		return nil, r.fail(&fiscalerr.Error{
			Kind:       fiscalerr.KindArtifactUnavailable,
			Reason:     "document pdf still unavailable",
			Reference:  entry.HumanReference,
			ExternalID: entry.ExternalID,
		})
	}

	r.enter(issuancedomain.StageDone)
	return result, nil
}
