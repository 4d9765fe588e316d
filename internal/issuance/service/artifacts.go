package service

import (
	"context"
	"errors"

	issuancedomain "github.com/smallbiznis/fiscal/internal/issuance/domain"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"go.uber.org/zap"
)

const (
	artifactPDF = "pdf"
	artifactQR  = "qr"
)

// collectArtifacts fetches whatever the create call did not return, stores
// it and fills result. Nothing here fails the issuance.
func (s *Service) collectArtifacts(ctx context.Context, r *run, adapter providerdomain.Adapter, token string, entry ledgerdomain.InvoiceLedgerEntry, created *providerdomain.CreatedDocument, result *issuancedomain.Result) {
	identity := entry.Identity()

	var pdf []byte
	qrURL := entry.QRURL
	if created != nil {
		pdf = created.PDF
		if created.QRURL != "" {
			qrURL = created.QRURL
		}
	}

	if len(pdf) == 0 {
		err := s.poll(ctx, r, adapter.Kind(), artifactPDF, func(ctx context.Context) error {
			data, err := adapter.FetchPDF(ctx, token, identity)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return providerdomain.ErrArtifactNotReady
			}
			pdf = data
			return nil
		})
		if err != nil {
			s.artifactUnavailable(r, artifactPDF, err)
		}
	}

	if qrURL == "" {
		err := s.poll(ctx, r, adapter.Kind(), artifactQR, func(ctx context.Context) error {
			url, err := adapter.FetchQR(ctx, token, identity)
			if err != nil {
				return err
			}
			if url == "" {
				return providerdomain.ErrArtifactNotReady
			}
			qrURL = url
			return nil
		})
		if err != nil {
			s.artifactUnavailable(r, artifactQR, err)
		}
	}

	result.QRURL = qrURL
	if len(pdf) == 0 && qrURL == entry.QRURL {
		return
	}

	path, err := s.ledger.StoreArtifacts(ctx, entry, pdf, qrURL)
	if err != nil {
		r.log.Warn("failed to store document artifacts", zap.Error(err))
		s.issuance.IncArtifactUnavailable("upload")
		return
	}
	if path != "" {
		result.PDFPath = path
		result.PDFURL = s.store.URL(path)
	}
}

// poll calls fetch up to the policy's attempt count with a fixed delay.
func (s *Service) poll(ctx context.Context, r *run, providerKind, artifactName string, fetch func(context.Context) error) error {
	policy := s.policy.Get()
	attempts := policy.ArtifactAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fetch(ctx)
		s.metrics.RecordArtifactAttempt(ctx, providerKind, artifactName, attemptOutcome(err))
		if err == nil {
			return nil
		}
		r.log.Debug("artifact not available",
			zap.String("artifact", artifactName),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == attempts {
			break
		}
		if sleepErr := s.clock.Sleep(ctx, policy.ArtifactDelay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (s *Service) artifactUnavailable(r *run, artifactName string, err error) {
	s.issuance.IncArtifactUnavailable(artifactName)
	r.log.Warn("artifact unavailable, document issued without it",
		zap.String("artifact", artifactName),
		zap.Error(err),
	)
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, providerdomain.ErrArtifactNotReady):
		return "not_ready"
	default:
		return "error"
	}
}
