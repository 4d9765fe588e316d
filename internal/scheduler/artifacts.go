package scheduler

import (
	"context"

	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"github.com/smallbiznis/fiscal/internal/observability/logger"
	"go.uber.org/zap"
)

// ArtifactBackfillJob retries the PDF download for documents issued without one.
// A failure on one document never stops the batch.
func (s *Scheduler) ArtifactBackfillJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	cutoff := s.clock.Now().Add(-s.cfg.ArtifactGrace)

	entries, err := s.ledgerSvc.ListMissingArtifacts(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		log := logger.WithOrg(s.log, entry.OrgID.String()).With(
			zap.String("job", jobArtifactBackfill),
			zap.String("external_id", entry.ExternalID),
			zap.String("document_type", string(entry.DocumentType)),
		)
		res, err := s.issuanceSvc.RecoverArtifacts(ctx, entry)
		if err != nil {
			outcome := string(fiscalerr.KindOf(err))
			s.metrics.IncItem(jobArtifactBackfill, outcome)
			run.IncError()
			log.Warn("artifact backfill failed", zap.String("kind", outcome), zap.Error(err))
			continue
		}

		s.metrics.IncItem(jobArtifactBackfill, "recovered")
		run.AddProcessed(1)
		log.Info("artifact backfilled", zap.String("pdf_path", res.PDFPath))
	}
	return nil
}
