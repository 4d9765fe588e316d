package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	issuancedomain "github.com/smallbiznis/fiscal/internal/issuance/domain"
	"github.com/smallbiznis/fiscal/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"go.uber.org/zap"
)

// run tracks the stage of one issuance request.
type run struct {
	log     *zap.Logger
	clock   clock.Clock
	metrics *obsmetrics.IssuanceMetrics
	docType providerdomain.DocumentType
	stage   issuancedomain.Stage
	entered time.Time
}

func (s *Service) newRun(ctx context.Context, docType providerdomain.DocumentType, orgID snowflake.ID, sourceID string) *run {
	log := logger.WithContext(ctx, s.log)
	log = logger.WithOrg(log, orgID.String())
	log = logger.WithDocument(log, string(docType), sourceID)

	r := &run{
		log:     log,
		clock:   s.clock,
		metrics: s.issuance,
		docType: docType,
	}
	r.enter(issuancedomain.StageValidating)
	return r
}

func (r *run) enter(stage issuancedomain.Stage) {
	now := r.clock.Now()
	if r.stage != "" {
		r.metrics.ObserveStage(string(r.docType), string(r.stage), now.Sub(r.entered))
	}
	r.log.Info("issuance stage",
		zap.String("from", string(r.stage)),
		zap.String("stage", string(stage)),
	)
	r.stage = stage
	r.entered = now
}

func (r *run) fail(err error) error {
	return fiscalerr.WithStage(err, string(r.stage))
}

func (r *run) finish(err error) {
	r.metrics.ObserveOperation(string(r.docType), string(r.stage), err)
	if err == nil {
		return
	}

	fe := fiscalerr.As(err)
	fields := []zap.Field{
		zap.String("kind", string(fe.Kind)),
		zap.String("stage", fe.Stage),
		zap.String("reason", fe.Reason),
	}
	if fe.ProviderStatus != 0 {
		fields = append(fields, zap.Int("provider_status", fe.ProviderStatus))
	}
	switch fe.Kind {
	case fiscalerr.KindAlreadyIssued, fiscalerr.KindInProgress, fiscalerr.KindValidationFailed,
		fiscalerr.KindConfigurationMissing, fiscalerr.KindNotFound:
		r.log.Info("issuance rejected", fields...)
	case fiscalerr.KindInternal:
		r.log.Error("issuance failed", append(fields, zap.Error(err))...)
	default:
		r.log.Warn("issuance failed", append(fields, zap.Error(err))...)
	}
}
