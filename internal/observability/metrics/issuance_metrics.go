package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"gorm.io/gorm"
)

const (
	FailureReasonDeadlineExceeded     = "deadline_exceeded"
	FailureReasonDBLockTimeout        = "db_lock_timeout"
	FailureReasonSerializationFailure = "serialization_failure"
	FailureReasonUniqueViolation      = "unique_violation"
	FailureReasonUnknown              = "unknown"
)

// IssuanceMetrics exposes orchestrator health on the prometheus /metrics endpoint.
type IssuanceMetrics struct {
	operations     *prometheus.CounterVec
	failures       *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	reservations   *prometheus.CounterVec
	artifactMisses *prometheus.CounterVec
}

var (
	issuanceMetricsOnce sync.Once
	issuanceMetrics     *IssuanceMetrics
)

// Issuance returns the singleton issuance metrics registry.
func Issuance() *IssuanceMetrics {
	return IssuanceWithConfig(Config{})
}

// IssuanceWithConfig returns the singleton issuance metrics registry using config labels.
func IssuanceWithConfig(cfg Config) *IssuanceMetrics {
	issuanceMetricsOnce.Do(func() {
		issuanceMetrics = newIssuanceMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return issuanceMetrics
}

func newIssuanceMetrics(registerer prometheus.Registerer, cfg Config) *IssuanceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "fiscal"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fiscal_operations_total",
		Help:        "Issuance and reversal operations by document type and result kind.",
		ConstLabels: constLabels,
	}, []string{"document_type", "result"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fiscal_operation_failures_total",
		Help:        "Failed operations by the orchestrator stage reached.",
		ConstLabels: constLabels,
	}, []string{"document_type", "stage", "reason"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "fiscal_stage_duration_seconds",
		Help:        "Time spent in each orchestrator stage.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"document_type", "stage"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fiscal_reservations_total",
		Help:        "Ledger reservation outcomes.",
		ConstLabels: constLabels,
	}, []string{"document_type", "outcome"})
	artifactMisses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fiscal_artifact_unavailable_total",
		Help:        "Documents issued without a PDF or QR after polling.",
		ConstLabels: constLabels,
	}, []string{"artifact"})

	registerer.MustRegister(operations, failures, stageDuration, reservations, artifactMisses)

	return &IssuanceMetrics{
		operations:     operations,
		failures:       failures,
		stageDuration:  stageDuration,
		reservations:   reservations,
		artifactMisses: artifactMisses,
	}
}

// ObserveOperation records the final result of an issuance or reversal.
func (m *IssuanceMetrics) ObserveOperation(documentType, stage string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.operations.WithLabelValues(documentType, "ok").Inc()
		return
	}
	m.operations.WithLabelValues(documentType, string(fiscalerr.KindOf(err))).Inc()
	if stage == "" {
		stage = "unknown"
	}
	m.failures.WithLabelValues(documentType, stage, ClassifyFailureReason(err)).Inc()
}

func (m *IssuanceMetrics) ObserveStage(documentType, stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(documentType, stage).Observe(duration.Seconds())
}

func (m *IssuanceMetrics) IncReservation(documentType, outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(documentType, outcome).Inc()
}

func (m *IssuanceMetrics) IncArtifactUnavailable(artifact string) {
	if m == nil {
		return
	}
	m.artifactMisses.WithLabelValues(artifact).Inc()
}

// ClassifyFailureReason maps errors to low-cardinality reasons.
// Engine errors use their kind; database errors are split by postgres code.
func ClassifyFailureReason(err error) string {
	if err == nil {
		return FailureReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return FailureReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return FailureReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return FailureReasonUniqueViolation
	}
	var fe *fiscalerr.Error
	if errors.As(err, &fe) && fe.Kind != fiscalerr.KindInternal {
		return string(fe.Kind)
	}
	return FailureReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
