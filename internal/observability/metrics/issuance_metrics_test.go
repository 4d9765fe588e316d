package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"gorm.io/gorm"
)

func TestClassifyFailureReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: FailureReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: FailureReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: FailureReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: FailureReasonUniqueViolation},
		{name: "provider", err: fiscalerr.New(fiscalerr.KindProviderRequestFailed, "boom"), want: "provider_request_failed"},
		{name: "wrapped validation", err: fmt.Errorf("issue: %w", fiscalerr.Validation("no invoice issued yet")), want: "validation_failed"},
		{name: "unknown", err: errors.New("boom"), want: FailureReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFailureReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestObserveOperation(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newIssuanceMetrics(registry, Config{
		ServiceName: "fiscal",
		Environment: "test",
	})

	metrics.ObserveOperation("invoice", "done", nil)
	metrics.ObserveOperation("invoice", "finalizing", fiscalerr.New(fiscalerr.KindFinalizeFailed, "rejected"))

	if got := testutil.ToFloat64(metrics.operations.WithLabelValues("invoice", "ok")); got != 1 {
		t.Fatalf("expected ok count 1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.failures.WithLabelValues("invoice", "finalizing", "finalize_failed")); got != 1 {
		t.Fatalf("expected failure count 1, got %v", got)
	}
}

func TestSchedulerMetricsObserveJob(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "fiscal", Environment: "test"})

	metrics.ObserveJob("artifact_backfill", 0, nil)
	metrics.ObserveJob("artifact_backfill", 0, context.DeadlineExceeded)
	metrics.IncItem("artifact_backfill", "recovered")

	if got := testutil.ToFloat64(metrics.jobRuns.WithLabelValues("artifact_backfill")); got != 2 {
		t.Fatalf("expected 2 runs, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.jobTimeouts.WithLabelValues("artifact_backfill")); got != 1 {
		t.Fatalf("expected 1 timeout, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.jobErrors.WithLabelValues("artifact_backfill", FailureReasonDeadlineExceeded)); got != 1 {
		t.Fatalf("expected 1 deadline error, got %v", got)
	}

	var nilMetrics *SchedulerMetrics
	nilMetrics.ObserveJob("noop", 0, nil)
	nilMetrics.IncItem("noop", "ok")
}
