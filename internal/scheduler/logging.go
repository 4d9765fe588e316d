package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// jobRun tallies one scheduler pass; the zero value and nil are both safe.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	processed int
	failed    int
}

func (r *jobRun) AddProcessed(count int) {
	if r != nil && count > 0 {
		r.processed += count
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.failed++
	}
}

func (r *jobRun) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("job", r.job)
	enc.AddString("run_id", r.runID)
	enc.AddInt("batch_size", r.batchSize)
	enc.AddInt("processed_count", r.processed)
	enc.AddInt("error_count", r.failed)
	if !r.startedAt.IsZero() {
		enc.AddInt64("duration_ms", time.Since(r.startedAt).Milliseconds())
	}
	return nil
}

type jobRunKey struct{}

func (s *Scheduler) startJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	s.log.Debug("scheduler.job.start", zap.Object("run", run))
	return context.WithValue(ctx, jobRunKey{}, run), run
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

// finishJobRun logs quietly when a pass had nothing to do.
func (s *Scheduler) finishJobRun(run *jobRun) {
	level := zapcore.DebugLevel
	switch {
	case run.failed > 0:
		level = zapcore.WarnLevel
	case run.processed > 0:
		level = zapcore.InfoLevel
	}
	s.log.Log(level, "scheduler.job.finish", zap.Object("run", run))
}
