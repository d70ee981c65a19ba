package jobstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

// JobSink routes the progress of one running job into the store. Store
// errors are logged; a failing log write must not stop a run.
type JobSink struct {
	store  *Store
	jobID  string
	logger *zap.Logger
}

// Sink returns the JobSink of a job
func (s *Store) Sink(jobID string, logger *zap.Logger) *JobSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobSink{store: s, jobID: jobID, logger: logger.With(zap.String("job", jobID))}
}

// Log appends a progress line
func (j *JobSink) Log(ctx context.Context, line string) {
	if err := j.store.AppendLog(ctx, j.jobID, line); err != nil {
		j.logger.Warn("writing job log failed", zap.Error(err))
	}
}

// UpdateProgress stores the completed/total prompt counters
func (j *JobSink) UpdateProgress(ctx context.Context, completed, total int) error {
	return j.store.UpdateProgress(ctx, j.jobID, completed, total)
}

// RecordBatch stores a batch record for the job
func (j *JobSink) RecordBatch(ctx context.Context, b domain.Batch) error {
	b.JobID = j.jobID
	return j.store.RecordBatch(ctx, b)
}

// CancelRequested reports a requested cancellation. Lookup errors count as
// not requested.
func (j *JobSink) CancelRequested(ctx context.Context) bool {
	requested, err := j.store.CancelRequested(ctx, j.jobID)
	if err != nil {
		j.logger.Debug("reading cancel flag failed", zap.Error(err))
		return false
	}
	return requested
}
