// Package executor orchestrates one end-to-end run of a named task:
// acquire the advisory lock, fetch every API dataset with bounded
// retry, assemble the workbook, send the report mail, and clean up the
// lock and per-run cache on every exit path.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/dataset"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/ingest"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/lock"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/mail"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/storage"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/store"
)

// WorkbookBuilder assembles datasets into workbook bytes
type WorkbookBuilder interface {
	Buffer(task *model.TaskDefinition, datasets map[string]*dataset.Dataset) ([]byte, error)
}

// MailSender submits the composed report mail
type MailSender interface {
	Send(task *model.TaskDefinition, datasets map[string]*dataset.Dataset, attachment []byte, now time.Time) error
}

// Runner executes tasks end to end
type Runner struct {
	logger   *zap.Logger
	store    *store.Store
	pipeline *ingest.Pipeline
	builder  WorkbookBuilder
	sender   MailSender
	locks    *lock.Manager
	history  storage.RunHistory // may be nil
	policy   RetryPolicy
	now      func() time.Time
}

// NewRunner creates a task runner. history may be nil to skip run
// auditing.
func NewRunner(logger *zap.Logger, st *store.Store, pipeline *ingest.Pipeline, builder WorkbookBuilder, sender MailSender, locks *lock.Manager, history storage.RunHistory, policy RetryPolicy) *Runner {
	return &Runner{
		logger:   logger.Named("executor"),
		store:    st,
		pipeline: pipeline,
		builder:  builder,
		sender:   sender,
		locks:    locks,
		history:  history,
		policy:   policy,
		now:      time.Now,
	}
}

// Execute runs the named task once. Lock contention aborts immediately
// without retry; fetch and send stages each get the bounded retry.
func (r *Runner) Execute(ctx context.Context, taskName string) error {
	r.logger.Info("Starting task run", zap.String("task", taskName))

	task, err := r.store.Get(taskName)
	if err != nil {
		r.logger.Error("Task configuration missing", zap.String("task", taskName), zap.Error(err))
		return err
	}
	if !task.Active() {
		r.logger.Info("Task is disabled, skipping", zap.String("task", taskName))
		return ErrTaskDisabled
	}

	if !r.locks.Acquire(taskName) {
		return ErrLocked
	}

	run := &storage.RunRecord{
		ID:        uuid.New().String(),
		TaskName:  taskName,
		Status:    storage.RunStatusRunning,
		StartedAt: r.now(),
	}
	if r.history != nil {
		if err := r.history.Record(ctx, run); err != nil {
			r.logger.Warn("Failed to record run start", zap.Error(err))
		}
	}

	cache := ingest.NewCache()
	var runErr error

	defer func() {
		// Cleanup runs on every exit path: release the lock, drop the
		// per-run cache, finalize the audit record.
		r.locks.Release(taskName)
		for key := range cache {
			delete(cache, key)
		}
		r.finishRun(ctx, run, runErr)
	}()

	datasets, counts, err := r.fetchStage(ctx, task, cache)
	run.RowCounts = counts
	if err != nil {
		runErr = err
		return runErr
	}

	if err := r.sendStage(ctx, task, datasets); err != nil {
		runErr = err
		return runErr
	}

	r.logger.Info("Task run completed", zap.String("task", taskName))
	return nil
}

// fetchStage fetches all sources with retry. Any source still Failed
// after the retries fails the run; a run where every source is empty
// fails with ErrAllEmpty since there is nothing to report.
func (r *Runner) fetchStage(ctx context.Context, task *model.TaskDefinition, cache ingest.Cache) (map[string]*dataset.Dataset, map[string]int, error) {
	if len(task.APISources) == 0 {
		return nil, nil, fmt.Errorf("%w: task %q has no API sources", ErrNoData, task.Name)
	}

	var outcomes map[string]model.FetchOutcome
	err := r.policy.Do(ctx, r.logger, "fetch", func() error {
		// Successful sources are cached per run; a retry refetches
		// only what failed.
		outcomes = r.pipeline.FetchAll(ctx, task, cache)
		for name, outcome := range outcomes {
			if outcome.Kind == model.OutcomeFailed {
				return fmt.Errorf("source %s failed: %s", name, outcome.Reason)
			}
		}
		return nil
	}, func(err error) bool {
		// Fetch failures are transient from the executor's point of
		// view; the API may answer on the next attempt.
		return true
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoData, err)
	}

	datasets := make(map[string]*dataset.Dataset, len(outcomes))
	counts := make(map[string]int, len(outcomes))
	allEmpty := true
	for name, outcome := range outcomes {
		datasets[name] = outcome.Dataset
		counts[name] = outcome.Dataset.Len()
		if outcome.Kind == model.OutcomeSuccess {
			allEmpty = false
		}
	}
	if allEmpty {
		return nil, counts, ErrAllEmpty
	}
	return datasets, counts, nil
}

// sendStage assembles the workbook and submits the mail, as one
// retried unit so a flaky SMTP session rebuilds a fresh attachment.
func (r *Runner) sendStage(ctx context.Context, task *model.TaskDefinition, datasets map[string]*dataset.Dataset) error {
	return r.policy.Do(ctx, r.logger, "send", func() error {
		attachment, err := r.builder.Buffer(task, datasets)
		if err != nil {
			return fmt.Errorf("failed to build workbook: %w", err)
		}
		return r.sender.Send(task, datasets, attachment, r.now())
	}, func(err error) bool {
		// Composition config errors will not fix themselves between
		// attempts.
		switch {
		case errAny(err, mail.ErrNoPassword, mail.ErrNoRecipients):
			return false
		default:
			return true
		}
	})
}

func (r *Runner) finishRun(ctx context.Context, run *storage.RunRecord, runErr error) {
	if r.history == nil {
		return
	}
	completed := r.now()
	run.CompletedAt = &completed
	run.Duration = completed.Sub(run.StartedAt)
	if runErr != nil {
		run.Status = storage.RunStatusFailed
		run.Error = runErr.Error()
	} else {
		run.Status = storage.RunStatusSucceeded
	}
	if err := r.history.Finish(ctx, run); err != nil {
		r.logger.Warn("Failed to finalize run record", zap.Error(err))
	}
}
