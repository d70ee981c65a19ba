// Package orchestrator drives the batch workflow against the bot: it clears
// the channel, submits prompts, clicks the requested upscale buttons,
// downloads the resulting images and records what could not be completed.
//
// Every wait goes through a Sleeper and every platform call through a
// Channel, so a run is fully deterministic under test.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

var (
	// ErrCanceled is returned when a run stops at a cancellation checkpoint
	ErrCanceled = errors.New("run canceled")
	// ErrIdentity is returned when the acting account cannot be resolved
	ErrIdentity = errors.New("cannot resolve acting account")
)

// Deps are the collaborators of an Orchestrator. Channel, Saver and Ledger
// are required; the rest default to no-ops.
type Deps struct {
	Channel  Channel
	Saver    Saver
	Ledger   Ledger
	Sink     Sink
	Progress Progress
	Batches  BatchRecorder
	Cancel   CancelSignal
	Sleeper  Sleeper
	Logger   *zap.Logger
	Now      func() time.Time
}

// Orchestrator runs the batch workflow for one job
type Orchestrator struct {
	cfg      Config
	labels   []domain.VariantLabel
	channel  Channel
	saver    Saver
	ledger   Ledger
	sink     Sink
	progress Progress
	batches  BatchRecorder
	cancel   CancelSignal
	sleeper  Sleeper
	logger   *zap.Logger
	now      func() time.Time

	selfID string
}

// Summary counts the outcome of a run
type Summary struct {
	Prompts   int // prompts handed to Run
	Batches   int // batches fully processed
	Submitted int // prompts the platform accepted
	Completed int // prompts with every variant saved
	Images    int // image files written
	Failed    int // entries appended to the ledger
}

// New creates an orchestrator
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	labels := cfg.Mode.Labels()
	if len(labels) == 0 {
		return nil, fmt.Errorf("invalid mode %q", cfg.Mode)
	}
	if deps.Channel == nil || deps.Saver == nil || deps.Ledger == nil {
		return nil, errors.New("orchestrator needs a channel, a saver and a ledger")
	}
	o := &Orchestrator{
		cfg:      cfg,
		labels:   labels,
		channel:  deps.Channel,
		saver:    deps.Saver,
		ledger:   deps.Ledger,
		sink:     deps.Sink,
		progress: deps.Progress,
		batches:  deps.Batches,
		cancel:   deps.Cancel,
		sleeper:  deps.Sleeper,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if o.sink == nil {
		o.sink = nopSink{}
	}
	if o.progress == nil {
		o.progress = nopSink{}
	}
	if o.batches == nil {
		o.batches = nopSink{}
	}
	if o.cancel == nil {
		o.cancel = nopSink{}
	}
	if o.sleeper == nil {
		o.sleeper = ClockSleeper{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Run processes prompts in consecutive batches. It returns ErrCanceled
// (wrapped) when a checkpoint observes cancellation, ErrIdentity when the
// acting account cannot be resolved, and the joined ledger write errors of
// an otherwise completed run.
func (o *Orchestrator) Run(ctx context.Context, prompts []string) (Summary, error) {
	sum := Summary{Prompts: len(prompts)}

	if err := o.checkpoint(ctx); err != nil {
		return sum, err
	}

	self, err := o.channel.Self(ctx)
	if err != nil {
		o.logf(ctx, "Could not resolve the Discord account: %v", err)
		return sum, fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	o.selfID = self
	o.logger.Debug("resolved acting account", zap.String("user", self))

	total := len(prompts)
	batchCount := (total + o.cfg.BatchSize - 1) / o.cfg.BatchSize
	var ledgerErrs []error

	for start, number := 0, 1; start < total; start, number = start+o.cfg.BatchSize, number+1 {
		if err := o.checkpoint(ctx); err != nil {
			return sum, err
		}
		end := min(start+o.cfg.BatchSize, total)
		batch := prompts[start:end]
		startedAt := o.now()

		o.logf(ctx, "Processing batch %d/%d - %d prompts...", number, batchCount, len(batch))
		if err := o.sleep(ctx, o.cfg.Timing.PreClear); err != nil {
			return sum, err
		}
		o.Clear(ctx)
		if err := o.sleep(ctx, o.cfg.Timing.PostClear); err != nil {
			return sum, err
		}

		res, err := o.processBatch(ctx, batch, start+1)
		sum.Submitted += res.submitted
		sum.Images += res.images
		if err != nil {
			return sum, err
		}
		sum.Completed += res.completed
		sum.Failed += len(res.failed)

		if len(res.failed) > 0 {
			if err := o.ledger.Append(res.failed); err != nil {
				o.logf(ctx, "Could not write the failed prompts file: %v", err)
				ledgerErrs = append(ledgerErrs, fmt.Errorf("batch %d: %w", number, err))
			} else {
				o.logf(ctx, "%d failed prompts have been saved to the failed prompts file.", len(res.failed))
			}
		} else {
			o.logf(ctx, "All images of batch %d saved successfully.", number)
		}

		o.Clear(ctx)

		finishedAt := o.now()
		if err := o.batches.RecordBatch(ctx, domain.Batch{
			Number:     number,
			Prompts:    len(batch),
			Failed:     len(res.failed),
			StartedAt:  &startedAt,
			FinishedAt: &finishedAt,
		}); err != nil {
			o.logger.Warn("recording batch failed", zap.Int("batch", number), zap.Error(err))
		}
		if err := o.progress.UpdateProgress(ctx, end, total); err != nil {
			o.logger.Warn("updating progress failed", zap.Int("completed", end), zap.Error(err))
		}
		sum.Batches++

		if err := o.checkpoint(ctx); err != nil {
			return sum, err
		}
	}

	return sum, errors.Join(ledgerErrs...)
}

// checkpoint returns ErrCanceled if ctx is done or a cancellation was requested
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		o.logf(context.WithoutCancel(ctx), "Job was canceled, exiting early.")
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	if o.cancel.CancelRequested(ctx) {
		o.logf(ctx, "Job was canceled, exiting early.")
		return ErrCanceled
	}
	return nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if err := o.sleeper.Sleep(ctx, d); err != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	return nil
}

func (o *Orchestrator) logf(ctx context.Context, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	o.logger.Info(line)
	o.sink.Log(ctx, line)
}
