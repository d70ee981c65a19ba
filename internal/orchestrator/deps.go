package orchestrator

import (
	"context"
	"time"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

// Channel is the chat surface the bot lives on
type Channel interface {
	Self(ctx context.Context) (string, error)
	ListRecentMessages(ctx context.Context, limit int) []discord.Message
	DeleteMessage(ctx context.Context, id string) bool
	SubmitPrompt(ctx context.Context, prompt string) (string, error)
	ClickComponent(ctx context.Context, customID, messageID string)
}

// Saver downloads an attachment and stores it as the image of one variant
type Saver interface {
	Save(ctx context.Context, url string, index int, label domain.VariantLabel) (string, error)
}

// Ledger persists entries for prompts that did not complete
type Ledger interface {
	Append(entries []domain.FailureLedgerEntry) error
}

// Sink receives human-readable progress lines
type Sink interface {
	Log(ctx context.Context, line string)
}

// Progress receives the number of prompts whose batch has finished
type Progress interface {
	UpdateProgress(ctx context.Context, completed, total int) error
}

// BatchRecorder receives a record of every completed batch
type BatchRecorder interface {
	RecordBatch(ctx context.Context, b domain.Batch) error
}

// CancelSignal reports an externally requested cancellation
type CancelSignal interface {
	CancelRequested(ctx context.Context) bool
}

// Sleeper waits for d or until ctx is done
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ClockSleeper sleeps on the wall clock
type ClockSleeper struct{}

// Sleep blocks for d and returns ctx.Err() if ctx ends first
func (ClockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopSink struct{}

func (nopSink) Log(context.Context, string) {}

func (nopSink) UpdateProgress(context.Context, int, int) error { return nil }

func (nopSink) RecordBatch(context.Context, domain.Batch) error { return nil }

func (nopSink) CancelRequested(context.Context) bool { return false }
