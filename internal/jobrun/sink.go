package jobrun

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/orchestrator"
)

// JobSink receives everything a run reports about one job
type JobSink interface {
	orchestrator.Sink
	orchestrator.Progress
	orchestrator.BatchRecorder
	orchestrator.CancelSignal
}

// ConsoleSink prints progress lines for runs that have no job store
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink creates a sink writing one line per message to w
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) Log(_ context.Context, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *ConsoleSink) UpdateProgress(_ context.Context, completed, total int) error {
	c.Log(context.Background(), fmt.Sprintf("Progress: %d/%d prompts", completed, total))
	return nil
}

func (c *ConsoleSink) RecordBatch(context.Context, domain.Batch) error { return nil }

func (c *ConsoleSink) CancelRequested(context.Context) bool { return false }
