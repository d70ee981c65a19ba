package orchestrator

import (
	"time"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

// Defaults for a run
const (
	DefaultBatchSize    = 10
	DefaultMessageLimit = 100
	DefaultClearSweeps  = 5
)

// Timing holds every pause of the workflow
type Timing struct {
	PreClear      time.Duration // before the clear that opens a batch
	PostClear     time.Duration // after that clear, before the first submission
	ClearDelete   time.Duration // after each deleted message
	ClearSweepGap time.Duration // between clear sweeps
	SubmitGap     time.Duration // before each submission except the first
	PostSubmit    time.Duration // after the last submission of a batch
	ClickPause    time.Duration // after each button click
	ClickPoll     time.Duration // between click rounds
	Settle        time.Duration // between click and download phases
	DownloadPoll  time.Duration // between download rounds
}

// DefaultTiming returns the pacing used against the live bot. Runs that
// fetch all four variants wait longer because the bot renders four images
// per grid.
func DefaultTiming(mode domain.Mode) Timing {
	t := Timing{
		PreClear:      2 * time.Second,
		PostClear:     time.Second,
		ClearDelete:   time.Second,
		ClearSweepGap: 1500 * time.Millisecond,
		SubmitGap:     20 * time.Second,
		PostSubmit:    30 * time.Second,
		ClickPause:    time.Second,
		ClickPoll:     5 * time.Second,
		Settle:        10 * time.Second,
		DownloadPoll:  5 * time.Second,
	}
	if mode == domain.ModeAll {
		t.ClickPoll = 10 * time.Second
		t.Settle = 30 * time.Second
		t.DownloadPoll = 8 * time.Second
	}
	return t
}

// Config configures one run
type Config struct {
	Mode         domain.Mode
	BotID        string // application id of the bot whose messages are matched
	BatchSize    int
	MessageLimit int
	ClearSweeps  int
	// LedgerUnsent records prompts the platform refused with empty URLs.
	// When false they are only logged.
	LedgerUnsent bool
	Timing       Timing
}

// DefaultConfig returns the configuration for mode against the given bot
func DefaultConfig(mode domain.Mode, botID string) Config {
	return Config{
		Mode:         mode,
		BotID:        botID,
		BatchSize:    DefaultBatchSize,
		MessageLimit: DefaultMessageLimit,
		ClearSweeps:  DefaultClearSweeps,
		LedgerUnsent: true,
		Timing:       DefaultTiming(mode),
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = DefaultMessageLimit
	}
	if c.ClearSweeps <= 0 {
		c.ClearSweeps = DefaultClearSweeps
	}
	return c
}
