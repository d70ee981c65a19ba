package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

const (
	testBotID  = "bot-1"
	testSelfID = "self-42"
)

type click struct {
	customID  string
	messageID string
}

// fakeBot imitates a channel with the bot in it. Every accepted prompt gets
// an image grid with U1..U4 buttons; every click gets an upscale reply that
// references the grid and carries one attachment.
type fakeBot struct {
	mu sync.Mutex

	messages []discord.Message // oldest first
	nextID   int

	selfErr   error
	rejected  map[string]bool // prompts the platform refuses
	silent    map[string]bool // prompts the bot never answers
	noUpscale map[string]bool // prompts whose clicks produce nothing

	grids     map[string]string // prompt -> grid message id
	submitted []string
	clicks    []click
	deleted   []string
	lists     int
}

func newFakeBot() *fakeBot {
	return &fakeBot{
		rejected:  map[string]bool{},
		silent:    map[string]bool{},
		noUpscale: map[string]bool{},
		grids:     map[string]string{},
	}
}

func (b *fakeBot) post(m discord.Message) string {
	b.nextID++
	m.ID = fmt.Sprintf("m%03d", b.nextID)
	b.messages = append(b.messages, m)
	return m.ID
}

func gridContent(prompt string) string {
	return "**" + prompt + "** - <@42> (fast)"
}

func upscaleContent(prompt string, n int) string {
	return fmt.Sprintf("**%s** - Image #%d <@42>", prompt, n)
}

func (b *fakeBot) Self(context.Context) (string, error) {
	if b.selfErr != nil {
		return "", b.selfErr
	}
	return testSelfID, nil
}

func (b *fakeBot) ListRecentMessages(_ context.Context, limit int) []discord.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	var out []discord.Message
	for i := len(b.messages) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.messages[i])
	}
	return out
}

func (b *fakeBot) DeleteMessage(_ context.Context, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.messages {
		if m.ID == id {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			b.deleted = append(b.deleted, id)
			return true
		}
	}
	return false
}

func (b *fakeBot) SubmitPrompt(_ context.Context, prompt string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejected[prompt] {
		return "", errors.New("prompt rejected: 400 | bad request")
	}
	b.submitted = append(b.submitted, prompt)
	b.post(discord.Message{Author: discord.User{ID: testSelfID}, Content: "/imagine " + prompt})
	if !b.silent[prompt] {
		var buttons []discord.Component
		for n := 1; n <= 4; n++ {
			buttons = append(buttons, discord.Component{
				Type:     2,
				Label:    fmt.Sprintf("U%d", n),
				CustomID: fmt.Sprintf("MJ::JOB::upsample::%d::%d", n, b.nextID+1),
			})
		}
		b.grids[prompt] = b.post(discord.Message{
			Author:     discord.User{ID: testBotID},
			Content:    gridContent(prompt),
			Components: []discord.ActionRow{{Type: 1, Components: buttons}},
		})
	}
	return fmt.Sprintf("session-%d", len(b.submitted)), nil
}

func (b *fakeBot) ClickComponent(_ context.Context, customID, messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clicks = append(b.clicks, click{customID: customID, messageID: messageID})

	var grid *discord.Message
	for i := range b.messages {
		if b.messages[i].ID == messageID {
			grid = &b.messages[i]
		}
	}
	if grid == nil {
		return
	}
	prompt := strings.TrimSuffix(strings.TrimPrefix(grid.Content, "**"), "** - <@42> (fast)")
	if b.noUpscale[prompt] {
		return
	}
	var n int
	for _, btn := range grid.Buttons() {
		if btn.CustomID == customID {
			_, _ = fmt.Sscanf(btn.Label, "U%d", &n)
		}
	}
	b.post(discord.Message{
		Author:           discord.User{ID: testBotID},
		Content:          upscaleContent(prompt, n),
		Attachments:      []discord.Attachment{{URL: fmt.Sprintf("https://cdn.test/%s_%d.png", messageID, n)}},
		MessageReference: &discord.MessageReference{MessageID: messageID},
	})
}

func (b *fakeBot) clickCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clicks)
}

type savedImage struct {
	url   string
	index int
	label domain.VariantLabel
}

type fakeSaver struct {
	failIndex map[int]bool
	attempted map[int]string
	saved     []savedImage
}

func (s *fakeSaver) Save(_ context.Context, url string, index int, label domain.VariantLabel) (string, error) {
	if s.attempted == nil {
		s.attempted = map[int]string{}
	}
	s.attempted[index] = url
	if s.failIndex[index] {
		return "", errors.New("download failed: 404")
	}
	s.saved = append(s.saved, savedImage{url: url, index: index, label: label})
	return fmt.Sprintf("/out/%d_%s.png", index, label), nil
}

func (s *fakeSaver) keys() []string {
	var out []string
	for _, img := range s.saved {
		out = append(out, fmt.Sprintf("%d_%s", img.index, img.label))
	}
	return out
}

type fakeLedger struct {
	err     error
	appends [][]domain.FailureLedgerEntry
}

func (l *fakeLedger) Append(entries []domain.FailureLedgerEntry) error {
	if l.err != nil {
		return l.err
	}
	l.appends = append(l.appends, entries)
	return nil
}

func (l *fakeLedger) entries() []domain.FailureLedgerEntry {
	var out []domain.FailureLedgerEntry
	for _, batch := range l.appends {
		out = append(out, batch...)
	}
	return out
}

type progressUpdate struct {
	completed, total int
}

type fakeSink struct {
	lines    []string
	progress []progressUpdate
	batches  []domain.Batch
	cancel   func() bool
}

func (s *fakeSink) Log(_ context.Context, line string) {
	s.lines = append(s.lines, line)
}

func (s *fakeSink) UpdateProgress(_ context.Context, completed, total int) error {
	s.progress = append(s.progress, progressUpdate{completed, total})
	return nil
}

func (s *fakeSink) RecordBatch(_ context.Context, b domain.Batch) error {
	s.batches = append(s.batches, b)
	return nil
}

func (s *fakeSink) CancelRequested(context.Context) bool {
	return s.cancel != nil && s.cancel()
}

func (s *fakeSink) logged(substr string) bool {
	for _, l := range s.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// fakeSleeper returns immediately and records every requested pause
type fakeSleeper struct {
	slept []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return ctx.Err()
}

func (s *fakeSleeper) count(d time.Duration) int {
	n := 0
	for _, x := range s.slept {
		if x == d {
			n++
		}
	}
	return n
}
