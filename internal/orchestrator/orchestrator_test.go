package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testPrompts = []string{
	"a watercolor painting of a lighthouse at dawn",
	"an isometric pixel art city skyline with neon signs",
	"a macro photograph of a dragonfly on a leaf",
	"a baroque oil portrait of a cat wearing a crown",
	"a minimalist poster of mountains under a full moon",
}

func testTiming() Timing {
	return Timing{
		PreClear:      1 * time.Millisecond,
		PostClear:     2 * time.Millisecond,
		ClearDelete:   3 * time.Millisecond,
		ClearSweepGap: 4 * time.Millisecond,
		SubmitGap:     5 * time.Millisecond,
		PostSubmit:    6 * time.Millisecond,
		ClickPause:    7 * time.Millisecond,
		ClickPoll:     8 * time.Millisecond,
		Settle:        9 * time.Millisecond,
		DownloadPoll:  10 * time.Millisecond,
	}
}

type harness struct {
	bot     *fakeBot
	saver   *fakeSaver
	ledger  *fakeLedger
	sink    *fakeSink
	sleeper *fakeSleeper
	cfg     Config
}

func newHarness(mode domain.Mode) *harness {
	cfg := DefaultConfig(mode, testBotID)
	cfg.Timing = testTiming()
	return &harness{
		bot:     newFakeBot(),
		saver:   &fakeSaver{},
		ledger:  &fakeLedger{},
		sink:    &fakeSink{},
		sleeper: &fakeSleeper{},
		cfg:     cfg,
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, Deps{
		Channel:  h.bot,
		Saver:    h.saver,
		Ledger:   h.ledger,
		Sink:     h.sink,
		Progress: h.sink,
		Batches:  h.sink,
		Cancel:   h.sink,
		Sleeper:  h.sleeper,
	})
	require.NoError(t, err)
	return o
}

func (h *harness) run(t *testing.T, prompts []string) (Summary, error) {
	t.Helper()
	return h.orchestrator(t).Run(context.Background(), prompts)
}

func TestNew_RejectsInvalidMode(t *testing.T) {
	_, err := New(Config{Mode: "U7"}, Deps{Channel: newFakeBot(), Saver: &fakeSaver{}, Ledger: &fakeLedger{}})
	assert.Error(t, err)

	_, err = New(DefaultConfig(domain.ModeU1, testBotID), Deps{})
	assert.Error(t, err)
}

func TestRun_SingleVariant(t *testing.T) {
	h := newHarness(domain.ModeU2)

	sum, err := h.run(t, testPrompts[:3])
	require.NoError(t, err)

	assert.Equal(t, Summary{Prompts: 3, Batches: 1, Submitted: 3, Completed: 3, Images: 3}, sum)
	assert.ElementsMatch(t, []string{"1_U2", "2_U2", "3_U2"}, h.saver.keys())
	assert.Empty(t, h.ledger.appends)
	assert.Equal(t, []progressUpdate{{3, 3}}, h.sink.progress)
	require.Len(t, h.bot.clicks, 3)
	for _, c := range h.bot.clicks {
		assert.Contains(t, c.customID, "upsample::2::")
	}
	assert.True(t, h.sink.logged("Processing batch 1/1 - 3 prompts..."))
}

func TestRun_SavedImagesMatchTheirPrompts(t *testing.T) {
	h := newHarness(domain.ModeU1)

	_, err := h.run(t, testPrompts)
	require.NoError(t, err)

	require.Len(t, h.saver.saved, len(testPrompts))
	for _, img := range h.saver.saved {
		grid := h.bot.grids[testPrompts[img.index-1]]
		assert.Equal(t, fmt.Sprintf("https://cdn.test/%s_1.png", grid), img.url, "image %d", img.index)
	}
}

func TestRun_AllVariants(t *testing.T) {
	h := newHarness(domain.ModeAll)

	sum, err := h.run(t, testPrompts[:2])
	require.NoError(t, err)

	assert.Equal(t, 8, sum.Images)
	assert.Equal(t, 2, sum.Completed)
	assert.ElementsMatch(t, []string{
		"1_U1", "1_U2", "1_U3", "1_U4",
		"2_U1", "2_U2", "2_U3", "2_U4",
	}, h.saver.keys())
	assert.Len(t, h.bot.clicks, 8)
	assert.Empty(t, h.ledger.appends)
	for _, img := range h.saver.saved {
		grid := h.bot.grids[testPrompts[img.index-1]]
		assert.True(t, strings.HasPrefix(img.url, "https://cdn.test/"+grid+"_"), "image %d_%s from %s", img.index, img.label, img.url)
	}
}

func TestRun_BatchesAndProgress(t *testing.T) {
	h := newHarness(domain.ModeU1)
	h.cfg.BatchSize = 5

	var prompts []string
	for i := 0; i < 12; i++ {
		prompts = append(prompts, fmt.Sprintf("%s, plate %d", testPrompts[i%len(testPrompts)], i+1))
	}

	sum, err := h.run(t, prompts)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, []progressUpdate{{5, 12}, {10, 12}, {12, 12}}, h.sink.progress)
	var want []string
	for i := 1; i <= 12; i++ {
		want = append(want, fmt.Sprintf("%d_U1", i))
	}
	assert.ElementsMatch(t, want, h.saver.keys())

	require.Len(t, h.sink.batches, 3)
	for i, b := range h.sink.batches {
		assert.Equal(t, i+1, b.Number)
		assert.NotNil(t, b.StartedAt)
		assert.NotNil(t, b.FinishedAt)
	}
	assert.Equal(t, []int{5, 5, 2}, []int{h.sink.batches[0].Prompts, h.sink.batches[1].Prompts, h.sink.batches[2].Prompts})
	assert.Equal(t, prompts, h.bot.submitted)
}

func TestRun_NeverClickedPromptIsLedgered(t *testing.T) {
	h := newHarness(domain.ModeU3)
	h.bot.silent[testPrompts[1]] = true

	sum, err := h.run(t, testPrompts[:3])
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	entries := h.ledger.entries()
	require.Len(t, entries, 1)
	data, err := json.Marshal(entries[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":2,"prompt":"an isometric pixel art city skyline with neon signs","cdn_url":null}`, string(data))
	assert.True(t, h.sink.logged("1 failed prompts have been saved"))
}

func TestRun_DownloadFailureRecordsURL(t *testing.T) {
	h := newHarness(domain.ModeU1)
	h.saver.failIndex = map[int]bool{1: true}

	_, err := h.run(t, testPrompts[:2])
	require.NoError(t, err)

	entries := h.ledger.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Index)
	assert.NotEmpty(t, h.saver.attempted[1])
	assert.Equal(t, h.saver.attempted[1], entries[0].URL(domain.VariantU1))
	assert.ElementsMatch(t, []string{"2_U1"}, h.saver.keys())
}

func TestRun_AllVariantsPartialFailure(t *testing.T) {
	h := newHarness(domain.ModeAll)
	h.bot.noUpscale[testPrompts[0]] = true

	_, err := h.run(t, testPrompts[:2])
	require.NoError(t, err)

	entries := h.ledger.entries()
	require.Len(t, entries, 1)
	data, err := json.Marshal(entries[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":1,"prompt":"a watercolor painting of a lighthouse at dawn","variant_u1":null,"variant_u2":null,"variant_u3":null,"variant_u4":null}`, string(data))
}

func TestRun_CancelAfterSecondSubmission(t *testing.T) {
	h := newHarness(domain.ModeU1)
	h.sink.cancel = func() bool { return len(h.bot.submitted) >= 2 }

	sum, err := h.run(t, testPrompts)
	require.ErrorIs(t, err, ErrCanceled)

	assert.Len(t, h.bot.submitted, 2)
	assert.Equal(t, 2, sum.Submitted)
	assert.Empty(t, h.ledger.appends, "canceled batch must not be reconciled")
	assert.Empty(t, h.saver.saved)
	assert.Empty(t, h.sink.progress)
	assert.True(t, h.sink.logged("Job was canceled"))
}

func TestRun_ContextCanceled(t *testing.T) {
	h := newHarness(domain.ModeU1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orchestrator(t).Run(ctx, testPrompts)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Empty(t, h.bot.submitted)
}

func TestRun_CancelBetweenBatches(t *testing.T) {
	h := newHarness(domain.ModeU1)
	h.cfg.BatchSize = 2
	h.sink.cancel = func() bool { return len(h.sink.progress) >= 1 }

	sum, err := h.run(t, testPrompts)
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, []string{testPrompts[0], testPrompts[1]}, h.bot.submitted)
}

func TestRun_UnsentPrompts(t *testing.T) {
	t.Run("ledgered", func(t *testing.T) {
		h := newHarness(domain.ModeU1)
		h.bot.rejected[testPrompts[1]] = true

		sum, err := h.run(t, testPrompts[:3])
		require.NoError(t, err)

		assert.Equal(t, 2, sum.Submitted)
		entries := h.ledger.entries()
		require.Len(t, entries, 1)
		data, err := json.Marshal(entries[0])
		require.NoError(t, err)
		assert.JSONEq(t, `{"index":2,"prompt":"an isometric pixel art city skyline with neon signs","cdn_url":null}`, string(data))
		assert.ElementsMatch(t, []string{"1_U1", "3_U1"}, h.saver.keys())
	})

	t.Run("dropped", func(t *testing.T) {
		h := newHarness(domain.ModeU1)
		h.cfg.LedgerUnsent = false
		h.bot.rejected[testPrompts[1]] = true

		_, err := h.run(t, testPrompts[:3])
		require.NoError(t, err)

		assert.Empty(t, h.ledger.appends)
		assert.True(t, h.sink.logged("Failed to send prompt 2"))
	})
}

func TestRun_IdentityFailureIsFatal(t *testing.T) {
	h := newHarness(domain.ModeU1)
	h.bot.selfErr = errors.New("401 unauthorized")

	_, err := h.run(t, testPrompts)
	require.ErrorIs(t, err, ErrIdentity)
	assert.False(t, errors.Is(err, ErrCanceled))
	assert.Empty(t, h.bot.submitted)
}

func TestRun_LedgerErrorIsReturnedAfterRun(t *testing.T) {
	h := newHarness(domain.ModeU1)
	h.cfg.BatchSize = 2
	h.bot.silent[testPrompts[0]] = true
	diskFull := errors.New("disk full")
	h.ledger.err = diskFull

	sum, err := h.run(t, testPrompts[:4])
	require.ErrorIs(t, err, diskFull)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, []progressUpdate{{2, 4}, {4, 4}}, h.sink.progress)
}

func TestRun_SimilarPromptsUseBestMatch(t *testing.T) {
	base := "a photo of a red fox in the snow, cinematic lighting"
	longer := base + " --ar 16:9"
	h := newHarness(domain.ModeU1)

	// the longer prompt is submitted first, so the grid of the shorter one
	// is listed first while both are unclicked
	_, err := h.run(t, []string{longer, base})
	require.NoError(t, err)

	require.Len(t, h.saver.saved, 2)
	for _, img := range h.saver.saved {
		prompt := []string{longer, base}[img.index-1]
		assert.Equal(t, fmt.Sprintf("https://cdn.test/%s_1.png", h.bot.grids[prompt]), img.url)
	}
}

func TestRun_UsedGridIsNotReusedForSimilarPrompt(t *testing.T) {
	answered := "a watercolor painting of an old stone lighthouse on a rocky coast at dawn, soft pastel light"
	unanswered := "a watercolor painting of an old stone lighthouse on a rocky coast at dusk, soft pastel light"

	tests := []struct {
		mode   domain.Mode
		clicks int
		saved  []string
		entry  string
	}{
		{
			mode:   domain.ModeU1,
			clicks: 1,
			saved:  []string{"1_U1"},
			entry:  `{"index":2,"prompt":"` + unanswered + `","cdn_url":null}`,
		},
		{
			mode:   domain.ModeAll,
			clicks: 4,
			saved:  []string{"1_U1", "1_U2", "1_U3", "1_U4"},
			entry:  `{"index":2,"prompt":"` + unanswered + `","variant_u1":null,"variant_u2":null,"variant_u3":null,"variant_u4":null}`,
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			h := newHarness(tt.mode)
			h.bot.silent[unanswered] = true

			sum, err := h.run(t, []string{answered, unanswered})
			require.NoError(t, err)

			assert.Equal(t, 1, sum.Completed)
			assert.Equal(t, 1, sum.Failed)
			assert.Equal(t, tt.clicks, h.bot.clickCount())
			for _, c := range h.bot.clicks {
				assert.Equal(t, h.bot.grids[answered], c.messageID)
			}
			assert.ElementsMatch(t, tt.saved, h.saver.keys())

			entries := h.ledger.entries()
			require.Len(t, entries, 1)
			data, err := json.Marshal(entries[0])
			require.NoError(t, err)
			assert.JSONEq(t, tt.entry, string(data))
		})
	}
}

func TestRun_Pacing(t *testing.T) {
	h := newHarness(domain.ModeU1)

	_, err := h.run(t, testPrompts[:2])
	require.NoError(t, err)

	tm := testTiming()
	assert.Equal(t, 1, h.sleeper.count(tm.PreClear))
	assert.Equal(t, 1, h.sleeper.count(tm.PostClear))
	assert.Equal(t, 1, h.sleeper.count(tm.SubmitGap), "no gap before the first submission")
	assert.Equal(t, 1, h.sleeper.count(tm.PostSubmit))
	assert.Equal(t, 2, h.sleeper.count(tm.ClickPause))
	assert.Equal(t, 0, h.sleeper.count(tm.ClickPoll))
	assert.Equal(t, 1, h.sleeper.count(tm.Settle))
	assert.Equal(t, 0, h.sleeper.count(tm.DownloadPoll))
}

func TestRun_RoundsBoundedByPoolSize(t *testing.T) {
	h := newHarness(domain.ModeU1)
	for _, p := range testPrompts[:3] {
		h.bot.silent[p] = true
	}

	_, err := h.run(t, testPrompts[:3])
	require.NoError(t, err)

	tm := testTiming()
	assert.Equal(t, 3, h.sleeper.count(tm.ClickPoll))
	assert.Equal(t, 3, h.sleeper.count(tm.DownloadPoll))
	assert.Len(t, h.ledger.entries(), 3)
}

func TestClear(t *testing.T) {
	h := newHarness(domain.ModeU1)
	bot := h.bot
	grid := bot.post(discord.Message{
		Author:     discord.User{ID: testBotID},
		Content:    "**old** - <@42> (fast)",
		Components: []discord.ActionRow{{Type: 1, Components: []discord.Component{{Type: 2, Label: "U1", CustomID: "x"}}}},
	})
	plain := bot.post(discord.Message{Author: discord.User{ID: testBotID}, Content: "welcome"})
	reply := bot.post(discord.Message{Author: discord.User{ID: "someone"}, Content: "re", MessageReference: &discord.MessageReference{MessageID: plain}})
	own := bot.post(discord.Message{Author: discord.User{ID: testSelfID}, Content: "/imagine old"})
	other := bot.post(discord.Message{Author: discord.User{ID: "someone"}, Content: "hello"})

	o := h.orchestrator(t)
	o.selfID = testSelfID
	o.Clear(context.Background())

	assert.ElementsMatch(t, []string{grid, reply, own}, bot.deleted)
	var left []string
	for _, m := range bot.messages {
		left = append(left, m.ID)
	}
	assert.Equal(t, []string{plain, other}, left)
	assert.Equal(t, 2, bot.lists, "second sweep finds nothing and stops")

	tm := testTiming()
	assert.Equal(t, 3, h.sleeper.count(tm.ClearDelete))
	assert.Equal(t, 1, h.sleeper.count(tm.ClearSweepGap))
}

// stuckBot refuses every deletion
type stuckBot struct {
	*fakeBot
}

func (stuckBot) DeleteMessage(context.Context, string) bool { return false }

func TestClear_BoundedSweeps(t *testing.T) {
	h := newHarness(domain.ModeU1)
	h.bot.post(discord.Message{Author: discord.User{ID: testSelfID}, Content: "stuck"})

	o, err := New(h.cfg, Deps{Channel: stuckBot{h.bot}, Saver: h.saver, Ledger: h.ledger, Sleeper: h.sleeper})
	require.NoError(t, err)
	o.selfID = testSelfID
	o.Clear(context.Background())

	assert.Equal(t, DefaultClearSweeps, h.bot.lists)
}

func TestImageLabel(t *testing.T) {
	tests := []struct {
		content string
		want    domain.VariantLabel
		ok      bool
	}{
		{"**fox** - Image #1 <@42>", domain.VariantU1, true},
		{"**fox** - image #4 <@42>", domain.VariantU4, true},
		{"**fox** - Image #5 <@42>", "", false},
		{"**fox** - <@42> (fast)", "", false},
	}
	for _, tt := range tests {
		got, ok := imageLabel(tt.content)
		if got != tt.want || ok != tt.ok {
			t.Errorf("imageLabel(%q) = %q, %v, want %q, %v", tt.content, got, ok, tt.want, tt.ok)
		}
	}
}

func TestClockSleeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ClockSleeper{}.Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, ClockSleeper{}.Sleep(context.Background(), time.Millisecond))
}
