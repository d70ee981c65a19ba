package jobrun

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/artifact"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/config"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/storage"
)

const (
	botID     = "bot-1"
	selfID    = "self-1"
	channelID = "chan-1"
	email     = "artist@example.com"
)

var runPrompts = []string{
	"a watercolor painting of a lighthouse at dawn",
	"an isometric pixel art city skyline with neon signs",
	"a macro photograph of a dragonfly on a leaf",
}

// botServer serves the Discord endpoints the client uses plus the CDN the
// upscale attachments point at.
type botServer struct {
	mu       sync.Mutex
	srv      *httptest.Server
	messages []discord.Message // oldest first
	nextID   int
	rejected map[string]bool
	silent   map[string]bool
	selfDown bool

	submitted []string
}

func newBotServer(t *testing.T) *botServer {
	b := &botServer{rejected: map[string]bool{}, silent: map[string]bool{}}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *botServer) post(m discord.Message) string {
	b.nextID++
	m.ID = fmt.Sprintf("m%03d", b.nextID)
	b.messages = append(b.messages, m)
	return m.ID
}

func (b *botServer) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	messages := "/channels/" + channelID + "/messages"
	switch {
	case r.URL.Path == "/users/@me":
		if b.selfDown {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(discord.User{ID: selfID})
	case r.Method == http.MethodGet && r.URL.Path == messages:
		out := []discord.Message{}
		for i := len(b.messages) - 1; i >= 0; i-- {
			out = append(out, b.messages[i])
		}
		_ = json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, messages+"/"):
		id := strings.TrimPrefix(r.URL.Path, messages+"/")
		for i, m := range b.messages {
			if m.ID == id {
				b.messages = append(b.messages[:i], b.messages[i+1:]...)
				break
			}
		}
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && r.URL.Path == "/interactions":
		b.interact(w, r)
	case strings.HasPrefix(r.URL.Path, "/cdn/"):
		_, _ = w.Write([]byte("image " + r.URL.Path))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *botServer) interact(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Type      int             `json:"type"`
		MessageID string          `json:"message_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if in.Type == 2 {
		var cmd struct {
			Options []struct {
				Value string `json:"value"`
			} `json:"options"`
		}
		_ = json.Unmarshal(in.Data, &cmd)
		prompt := cmd.Options[0].Value
		if b.rejected[prompt] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"Invalid Form Body"}`))
			return
		}
		b.submitted = append(b.submitted, prompt)
		b.post(discord.Message{Author: discord.User{ID: selfID}, Content: "/imagine " + prompt})
		if !b.silent[prompt] {
			var buttons []discord.Component
			for n := 1; n <= 4; n++ {
				buttons = append(buttons, discord.Component{
					Type:     2,
					Label:    fmt.Sprintf("U%d", n),
					CustomID: fmt.Sprintf("MJ::JOB::upsample::%d::%d", n, b.nextID+1),
				})
			}
			b.post(discord.Message{
				Author:     discord.User{ID: botID},
				Content:    "**" + prompt + "** - <@42> (fast)",
				Components: []discord.ActionRow{{Type: 1, Components: buttons}},
			})
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var click struct {
		CustomID string `json:"custom_id"`
	}
	_ = json.Unmarshal(in.Data, &click)
	for _, m := range b.messages {
		if m.ID != in.MessageID {
			continue
		}
		prompt := strings.TrimSuffix(strings.TrimPrefix(m.Content, "**"), "** - <@42> (fast)")
		var n int
		for _, btn := range m.Buttons() {
			if btn.CustomID == click.CustomID {
				_, _ = fmt.Sscanf(btn.Label, "U%d", &n)
			}
		}
		b.post(discord.Message{
			Author:           discord.User{ID: botID},
			Content:          fmt.Sprintf("**%s** - Image #%d <@42>", prompt, n),
			Attachments:      []discord.Attachment{{URL: fmt.Sprintf("%s/cdn/%s_%d.png", b.srv.URL, m.ID, n)}},
			MessageReference: &discord.MessageReference{MessageID: m.ID},
		})
		break
	}
	w.WriteHeader(http.StatusNoContent)
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type recordingSink struct {
	mu       sync.Mutex
	lines    []string
	progress [][2]int
	cancel   bool
}

func (s *recordingSink) Log(_ context.Context, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *recordingSink) UpdateProgress(_ context.Context, completed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, [2]int{completed, total})
	return nil
}

func (s *recordingSink) RecordBatch(context.Context, domain.Batch) error { return nil }

func (s *recordingSink) CancelRequested(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel
}

func (s *recordingSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

type usageCall struct {
	email, key string
	prompts    int
}

type fakeUsage struct {
	calls []usageCall
}

func (u *fakeUsage) RecordUsage(_ context.Context, email, key string, prompts int) error {
	u.calls = append(u.calls, usageCall{email, key, prompts})
	return nil
}

type harness struct {
	cfg    *config.Config
	bot    *botServer
	store  *storage.MemoryStore
	sink   *recordingSink
	usage  *fakeUsage
	runner *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bot := newBotServer(t)

	cfg := config.Default()
	cfg.General.DataDir = t.TempDir()
	cfg.Discord.APIBaseURL = bot.srv.URL
	cfg.Discord.RequestsPerSecond = 0

	h := &harness{
		cfg:   cfg,
		bot:   bot,
		store: storage.NewMemory(),
		sink:  &recordingSink{},
		usage: &fakeUsage{},
	}
	h.runner = New(cfg, h.store, Options{
		Sinks:   func(*domain.Job) JobSink { return h.sink },
		Usage:   h.usage,
		Sleeper: noSleep{},
	})
	h.putSettings(t)
	return h
}

func (h *harness) put(t *testing.T, key string, data []byte) {
	t.Helper()
	require.NoError(t, h.store.Put(context.Background(), key, bytes.NewReader(data), ""))
}

func (h *harness) putSettings(t *testing.T) {
	t.Helper()
	settings, err := json.Marshal(discord.Settings{
		UserToken:      "token",
		ChannelID:      channelID,
		GuildID:        "guild-1",
		BotID:          botID,
		CommandID:      "cmd-1",
		CommandVersion: "v1",
	})
	require.NoError(t, err)
	h.put(t, storage.SettingsKey(email), settings)
}

func (h *harness) job(t *testing.T, mode domain.Mode, prompts ...string) *domain.Job {
	t.Helper()
	key := storage.PromptsKey(email, "prompts.csv")
	h.put(t, key, []byte("prompt\n"+strings.Join(prompts, "\n")+"\n"))
	return &domain.Job{ID: "job-1", Email: email, LicenseKey: "lic-1", Mode: mode, PromptsURL: key}
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestRunner_SingleVariantJob(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, domain.ModeU1, runPrompts...)

	summary, err := h.runner.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Images)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, runPrompts, h.bot.submitted)

	archive, err := h.store.Get(context.Background(), storage.ImagesKey(email))
	require.NoError(t, err)
	assert.Equal(t, []string{"1_U1.png", "2_U1.png", "3_U1.png"}, zipNames(t, archive))
	assert.Equal(t, "application/zip", h.store.ContentType(storage.ImagesKey(email)))

	_, err = h.store.Get(context.Background(), storage.LedgerKey(email))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := os.ReadDir(h.cfg.General.ImagesDir(email))
	require.NoError(t, err)
	assert.Empty(t, entries, "local images are removed after upload")
	_, err = os.Stat(h.cfg.General.ArchivePath(email))
	assert.True(t, os.IsNotExist(err))

	logs := h.sink.joined()
	assert.Contains(t, logs, "Midjourney U1 mode started running ...")
	assert.Contains(t, logs, "Execution completed. 3 images")
	assert.Contains(t, logs, "The run took 0 min 0 sec to complete.")
	assert.Equal(t, []usageCall{{email, "lic-1", 3}}, h.usage.calls)
	assert.Equal(t, [][2]int{{3, 3}}, h.sink.progress)
}

func TestRunner_AllVariantsJob(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, domain.ModeAll, runPrompts[:2]...)

	summary, err := h.runner.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Images)

	archive, err := h.store.Get(context.Background(), storage.ImagesKey(email))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"1_U1.png", "1_U2.png", "1_U3.png", "1_U4.png",
		"2_U1.png", "2_U2.png", "2_U3.png", "2_U4.png",
	}, zipNames(t, archive))
}

func TestRunner_FailedPromptsArePublished(t *testing.T) {
	h := newHarness(t)
	h.bot.silent[runPrompts[1]] = true
	h.bot.rejected[runPrompts[2]] = true
	// a ledger left over from an earlier job must not leak into this one
	require.NoError(t, os.MkdirAll(h.cfg.General.UserDir(email), 0o755))
	require.NoError(t, os.WriteFile(h.cfg.General.LedgerPath(email), []byte(`[{"index":99,"prompt":"old","cdn_url":null}]`), 0o644))
	job := h.job(t, domain.ModeU1, runPrompts...)

	summary, err := h.runner.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Images)
	assert.Equal(t, 2, summary.Failed)

	data, err := h.store.Get(context.Background(), storage.LedgerKey(email))
	require.NoError(t, err)
	entries, err := artifact.DecodeLedger(data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	indexes := []int{entries[0].Index, entries[1].Index}
	sort.Ints(indexes)
	assert.Equal(t, []int{2, 3}, indexes)

	_, err = os.Stat(h.cfg.General.LedgerPath(email))
	assert.True(t, os.IsNotExist(err), "local ledger is removed after upload")
	assert.Contains(t, h.sink.joined(), "Failed prompts Excel file has also been downloaded.")
}

func TestRunner_CleanRunRemovesPreviousLedger(t *testing.T) {
	h := newHarness(t)
	h.put(t, storage.LedgerKey(email), []byte(`[{"index":1,"prompt":"old","cdn_url":null}]`))
	job := h.job(t, domain.ModeU1, runPrompts[0])

	_, err := h.runner.Execute(context.Background(), job)
	require.NoError(t, err)

	_, err = h.store.Get(context.Background(), storage.LedgerKey(email))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunner_PromptsFromPresignedURL(t *testing.T) {
	h := newHarness(t)
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bucket/prompts.csv" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("id,prompt\n1," + runPrompts[0] + "\n"))
	}))
	defer files.Close()

	job := &domain.Job{ID: "job-1", Email: email, Mode: domain.ModeU2, PromptsURL: files.URL + "/bucket/prompts.csv?X-Amz-Signature=abc"}
	summary, err := h.runner.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Images)
	assert.Empty(t, h.usage.calls, "jobs without a license key report no usage")

	job.PromptsURL = files.URL + "/missing.csv"
	_, err = h.runner.Execute(context.Background(), job)
	assert.Error(t, err)
	assert.Contains(t, h.sink.joined(), "Failed to download prompts file: status 404")
}

func TestRunner_MissingSettings(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Delete(context.Background(), storage.SettingsKey(email)))
	job := h.job(t, domain.ModeU1, runPrompts[0])

	_, err := h.runner.Execute(context.Background(), job)
	assert.ErrorIs(t, err, ErrNoSettings)
	assert.Contains(t, h.sink.joined(), "Could not load settings file from storage. Exiting job.")
	assert.Empty(t, h.bot.submitted)
}

func TestRunner_IncompleteSettings(t *testing.T) {
	h := newHarness(t)
	h.put(t, storage.SettingsKey(email), []byte(`{"USER TOKEN":"token"}`))
	job := h.job(t, domain.ModeU1, runPrompts[0])

	_, err := h.runner.Execute(context.Background(), job)
	var missing *discord.MissingSettingsError
	assert.ErrorAs(t, err, &missing)
}

func TestRunner_EmptyPromptFile(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, domain.ModeU1)

	summary, err := h.runner.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, summary)
	assert.Contains(t, h.sink.joined(), "The prompt file contains no prompts.")
}

func TestRunner_CanceledJobPublishesNothing(t *testing.T) {
	h := newHarness(t)
	h.sink.cancel = true
	job := h.job(t, domain.ModeU1, runPrompts...)

	_, err := h.runner.Execute(context.Background(), job)
	assert.ErrorIs(t, err, orchestrator.ErrCanceled)

	_, err = h.store.Get(context.Background(), storage.ImagesKey(email))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, h.usage.calls)
}

func TestRunner_IdentityFailure(t *testing.T) {
	h := newHarness(t)
	h.bot.selfDown = true
	job := h.job(t, domain.ModeU1, runPrompts...)

	_, err := h.runner.Execute(context.Background(), job)
	assert.ErrorIs(t, err, orchestrator.ErrIdentity)
	assert.Empty(t, h.bot.submitted)
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := config.Default()

	single := OrchestratorConfig(cfg, domain.ModeU3, botID)
	assert.Equal(t, orchestrator.DefaultConfig(domain.ModeU3, botID), single)

	all := OrchestratorConfig(cfg, domain.ModeAll, botID)
	assert.Equal(t, orchestrator.DefaultConfig(domain.ModeAll, botID), all)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)
	sink.Log(context.Background(), "Prompt sent: a lighthouse")
	require.NoError(t, sink.UpdateProgress(context.Background(), 10, 20))
	assert.False(t, sink.CancelRequested(context.Background()))
	assert.Equal(t, "Prompt sent: a lighthouse\nProgress: 10/20 prompts\n", buf.String())
}
