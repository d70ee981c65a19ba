// Package jobrun executes one queued job end to end: it loads the user's
// settings and prompt file, runs the batch workflow and publishes the
// resulting archive and failure ledger.
package jobrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/artifact"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/config"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/prompts"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/storage"
)

// ErrNoSettings is returned when the user never uploaded a settings file
var ErrNoSettings = errors.New("settings file not found")

// UsageRecorder reports how many prompts a licensed user ran
type UsageRecorder interface {
	RecordUsage(ctx context.Context, email, key string, prompts int) error
}

// Options configure a Runner. Sinks is required.
type Options struct {
	Sinks      func(job *domain.Job) JobSink
	Usage      UsageRecorder
	HTTPClient *http.Client // prompt file downloads
	Sleeper    orchestrator.Sleeper
	Logger     *zap.Logger
}

// Runner executes jobs
type Runner struct {
	cfg     *config.Config
	store   storage.Store
	sinks   func(job *domain.Job) JobSink
	usage   UsageRecorder
	http    *http.Client
	sleeper orchestrator.Sleeper
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a runner working below cfg.General.DataDir
func New(cfg *config.Config, store storage.Store, opts Options) *Runner {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	sleeper := opts.Sleeper
	if sleeper == nil {
		sleeper = orchestrator.ClockSleeper{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		store:   store,
		sinks:   opts.Sinks,
		usage:   opts.Usage,
		http:    httpClient,
		sleeper: sleeper,
		logger:  logger,
		now:     time.Now,
	}
}

// Execute runs the job. A canceled run stops before anything is published
// and returns orchestrator.ErrCanceled.
func (r *Runner) Execute(ctx context.Context, job *domain.Job) (orchestrator.Summary, error) {
	sink := r.sinks(job)
	log := r.logger.With(zap.String("job", job.ID), zap.String("email", job.Email))
	sink.Log(ctx, fmt.Sprintf("Midjourney %s mode started running ...", job.Mode))

	settings, err := r.loadSettings(ctx, job.Email)
	if err != nil {
		sink.Log(ctx, "Could not load settings file from storage. Exiting job.")
		return orchestrator.Summary{}, err
	}

	list, err := r.loadPrompts(ctx, job.PromptsURL)
	if err != nil {
		sink.Log(ctx, fmt.Sprintf("Failed to download prompts file: %v", err))
		return orchestrator.Summary{}, err
	}
	if len(list) == 0 {
		sink.Log(ctx, "The prompt file contains no prompts.")
		return orchestrator.Summary{}, nil
	}

	general := r.cfg.General
	imagesDir := general.ImagesDir(job.Email)
	if err := r.prepare(imagesDir, general.LedgerPath(job.Email)); err != nil {
		return orchestrator.Summary{}, err
	}

	dopts := DiscordOptions(r.cfg)
	dopts.Logger = log
	ledger := artifact.NewFileLedger(general.LedgerPath(job.Email))
	orch, err := orchestrator.New(OrchestratorConfig(r.cfg, job.Mode, settings.BotID), orchestrator.Deps{
		Channel:  discord.New(settings, dopts),
		Saver:    artifact.NewImageSaver(imagesDir),
		Ledger:   ledger,
		Sink:     sink,
		Progress: sink,
		Batches:  sink,
		Cancel:   sink,
		Sleeper:  r.sleeper,
		Logger:   log,
	})
	if err != nil {
		return orchestrator.Summary{}, err
	}

	start := r.now()
	summary, runErr := orch.Run(ctx, list)
	if errors.Is(runErr, orchestrator.ErrCanceled) || errors.Is(runErr, orchestrator.ErrIdentity) {
		return summary, runErr
	}
	elapsed := r.now().Sub(start)

	r.publishImages(ctx, sink, job.Email, imagesDir)
	r.publishLedger(ctx, sink, job.Email, ledger)

	sink.Log(ctx, fmt.Sprintf("The run took %d min %d sec to complete.",
		int(elapsed/time.Minute), int((elapsed%time.Minute)/time.Second)))

	if r.usage != nil && job.LicenseKey != "" {
		if err := r.usage.RecordUsage(ctx, job.Email, job.LicenseKey, len(list)); err != nil {
			log.Warn("recording license usage failed", zap.Error(err))
		}
	}
	return summary, runErr
}

func (r *Runner) loadSettings(ctx context.Context, email string) (discord.Settings, error) {
	data, err := r.store.Get(ctx, storage.SettingsKey(email))
	if errors.Is(err, storage.ErrNotFound) {
		return discord.Settings{}, ErrNoSettings
	}
	if err != nil {
		return discord.Settings{}, err
	}
	return discord.ParseSettings(data)
}

// loadPrompts reads the prompt file from a presigned URL or a storage key
func (r *Runner) loadPrompts(ctx context.Context, ref string) ([]string, error) {
	if ref == "" {
		return nil, errors.New("job has no prompt file")
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		data, err := r.store.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		return prompts.Read(bytes.NewReader(data), prompts.FormatFor(ref))
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return prompts.Read(resp.Body, prompts.FormatFor(path.Base(u.Path)))
}

// prepare gives the job an empty image directory and no leftover ledger
func (r *Runner) prepare(imagesDir, ledgerPath string) error {
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("creating image directory: %w", err)
	}
	if err := artifact.CleanDir(imagesDir); err != nil {
		return fmt.Errorf("cleaning image directory: %w", err)
	}
	if err := os.Remove(ledgerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale ledger: %w", err)
	}
	return nil
}

func (r *Runner) publishImages(ctx context.Context, sink JobSink, email, imagesDir string) {
	archive := r.cfg.General.ArchivePath(email)
	stats, err := artifact.ZipDir(imagesDir, archive)
	if err != nil {
		sink.Log(ctx, fmt.Sprintf("Failed to create ZIP: %v", err))
		return
	}
	defer os.Remove(archive)

	if err := r.upload(ctx, archive, storage.ImagesKey(email), "application/zip"); err != nil {
		r.logger.Warn("uploading image archive failed", zap.String("email", email), zap.Error(err))
		sink.Log(ctx, "Failed to upload ZIP archive.")
		return
	}
	sink.Log(ctx, fmt.Sprintf("Execution completed. %d images (%s) saved in a ZIP folder under downloads.",
		stats.Files, humanize.Bytes(uint64(stats.Bytes))))

	if err := artifact.CleanDir(imagesDir); err != nil {
		sink.Log(ctx, fmt.Sprintf("Cleanup error: %v", err))
	}
}

func (r *Runner) publishLedger(ctx context.Context, sink JobSink, email string, ledger *artifact.FileLedger) {
	key := storage.LedgerKey(email)
	if !ledger.Exists() {
		// a ledger from an earlier run no longer describes this one
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.Warn("removing previous ledger failed", zap.String("email", email), zap.Error(err))
		}
		return
	}
	if err := r.upload(ctx, ledger.Path, key, "application/json"); err != nil {
		r.logger.Warn("uploading ledger failed", zap.String("email", email), zap.Error(err))
		sink.Log(ctx, "Failed to upload failed_prompts.json.")
		return
	}
	sink.Log(ctx, "Failed prompts Excel file has also been downloaded.")
	if err := ledger.Remove(); err != nil {
		sink.Log(ctx, fmt.Sprintf("Failed to delete local failed_prompts.json: %v", err))
	}
}

func (r *Runner) upload(ctx context.Context, file, key, contentType string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.store.Put(ctx, key, f, contentType)
}
