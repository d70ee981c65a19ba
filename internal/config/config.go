package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Discord       DiscordConfig       `toml:"discord"`
	Timing        TimingConfig        `toml:"timing"`
	Storage       StorageConfig       `toml:"storage"`
	Queue         QueueConfig         `toml:"queue"`
	Worker        WorkerConfig        `toml:"worker"`
	License       LicenseConfig       `toml:"license"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir             string `toml:"data_dir"`
	DatabasePath        string `toml:"database_path"`
	BatchSize           int    `toml:"batch_size"`
	MessageLimit        int    `toml:"message_limit"`
	ClearSweeps         int    `toml:"clear_sweeps"`
	LedgerUnsentPrompts bool   `toml:"ledger_unsent_prompts"`
}

// DiscordConfig holds Discord API transport settings
type DiscordConfig struct {
	APIBaseURL        string   `toml:"api_base_url"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	RequestTimeout    Duration `toml:"request_timeout"`
}

// TimingConfig holds the pauses of the batch workflow. Pauses that depend on
// the number of requested variants live in [timing.single] and [timing.all].
type TimingConfig struct {
	PreClear      Duration    `toml:"pre_clear"`
	PostClear     Duration    `toml:"post_clear"`
	ClearDelete   Duration    `toml:"clear_delete"`
	ClearSweepGap Duration    `toml:"clear_sweep_gap"`
	SubmitGap     Duration    `toml:"submit_gap"`
	PostSubmit    Duration    `toml:"post_submit"`
	ClickPause    Duration    `toml:"click_pause"`
	Single        PhaseTiming `toml:"single"`
	All           PhaseTiming `toml:"all"`
}

// PhaseTiming holds the polling pauses of one run mode
type PhaseTiming struct {
	ClickPoll    Duration `toml:"click_poll"`
	Settle       Duration `toml:"settle"`
	DownloadPoll Duration `toml:"download_poll"`
}

// StorageConfig holds object storage settings
type StorageConfig struct {
	Bucket       string   `toml:"bucket"`
	Endpoint     string   `toml:"endpoint"`
	Region       string   `toml:"region"`
	UsePathStyle bool     `toml:"use_path_style"`
	PresignTTL   Duration `toml:"presign_ttl"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	GroupID string   `toml:"group_id"`
}

// WorkerConfig holds job worker settings
type WorkerConfig struct {
	MaxJobs      int      `toml:"max_jobs"`
	ReapSchedule string   `toml:"reap_schedule"`
	StaleAfter   Duration `toml:"stale_after"`
}

// LicenseConfig holds license service settings
type LicenseConfig struct {
	URL      string   `toml:"url"`
	CacheTTL Duration `toml:"cache_ttl"`
	Timeout  Duration `toml:"timeout"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds job API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DataDir:             filepath.Join(home, ".mj-orchestrator", "data"),
			DatabasePath:        filepath.Join(home, ".mj-orchestrator", "jobs.db"),
			BatchSize:           10,
			MessageLimit:        100,
			ClearSweeps:         5,
			LedgerUnsentPrompts: true,
		},
		Discord: DiscordConfig{
			APIBaseURL:        "https://discord.com/api/v9",
			RequestsPerSecond: 5,
			Burst:             1,
			RequestTimeout:    Duration(30 * time.Second),
		},
		Timing: TimingConfig{
			PreClear:      Duration(2 * time.Second),
			PostClear:     Duration(time.Second),
			ClearDelete:   Duration(time.Second),
			ClearSweepGap: Duration(1500 * time.Millisecond),
			SubmitGap:     Duration(20 * time.Second),
			PostSubmit:    Duration(30 * time.Second),
			ClickPause:    Duration(time.Second),
			Single: PhaseTiming{
				ClickPoll:    Duration(5 * time.Second),
				Settle:       Duration(10 * time.Second),
				DownloadPoll: Duration(5 * time.Second),
			},
			All: PhaseTiming{
				ClickPoll:    Duration(10 * time.Second),
				Settle:       Duration(30 * time.Second),
				DownloadPoll: Duration(8 * time.Second),
			},
		},
		Storage: StorageConfig{
			Region:     "auto",
			PresignTTL: Duration(time.Hour),
		},
		Queue: QueueConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "mj-jobs",
			GroupID: "mj-workers",
		},
		Worker: WorkerConfig{
			MaxJobs:      2,
			ReapSchedule: "*/5 * * * *",
			StaleAfter:   Duration(6 * time.Hour),
		},
		License: LicenseConfig{
			CacheTTL: Duration(10 * time.Minute),
			Timeout:  Duration(10 * time.Second),
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and endpoints
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MJ_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("BUCKET_NAME"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("AWS_ENDPOINT_URL_S3"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Queue.Brokers = brokers
	}
	if v := os.Getenv("LICENSE_VALIDATION_URL"); v != "" {
		cfg.License.URL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notifications.SlackWebhook = v
	}
}

// Validate reports settings that cannot work
func (c *Config) Validate() error {
	var errs []error
	if c.General.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("general.batch_size must be positive, got %d", c.General.BatchSize))
	}
	if c.General.MessageLimit <= 0 || c.General.MessageLimit > 100 {
		errs = append(errs, fmt.Errorf("general.message_limit must be within 1..100, got %d", c.General.MessageLimit))
	}
	if c.Worker.MaxJobs <= 0 {
		errs = append(errs, fmt.Errorf("worker.max_jobs must be positive, got %d", c.Worker.MaxJobs))
	}
	if c.Worker.ReapSchedule != "" {
		if _, err := cron.ParseStandard(c.Worker.ReapSchedule); err != nil {
			errs = append(errs, fmt.Errorf("worker.reap_schedule: %w", err))
		}
	}
	if c.Discord.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("discord.requests_per_second must not be negative"))
	}
	return errors.Join(errs...)
}

// UserDir returns the local working directory of a user
func (g GeneralConfig) UserDir(email string) string {
	return filepath.Join(g.DataDir, "users", email)
}

// ImagesDir returns where a user's downloaded images are written
func (g GeneralConfig) ImagesDir(email string) string {
	return filepath.Join(g.UserDir(email), "images")
}

// LedgerPath returns the local failure ledger of a user
func (g GeneralConfig) LedgerPath(email string) string {
	return filepath.Join(g.UserDir(email), "failed_prompts.json")
}

// ArchivePath returns where a user's image archive is built
func (g GeneralConfig) ArchivePath(email string) string {
	return filepath.Join(g.UserDir(email), "images.zip")
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mj-orchestrator", "config.toml")
}
