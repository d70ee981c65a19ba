package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/config"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/license"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/notify"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/storage"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openJobs(cfg *config.Config) (*jobstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return jobstore.New(cfg.General.DatabasePath)
}

func openBlobs(ctx context.Context, cfg *config.Config) (*storage.S3Store, error) {
	return storage.NewS3(ctx, storage.S3Options{
		Bucket:       cfg.Storage.Bucket,
		Endpoint:     cfg.Storage.Endpoint,
		Region:       cfg.Storage.Region,
		UsePathStyle: cfg.Storage.UsePathStyle,
	})
}

// newLicense returns nil when no license service is configured
func newLicense(cfg *config.Config) *license.Client {
	if cfg.License.URL == "" {
		return nil
	}
	return license.New(cfg.License.URL, license.Options{
		Timeout:  cfg.License.Timeout.Std(),
		CacheTTL: cfg.License.CacheTTL.Std(),
		Logger:   logger,
	})
}

func newNotifier(cfg *config.Config) notify.Notifier {
	notifiers := []notify.Notifier{notify.LogNotifier{Logger: logger.Named("notify")}}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	return notify.NewMultiNotifier(notifiers...)
}

func jobLogger(job *domain.Job) *zap.Logger {
	return logger.With(zap.String("job", job.ID), zap.String("email", job.Email))
}
