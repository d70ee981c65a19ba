// Package storage keeps per-user objects in an S3 compatible bucket:
// the settings a user uploads, their prompt files and the artifacts of
// finished jobs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// Store is the object storage used by jobs and the API
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// SettingsKey is the object holding a user's Discord settings
func SettingsKey(email string) string {
	return fmt.Sprintf("Users/%s/settings.json", email)
}

// ImagesKey is the object holding the image archive of a user's last job
func ImagesKey(email string) string {
	return fmt.Sprintf("Users/%s/images.zip", email)
}

// LedgerKey is the object holding a user's failure ledger
func LedgerKey(email string) string {
	return fmt.Sprintf("Users/%s/failed_prompts.json", email)
}

// PromptsKey is the object holding an uploaded prompt file
func PromptsKey(email, name string) string {
	return fmt.Sprintf("Users/%s/prompts/%s", email, name)
}
