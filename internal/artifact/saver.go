package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

// ImageSaver downloads attachments into a directory as {index}_{label}{ext}
type ImageSaver struct {
	Dir    string
	Client *http.Client
}

// NewImageSaver creates a saver writing into dir
func NewImageSaver(dir string) *ImageSaver {
	return &ImageSaver{
		Dir:    dir,
		Client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Save fetches the attachment and returns the path of the written file.
// Only a 200 response counts; nothing is written otherwise.
func (s *ImageSaver) Save(ctx context.Context, rawURL string, index int, label domain.VariantLabel) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}

	dest := filepath.Join(s.Dir, ImageName(rawURL, index, label))
	if err := writeFileAtomic(dest, data); err != nil {
		return "", err
	}
	return dest, nil
}

// ImageName returns the file name of a downloaded variant. The extension is
// taken from the URL path, ignoring any query string.
func ImageName(rawURL string, index int, label domain.VariantLabel) string {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = path.Ext(u.Path)
	}
	return fmt.Sprintf("%d_%s%s", index, label, ext)
}
