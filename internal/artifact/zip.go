package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// ZipStats describes a written archive
type ZipStats struct {
	Files int
	Bytes int64
}

// ZipDir archives the regular files directly inside dir into dest, each
// stored under its base name. Subdirectories are skipped.
func ZipDir(dir, dest string) (ZipStats, error) {
	var stats ZipStats

	entries, err := os.ReadDir(dir)
	if err != nil {
		return stats, fmt.Errorf("listing %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return stats, fmt.Errorf("create parent for %s: %w", dest, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return stats, fmt.Errorf("creating archive: %w", err)
	}
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := addFile(zw, filepath.Join(dir, e.Name())); err != nil {
			_ = zw.Close()
			_ = out.Close()
			_ = os.Remove(dest)
			return stats, err
		}
		stats.Files++
	}

	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return stats, fmt.Errorf("finishing archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return stats, fmt.Errorf("closing archive: %w", err)
	}
	if info, err := os.Stat(dest); err == nil {
		stats.Bytes = info.Size()
	}
	return stats, nil
}

func addFile(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header for %s: %w", path, err)
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("adding %s: %w", path, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	return nil
}
