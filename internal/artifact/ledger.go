package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

// FileLedger is a failure ledger stored as a JSON array on disk. Appending
// reads the existing array, extends it and rewrites the whole file.
// Existing entries are carried over as raw JSON, whatever their shape.
type FileLedger struct {
	Path string
}

// NewFileLedger creates a ledger at path; the file is created on first append
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{Path: path}
}

// Append adds entries to the ledger. A file that exists but is not a JSON
// array is left untouched and reported as an error.
func (l *FileLedger) Append(entries []domain.FailureLedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	existing, err := l.raw()
	if err != nil {
		return err
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding ledger entry %d: %w", e.Index, err)
		}
		existing = append(existing, data)
	}
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	return writeFileAtomic(l.Path, data)
}

// Exists reports whether the ledger file has been written
func (l *FileLedger) Exists() bool {
	_, err := os.Stat(l.Path)
	return err == nil
}

// Entries returns the decoded ledger contents
func (l *FileLedger) Entries() ([]domain.FailureLedgerEntry, error) {
	data, err := os.ReadFile(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	return DecodeLedger(data)
}

// Remove deletes the ledger file if present
func (l *FileLedger) Remove() error {
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *FileLedger) raw() ([]json.RawMessage, error) {
	data, err := os.ReadFile(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var existing []json.RawMessage
	if err := json.Unmarshal(data, &existing); err != nil {
		return nil, fmt.Errorf("ledger %s is not a JSON array: %w", l.Path, err)
	}
	return existing, nil
}

// DecodeLedger parses a ledger document in either entry shape
func DecodeLedger(data []byte) ([]domain.FailureLedgerEntry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var entries []domain.FailureLedgerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding ledger: %w", err)
	}
	return entries, nil
}
