package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PersistedEntry is the on-disk form of a cache entry. Data is the JSON
// encoding of the value so reload does not depend on the concrete payload type
// being gob-registered.
type PersistedEntry struct {
	Key            string
	Strategy       Strategy
	Data           []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	Size           int64
	Tags           []string
	Dependencies   []string
	Checksum       uint64
}

// Persister stores and reloads the persist-flagged portion of the cache.
type Persister interface {
	Save(entries []PersistedEntry) error
	Load() ([]PersistedEntry, error)
}

// FilePersister is a gob-encoded single-file Persister. Saves are atomic via a
// temp file rename.
type FilePersister struct {
	path string
}

var _ Persister = (*FilePersister)(nil)

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (p *FilePersister) Save(entries []PersistedEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return fmt.Errorf("encode cache snapshot: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write cache snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace cache snapshot: %w", err)
	}
	return nil
}

func (p *FilePersister) Load() ([]PersistedEntry, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache snapshot: %w", err)
	}

	var entries []PersistedEntry
	if err = gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode cache snapshot: %w", err)
	}
	return entries, nil
}
