// ABOUTME: Flat-file persistence for paired device tokens
// ABOUTME: Stores a JSON array rewritten wholesale on every mutation

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenStore persists the full token set.
type TokenStore interface {
	Load() ([]AuthToken, error)
	Save(tokens []AuthToken) error
}

// tokenRecord is the on-disk shape of one token. Timestamps are Unix milliseconds.
type tokenRecord struct {
	SessionID  string `json:"sessionId"`
	Token      string `json:"token"`
	DeviceName string `json:"deviceName"`
	CreatedAt  int64  `json:"createdAt"`
	LastSeen   int64  `json:"lastSeen"`
}

// FileTokenStore keeps tokens in a single JSON file.
type FileTokenStore struct {
	mu   sync.Mutex
	path string
}

// NewFileTokenStore returns a store backed by path. The file is created on first save.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Path returns the backing file path.
func (f *FileTokenStore) Path() string {
	return f.path
}

// Load reads all tokens. A missing file yields an empty set.
func (f *FileTokenStore) Load() ([]AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []tokenRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}

	tokens := make([]AuthToken, 0, len(records))
	for _, r := range records {
		if r.Token == "" {
			continue
		}
		tokens = append(tokens, AuthToken{
			SessionID:  r.SessionID,
			Secret:     r.Token,
			DeviceName: r.DeviceName,
			CreatedAt:  time.UnixMilli(r.CreatedAt),
			LastSeen:   time.UnixMilli(r.LastSeen),
		})
	}
	return tokens, nil
}

// Save replaces the file contents with tokens. The write goes through a
// temporary file and rename so a crash never leaves a truncated store.
func (f *FileTokenStore) Save(tokens []AuthToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make([]tokenRecord, 0, len(tokens))
	for _, t := range tokens {
		records = append(records, tokenRecord{
			SessionID:  t.SessionID,
			Token:      t.Secret,
			DeviceName: t.DeviceName,
			CreatedAt:  t.CreatedAt.UnixMilli(),
			LastSeen:   t.LastSeen.UnixMilli(),
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting token file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}
