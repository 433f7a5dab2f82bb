// Package state persists the trust store as a single JSON file with
// atomic replace semantics and an advisory lock against concurrent
// writers.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/trust"
)

// TrustFileStore reads and writes trust.json. A missing file loads as an
// empty store; a corrupt file is preserved with a timestamp suffix and an
// empty store is returned, so a bad write never wedges startup.
type TrustFileStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewTrustFileStore creates a store rooted at path. The parent directory
// is created on first save.
func NewTrustFileStore(path string, logger *slog.Logger) *TrustFileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrustFileStore{path: path, logger: logger, now: time.Now}
}

// Load reads the store file.
func (s *TrustFileStore) Load() (*trust.Store, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &trust.Store{Version: 1, Agents: map[string]*trust.AgentTrust{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}

	var store trust.Store
	if err := json.Unmarshal(data, &store); err != nil {
		corrupt := s.path + ".corrupt-" + s.now().UTC().Format("20060102T150405Z")
		if renameErr := os.Rename(s.path, corrupt); renameErr != nil {
			return nil, fmt.Errorf("preserve corrupt trust store: %w", renameErr)
		}
		s.logger.Warn("corrupt trust store preserved, starting empty",
			"path", corrupt, "error", err)
		return &trust.Store{Version: 1, Agents: map[string]*trust.AgentTrust{}}, nil
	}
	if store.Agents == nil {
		store.Agents = map[string]*trust.AgentTrust{}
	}
	return &store, nil
}

// Save serialises the store and replaces the target atomically: write to
// a temporary file in the same directory, fsync, rename. An advisory lock
// on a sidecar file serialises writers across processes.
func (s *TrustFileStore) Save(store *trust.Store) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	unlock, err := acquireLock(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock trust store: %w", err)
	}
	defer unlock()

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trust store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write trust store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync trust store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace trust store: %w", err)
	}
	return nil
}

var _ trust.StateStore = (*TrustFileStore)(nil)
