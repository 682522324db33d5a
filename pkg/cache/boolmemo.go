package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// BoolMemo is a JSON-file-backed string->bool memo. It stores key/value pairs
// persistently across runs and never recomputes a known key. Used for
// per-line classification answers that require reading source files.
type BoolMemo struct {
	mu     sync.Mutex
	values map[string]bool
	path   string
	logger log.Logger
}

func NewBoolMemo(logger log.Logger, path string) *BoolMemo {
	m := &BoolMemo{
		values: map[string]bool{},
		path:   path,
		logger: logger,
	}
	if path == "" {
		return m
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, &m.values); err != nil {
		level.Warn(logger).Log("msg", "discarding corrupt memo file", "path", path, "err", err)
		m.values = map[string]bool{}
	}
	return m
}

// Do returns the memoized value for key, computing and storing it on first
// use. The compute function runs outside the lock at most once per key per
// process; a duplicate concurrent computation is harmless since the result
// is deterministic for a given key.
func (m *BoolMemo) Do(key string, compute func() bool) bool {
	m.mu.Lock()
	if v, ok := m.values[key]; ok {
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()

	v := compute()

	m.mu.Lock()
	m.values[key] = v
	m.mu.Unlock()
	return v
}

// Close flushes the memo to its backing file.
func (m *BoolMemo) Close() error {
	if m.path == "" {
		return nil
	}
	m.mu.Lock()
	data, err := json.MarshalIndent(m.values, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o644)
}
