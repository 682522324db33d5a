package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// SourceDefinitions memoizes expensive-to-compute source definitions per
// symbol. Every stored definition carries a fingerprint of the file it points
// into, so an edit anywhere in that file invalidates all symbols defined
// there. The cache is persisted as JSON and survives across runs; a missing
// or corrupt file just means starting empty.
type SourceDefinitions struct {
	mu      sync.Mutex
	entries map[string]definitionEntry

	root   string // project root, definitions are stored relative to it
	path   string // backing file, empty for a purely in-memory cache
	logger log.Logger
}

type definitionEntry struct {
	Definition string `json:"definition"`
	FileHash   string `json:"file_hash"`
}

func NewSourceDefinitions(logger log.Logger, projectRoot, cacheFilePath string) *SourceDefinitions {
	c := &SourceDefinitions{
		entries: map[string]definitionEntry{},
		root:    projectRoot,
		path:    cacheFilePath,
		logger:  logger,
	}
	if cacheFilePath == "" {
		return c
	}
	data, err := os.ReadFile(cacheFilePath)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		level.Warn(logger).Log("msg", "discarding corrupt definitions cache", "path", cacheFilePath, "err", err)
		c.entries = map[string]definitionEntry{}
	}
	return c
}

// Get returns the cached definition for a symbol. The bool reports whether
// the symbol was cached at all; an empty cached definition is a valid
// negative result.
func (c *SourceDefinitions) Get(symbol string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	return e.Definition, ok
}

// Add stores or updates a definition. An empty definition has no file to
// fingerprint and so can never be invalidated later.
func (c *SourceDefinitions) Add(symbol, definition string) {
	var fileHash string
	if definition != "" {
		fileHash = c.fingerprint(definition)
	}
	c.mu.Lock()
	c.entries[symbol] = definitionEntry{Definition: definition, FileHash: fileHash}
	c.mu.Unlock()
}

// IsInvalidated reports whether the file a cached definition points into has
// changed since the definition was stored.
func (c *SourceDefinitions) IsInvalidated(symbol string) bool {
	c.mu.Lock()
	e, ok := c.entries[symbol]
	c.mu.Unlock()
	if !ok || e.Definition == "" {
		return false
	}
	return c.fingerprint(e.Definition) != e.FileHash
}

// Len returns the number of cached symbols.
func (c *SourceDefinitions) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close flushes the cache to its backing file.
func (c *SourceDefinitions) Close() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	data, err := json.MarshalIndent(c.entries, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}

// fingerprint hashes the full content of the file a definition points into.
// The whole file is hashed, not just the referenced line, so any edit in the
// file invalidates every definition living there. Missing files hash to "".
func (c *SourceDefinitions) fingerprint(definition string) string {
	file, _, _ := strings.Cut(definition, ":")
	content, err := os.ReadFile(filepath.Join(c.root, file))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}
