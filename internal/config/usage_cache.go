package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// UsageDocument is the persisted usage cache shape.
type UsageDocument struct {
	Timestamp time.Time                                        `json:"timestamp"`
	Providers map[typ.ProviderKind]map[string]typ.UsageSnapshot `json:"providers"`
}

// UsageCache persists advisory usage snapshots per credential uuid, written
// atomically under a per-file mutex.
type UsageCache struct {
	path string
	mu   sync.Mutex
	doc  UsageDocument
}

// NewUsageCache loads the usage document at path, tolerating a missing or
// corrupt file (snapshots are advisory).
func NewUsageCache(path string) *UsageCache {
	c := &UsageCache{
		path: path,
		doc: UsageDocument{
			Providers: make(map[typ.ProviderKind]map[string]typ.UsageSnapshot),
		},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	var doc UsageDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return c
	}
	if doc.Providers == nil {
		doc.Providers = make(map[typ.ProviderKind]map[string]typ.UsageSnapshot)
	}
	c.doc = doc
	return c
}

// Get returns the snapshot for one credential, if present.
func (c *UsageCache) Get(kind typ.ProviderKind, uuid string) (typ.UsageSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byUUID, ok := c.doc.Providers[kind]
	if !ok {
		return typ.UsageSnapshot{}, false
	}
	snap, ok := byUUID[uuid]
	return snap, ok
}

// Put records a snapshot and persists the document.
func (c *UsageCache) Put(kind typ.ProviderKind, uuid string, snap typ.UsageSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byUUID, ok := c.doc.Providers[kind]
	if !ok {
		byUUID = make(map[string]typ.UsageSnapshot)
		c.doc.Providers[kind] = byUUID
	}
	byUUID[uuid] = snap
	c.doc.Timestamp = time.Now()
	return c.saveLocked()
}

func (c *UsageCache) saveLocked() error {
	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(&c.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal usage cache: %w", err)
	}
	return atomicWrite(c.path, data)
}
