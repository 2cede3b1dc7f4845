package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// CredentialStore persists credentials as a JSON document keyed by provider
// kind. Credentials are created by config load, never by the request path.
type CredentialStore struct {
	path string
	mu   sync.RWMutex
	byKind map[typ.ProviderKind][]*typ.Credential
}

// NewCredentialStore loads the credential document at path. A missing file
// yields an empty store.
func NewCredentialStore(path string) (*CredentialStore, error) {
	s := &CredentialStore{
		path:   path,
		byKind: make(map[typ.ProviderKind][]*typ.Credential),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &s.byKind); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	// Backfill identity and health for records written by hand.
	for _, creds := range s.byKind {
		for _, c := range creds {
			if c.UUID == "" {
				c.UUID = uuid.NewString()
			}
			if c.HealthState == "" {
				c.HealthState = typ.HealthHealthy
			}
		}
	}
	return s, nil
}

// ByKind returns the credentials for one provider kind. The returned slice
// shares the stored pointers; the pool serialises mutation.
func (s *CredentialStore) ByKind(kind typ.ProviderKind) []*typ.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKind[kind]
}

// Kinds returns every provider kind with at least one credential.
func (s *CredentialStore) Kinds() []typ.ProviderKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := make([]typ.ProviderKind, 0, len(s.byKind))
	for k := range s.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}

// All returns every credential across all kinds.
func (s *CredentialStore) All() []*typ.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*typ.Credential
	for _, creds := range s.byKind {
		all = append(all, creds...)
	}
	return all
}

// Add inserts a credential under its provider kind.
func (s *CredentialStore) Add(c *typ.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	if c.HealthState == "" {
		c.HealthState = typ.HealthHealthy
	}
	s.byKind[c.ProviderKind] = append(s.byKind[c.ProviderKind], c)
}

// Save writes the document atomically (write-temp-then-rename).
func (s *CredentialStore) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.byKind, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return atomicWrite(s.path, data)
}

// atomicWrite writes data to a temp file in the target directory and renames
// it over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
