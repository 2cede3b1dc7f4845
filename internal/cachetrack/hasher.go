package cachetrack

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"fmt"
	"hash"
)

// cumulativeHasher feeds prompt-prefix text into one running sha256 and can
// take the digest at any point without disturbing the running state. The
// snapshot relies on sha256's BinaryMarshaler support to clone mid-stream.
type cumulativeHasher struct {
	h hash.Hash
}

func newCumulativeHasher() *cumulativeHasher {
	return &cumulativeHasher{h: sha256.New()}
}

func (c *cumulativeHasher) write(s string) {
	c.h.Write([]byte(s))
}

// snapshot returns the hex digest of everything written so far.
func (c *cumulativeHasher) snapshot() (string, error) {
	m, ok := c.h.(encoding.BinaryMarshaler)
	if !ok {
		return "", fmt.Errorf("hash state is not marshalable")
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to snapshot hash state: %w", err)
	}
	clone := sha256.New()
	if err := clone.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return "", fmt.Errorf("failed to restore hash state: %w", err)
	}
	return hex.EncodeToString(clone.Sum(nil)), nil
}
