// Package cachetrack computes Anthropic-style prompt-caching accounting for
// upstreams that do not report it: cumulative-hash breakpoints over the
// prompt prefix, backed by redis.
package cachetrack

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/protocol/token"
	"github.com/modelrelay/modelrelay/internal/typ"
)

// System blocks carrying the injected billing context must not poison the
// cache hash; they vary per request.
const billingHeaderSentinel = "x-billing-context:"

const (
	ttlShort = 300 * time.Second
	ttlLong  = 3600 * time.Second
)

// Breakpoint is one cache boundary: the digest of the prefix up to and
// including the marked block, and the running token count at that point.
type Breakpoint struct {
	Hash             string
	CumulativeTokens int64
	TTL              time.Duration
}

// ComputeBreakpoints feeds the request prefix through the cumulative hasher
// in canonical order and emits one breakpoint per cache_control marker.
// Blocks after the last marker are never fed, so the cached prefix's
// identity is independent of the uncached suffix.
func ComputeBreakpoints(req *typ.Request) ([]Breakpoint, error) {
	h := newCumulativeHasher()
	var tokens int64

	feed := func(s string) {
		if s == "" {
			return
		}
		h.write(s)
		tokens += int64(token.CountText(s))
	}

	// Tools first, name-sorted for determinism.
	tools := make([]typ.ToolDef, len(req.Tools))
	copy(tools, req.Tools)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	for _, t := range tools {
		feed(fmt.Sprintf("name:%s|desc:%s|schema:%s", t.Name, t.Description, canonicalJSON(t.InputSchema)))
	}

	for _, b := range req.System {
		if strings.HasPrefix(b.Text, billingHeaderSentinel) {
			continue
		}
		feed(b.Text)
	}

	// Blocks after the last cache_control marker stay out of the hasher
	// entirely; the cached prefix's identity must not depend on the suffix.
	remaining := 0
	for _, msg := range req.Messages {
		for _, b := range msg.Content {
			if b.CacheControl != nil {
				remaining++
			}
		}
	}

	var breakpoints []Breakpoint
	for _, msg := range req.Messages {
		if remaining == 0 {
			break
		}
		for _, b := range msg.Content {
			if remaining == 0 {
				break
			}
			marker := b.CacheControl
			feed(blockHashText(b))
			if marker == nil {
				continue
			}
			remaining--
			digest, err := h.snapshot()
			if err != nil {
				return nil, err
			}
			ttl := ttlShort
			if marker.TTL == "1h" {
				ttl = ttlLong
			}
			breakpoints = append(breakpoints, Breakpoint{
				Hash:             digest,
				CumulativeTokens: tokens,
				TTL:              ttl,
			})
		}
	}
	return breakpoints, nil
}

// blockHashText serialises one block for hashing with the cache_control
// marker stripped, so the marker itself does not alter the hash.
func blockHashText(b typ.Block) string {
	stripped := b
	stripped.CacheControl = nil
	raw, err := json.Marshal(stripped)
	if err != nil {
		return ""
	}
	return canonicalJSON(raw)
}
