package cachetrack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/protocol/token"
	"github.com/modelrelay/modelrelay/internal/typ"
)

// Result is the prompt-caching breakdown reported to the caller.
type Result struct {
	CacheReadTokens     int64
	CacheCreationTokens int64
	UncachedTokens      int64
}

// kvClient is the slice of the redis API the accountant uses; *redis.Client
// satisfies it.
type kvClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Accountant resolves breakpoints against redis. Every failure degrades to
// the fail-open result; nothing here ever reaches the request path as an
// error.
type Accountant struct {
	rdb kvClient
}

// New builds an accountant over a lazily connecting redis client.
func New(addr, password string) *Accountant {
	return &Accountant{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// NewWithClient is the test seam.
func NewWithClient(rdb kvClient) *Accountant {
	return &Accountant{rdb: rdb}
}

func cacheKey(sessionID, hash string) string {
	return fmt.Sprintf("cache:%s:%s", sessionID, hash)
}

// withRetry runs op with the bounded backoff policy used for all redis
// calls: at most 3 attempts, 200ms growing, capped at 2s.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
}

// Account runs the lookup/create algorithm for a request whose breakpoints
// were already computed. totalTokens is the token count of the whole request.
func (a *Accountant) Account(ctx context.Context, req *typ.Request) Result {
	total := int64(token.CountRequest(req))
	failOpen := Result{UncachedTokens: total}

	breakpoints, err := ComputeBreakpoints(req)
	if err != nil {
		logrus.Warnf("prefix-cache hashing failed: %v", err)
		return failOpen
	}
	if len(breakpoints) == 0 {
		return failOpen
	}
	sessionID := SessionID(req.UserID)

	// Walk breakpoints longest-prefix-first looking for a stored entry.
	hitIndex := -1
	var read int64
	for i := len(breakpoints) - 1; i >= 0; i-- {
		bp := breakpoints[i]
		var val string
		err := withRetry(ctx, func() error {
			var getErr error
			val, getErr = a.rdb.Get(ctx, cacheKey(sessionID, bp.Hash)).Result()
			if getErr == redis.Nil {
				val = ""
				return nil
			}
			return getErr
		})
		if err != nil {
			logrus.Warnf("prefix-cache lookup failed, failing open: %v", err)
			return failOpen
		}
		if val == "" {
			continue
		}
		stored, convErr := strconv.ParseInt(val, 10, 64)
		if convErr != nil {
			continue
		}
		hitIndex = i
		read = stored
		if err := withRetry(ctx, func() error {
			return a.rdb.Expire(ctx, cacheKey(sessionID, bp.Hash), bp.TTL).Err()
		}); err != nil {
			logrus.Warnf("prefix-cache ttl refresh failed, failing open: %v", err)
			return failOpen
		}
		break
	}

	// Store every breakpoint past the hit (or all of them on a miss) and
	// charge the delta as cache creation.
	var creation int64
	prev := read
	for i := hitIndex + 1; i < len(breakpoints); i++ {
		bp := breakpoints[i]
		if err := withRetry(ctx, func() error {
			return a.rdb.SetEx(ctx, cacheKey(sessionID, bp.Hash),
				strconv.FormatInt(bp.CumulativeTokens, 10), bp.TTL).Err()
		}); err != nil {
			logrus.Warnf("prefix-cache store failed, failing open: %v", err)
			return failOpen
		}
		creation += bp.CumulativeTokens - prev
		prev = bp.CumulativeTokens
	}

	uncached := total - read - creation
	if uncached < 0 {
		uncached = 0
	}
	return Result{
		CacheReadTokens:     read,
		CacheCreationTokens: creation,
		UncachedTokens:      uncached,
	}
}

var sessionIDPattern = regexp.MustCompile(`_session_([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)

// SessionID derives the cache session from the caller-supplied user id: an
// embedded `…_session_<UUID>…` wins, anything else hashes.
func SessionID(userID string) string {
	if m := sessionIDPattern.FindStringSubmatch(userID); m != nil {
		return m[1]
	}
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}
