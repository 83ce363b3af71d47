package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medmirror/medmirror/pkg/record"
)

const tokenSep = "\x1f"

// RedisIndex keeps the fingerprint index in Redis so multiple mirror nodes
// and restarts share one view. Layout per kind:
//
//	dedup:<kind>:fp:<fingerprint>  -> key tokens, unit-separator joined
//	dedup:<kind>:tok:<token>       -> set of fingerprints carrying the token
type RedisIndex struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Index = (*RedisIndex)(nil)

// NewRedisIndex wraps an existing client. A zero ttl keeps entries forever;
// a positive ttl lets the index age out and rebuild from the store.
func NewRedisIndex(client *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{client: client, ttl: ttl}
}

func (r *RedisIndex) fpKey(kind record.DatasetKind, fingerprint string) string {
	return fmt.Sprintf("dedup:%s:fp:%s", kind, fingerprint)
}

func (r *RedisIndex) tokKey(kind record.DatasetKind, token string) string {
	return fmt.Sprintf("dedup:%s:tok:%s", kind, token)
}

// Seen implements Index
func (r *RedisIndex) Seen(ctx context.Context, kind record.DatasetKind, fingerprint string) (bool, error) {
	n, err := r.client.Exists(ctx, r.fpKey(kind, fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	return n > 0, nil
}

// Candidates implements Index
func (r *RedisIndex) Candidates(ctx context.Context, kind record.DatasetKind, tokens []string) ([]Entry, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	keys := make([]string, len(tokens))
	for i, tok := range tokens {
		keys[i] = r.tokKey(kind, tok)
	}

	fps, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to union token sets: %w", err)
	}
	if len(fps) > maxCandidates {
		fps = fps[:maxCandidates]
	}
	if len(fps) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	gets := make([]*redis.StringCmd, len(fps))
	for i, fp := range fps {
		gets[i] = pipe.Get(ctx, r.fpKey(kind, fp))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load candidate tokens: %w", err)
	}

	entries := make([]Entry, 0, len(fps))
	for i, fp := range fps {
		joined, err := gets[i].Result()
		if err == redis.Nil {
			// Token set outlived the fingerprint entry; stale member
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load candidate tokens: %w", err)
		}
		entries = append(entries, Entry{Fingerprint: fp, Tokens: strings.Split(joined, tokenSep)})
	}
	return entries, nil
}

// Add implements Index
func (r *RedisIndex) Add(ctx context.Context, kind record.DatasetKind, fingerprint string, tokens []string) error {
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.fpKey(kind, fingerprint), strings.Join(tokens, tokenSep), r.ttl)
	for _, tok := range tokens {
		key := r.tokKey(kind, tok)
		pipe.SAdd(ctx, key, fingerprint)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index fingerprint: %w", err)
	}
	return nil
}

// Close implements Index
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
