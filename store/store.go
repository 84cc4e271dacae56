// Package store is a typed facade over the shared Redis instance.
//
// Three client roles share one URL:
//   - cmd: every command issued by admission, reconciliation, snapshots, and
//     HTTP handlers
//   - sub: dedicated to SUBSCRIBE/PSUBSCRIBE; never issues commands
//   - readback: used exclusively by the event bus to re-read hashes named in
//     keyspace notifications (a subscribed connection cannot issue commands)
package store

import (
	"context"
	"time"

	"github.com/emprops/relay/errors"
	"github.com/redis/go-redis/v9"
)

// ScanBatchSize is the COUNT hint for cursor scans
const ScanBatchSize = 100

// KeyspaceEventFlags is the notify-keyspace-events mask relay requires:
// keyspace events, keyevent events, string commands, and expirations.
const KeyspaceEventFlags = "KE$x"

// Store wraps the three Redis client roles
type Store struct {
	cmd      *redis.Client
	sub      *redis.Client
	readback *redis.Client
}

// New connects the three client roles from a single redis:// URL.
// The keyspace-notification patterns are pinned to logical DB 0, so any
// other DB in the URL is rejected.
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrStoreFailure, "invalid redis url %q: %v", url, err)
	}
	if opts.DB != 0 {
		return nil, errors.Newf("store requires redis DB 0, got DB %d (keyspace patterns are pinned to @0)", opts.DB)
	}

	cmdOpts, subOpts, readbackOpts := *opts, *opts, *opts
	return &Store{
		cmd:      redis.NewClient(&cmdOpts),
		sub:      redis.NewClient(&subOpts),
		readback: redis.NewClient(&readbackOpts),
	}, nil
}

// NewFromClients builds a Store from pre-built clients (used by tests)
func NewFromClients(cmd, sub, readback *redis.Client) *Store {
	return &Store{cmd: cmd, sub: sub, readback: readback}
}

// Ping verifies the command connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.cmd.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(errors.ErrStoreFailure, "PING: %v", err)
	}
	return nil
}

// Close disconnects all three clients
func (s *Store) Close() error {
	var firstErr error
	for _, c := range []*redis.Client{s.cmd, s.sub, s.readback} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetHash returns all fields of a hash. A missing key yields an empty map,
// matching Redis HGETALL semantics.
func (s *Store) GetHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrStoreFailure, "HGETALL %s: %v", key, err)
	}
	return fields, nil
}

// SetHashFields writes fields into a hash, creating it if absent
func (s *Store) SetHashFields(ctx context.Context, key string, fields map[string]interface{}) error {
	if err := s.cmd.HSet(ctx, key, fields).Err(); err != nil {
		return errors.Wrapf(errors.ErrStoreFailure, "HSET %s: %v", key, err)
	}
	return nil
}

// DeleteKey removes one or more keys
func (s *Store) DeleteKey(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.cmd.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrapf(errors.ErrStoreFailure, "DEL %v: %v", keys, err)
	}
	return nil
}

// KeyExists reports whether a key is present
func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	n, err := s.cmd.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrapf(errors.ErrStoreFailure, "EXISTS %s: %v", key, err)
	}
	return n > 0, nil
}

// AddToSortedSet inserts or updates a member with the given score
func (s *Store) AddToSortedSet(ctx context.Context, key, member string, score float64) error {
	if err := s.cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return errors.Wrapf(errors.ErrStoreFailure, "ZADD %s %s: %v", key, member, err)
	}
	return nil
}

// RemoveFromSortedSet removes a member, reporting whether it was present
func (s *Store) RemoveFromSortedSet(ctx context.Context, key, member string) (bool, error) {
	removed, err := s.cmd.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, errors.Wrapf(errors.ErrStoreFailure, "ZREM %s %s: %v", key, member, err)
	}
	return removed > 0, nil
}

// SortedSetScore returns a member's score and whether the member exists
func (s *Store) SortedSetScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.cmd.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(errors.ErrStoreFailure, "ZSCORE %s %s: %v", key, member, err)
	}
	return score, true, nil
}

// RangeByScoreDesc returns members ordered highest score first, the order
// workers consume the pending queue in.
func (s *Store) RangeByScoreDesc(ctx context.Context, key string, limit int64) ([]string, error) {
	members, err := s.cmd.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrStoreFailure, "ZREVRANGEBYSCORE %s: %v", key, err)
	}
	return members, nil
}

// ScanKeys iterates the keyspace with a match pattern, batching with
// ScanBatchSize, and returns all matching keys.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.cmd.Scan(ctx, cursor, pattern, ScanBatchSize).Result()
		if err != nil {
			return nil, errors.Wrapf(errors.ErrStoreFailure, "SCAN %s: %v", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Pipeline runs an ordered batch of commands in one round trip. Individual
// command errors are left on the returned Cmders; only transport-level
// failure is returned as an error.
func (s *Store) Pipeline(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := s.cmd.Pipelined(ctx, fn)
	if err != nil && err != redis.Nil {
		return cmds, errors.Wrapf(errors.ErrStoreFailure, "pipeline: %v", err)
	}
	return cmds, nil
}

// KeyTTL returns the remaining TTL of a key. Redis conventions apply:
// -1 means no expiry, -2 means the key does not exist.
func (s *Store) KeyTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.cmd.TTL(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(errors.ErrStoreFailure, "TTL %s: %v", key, err)
	}
	return ttl, nil
}

// ConfigureKeyspaceNotifications applies the notification mask relay depends
// on. Startup must abort when this fails: without notifications the bus never
// sees worker-side hash writes.
func (s *Store) ConfigureKeyspaceNotifications(ctx context.Context) error {
	if err := s.cmd.ConfigSet(ctx, "notify-keyspace-events", KeyspaceEventFlags).Err(); err != nil {
		return errors.Wrapf(errors.ErrStoreFailure, "CONFIG SET notify-keyspace-events %s: %v", KeyspaceEventFlags, err)
	}
	return nil
}

// Publish sends a payload on a channel
func (s *Store) Publish(ctx context.Context, channel string, payload interface{}) error {
	if err := s.cmd.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrapf(errors.ErrStoreFailure, "PUBLISH %s: %v", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the dedicated sub client
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.sub.Subscribe(ctx, channels...)
}

// PatternSubscribe opens a pattern subscription on the dedicated sub client
func (s *Store) PatternSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return s.sub.PSubscribe(ctx, patterns...)
}

// ReadbackHash re-reads a hash on the readback client. Only the event bus
// uses this; see the package comment for why it is a separate connection.
func (s *Store) ReadbackHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.readback.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrStoreFailure, "readback HGETALL %s: %v", key, err)
	}
	return fields, nil
}
