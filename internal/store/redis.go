package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// RedisStore implements RunStore, EventStore and SecretStore on Redis.
// Key structure:
//
//	<prefix>run:<id>        => run JSON
//	<prefix>idx:all         => ZSET of run ids (score 0, lexicographic)
//	<prefix>due             => ZSET of waiting run ids scored by wake_at (unix ms)
//	<prefix>lease:<id>      => owner, with the lease TTL as key expiry
//	<prefix>evseq:<id>      => per-run event sequence counter
//	<prefix>events:<id>     => LIST of event JSON
//	<prefix>idx:evruns      => SET of run ids that have events
//	<prefix>evid            => global event id counter
//	<prefix>secrets         => HASH key => value
//
// Lease expiry is enforced by Redis, so lease checks follow the server clock.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. prefix defaults to "drip:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "drip:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore parses a redis:// URL, connects and pings the server.
func OpenRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) keyRun(id string) string    { return r.prefix + "run:" + id }
func (r *RedisStore) keyRuns() string            { return r.prefix + "idx:all" }
func (r *RedisStore) keyDue() string             { return r.prefix + "due" }
func (r *RedisStore) keyLease(id string) string  { return r.prefix + "lease:" + id }
func (r *RedisStore) keyEvSeq(id string) string  { return r.prefix + "evseq:" + id }
func (r *RedisStore) keyEvents(id string) string { return r.prefix + "events:" + id }
func (r *RedisStore) keyEvRuns() string          { return r.prefix + "idx:evruns" }
func (r *RedisStore) keyEvID() string            { return r.prefix + "evid" }
func (r *RedisStore) keySecrets() string         { return r.prefix + "secrets" }

func (r *RedisStore) PutRun(ctx context.Context, run *schema.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return schema.PersistenceError("encode run", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyRun(run.ID), data, 0)
		pipe.ZAdd(ctx, r.keyRuns(), redis.Z{Score: 0, Member: run.ID})
		if run.Status == schema.RunStatusWaiting && run.WakeAt != nil {
			pipe.ZAdd(ctx, r.keyDue(), redis.Z{Score: float64(run.WakeAt.UnixMilli()), Member: run.ID})
		} else {
			pipe.ZRem(ctx, r.keyDue(), run.ID)
		}
		return nil
	})
	if err != nil {
		return schema.PersistenceError("put run "+run.ID, err)
	}
	return nil
}

func (r *RedisStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	data, err := r.client.Get(ctx, r.keyRun(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, schema.PersistenceError("get run "+id, err)
	}
	return decodeRun(data)
}

func (r *RedisStore) DeleteRun(ctx context.Context, id string) error {
	n, err := r.client.Exists(ctx, r.keyRun(id)).Result()
	if err != nil {
		return schema.PersistenceError("delete run "+id, err)
	}
	if n == 0 {
		return storeNotFound("run", id)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.keyRun(id), r.keyLease(id), r.keyEvSeq(id), r.keyEvents(id))
		pipe.ZRem(ctx, r.keyRuns(), id)
		pipe.ZRem(ctx, r.keyDue(), id)
		pipe.SRem(ctx, r.keyEvRuns(), id)
		return nil
	})
	if err != nil {
		return schema.PersistenceError("delete run "+id, err)
	}
	return nil
}

// mget loads runs by id, skipping ids whose payload has vanished.
func (r *RedisStore) mget(ctx context.Context, ids []string) ([]*schema.Run, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keyRun(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	runs := make([]*schema.Run, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		run, err := decodeRun([]byte(s))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (r *RedisStore) ListDue(ctx context.Context, until time.Time, limit int) ([]*schema.Run, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", until.UnixMilli())}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, r.keyDue(), by).Result()
	if err != nil {
		return nil, schema.PersistenceError("list due runs", err)
	}
	runs, err := r.mget(ctx, ids)
	if err != nil {
		return nil, schema.PersistenceError("list due runs", err)
	}
	// Scores are millisecond precision; re-check against the exact wake time.
	out := runs[:0]
	for _, run := range runs {
		if run.Status == schema.RunStatusWaiting && run.WakeAt != nil && !run.WakeAt.After(until) {
			out = append(out, run)
		}
	}
	sortByWake(out)
	return out, nil
}

func (r *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if filter.Prefix != "" {
		by = &redis.ZRangeBy{Min: "[" + filter.Prefix, Max: "[" + filter.Prefix + "\xff"}
	}
	ids, err := r.client.ZRangeByLex(ctx, r.keyRuns(), by).Result()
	if err != nil {
		return nil, schema.PersistenceError("list runs", err)
	}
	runs, err := r.mget(ctx, ids)
	if err != nil {
		return nil, schema.PersistenceError("list runs", err)
	}
	limit := limitOrDefault(filter.Limit)
	out := make([]*schema.Run, 0, len(runs))
	for _, run := range runs {
		if filter.Matches(run) {
			out = append(out, run)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Leases ---

var (
	// Re-entrant for the same owner. Returns 1 if acquired or refreshed.
	redisLeaseAcquireLua = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
	return 1
end
return 0
`)

	redisLeaseRenewLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`)

	redisLeaseReleaseLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

func scriptOK(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}

func (r *RedisStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := checkLeaseArgs(owner, ttl); err != nil {
		return false, err
	}
	res, err := redisLeaseAcquireLua.Run(ctx, r.client, []string{r.keyLease(id)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return scriptOK(res), nil
}

func (r *RedisStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := checkLeaseArgs(owner, ttl); err != nil {
		return false, err
	}
	res, err := redisLeaseRenewLua.Run(ctx, r.client, []string{r.keyLease(id)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return scriptOK(res), nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, id, owner string) error {
	if err := redisLeaseReleaseLua.Run(ctx, r.client, []string{r.keyLease(id)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// --- Events ---

func (r *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	seq, err := r.client.Incr(ctx, r.keyEvSeq(event.RunID)).Result()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	id, err := r.client.Incr(ctx, r.keyEvID()).Result()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.ID = id
	event.Sequence = seq

	data, err := xjson.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.keyEvents(event.RunID), data)
		pipe.SAdd(ctx, r.keyEvRuns(), event.RunID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (r *RedisStore) runEvents(ctx context.Context, runID string) ([]*Event, error) {
	vals, err := r.client.LRange(ctx, r.keyEvents(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(vals))
	for _, v := range vals {
		var ev Event
		if err := xjson.Unmarshal([]byte(v), &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	// Concurrent appends may push out of sequence order.
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}

func (r *RedisStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	events, err := r.runEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	out := events[:0]
	for _, ev := range events {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *RedisStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	runIDs := []string{filter.RunID}
	if filter.RunID == "" {
		var err error
		if runIDs, err = r.client.SMembers(ctx, r.keyEvRuns()).Result(); err != nil {
			return nil, fmt.Errorf("get events by type: %w", err)
		}
	}
	var out []*Event
	for _, id := range runIDs {
		events, err := r.runEvents(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get events by type: %w", err)
		}
		for _, ev := range events {
			if matchesEvent(ev, eventType, filter) {
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Secrets ---

func (r *RedisStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	return r.client.HSet(ctx, r.keySecrets(), key, value).Err()
}

func (r *RedisStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.HGet(ctx, r.keySecrets(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("secret", key)
	}
	return v, err
}

func (r *RedisStore) DeleteSecret(ctx context.Context, key string) error {
	n, err := r.client.HDel(ctx, r.keySecrets(), key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("secret", key)
	}
	return nil
}

func (r *RedisStore) ListSecrets(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.keySecrets()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Flush deletes every key under the store prefix.
func (r *RedisStore) Flush(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

var (
	_ RunStore    = (*RedisStore)(nil)
	_ EventStore  = (*RedisStore)(nil)
	_ SecretStore = (*RedisStore)(nil)
)
