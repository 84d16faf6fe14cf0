package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisBackend is the optional distributed backend for the delay queue,
// runtime-estimate map, and cancellation set — the three capabilities the
// original Python implementation kept in Redis for cheap atomic ops
// (sorted-set pop-due, hash EMA, set membership) rather than the document
// store it used for workflow/task records. This package mirrors that split:
// RedisBackend does not implement RecordsStore, since a document/records
// store belongs on BoltStore (or an external document database) by design.
type RedisBackend struct {
	rdb       *goredis.Client
	namespace string
}

// NewRedisBackend wraps an existing client. Connectivity is not verified
// here; callers should Ping before relying on it and fall back to
// NewMemoryBackend on failure, per the state store's required fallback
// behavior.
func NewRedisBackend(rdb *goredis.Client, namespace string) *RedisBackend {
	if namespace == "" {
		namespace = "orch"
	}
	return &RedisBackend{rdb: rdb, namespace: namespace}
}

func (r *RedisBackend) key(parts ...string) string {
	k := r.namespace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Ping verifies the connection is usable, for callers deciding whether to
// wire RedisBackend or fall back to the in-memory implementation.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}

// --- DelayQueue, backed by a sorted set scored by due-time unix seconds. ---

func (r *RedisBackend) delayQueueKey() string { return r.key("retry_delay_queue") }

func (r *RedisBackend) Add(ctx context.Context, entry DelayEntry) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.rdb.ZAdd(ctx, r.delayQueueKey(), goredis.Z{
		Score:  float64(entry.Due.Unix()),
		Member: member,
	}).Err()
}

func (r *RedisBackend) Remove(ctx context.Context, runID, taskID string) error {
	members, err := r.rdb.ZRange(ctx, r.delayQueueKey(), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var e DelayEntry
		if json.Unmarshal([]byte(m), &e) == nil && e.RunID == runID && e.TaskID == taskID {
			return r.rdb.ZRem(ctx, r.delayQueueKey(), m).Err()
		}
	}
	return nil
}

// PopDue atomically fetches all entries due at or before now and removes
// them, running the zrangebyscore+zremrangebyscore pair the delay queue
// was originally built on inside one MULTI/EXEC transaction.
func (r *RedisBackend) PopDue(ctx context.Context, now time.Time) ([]DelayEntry, error) {
	maxScore := strconv.FormatInt(now.Unix(), 10)
	pipe := r.rdb.TxPipeline()
	rangeCmd := pipe.ZRangeByScore(ctx, r.delayQueueKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	})
	pipe.ZRemRangeByScore(ctx, r.delayQueueKey(), "-inf", maxScore)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	members := rangeCmd.Val()
	if len(members) == 0 {
		return nil, nil
	}
	out := make([]DelayEntry, 0, len(members))
	for _, m := range members {
		var e DelayEntry
		if err := json.Unmarshal([]byte(m), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *RedisBackend) Size(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCard(ctx, r.delayQueueKey()).Result()
	return int(n), err
}

// --- RuntimeEstimates, backed by a hash of "agent:action" -> seconds. ---

func (r *RedisBackend) estimatesKey() string { return r.key("ert") }

func (r *RedisBackend) Get(ctx context.Context, agent, action string, defaultSeconds float64) (float64, error) {
	v, err := r.rdb.HGet(ctx, r.estimatesKey(), estKey(agent, action)).Result()
	if err == goredis.Nil {
		return defaultSeconds, nil
	}
	if err != nil {
		return defaultSeconds, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultSeconds, fmt.Errorf("parse ert: %w", err)
	}
	return f, nil
}

func (r *RedisBackend) Update(ctx context.Context, agent, action string, actualSeconds float64) (float64, error) {
	field := estKey(agent, action)
	cur, err := r.Get(ctx, agent, action, actualSeconds)
	if err != nil {
		return 0, err
	}
	next := actualSeconds
	if cur != actualSeconds {
		next = 0.7*cur + 0.3*actualSeconds
	}
	err = r.rdb.HSet(ctx, r.estimatesKey(), field, strconv.FormatFloat(next, 'f', -1, 64)).Err()
	return next, err
}

// --- CancellationSet, backed by a set with a parallel per-member TTL key
// since Redis sets don't support per-member expiry. ---

func (r *RedisBackend) cancelSetKey() string          { return r.key("cancelled_runs") }
func (r *RedisBackend) cancelTTLKey(id string) string { return r.key("cancelled_ttl", id) }

func (r *RedisBackend) cancelAdd(ctx context.Context, runID string, ttl time.Duration) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, r.cancelSetKey(), runID)
	pipe.Set(ctx, r.cancelTTLKey(runID), "1", ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisBackend) cancelRemove(ctx context.Context, runID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, r.cancelSetKey(), runID)
	pipe.Del(ctx, r.cancelTTLKey(runID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisBackend) cancelIsCancelled(ctx context.Context, runID string) (bool, error) {
	exists, err := r.rdb.Exists(ctx, r.cancelTTLKey(runID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		// TTL key expired naturally; reconcile the set so List() stays accurate.
		_ = r.rdb.SRem(ctx, r.cancelSetKey(), runID).Err()
		return false, nil
	}
	return true, nil
}

func (r *RedisBackend) cancelList(ctx context.Context) ([]string, error) {
	return r.rdb.SMembers(ctx, r.cancelSetKey()).Result()
}

// CancellationSetView adapts RedisBackend's cancellation methods (which
// carry a distinct prefix to avoid colliding with DelayQueue.Add) to the
// store.CancellationSet interface.
type CancellationSetView struct{ r *RedisBackend }

// Cancellation returns the CancellationSet view of this backend.
func (r *RedisBackend) Cancellation() CancellationSet { return CancellationSetView{r: r} }

func (v CancellationSetView) Add(ctx context.Context, runID string, ttl time.Duration) error {
	return v.r.cancelAdd(ctx, runID, ttl)
}
func (v CancellationSetView) Remove(ctx context.Context, runID string) error {
	return v.r.cancelRemove(ctx, runID)
}
func (v CancellationSetView) IsCancelled(ctx context.Context, runID string) (bool, error) {
	return v.r.cancelIsCancelled(ctx, runID)
}
func (v CancellationSetView) List(ctx context.Context) ([]string, error) {
	return v.r.cancelList(ctx)
}
