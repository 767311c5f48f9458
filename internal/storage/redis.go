package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRunPrefix     = "voxdeck:run:"
	redisQueueKey      = "voxdeck:queue"
	redisProcessingKey = "voxdeck:processing"
	redisMessagePrefix = "voxdeck:msg:"

	// messageTTL bounds how long inbound message ids are remembered.
	messageTTL = 7 * 24 * time.Hour
)

// errFresh aborts a stale-run transition when the run was touched after the
// cutoff.
var errFresh = errors.New("run is not stale")

// RedisStore is a RunQueue backed by Redis so that workers on several hosts
// can share one queue. Runs are stored as JSON documents; the queue is a list
// of pending ids consumed from the right. A claimed id sits in the processing
// list until its pending→running transition commits.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to the Redis server at url (redis://host:port/db).
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: redisRunPrefix}, nil
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// CreateRun stores the run as pending and pushes its id onto the queue.
func (s *RedisStore) CreateRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	run.Status = StatusPending
	run.Result = nil

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if !ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if err := s.client.LPush(ctx, redisQueueKey, run.ID).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// ClaimNextRun moves the oldest queued id to the processing list and marks
// that run running. If the transition fails the id goes back on the queue.
// Returns nil, nil when the queue is empty.
func (s *RedisStore) ClaimNextRun(ctx context.Context) (*Run, error) {
	for {
		id, err := s.client.LMove(ctx, redisQueueKey, redisProcessingKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis lmove: %w", err)
		}

		run, err := s.transition(ctx, id, StatusPending, func(r *Run) error {
			r.Status = StatusRunning
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotRunning) {
			if rerr := s.requeue(ctx, id); rerr != nil {
				return nil, fmt.Errorf("claiming run %s: %w (requeue failed: %v)", id, err, rerr)
			}
			return nil, fmt.Errorf("claiming run %s: %w", id, err)
		}
		if lerr := s.client.LRem(ctx, redisProcessingKey, 1, id).Err(); lerr != nil {
			slog.Warn("redis lrem processing", "run_id", id, "error", lerr)
		}
		if err != nil {
			// Stale id; the run was removed or already claimed.
			continue
		}
		return &run, nil
	}
}

// requeue moves id from the processing list back to the consuming end of the
// queue. It runs detached from ctx so a cancelled claim still puts the id back.
func (s *RedisStore) requeue(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.client.TxPipelined(rctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(rctx, redisProcessingKey, 1, id)
		pipe.RPush(rctx, redisQueueKey, id)
		return nil
	})
	return err
}

// TouchRun refreshes updated_at on a running run.
func (s *RedisStore) TouchRun(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, StatusRunning, func(*Run) error { return nil })
	return err
}

// FailStaleRuns finishes running runs not updated since cutoff with result,
// and puts pending runs older than cutoff back on the queue when their id was
// lost. It returns the ids of the runs it failed.
func (s *RedisStore) FailStaleRuns(ctx context.Context, cutoff time.Time, result Result) ([]string, error) {
	queued, err := s.client.LRange(ctx, redisQueueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	inQueue := make(map[string]bool, len(queued))
	for _, id := range queued {
		inQueue[id] = true
	}

	var failed []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix)
		run, err := s.load(ctx, s.client, id)
		if err != nil {
			slog.Warn("skipping unreadable run", "run_id", id, "error", err)
			continue
		}

		switch {
		case run.Status == StatusRunning && run.UpdatedAt.Before(cutoff):
			_, err := s.transition(ctx, id, StatusRunning, func(r *Run) error {
				if !r.UpdatedAt.Before(cutoff) {
					return errFresh
				}
				r.Status = StatusFailed
				res := result
				r.Result = &res
				return nil
			})
			if errors.Is(err, errFresh) || errors.Is(err, ErrNotRunning) {
				continue
			}
			if err != nil {
				return failed, err
			}
			failed = append(failed, id)

		case run.Status == StatusPending && run.CreatedAt.Before(cutoff) && !inQueue[id]:
			if err := s.requeue(ctx, id); err != nil {
				return failed, fmt.Errorf("requeueing run %s: %w", id, err)
			}
			slog.Info("requeued orphaned run", "run_id", id)
		}
	}
	if err := iter.Err(); err != nil {
		return failed, fmt.Errorf("redis scan: %w", err)
	}
	return failed, nil
}

// FinishRun records the terminal status. Only running runs can be finished.
func (s *RedisStore) FinishRun(ctx context.Context, id string, status RunStatus, result Result) error {
	if !status.Terminal() {
		return fmt.Errorf("finishing run %s: %q is not a terminal status", id, status)
	}
	_, err := s.transition(ctx, id, StatusRunning, func(r *Run) error {
		r.Status = status
		res := result
		r.Result = &res
		return nil
	})
	return err
}

// RecordMessage remembers an inbound message id for messageTTL and reports
// whether this is the first time it was seen.
func (s *RedisStore) RecordMessage(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, redisMessagePrefix+id, time.Now().UTC().Format(time.RFC3339), messageTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// GetRun returns a run by id.
func (s *RedisStore) GetRun(ctx context.Context, id string) (Run, error) {
	return s.load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, g getter, id string) (Run, error) {
	data, err := g.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("redis get: %w", err)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return Run{}, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return r, nil
}

// transition applies mutate to the run if it is currently in state from,
// using optimistic locking so concurrent workers cannot both win. An error
// from mutate aborts the transition.
func (s *RedisStore) transition(ctx context.Context, id string, from RunStatus, mutate func(*Run) error) (Run, error) {
	key := s.key(id)
	var out Run

	txf := func(tx *redis.Tx) error {
		r, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != from {
			return ErrNotRunning
		}
		if err := mutate(&r); err != nil {
			return err
		}
		r.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = r
		return nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Run{}, err
		}
		return out, nil
	}
	return Run{}, fmt.Errorf("run %s: too much contention", id)
}
