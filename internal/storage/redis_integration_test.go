//go:build integration

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func openRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("ConnectionString: %v", err)
	}

	s, err := OpenRedis(ctx, url)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore_Lifecycle(t *testing.T) {
	s := openRedisStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, Run{ID: "a", InputAudioPath: "/tmp/a.ogg"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, Run{ID: "b", InputAudioPath: "/tmp/b.ogg"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	first, err := s.ClaimNextRun(ctx)
	if err != nil || first == nil {
		t.Fatalf("ClaimNextRun: run=%v err=%v", first, err)
	}
	if first.ID != "a" || first.Status != StatusRunning {
		t.Errorf("claimed %+v, want a/running", first)
	}

	if err := s.FinishRun(ctx, "a", StatusSucceeded, Result{Title: "Lions"}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := s.FinishRun(ctx, "a", StatusFailed, Result{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second FinishRun err = %v, want ErrNotRunning", err)
	}

	got, err := s.GetRun(ctx, "a")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusSucceeded || got.Result == nil || got.Result.Title != "Lions" {
		t.Errorf("GetRun = %+v", got)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := openRedisStore(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		if err := s.CreateRun(ctx, Run{ID: id, InputAudioPath: id}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				run, err := s.ClaimNextRun(ctx)
				if err != nil {
					t.Errorf("ClaimNextRun: %v", err)
					return
				}
				if run == nil {
					return
				}
				mu.Lock()
				seen[run.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("claimed %d distinct runs, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("run %s claimed %d times", id, c)
		}
	}
}

func TestRedisStore_ClaimErrorRequeuesID(t *testing.T) {
	s := openRedisStore(t)
	ctx := context.Background()

	// An unreadable record makes the pending→running transition fail after
	// the id has left the queue.
	if err := s.client.Set(ctx, s.key("broken"), "not json", 0).Err(); err != nil {
		t.Fatal(err)
	}
	if err := s.client.LPush(ctx, redisQueueKey, "broken").Err(); err != nil {
		t.Fatal(err)
	}

	if run, err := s.ClaimNextRun(ctx); err == nil {
		t.Fatalf("ClaimNextRun = %+v, want decode error", run)
	}

	queued, _ := s.client.LRange(ctx, redisQueueKey, 0, -1).Result()
	if len(queued) != 1 || queued[0] != "broken" {
		t.Errorf("queue = %v, want [broken]", queued)
	}
	if n, _ := s.client.LLen(ctx, redisProcessingKey).Result(); n != 0 {
		t.Errorf("processing list has %d ids, want 0", n)
	}
}

func TestRedisStore_ClaimClearsProcessing(t *testing.T) {
	s := openRedisStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, Run{ID: "a", InputAudioPath: "a"})
	if run, err := s.ClaimNextRun(ctx); err != nil || run == nil {
		t.Fatalf("ClaimNextRun = %v, %v", run, err)
	}
	if n, _ := s.client.LLen(ctx, redisProcessingKey).Result(); n != 0 {
		t.Errorf("processing list has %d ids after claim, want 0", n)
	}
}

func TestRedisStore_FailStaleRuns(t *testing.T) {
	s := openRedisStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, Run{ID: "stuck", InputAudioPath: "a"})
	s.ClaimNextRun(ctx)
	if err := s.TouchRun(ctx, "stuck"); err != nil {
		t.Fatalf("TouchRun: %v", err)
	}

	// A pending run whose id was lost from the queue.
	s.CreateRun(ctx, Run{ID: "orphan", InputAudioPath: "b"})
	s.client.LRem(ctx, redisQueueKey, 0, "orphan")

	res := Result{Error: &RunError{Kind: "interrupted", Message: "worker gone"}}
	ids, err := s.FailStaleRuns(ctx, time.Now().Add(-time.Hour), res)
	if err != nil || len(ids) != 0 {
		t.Fatalf("FailStaleRuns(old cutoff) = %v, %v; want none", ids, err)
	}

	ids, err = s.FailStaleRuns(ctx, time.Now().Add(time.Second), res)
	if err != nil {
		t.Fatalf("FailStaleRuns: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stuck" {
		t.Fatalf("failed %v, want [stuck]", ids)
	}
	got, _ := s.GetRun(ctx, "stuck")
	if got.Status != StatusFailed || got.Result.Error.Kind != "interrupted" {
		t.Errorf("stuck = %s %+v", got.Status, got.Result)
	}

	run, err := s.ClaimNextRun(ctx)
	if err != nil || run == nil || run.ID != "orphan" {
		t.Errorf("ClaimNextRun after requeue = %v, %v; want orphan", run, err)
	}
}

func TestRedisStore_RecordMessage(t *testing.T) {
	s := openRedisStore(t)
	ctx := context.Background()

	first, err := s.RecordMessage(ctx, "wamid.1")
	if err != nil || !first {
		t.Fatalf("first RecordMessage = %v, %v", first, err)
	}
	if again, _ := s.RecordMessage(ctx, "wamid.1"); again {
		t.Error("redelivered id reported as new")
	}
	if ttl, _ := s.client.TTL(ctx, redisMessagePrefix+"wamid.1").Result(); ttl <= 0 {
		t.Errorf("ttl = %v, want a bounded ttl", ttl)
	}
}
