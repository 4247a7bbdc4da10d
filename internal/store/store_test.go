package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

type fullStore interface {
	RunStore
	EventStore
	SecretStore
}

// backend is one store under test. advance moves the clock the store uses
// for lease expiry.
type backend struct {
	store   fullStore
	advance func(time.Duration)
}

type backendFactory struct {
	name string
	open func(t *testing.T) backend
}

// fakeNow returns a settable clock for stores that read time through a func.
func fakeNow() (func() time.Time, func(time.Duration)) {
	var (
		mu  sync.Mutex
		cur = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	advance := func(d time.Duration) {
		mu.Lock()
		cur = cur.Add(d)
		mu.Unlock()
	}
	return now, advance
}

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "drip.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

func redisEndpoint(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container skipped in -short mode")
	}
	if addr := os.Getenv("DRIP_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		redisC, err := testcontainers.Run(
			ctx, "redis:latest",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}
		redisAddr, redisErr = redisC.Endpoint(ctx, "")
	})
	if redisErr != nil {
		t.Skipf("redis unavailable: %v", redisErr)
	}
	return redisAddr
}

func backends() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T) backend {
			s := NewMemoryStore()
			now, advance := fakeNow()
			s.now = now
			return backend{store: s, advance: advance}
		}},
		{"libsql", func(t *testing.T) backend {
			s := newTestStore(t)
			now, advance := fakeNow()
			s.now = now
			return backend{store: s, advance: advance}
		}},
		{"badger", func(t *testing.T) backend {
			s, err := NewBadgerStore(t.TempDir(), nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			now, advance := fakeNow()
			s.now = now
			return backend{store: s, advance: advance}
		}},
		{"redis", func(t *testing.T) backend {
			client := redis.NewClient(&redis.Options{Addr: redisEndpoint(t)})
			s := NewRedisStore(client, "drip:test:"+t.Name()+":")
			require.NoError(t, s.Flush(context.Background()))
			t.Cleanup(func() {
				_ = s.Flush(context.Background())
				_ = s.Close()
			})
			return backend{store: s, advance: func(d time.Duration) { time.Sleep(d) }}
		}},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	for _, f := range backends() {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.open(t))
		})
	}
}

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func waitingRun(id string, wake time.Time) *schema.Run {
	return &schema.Run{
		ID:          id,
		WorkflowID:  "welcome_sequence",
		CurrentNode: "Wait",
		Status:      schema.RunStatusWaiting,
		WakeAt:      &wake,
		Bindings:    map[string]any{"Webhook": map[string]any{"name": "Ada"}},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		run := waitingRun("r1", t0.Add(time.Hour))
		run.Attempts = map[string]int{"Send": 2}
		require.NoError(t, b.store.PutRun(ctx, run))

		got, err := b.store.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusWaiting, got.Status)
		assert.True(t, got.WakeAt.Equal(*run.WakeAt))
		assert.Equal(t, "Ada", got.Bindings["Webhook"].(map[string]any)["name"])
		assert.Equal(t, 2, got.Attempts["Send"])

		// Mutating the returned copy must not change the stored run.
		got.Bindings["Webhook"].(map[string]any)["name"] = "changed"
		again, err := b.store.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "Ada", again.Bindings["Webhook"].(map[string]any)["name"])
	})
}

func TestStore_GetUnknownRun(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		_, err := b.store.GetRun(context.Background(), "nope")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

		err = b.store.DeleteRun(context.Background(), "nope")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}

func TestStore_ListDueOrderAndBounds(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.PutRun(ctx, waitingRun("late", t0.Add(3*time.Hour))))
		require.NoError(t, b.store.PutRun(ctx, waitingRun("early", t0.Add(time.Hour))))
		require.NoError(t, b.store.PutRun(ctx, waitingRun("mid", t0.Add(2*time.Hour))))

		running := waitingRun("busy", t0)
		running.Status = schema.RunStatusRunning
		require.NoError(t, b.store.PutRun(ctx, running))

		due, err := b.store.ListDue(ctx, t0.Add(2*time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "early", due[0].ID)
		assert.Equal(t, "mid", due[1].ID)

		due, err = b.store.ListDue(ctx, t0.Add(5*time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "early", due[0].ID)

		// Leaving the waiting state drops the run from the due set.
		woke := waitingRun("early", t0.Add(time.Hour))
		woke.Status = schema.RunStatusCompleted
		woke.WakeAt = nil
		require.NoError(t, b.store.PutRun(ctx, woke))

		due, err = b.store.ListDue(ctx, t0.Add(5*time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "mid", due[0].ID)
		assert.Equal(t, "late", due[1].ID)
	})
}

func TestStore_RescheduleMovesDueEntry(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.PutRun(ctx, waitingRun("r1", t0.Add(time.Hour))))
		require.NoError(t, b.store.PutRun(ctx, waitingRun("r1", t0.Add(4*time.Hour))))

		due, err := b.store.ListDue(ctx, t0.Add(2*time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = b.store.ListDue(ctx, t0.Add(4*time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
	})
}

func TestStore_ListRunsFilters(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		for _, id := range []string{"r1", "r1.1", "r1.2", "r2"} {
			run := waitingRun(id, t0.Add(time.Hour))
			if id == "r2" {
				run.WorkflowID = "lead_nurturing"
				run.Status = schema.RunStatusCompleted
			}
			require.NoError(t, b.store.PutRun(ctx, run))
		}

		family, err := b.store.ListRuns(ctx, RunFilter{Prefix: "r1"})
		require.NoError(t, err)
		ids := make([]string, len(family))
		for i, r := range family {
			ids[i] = r.ID
		}
		assert.Equal(t, []string{"r1", "r1.1", "r1.2"}, ids)

		byWF, err := b.store.ListRuns(ctx, RunFilter{WorkflowID: "lead_nurturing"})
		require.NoError(t, err)
		require.Len(t, byWF, 1)
		assert.Equal(t, "r2", byWF[0].ID)

		byStatus, err := b.store.ListRuns(ctx, RunFilter{Status: schema.RunStatusWaiting, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, byStatus, 2)
	})
}

func TestStore_DeleteRunDropsEverything(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.PutRun(ctx, waitingRun("r1", t0)))
		require.NoError(t, b.store.AppendEvent(ctx, &Event{RunID: "r1", Type: schema.EventRunStarted}))
		_, err := b.store.TryAcquireLease(ctx, "r1", "worker-a", time.Minute)
		require.NoError(t, err)

		require.NoError(t, b.store.DeleteRun(ctx, "r1"))

		_, err = b.store.GetRun(ctx, "r1")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
		due, err := b.store.ListDue(ctx, t0.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, due)
		events, err := b.store.GetEvents(ctx, "r1", 0)
		require.NoError(t, err)
		assert.Empty(t, events)

		ok, err := b.store.TryAcquireLease(ctx, "r1", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "lease must be gone with the run")
	})
}

func TestStore_LeaseLifecycle(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		ttl := 200 * time.Millisecond

		ok, err := b.store.TryAcquireLease(ctx, "r1", "worker-a", ttl)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.store.TryAcquireLease(ctx, "r1", "worker-a", ttl)
		require.NoError(t, err)
		assert.True(t, ok, "re-acquire by the holder succeeds")

		ok, err = b.store.TryAcquireLease(ctx, "r1", "worker-b", ttl)
		require.NoError(t, err)
		assert.False(t, ok)

		renewed, err := b.store.RenewLease(ctx, "r1", "worker-b", ttl)
		require.NoError(t, err)
		assert.False(t, renewed, "non-holder cannot renew")

		renewed, err = b.store.RenewLease(ctx, "r1", "worker-a", ttl)
		require.NoError(t, err)
		assert.True(t, renewed)

		// Release by a non-holder is a no-op.
		require.NoError(t, b.store.ReleaseLease(ctx, "r1", "worker-b"))
		ok, err = b.store.TryAcquireLease(ctx, "r1", "worker-b", ttl)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.store.ReleaseLease(ctx, "r1", "worker-a"))
		ok, err = b.store.TryAcquireLease(ctx, "r1", "worker-b", ttl)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_LeaseExpiry(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		ttl := 200 * time.Millisecond

		ok, err := b.store.TryAcquireLease(ctx, "r1", "worker-a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		b.advance(2 * ttl)

		renewed, err := b.store.RenewLease(ctx, "r1", "worker-a", ttl)
		require.NoError(t, err)
		assert.False(t, renewed, "expired lease cannot be renewed")

		ok, err = b.store.TryAcquireLease(ctx, "r1", "worker-b", ttl)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease can be taken over")
	})
}

func TestStore_LeaseArgsValidated(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		_, err := b.store.TryAcquireLease(ctx, "r1", "", time.Second)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		_, err = b.store.RenewLease(ctx, "r1", "worker-a", 0)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	})
}

func TestStore_LeaseSingleWinner(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := b.store.TryAcquireLease(ctx, "r1", "worker-"+string(rune('a'+i)), time.Minute)
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestStore_EventsSequencedPerRun(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		payload, err := xjson.Marshal(map[string]any{"channel": "sms"})
		require.NoError(t, err)

		for _, ev := range []*Event{
			{RunID: "r1", WorkflowID: "wf", Type: schema.EventRunStarted},
			{RunID: "r2", WorkflowID: "wf", Type: schema.EventRunStarted},
			{RunID: "r1", WorkflowID: "wf", Node: "Send", Type: schema.EventMessageDispatched, Payload: payload},
			{RunID: "r1", WorkflowID: "wf", Type: schema.EventRunCompleted},
		} {
			require.NoError(t, b.store.AppendEvent(ctx, ev))
			assert.NotZero(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		}

		events, err := b.store.GetEvents(ctx, "r1", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}
		assert.Equal(t, "Send", events[1].Node)
		assert.JSONEq(t, `{"channel":"sms"}`, string(events[1].Payload))

		tail, err := b.store.GetEvents(ctx, "r1", 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, schema.EventRunCompleted, tail[0].Type)

		started, err := b.store.GetEventsByType(ctx, schema.EventRunStarted, EventFilter{})
		require.NoError(t, err)
		assert.Len(t, started, 2)

		scoped, err := b.store.GetEventsByType(ctx, schema.EventRunStarted, EventFilter{RunID: "r2"})
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Equal(t, "r2", scoped[0].RunID)
	})
}

func TestStore_Secrets(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.StoreSecret(ctx, "twilio", []byte("blob-1")))
		require.NoError(t, b.store.StoreSecret(ctx, "mailgun", []byte("blob-2")))
		require.NoError(t, b.store.StoreSecret(ctx, "twilio", []byte("blob-3")))

		v, err := b.store.GetSecret(ctx, "twilio")
		require.NoError(t, err)
		assert.Equal(t, []byte("blob-3"), v)

		keys, err := b.store.ListSecrets(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"mailgun", "twilio"}, keys)

		require.NoError(t, b.store.DeleteSecret(ctx, "twilio"))
		_, err = b.store.GetSecret(ctx, "twilio")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
		assert.True(t, schema.HasCode(b.store.DeleteSecret(ctx, "twilio"), schema.ErrCodeNotFound))
	})
}
