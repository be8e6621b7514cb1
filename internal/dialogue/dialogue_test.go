package dialogue

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/assistantgpt/internal/action"
)

func kindsOf(turns []Turn) []Kind {
	out := make([]Kind, len(turns))
	for i, t := range turns {
		out[i] = t.Kind
	}
	return out
}

func cycle(text string) []Turn {
	call := action.Call{ID: "c-" + text, Name: "compute_date", Arguments: map[string]any{"unit": "days", "count": 1}}
	return []Turn{
		User(text),
		ActionCall(call),
		ActionResult(call.ID, call.Name, action.Success("2024-01-01")),
		Assistant("done " + text),
	}
}

func TestTrimStart(t *testing.T) {
	S, U, A, R := KindSystem, KindUser, KindAssistant, KindActionResult
	tests := []struct {
		name   string
		kinds  []Kind
		window int
		want   int
	}{
		{"empty", nil, 4, 0},
		{"within window", []Kind{S, U, A}, 4, 1},
		{"no window", []Kind{S, U, A, U, A}, 0, 1},
		{"evicts whole cycle", []Kind{S, U, A, R, A, U, A}, 3, 5},
		{"skips orphaned result", []Kind{U, A, R, A, U, A}, 3, 4},
		{"long cycle kept whole", []Kind{S, U, A, R, A, R, A}, 2, 1},
		{"latest cycle exceeds window", []Kind{S, U, A, U, A, R, A, R, A}, 3, 3},
		{"leading orphan within window", []Kind{S, A, R, U, A}, 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trimStart(tt.kinds, tt.window))
		})
	}
}

func TestMemoryStoreAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.Exists(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Append(ctx, "u1", System("be helpful"), User("hi")))
	require.NoError(t, s.Append(ctx, "u1", Assistant("hello")))

	hist, err := s.History(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindSystem, KindUser, KindAssistant}, kindsOf(hist))
	assert.False(t, hist[1].At.IsZero())

	hist[0].Text = "mutated"
	again, _ := s.History(ctx, "u1")
	assert.Equal(t, "be helpful", again[0].Text)

	other, err := s.History(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStoreWindowKeepsSystemAndDropsOrphans(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithWindow(6))

	require.NoError(t, s.Append(ctx, "u", System("sys")))
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, "u", cycle(text)...))
	}

	hist, err := s.History(ctx, "u")
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, KindSystem, hist[0].Kind)
	assert.Equal(t, KindUser, hist[1].Kind)
	assert.Equal(t, "c", hist[1].Text)
	assert.LessOrEqual(t, len(hist)-1, 6)
	assertNoDanglingCalls(t, hist)
}

func TestMemoryStoreTrimNeverCutsCurrentCycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithWindow(2))
	require.NoError(t, s.Append(ctx, "u", System("sys")))

	turns := cycle("x")
	for _, turn := range turns {
		require.NoError(t, s.Append(ctx, "u", turn))
	}
	hist, _ := s.History(ctx, "u")
	assert.Equal(t, []Kind{KindSystem, KindUser, KindAssistant, KindActionResult, KindAssistant}, kindsOf(hist))

	require.NoError(t, s.Append(ctx, "u", User("next")))
	hist, _ = s.History(ctx, "u")
	assert.Equal(t, []Kind{KindSystem, KindUser}, kindsOf(hist))
}

func TestMemoryStoreIdleExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewMemoryStore(WithIdleTimeout(30*time.Minute), WithClock(clock))

	require.NoError(t, s.Append(ctx, "a", User("hi")))
	require.NoError(t, s.Append(ctx, "b", User("hi")))

	now = now.Add(20 * time.Minute)
	require.NoError(t, s.Append(ctx, "b", Assistant("hello")))

	now = now.Add(15 * time.Minute)
	ok, _ := s.Exists(ctx, "a")
	assert.False(t, ok, "a idle for 35m")
	ok, _ = s.Exists(ctx, "b")
	assert.True(t, ok, "b idle for 15m")

	removed, err := s.Sweep(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, "u", User("hi")))
	require.NoError(t, s.Reset(ctx, "u"))
	ok, _ := s.Exists(ctx, "u")
	assert.False(t, ok)
}

func TestLockerSerializesSameUser(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "same")
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, l.Held())
}

func TestLockerDifferentUsersDoNotContend(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	ctxB, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctxB, "b")
	require.NoError(t, err)
	unlockB()
	unlockB()
}

func TestLockerHonoursCancellation(t *testing.T) {
	l := NewLocker()
	unlock, err := l.Lock(context.Background(), "u")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, l.Held())
}

func TestJanitorSweeps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithIdleTimeout(time.Minute), WithClock(func() time.Time { return now }))
	require.NoError(t, s.Append(ctx, "u", User("hi")))

	var swept atomic.Int32
	j, err := NewJanitor(s, time.Hour, nil, OnSweep(func(n int) { swept.Add(int32(n)) }))
	require.NoError(t, err)
	j.now = func() time.Time { return now.Add(2 * time.Minute) }

	j.SweepNow()
	assert.Equal(t, int32(1), swept.Load())
	assert.Equal(t, 0, s.Len())

	j.Start()
	require.NoError(t, j.Stop(ctx))

	_, err = NewJanitor(s, 0, nil)
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ASSISTANT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ASSISTANT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, pool, err := OpenPostgres(ctx, dsn, WithPostgresWindow(6), WithPostgresIdleTimeout(time.Hour))
	require.NoError(t, err)
	defer pool.Close()

	user := "test-" + time.Now().Format("150405.000000000")
	defer func() { _ = s.Reset(ctx, user) }()

	require.NoError(t, s.Append(ctx, user, System("sys")))
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, user, cycle(text)...))
	}

	hist, err := s.History(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, KindSystem, hist[0].Kind)
	assert.Equal(t, "c", hist[1].Text)
	assertNoDanglingCalls(t, hist)

	ok, err := s.Exists(ctx, user)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Reset(ctx, user))
	ok, err = s.Exists(ctx, user)
	require.NoError(t, err)
	assert.False(t, ok)
}

func assertNoDanglingCalls(t *testing.T, hist []Turn) {
	t.Helper()
	for i, turn := range hist {
		if turn.Kind == KindActionResult {
			require.Greater(t, i, 0)
			prev := hist[i-1]
			require.True(t, prev.IsActionCall(), "result at %d has no preceding call", i)
			assert.Equal(t, prev.Call.ID, turn.CallID)
		}
		if turn.IsActionCall() && i+1 < len(hist) {
			next := hist[i+1]
			assert.Equal(t, KindActionResult, next.Kind)
			assert.Equal(t, turn.Call.ID, next.CallID)
		}
	}
}
