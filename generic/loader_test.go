package generic_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/warp/salesops-engine/generic"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestLoader_Load_Success(t *testing.T) {
	// GIVEN: A source with two records for agent-1
	src := newGatedSource()
	src.set("agent-1", deal{ID: "1", Rep: "agent-1"}, deal{ID: "2", Rep: "agent-1"})
	clock := quartz.NewMock(t)
	loaded := time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)
	clock.Set(loaded)
	l := generic.NewLoader[deal](src, slogtest.Make(t, nil), clock)
	rp := generic.NewReplica[deal]()

	assert.Equal(t, generic.StateIdle, l.Status().State)

	// WHEN: Loading
	err := l.Load(context.Background(), "agent-1", rp)

	// THEN: The replica holds the snapshot and the loader is ready
	require.NoError(t, err)
	assert.Equal(t, 2, rp.Len())
	st := l.Status()
	assert.Equal(t, generic.StateReady, st.State)
	assert.False(t, st.Loading())
	assert.Empty(t, st.ErrorString())
	assert.Equal(t, loaded, st.LoadedAt)
}

func TestLoader_Load_FailureKeepsReplica(t *testing.T) {
	src := newGatedSource()
	src.set("agent-1", deal{ID: "1", Rep: "agent-1"})
	l := generic.NewLoader[deal](src, slogtest.Make(t, nil), nil)
	rp := generic.NewReplica[deal]()
	require.NoError(t, l.Load(context.Background(), "agent-1", rp))

	// WHEN: The next load fails
	src.fail("agent-1", errors.New("connection refused"))
	err := l.Load(context.Background(), "agent-1", rp)

	// THEN: The error is human-readable and the replica is untouched
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrFetchFailed)
	st := l.Status()
	assert.Equal(t, generic.StateError, st.State)
	assert.Equal(t, "failed to load records: connection refused", st.ErrorString())
	assert.Equal(t, 1, rp.Len())
}

func TestLoader_FetchErrorPassesThrough(t *testing.T) {
	src := newGatedSource()
	src.fail("agent-1", &generic.FetchError{StatusCode: 503, Message: "maintenance"})
	l := generic.NewLoader[deal](src, slogtest.Make(t, nil), nil)

	err := l.Load(context.Background(), "agent-1", generic.NewReplica[deal]())

	var fe *generic.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 503, fe.StatusCode)
	assert.Equal(t, "failed to load records (503): maintenance", l.Status().ErrorString())
}

// =============================================================================
// LAST REQUEST WINS
// =============================================================================

func TestLoader_StaleGenerationIsDiscarded(t *testing.T) {
	l := generic.NewLoader[deal](newGatedSource(), slogtest.Make(t, nil), nil)
	rp := generic.NewReplica[deal]()

	first := l.Begin()
	second := l.Begin()

	err := l.Complete(first, rp, []deal{{ID: "old"}}, nil)
	assert.ErrorIs(t, err, generic.ErrStaleGeneration)
	assert.Equal(t, 0, rp.Len())
	assert.True(t, l.Status().Loading(), "the newer load is still pending")

	require.NoError(t, l.Complete(second, rp, []deal{{ID: "new"}}, nil))
	_, ok := rp.Get("new")
	assert.True(t, ok)
}

func TestLoader_Invalidate(t *testing.T) {
	l := generic.NewLoader[deal](newGatedSource(), slogtest.Make(t, nil), nil)
	rp := generic.NewReplica[deal]()

	gen := l.Begin()
	l.Invalidate()

	assert.Equal(t, generic.StateIdle, l.Status().State)
	assert.ErrorIs(t, l.Complete(gen, rp, []deal{{ID: "1"}}, nil), generic.ErrStaleGeneration)
	assert.ErrorIs(t, l.Complete(gen, rp, nil, errors.New("late failure")), generic.ErrStaleGeneration)
	assert.Equal(t, 0, rp.Len())
	assert.Empty(t, l.Status().ErrorString())
}

// =============================================================================
// COALESCING
// =============================================================================

func TestCoalesce_SharesInFlightFetch(t *testing.T) {
	src := newGatedSource()
	src.set("agent-1", deal{ID: "1", Rep: "agent-1"})
	src.hold("agent-1")
	shared := generic.Coalesce[deal](src)

	var wg sync.WaitGroup
	results := make([][]deal, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = shared.Fetch(context.Background(), "agent-1")
		}()
	}

	require.Eventually(t, func() bool { return src.fetches("agent-1") == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	src.release("agent-1")
	wg.Wait()

	assert.Equal(t, 1, src.fetches("agent-1"))
	for _, r := range results {
		assert.Len(t, r, 1)
	}
	results[0][0].ID = "mutated"
	assert.Equal(t, "1", results[1][0].ID, "callers get independent slices")
}

func TestCoalesce_CallerCancellation(t *testing.T) {
	src := newGatedSource()
	src.set("agent-1", deal{ID: "1", Rep: "agent-1"})
	src.hold("agent-1")
	shared := generic.Coalesce[deal](src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := shared.Fetch(ctx, "agent-1")
	assert.ErrorIs(t, err, context.Canceled)

	// The shared request is still running for other callers.
	done := make(chan []deal, 1)
	go func() {
		records, _ := shared.Fetch(context.Background(), "agent-1")
		done <- records
	}()
	src.release("agent-1")

	select {
	case records := <-done:
		assert.Len(t, records, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not complete")
	}
}
