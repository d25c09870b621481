package generic_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/salesops-engine/generic"
	"github.com/warp/salesops-engine/generic/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// fastReconnect shrinks the resubscribe backoff for the duration of a test.
func fastReconnect(t *testing.T) {
	t.Helper()
	floor, ceil := generic.ReconnectFloor, generic.ReconnectCeil
	generic.ReconnectFloor, generic.ReconnectCeil = time.Millisecond, 10*time.Millisecond
	t.Cleanup(func() {
		generic.ReconnectFloor, generic.ReconnectCeil = floor, ceil
	})
}

func hasKeys(rp *generic.Replica[deal], keys ...string) func() bool {
	return func() bool {
		if rp.Len() != len(keys) {
			return false
		}
		for _, k := range keys {
			if _, ok := rp.Get(k); !ok {
				return false
			}
		}
		return true
	}
}

func TestSubscriber_AppliesEvents(t *testing.T) {
	// GIVEN: A subscriber for agent-1 on the deals table
	mem := store.NewMemory[deal]("deals")
	rp := generic.NewReplica[deal]()
	sub := generic.StartSubscriber[deal](context.Background(), mem, "deals", "agent-1", rp, slogtest.Make(t, nil))
	defer sub.Close()
	require.Equal(t, 1, mem.Subscribers("agent-1"))

	ctx := context.Background()

	// WHEN: Rows are written for agent-1 and for someone else
	require.NoError(t, mem.Insert(ctx, deal{ID: "1", Rep: "agent-1", Stage: "Quote-Done"}))
	require.NoError(t, mem.Insert(ctx, deal{ID: "2", Rep: "agent-2"}))
	require.NoError(t, mem.Insert(ctx, deal{ID: "3", Rep: "agent-1"}))
	require.NoError(t, mem.Update(ctx, deal{ID: "1", Rep: "agent-1", Stage: "SO-Done"}))
	require.NoError(t, mem.Delete(ctx, "3"))

	// THEN: Only agent-1's rows are mirrored, with the latest payload
	require.Eventually(t, func() bool {
		d, ok := rp.Get("1")
		return ok && d.Stage == "SO-Done" && rp.Len() == 1
	}, waitFor, tick)
	assert.False(t, sub.Stale())
}

func TestSubscriber_UpdateMovingRecordAway(t *testing.T) {
	mem := store.NewMemory[deal]("deals")
	rp := generic.NewReplica[deal]()
	sub := generic.StartSubscriber[deal](context.Background(), mem, "deals", "agent-1", rp, slogtest.Make(t, nil))
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, mem.Insert(ctx, deal{ID: "1", Rep: "agent-1"}))
	require.Eventually(t, hasKeys(rp, "1"), waitFor, tick)

	// Reassigned to another representative
	require.NoError(t, mem.Update(ctx, deal{ID: "1", Rep: "agent-2"}))

	require.Eventually(t, hasKeys(rp), waitFor, tick)
}

func TestSubscriber_ReplayedEventsAreIdempotent(t *testing.T) {
	mem := store.NewMemory[deal]("deals")
	rp := generic.NewReplica[deal]()
	sub := generic.StartSubscriber[deal](context.Background(), mem, "deals", "agent-1", rp, slogtest.Make(t, nil))
	defer sub.Close()

	ins := generic.ChangeEvent[deal]{Type: generic.OpInsert, New: &deal{ID: "1", Rep: "agent-1", Stage: "a"}}
	dup := generic.ChangeEvent[deal]{Type: generic.OpInsert, New: &deal{ID: "1", Rep: "agent-1", Stage: "b"}}
	del := generic.ChangeEvent[deal]{Type: generic.OpDelete, Old: &deal{ID: "2", Rep: "agent-1"}}
	for _, ev := range []generic.ChangeEvent[deal]{ins, dup, ins, del, del} {
		mem.Publish(ev)
	}
	mem.Publish(generic.ChangeEvent[deal]{Type: generic.OpInsert, New: &deal{ID: "marker", Rep: "agent-1"}})

	require.Eventually(t, hasKeys(rp, "1", "marker"), waitFor, tick)
	d, _ := rp.Get("1")
	assert.Equal(t, "a", d.Stage)
}

// =============================================================================
// RECONNECTION
// =============================================================================

func TestSubscriber_ReconnectsAndReconciles(t *testing.T) {
	fastReconnect(t)

	// GIVEN: A live subscriber with a reconcile hook
	mem := store.NewMemory[deal]("deals")
	rp := generic.NewReplica[deal]()
	var reconciles atomic.Int32
	sub := generic.StartSubscriber[deal](context.Background(), mem, "deals", "agent-1", rp, slogtest.Make(t, nil),
		generic.WithReconnectHook[deal](func(ctx context.Context) error {
			reconciles.Add(1)
			records, err := mem.Fetch(ctx, "agent-1")
			if err != nil {
				return err
			}
			rp.ReplaceAll(records)
			return nil
		}),
	)
	defer sub.Close()

	// WHEN: The stream drops and a write happens while nobody listens
	mem.FailSubscribe(errors.New("broker unavailable"))
	mem.Disconnect()
	require.Eventually(t, sub.Stale, waitFor, tick)
	require.NoError(t, mem.Insert(context.Background(), deal{ID: "missed", Rep: "agent-1"}))
	mem.FailSubscribe(nil)

	// THEN: The subscriber comes back, reloads, and is fresh again
	require.Eventually(t, func() bool { return !sub.Stale() }, waitFor, tick)
	assert.Equal(t, int32(1), reconciles.Load())
	assert.Equal(t, 1, mem.Subscribers("agent-1"))
	_, ok := rp.Get("missed")
	assert.True(t, ok)
}

func TestSubscriber_InitialSubscribeFailure(t *testing.T) {
	fastReconnect(t)

	mem := store.NewMemory[deal]("deals")
	mem.FailSubscribe(errors.New("no route to host"))
	rp := generic.NewReplica[deal]()

	sub := generic.StartSubscriber[deal](context.Background(), mem, "deals", "agent-1", rp, slogtest.Make(t, nil))
	defer sub.Close()
	assert.True(t, sub.Stale())

	mem.FailSubscribe(nil)
	require.Eventually(t, func() bool { return !sub.Stale() }, waitFor, tick)

	require.NoError(t, mem.Insert(context.Background(), deal{ID: "1", Rep: "agent-1"}))
	require.Eventually(t, hasKeys(rp, "1"), waitFor, tick)
}

func TestSubscriber_CloseUnsubscribes(t *testing.T) {
	mem := store.NewMemory[deal]("deals")
	rp := generic.NewReplica[deal]()
	sub := generic.StartSubscriber[deal](context.Background(), mem, "deals", "agent-1", rp, slogtest.Make(t, nil))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	assert.Equal(t, 0, mem.Subscribers("agent-1"))
	require.NoError(t, mem.Insert(context.Background(), deal{ID: "1", Rep: "agent-1"}))
	assert.Equal(t, 0, rp.Len())
}
