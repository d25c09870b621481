/*
sessions_test.go - Unit tests for shared bindings

Tests for:
- Sharing one binding per (widget, owner) between callers
- Idle reaping and held references
- Dismissal purging from the reaper
- Shutdown
*/
package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"

	"github.com/warp/salesops-engine/activity"
	"github.com/warp/salesops-engine/generic"
	"github.com/warp/salesops-engine/generic/store"
)

func setupSessions(t *testing.T) (*Sessions[activity.Activity], *store.Memory[activity.Activity], *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, time.March, 20, 9, 0, 0, 0, time.UTC))

	widgets, err := activity.DefaultWidgets(clock)
	if err != nil {
		t.Fatalf("Failed to build widgets: %v", err)
	}
	mem := store.NewMemory[activity.Activity](activity.Table)
	var snapshots generic.SnapshotSource[activity.Activity] = mem
	var feed generic.FeedSource[activity.Activity] = mem

	sessions := NewSessions(widgets, snapshots, feed, slogtest.Make(t, nil),
		WithClock[activity.Activity](clock),
	)
	t.Cleanup(sessions.Stop)
	return sessions, mem, clock
}

func TestSessions_AcquireSharesBinding(t *testing.T) {
	// GIVEN: A session manager
	sessions, _, _ := setupSessions(t)
	ctx := context.Background()

	// WHEN: Two callers ask for the same widget and owner, spelled differently
	b1, release1, err := sessions.Acquire(ctx, "status-breakdown", "Agent-1")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	defer release1()
	b2, release2, err := sessions.Acquire(ctx, "status-breakdown", " agent-1 ")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	defer release2()

	// THEN: They share one binding
	if b1 != b2 {
		t.Error("Expected the same binding for the same widget and owner")
	}
	if sessions.Len() != 1 {
		t.Errorf("Expected 1 shared binding, got %d", sessions.Len())
	}

	// A different widget gets its own binding
	b3, release3, err := sessions.Acquire(ctx, "monthly-sales", "agent-1")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	defer release3()
	if b3 == b1 {
		t.Error("Expected a separate binding for another widget")
	}
	if sessions.Len() != 2 {
		t.Errorf("Expected 2 shared bindings, got %d", sessions.Len())
	}
}

func TestSessions_AcquireErrors(t *testing.T) {
	sessions, _, _ := setupSessions(t)
	ctx := context.Background()

	if _, _, err := sessions.Acquire(ctx, "no-such-widget", "agent-1"); !errors.Is(err, generic.ErrUnknownWidget) {
		t.Errorf("Expected ErrUnknownWidget, got %v", err)
	}
	if _, _, err := sessions.Acquire(ctx, "status-breakdown", "  "); !errors.Is(err, generic.ErrOwnerRequired) {
		t.Errorf("Expected ErrOwnerRequired, got %v", err)
	}
	if _, _, err := sessions.Open("no-such-widget"); !errors.Is(err, generic.ErrUnknownWidget) {
		t.Errorf("Expected ErrUnknownWidget from Open, got %v", err)
	}
}

func TestSessions_ReapsIdleBindings(t *testing.T) {
	// GIVEN: One released binding and one still held
	sessions, mem, clock := setupSessions(t)
	ctx := context.Background()

	idle, release, err := sessions.Acquire(ctx, "status-breakdown", "agent-1")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	release()
	release() // second release is a no-op

	_, releaseHeld, err := sessions.Acquire(ctx, "status-breakdown", "agent-2")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	defer releaseHeld()

	// WHEN: The reaper runs before the idle timeout
	sessions.RunNow(ctx)

	// THEN: Nothing is reaped
	if sessions.Len() != 2 {
		t.Fatalf("Expected 2 bindings before timeout, got %d", sessions.Len())
	}

	// WHEN: The idle timeout passes
	clock.Advance(sessions.IdleTimeout)
	sessions.RunNow(ctx)

	// THEN: Only the released binding is closed and unsubscribed
	if sessions.Len() != 1 {
		t.Fatalf("Expected 1 binding after reaping, got %d", sessions.Len())
	}
	if err := idle.SetOwner(ctx, "agent-3"); !errors.Is(err, generic.ErrBindingClosed) {
		t.Errorf("Expected reaped binding to be closed, got %v", err)
	}
	if n := mem.Subscribers("agent-1"); n != 0 {
		t.Errorf("Expected no feed subscribers for agent-1, got %d", n)
	}
}

// countingDismissals records Purge calls.
type countingDismissals struct {
	*store.Dismissals
	purges atomic.Int32
}

func (c *countingDismissals) Purge(ctx context.Context, before time.Time) (int, error) {
	c.purges.Add(1)
	return c.Dismissals.Purge(ctx, before)
}

func TestSessions_ReaperPurgesDismissals(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, time.March, 20, 23, 0, 0, 0, time.UTC))
	dismissals := &countingDismissals{Dismissals: store.NewDismissals(clock)}

	mem := store.NewMemory[activity.Activity](activity.Table)
	var snapshots generic.SnapshotSource[activity.Activity] = mem
	var feed generic.FeedSource[activity.Activity] = mem
	sessions := NewSessions(nil, snapshots, feed, slogtest.Make(t, nil),
		WithClock[activity.Activity](clock),
		WithDismissals[activity.Activity](dismissals),
	)
	defer sessions.Stop()

	ctx := context.Background()
	if _, err := dismissals.Dismiss(ctx, "agent-1", "follow-up:1"); err != nil {
		t.Fatalf("Failed to dismiss: %v", err)
	}

	clock.Advance(2 * time.Hour)
	sessions.RunNow(ctx)

	if dismissals.purges.Load() != 1 {
		t.Errorf("Expected 1 purge, got %d", dismissals.purges.Load())
	}
	n, err := dismissals.Dismissals.Purge(ctx, clock.Now())
	if err != nil {
		t.Fatalf("Failed to purge: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected yesterday's dismissal to be purged already, %d left", n)
	}
}

func TestSessions_StopClosesEverything(t *testing.T) {
	sessions, _, _ := setupSessions(t)
	ctx := context.Background()
	sessions.Start(ctx)

	shared, release, err := sessions.Acquire(ctx, "status-breakdown", "agent-1")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	defer release()
	private, closePrivate, err := sessions.Open("status-breakdown")
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer closePrivate()

	sessions.Stop()

	if sessions.Len() != 0 {
		t.Errorf("Expected no bindings after Stop, got %d", sessions.Len())
	}
	for name, b := range map[string]*generic.Binding[activity.Activity]{"shared": shared, "private": private} {
		if err := b.SetOwner(ctx, "agent-2"); !errors.Is(err, generic.ErrBindingClosed) {
			t.Errorf("Expected %s binding to be closed, got %v", name, err)
		}
	}
	if _, _, err := sessions.Acquire(ctx, "status-breakdown", "agent-1"); !errors.Is(err, generic.ErrBindingClosed) {
		t.Errorf("Expected ErrBindingClosed after Stop, got %v", err)
	}
}
