/*
Package sqlite provides a SQLite-backed activity table and dismissal store.

PURPOSE:
  Lets the service run without the upstream REST endpoint: activities are
  imported into a local table and served as bulk snapshots, and the
  day-scoped dismissal markers survive restarts.

INTERFACES IMPLEMENTED:
  generic.SnapshotSource[activity.Activity]: Fetch by owner
  generic.DismissStore:                      day-scoped dismissals

KEY TABLES:
  activities:  one row per activity id; the coerced record as JSON plus
               the owner and creation date columns used for lookups
  dismissals:  one row per (owner, item, day)

UPSERT EVENTS:
  UpsertActivities reports what changed as change events (INSERT for new
  ids, UPDATE for existing ones with both images) so an importer can
  publish them to the live feed.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety around multi-statement operations.

USAGE:
  store, err := sqlite.New("./data/salesops.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store/memory.go: in-memory implementation for testing
  - cmd/server: import subcommand
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/salesops-engine/activity"
	"github.com/warp/salesops-engine/generic"
)

// Store implements the snapshot and dismissal interfaces using SQLite.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	clock quartz.Clock
}

var (
	_ generic.SnapshotSource[activity.Activity] = (*Store)(nil)
	_ generic.DismissStore                      = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock that decides the current day for dismissals.
func WithClock(clock quartz.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Activities (local snapshot source)
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		owner_ref TEXT NOT NULL,
		date_created TEXT,
		payload_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Owner lookups are case-insensitive everywhere
	CREATE INDEX IF NOT EXISTS idx_activities_owner
		ON activities(owner_ref COLLATE NOCASE);

	-- Dismissed items, one row per owner, item and day
	CREATE TABLE IF NOT EXISTS dismissals (
		id TEXT PRIMARY KEY,
		owner_ref TEXT NOT NULL,
		item_key TEXT NOT NULL,
		day TEXT NOT NULL,
		dismissed_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_dismissals_unique
		ON dismissals(owner_ref COLLATE NOCASE, item_key, day);
	CREATE INDEX IF NOT EXISTS idx_dismissals_day
		ON dismissals(day);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACTIVITIES (generic.SnapshotSource)
// =============================================================================

// Fetch returns every activity owned by owner, ordered by id.
func (s *Store) Fetch(ctx context.Context, owner string) ([]activity.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_json FROM activities
		WHERE owner_ref = ? COLLATE NOCASE
		ORDER BY id
	`, strings.TrimSpace(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	out := make([]activity.Activity, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		a, err := activity.Decode([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertActivities writes activities in one transaction and returns the
// change events describing what happened.
func (s *Store) UpsertActivities(ctx context.Context, activities []activity.Activity) ([]generic.ChangeEvent[activity.Activity], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UTC().Format(time.RFC3339)
	events := make([]generic.ChangeEvent[activity.Activity], 0, len(activities))
	for _, a := range activities {
		if a.ID == "" {
			return nil, generic.ErrMissingID
		}
		old, err := getActivity(ctx, tx, a.ID)
		if err != nil && !errors.Is(err, generic.ErrRecordNotFound) {
			return nil, err
		}

		payload, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode activity %s: %w", a.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO activities (id, owner_ref, date_created, payload_json, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner_ref = excluded.owner_ref,
				date_created = excluded.date_created,
				payload_json = excluded.payload_json,
				updated_at = excluded.updated_at
		`, a.ID, a.OwnerRef, nullString(a.DateCreated.String()), string(payload), now)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert activity %s: %w", a.ID, err)
		}

		if old == nil {
			events = append(events, generic.ChangeEvent[activity.Activity]{Type: generic.OpInsert, New: &a})
		} else {
			events = append(events, generic.ChangeEvent[activity.Activity]{Type: generic.OpUpdate, New: &a, Old: old})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit activities: %w", err)
	}
	return events, nil
}

// DeleteActivity removes an activity and returns the DELETE event.
func (s *Store) DeleteActivity(ctx context.Context, id string) (generic.ChangeEvent[activity.Activity], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := getActivity(ctx, s.db, id)
	if err != nil {
		return generic.ChangeEvent[activity.Activity]{}, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE id = ?`, id); err != nil {
		return generic.ChangeEvent[activity.Activity]{}, fmt.Errorf("failed to delete activity %s: %w", id, err)
	}
	return generic.ChangeEvent[activity.Activity]{Type: generic.OpDelete, Old: old}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getActivity(ctx context.Context, db queryer, id string) (*activity.Activity, error) {
	var payload string
	err := db.QueryRowContext(ctx, `SELECT payload_json FROM activities WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activity %s: %w", id, generic.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity %s: %w", id, err)
	}
	a, err := activity.Decode([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored activity %s: %w", id, err)
	}
	return &a, nil
}

// =============================================================================
// DISMISSALS (generic.DismissStore)
// =============================================================================

// Dismiss marks itemKey as dismissed for owner today.
func (s *Store) Dismiss(ctx context.Context, owner, itemKey string) (generic.Dismissal, error) {
	owner, itemKey = strings.TrimSpace(owner), strings.TrimSpace(itemKey)
	if owner == "" {
		return generic.Dismissal{}, generic.ErrOwnerRequired
	}
	if itemKey == "" {
		return generic.Dismissal{}, generic.ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	d := generic.Dismissal{
		ID:          uuid.NewString(),
		Owner:       owner,
		ItemKey:     itemKey,
		Day:         generic.DayKey(now),
		DismissedAt: now.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dismissals (id, owner_ref, item_key, day, dismissed_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.ID, d.Owner, d.ItemKey, d.Day, d.DismissedAt.Format(time.RFC3339Nano))
	if err == nil {
		return d, nil
	}
	if !isUniqueConstraintError(err) {
		return generic.Dismissal{}, fmt.Errorf("failed to save dismissal: %w", err)
	}

	// Already dismissed today: return the existing marker.
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_ref, item_key, day, dismissed_at FROM dismissals
		WHERE owner_ref = ? COLLATE NOCASE AND item_key = ? AND day = ?
	`, owner, itemKey, d.Day)
	return scanDismissal(row)
}

// IsDismissed reports whether itemKey is dismissed for owner today.
func (s *Store) IsDismissed(ctx context.Context, owner, itemKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dismissals
		WHERE owner_ref = ? COLLATE NOCASE AND item_key = ? AND day = ?
	`, strings.TrimSpace(owner), strings.TrimSpace(itemKey), generic.DayKey(s.clock.Now())).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check dismissal: %w", err)
	}
	return n > 0, nil
}

// Dismissed lists today's dismissals for owner.
func (s *Store) Dismissed(ctx context.Context, owner string) ([]generic.Dismissal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_ref, item_key, day, dismissed_at FROM dismissals
		WHERE owner_ref = ? COLLATE NOCASE AND day = ?
		ORDER BY item_key
	`, strings.TrimSpace(owner), generic.DayKey(s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to query dismissals: %w", err)
	}
	defer rows.Close()

	out := make([]generic.Dismissal, 0)
	for rows.Next() {
		d, err := scanDismissal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Purge deletes dismissals for days before the given time's day.
func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM dismissals WHERE day < ?`, generic.DayKey(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge dismissals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDismissal(row scanner) (generic.Dismissal, error) {
	var d generic.Dismissal
	var at string
	if err := row.Scan(&d.ID, &d.Owner, &d.ItemKey, &d.Day, &at); err != nil {
		return generic.Dismissal{}, fmt.Errorf("failed to scan dismissal: %w", err)
	}
	d.DismissedAt, _ = time.Parse(time.RFC3339Nano, at)
	return d, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
