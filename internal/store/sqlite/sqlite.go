/*
Package sqlite provides a SQLite-backed store.Store.

KEY TABLES:
  events:      masters and exceptions, one row per event id
  occurrences: materialized instances, unique on (master_id, original_start)
  horizon:     single row holding the materialized window

INDEXES:
  - idx_occurrences_key: upsert identity, also enforces no duplicate instances
  - idx_occurrences_days: day queries (start_day <= d AND end_day >= d)
  - idx_occurrences_range: range queries

TIMES:
  Stored as unix milliseconds and returned in UTC. The event's own zone
  survives in the tzid column.

USAGE:
  st, err := sqlite.New("./data/pcal.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pcal/internal/daycode"
	"pcal/internal/model"
	"pcal/internal/store"
)

const (
	kindMaster    = "master"
	kindException = "exception"
)

// Store implements store.Store on a single SQLite database.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (and migrates) the database at path. Use ":memory:" for a
// throwaway database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.HasPrefix(path, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('master', 'exception')),
		uid TEXT NOT NULL DEFAULT '',
		calendar_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		tzid TEXT NOT NULL DEFAULT '',
		all_day INTEGER NOT NULL DEFAULT 0,
		sequence INTEGER NOT NULL DEFAULT 0,
		reminders_json TEXT,
		pending_delete INTEGER NOT NULL DEFAULT 0,

		-- master only
		rrule TEXT NOT NULL DEFAULT '',
		exdates_json TEXT,

		-- exception only
		master_id INTEGER,
		original_start INTEGER,
		cancelled INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_events_master
		ON events(master_id) WHERE kind = 'exception';
	CREATE INDEX IF NOT EXISTS idx_events_calendar
		ON events(calendar_id);

	CREATE TABLE IF NOT EXISTS occurrences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		master_id INTEGER NOT NULL,
		exception_id INTEGER NOT NULL DEFAULT 0,
		original_start INTEGER NOT NULL,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		calendar_id INTEGER NOT NULL,
		start_day INTEGER NOT NULL,
		end_day INTEGER NOT NULL,
		all_day INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_occurrences_key
		ON occurrences(master_id, original_start);
	CREATE INDEX IF NOT EXISTS idx_occurrences_days
		ON occurrences(start_day, end_day);
	CREATE INDEX IF NOT EXISTS idx_occurrences_range
		ON occurrences(start_at, end_at);

	CREATE TABLE IF NOT EXISTS horizon (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) View(ctx context.Context, fn func(store.Reader) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&txStore{tx: sqlTx})
}

func (s *Store) Update(ctx context.Context, fn func(store.Writer) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, writable: true}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs every call on one SQL transaction. Result sets are read to
// completion before the next statement runs.
type txStore struct {
	tx       *sql.Tx
	writable bool
}

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `id, kind, uid, calendar_id, title, location, description,
	start_at, end_at, tzid, all_day, sequence, reminders_json, pending_delete,
	rrule, exdates_json, master_id, original_start, cancelled`

func (ts *txStore) Event(ctx context.Context, id model.EventID) (model.Event, error) {
	evs, err := ts.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, store.ErrNotFound
	}
	return evs[0], nil
}

func (ts *txStore) Masters(ctx context.Context) ([]*model.Master, error) {
	evs, err := ts.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE kind = 'master' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Master, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.(*model.Master))
	}
	return out, nil
}

func (ts *txStore) Exceptions(ctx context.Context, masterID model.EventID) ([]*model.Exception, error) {
	return ts.queryExceptions(ctx, `SELECT `+eventColumns+` FROM events
		WHERE kind = 'exception' AND master_id = ? ORDER BY id`, masterID)
}

func (ts *txStore) OrphanedExceptions(ctx context.Context) ([]*model.Exception, error) {
	return ts.queryExceptions(ctx, `SELECT `+eventColumns+` FROM events e
		WHERE e.kind = 'exception'
		  AND NOT EXISTS (SELECT 1 FROM events m WHERE m.id = e.master_id AND m.kind = 'master')
		ORDER BY e.id`)
}

func (ts *txStore) CalendarEvents(ctx context.Context, cal model.CalendarID) ([]model.EventID, error) {
	rows, err := ts.tx.QueryContext(ctx, `SELECT id FROM events WHERE calendar_id = ? ORDER BY id`, cal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EventID
	for rows.Next() {
		var id model.EventID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (ts *txStore) queryExceptions(ctx context.Context, query string, args ...any) ([]*model.Exception, error) {
	evs, err := ts.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Exception, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.(*model.Exception))
	}
	return out, nil
}

func (ts *txStore) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (model.Event, error) {
	var (
		info                    model.EventInfo
		kind                    string
		startAt, endAt          int64
		remindersJSON, exJSON   sql.NullString
		rrule                   string
		masterID, originalStart sql.NullInt64
		cancelled               bool
	)
	err := rows.Scan(&info.ID, &kind, &info.UID, &info.CalendarID, &info.Title, &info.Location, &info.Description,
		&startAt, &endAt, &info.TZID, &info.AllDay, &info.Sequence, &remindersJSON, &info.PendingDelete,
		&rrule, &exJSON, &masterID, &originalStart, &cancelled)
	if err != nil {
		return nil, err
	}
	info.Start = fromMillis(startAt)
	info.End = fromMillis(endAt)

	if remindersJSON.Valid && remindersJSON.String != "" {
		if err := json.Unmarshal([]byte(remindersJSON.String), &info.Reminders); err != nil {
			return nil, fmt.Errorf("event %d: decode reminders: %w", info.ID, err)
		}
	}

	switch kind {
	case kindMaster:
		m := &model.Master{EventInfo: info, RRule: rrule}
		if exJSON.Valid && exJSON.String != "" {
			var ms []int64
			if err := json.Unmarshal([]byte(exJSON.String), &ms); err != nil {
				return nil, fmt.Errorf("event %d: decode exdates: %w", info.ID, err)
			}
			for _, v := range ms {
				m.ExDates = append(m.ExDates, fromMillis(v))
			}
		}
		return m, nil
	case kindException:
		return &model.Exception{
			EventInfo:     info,
			MasterID:      model.EventID(masterID.Int64),
			OriginalStart: fromMillis(originalStart.Int64),
			Cancelled:     cancelled,
		}, nil
	default:
		return nil, fmt.Errorf("event %d: unknown kind %q", info.ID, kind)
	}
}

func (ts *txStore) PutEvent(ctx context.Context, ev model.Event) error {
	if !ts.writable {
		return store.ErrReadOnly
	}
	info := ev.Info()

	var reminders sql.NullString
	if len(info.Reminders) > 0 {
		b, err := json.Marshal(info.Reminders)
		if err != nil {
			return err
		}
		reminders = sql.NullString{String: string(b), Valid: true}
	}

	var (
		kind          string
		rrule         string
		exdates       sql.NullString
		masterID      sql.NullInt64
		originalStart sql.NullInt64
		cancelled     bool
	)
	switch e := ev.(type) {
	case *model.Master:
		kind, rrule = kindMaster, e.RRule
		if len(e.ExDates) > 0 {
			ms := make([]int64, 0, len(e.ExDates))
			for _, t := range e.ExDates {
				ms = append(ms, t.UnixMilli())
			}
			b, err := json.Marshal(ms)
			if err != nil {
				return err
			}
			exdates = sql.NullString{String: string(b), Valid: true}
		}
	case *model.Exception:
		kind = kindException
		masterID = sql.NullInt64{Int64: int64(e.MasterID), Valid: true}
		originalStart = sql.NullInt64{Int64: e.OriginalStart.UnixMilli(), Valid: true}
		cancelled = e.Cancelled
	default:
		return fmt.Errorf("unsupported event type %T", ev)
	}

	_, err := ts.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, kind, info.UID, info.CalendarID, info.Title, info.Location, info.Description,
		info.Start.UnixMilli(), info.End.UnixMilli(), info.TZID, info.AllDay, info.Sequence, reminders, info.PendingDelete,
		rrule, exdates, masterID, originalStart, cancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to store event %d: %w", info.ID, err)
	}
	return nil
}

func (ts *txStore) DeleteEvent(ctx context.Context, id model.EventID) error {
	if !ts.writable {
		return store.ErrReadOnly
	}
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// =============================================================================
// OCCURRENCES
// =============================================================================

const occurrenceColumns = `id, master_id, exception_id, original_start, start_at, end_at,
	calendar_id, start_day, end_day, all_day, cancelled`

func (ts *txStore) Occurrences(ctx context.Context, masterID model.EventID) ([]model.Occurrence, error) {
	return ts.queryOccurrences(ctx, store.Filter{IncludeCancelled: true},
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE master_id = ? ORDER BY original_start, id`, masterID)
}

func (ts *txStore) OccurrencesInRange(ctx context.Context, from, to time.Time, f store.Filter) ([]model.Occurrence, error) {
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	return ts.queryOccurrences(ctx, f, `SELECT `+occurrenceColumns+` FROM occurrences
		WHERE start_at < ?
		  AND ((end_at > start_at AND end_at > ?) OR (end_at <= start_at AND start_at >= ?))
		ORDER BY start_at, id`, toMs, fromMs, fromMs)
}

func (ts *txStore) OccurrencesOnDay(ctx context.Context, day daycode.Code, f store.Filter) ([]model.Occurrence, error) {
	return ts.queryOccurrences(ctx, f, `SELECT `+occurrenceColumns+` FROM occurrences
		WHERE start_day <= ? AND end_day >= ?
		ORDER BY start_at, id`, int32(day), int32(day))
}

func (ts *txStore) AllOccurrences(ctx context.Context, f store.Filter) ([]model.Occurrence, error) {
	return ts.queryOccurrences(ctx, f, `SELECT `+occurrenceColumns+` FROM occurrences ORDER BY start_at, id`)
}

func (ts *txStore) queryOccurrences(ctx context.Context, f store.Filter, query string, args ...any) ([]model.Occurrence, error) {
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		var (
			o                    model.Occurrence
			orig, startAt, endAt int64
			startDay, endDay     int32
		)
		if err := rows.Scan(&o.ID, &o.MasterID, &o.ExceptionID, &orig, &startAt, &endAt,
			&o.CalendarID, &startDay, &endDay, &o.AllDay, &o.Cancelled); err != nil {
			return nil, err
		}
		o.OriginalStart = fromMillis(orig)
		o.Start = fromMillis(startAt)
		o.End = fromMillis(endAt)
		o.StartDay = daycode.Code(startDay)
		o.EndDay = daycode.Code(endDay)
		if f.Allows(o) {
			out = append(out, o)
		}
	}
	return out, rows.Err()
}

func (ts *txStore) ReplaceOccurrences(ctx context.Context, masterID model.EventID, scope *model.Window, desired []model.Occurrence) (store.Delta, error) {
	if !ts.writable {
		return store.Delta{}, store.ErrReadOnly
	}
	all, err := ts.Occurrences(ctx, masterID)
	if err != nil {
		return store.Delta{}, err
	}
	plan := store.Diff(all, scope, desired)

	for _, o := range plan.Delete {
		if _, err := ts.tx.ExecContext(ctx, `DELETE FROM occurrences WHERE id = ?`, o.ID); err != nil {
			return store.Delta{}, fmt.Errorf("failed to delete occurrence %d: %w", o.ID, err)
		}
	}
	for _, o := range plan.Update {
		_, err := ts.tx.ExecContext(ctx, `
			UPDATE occurrences SET exception_id = ?, start_at = ?, end_at = ?, calendar_id = ?,
				start_day = ?, end_day = ?, all_day = ?, cancelled = ?
			WHERE id = ?`,
			o.ExceptionID, o.Start.UnixMilli(), o.End.UnixMilli(), o.CalendarID,
			int32(o.StartDay), int32(o.EndDay), o.AllDay, o.Cancelled, o.ID)
		if err != nil {
			return store.Delta{}, fmt.Errorf("failed to update occurrence %d: %w", o.ID, err)
		}
	}
	for _, o := range plan.Insert {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO occurrences (master_id, exception_id, original_start, start_at, end_at,
				calendar_id, start_day, end_day, all_day, cancelled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.MasterID, o.ExceptionID, o.OriginalStart.UnixMilli(), o.Start.UnixMilli(), o.End.UnixMilli(),
			o.CalendarID, int32(o.StartDay), int32(o.EndDay), o.AllDay, o.Cancelled)
		if err != nil {
			return store.Delta{}, fmt.Errorf("failed to insert occurrence of %d at %s: %w",
				o.MasterID, o.OriginalStart.Format(time.RFC3339), err)
		}
	}
	return plan.Delta, nil
}

func (ts *txStore) DeleteOccurrences(ctx context.Context, masterID model.EventID) (store.Delta, error) {
	return ts.ReplaceOccurrences(ctx, masterID, nil, nil)
}

// =============================================================================
// HORIZON
// =============================================================================

func (ts *txStore) Horizon(ctx context.Context) (model.Window, error) {
	var startAt, endAt int64
	err := ts.tx.QueryRowContext(ctx, `SELECT start_at, end_at FROM horizon WHERE id = 1`).Scan(&startAt, &endAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Window{}, nil
	}
	if err != nil {
		return model.Window{}, err
	}
	return model.Window{Start: fromMillis(startAt), End: fromMillis(endAt)}, nil
}

func (ts *txStore) SetHorizon(ctx context.Context, w model.Window) error {
	if !ts.writable {
		return store.ErrReadOnly
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO horizon (id, start_at, end_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET start_at = excluded.start_at, end_at = excluded.end_at`,
		w.Start.UnixMilli(), w.End.UnixMilli())
	return err
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
