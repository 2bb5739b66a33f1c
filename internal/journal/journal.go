// Package journal persists committed ledger events to SQLite and replays
// them into a fresh ledger on startup.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory journal
const MemoryPath = ":memory:"

// ErrOutOfOrder is returned when an event does not directly follow the last
// recorded sequence number.
var ErrOutOfOrder = errors.New("journal: event out of order")

// ErrTruncated is returned by Replay when the ledger committed events past
// the last one the journal holds.
var ErrTruncated = errors.New("journal: events missing")

// highWaterKey holds the highest sequence number ever offered to Record
const highWaterKey = "high_water_seq"

// Applier consumes replayed events
type Applier interface {
	Apply(ev types.Event) error
}

// Store is an append-only event log
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal at path and applies pending migrations
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal: path is required")
	}

	dsn := path
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// modernc serializes writes per connection; an in-memory database only
	// exists for the connection that created it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if err := migrate(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	logging.Debug("journal opened", logging.Component("journal"), "path", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database. Safe on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the path the store was opened with
func (s *Store) Path() string {
	return s.path
}

// SchemaVersion returns the highest applied migration version
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Record appends ev. Sequence numbers must be contiguous. An event that
// does not follow still raises the high-water mark, so Replay can tell the
// journal fell behind the ledger.
func (s *Store) Record(ctx context.Context, ev types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ev.Kind.IsValid() {
		return fmt.Errorf("record event %d: unknown kind %q", ev.Seq, ev.Kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record event %d: %w", ev.Seq, err)
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&last); err != nil {
		return fmt.Errorf("record event %d: %w", ev.Seq, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
WHERE CAST(ledger_meta.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		highWaterKey, strconv.FormatUint(ev.Seq, 10)); err != nil {
		return fmt.Errorf("record event %d: high water: %w", ev.Seq, err)
	}
	if ev.Seq != uint64(last.Int64)+1 {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("record event %d: high water: %w", ev.Seq, err)
		}
		return fmt.Errorf("%w: last %d, got %d", ErrOutOfOrder, last.Int64, ev.Seq)
	}

	var amount sql.NullString
	if ev.Amount != nil {
		amount = sql.NullString{String: ev.Amount.String(), Valid: true}
	}
	recorded := ev.Time
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events (seq, kind, unit, parent, owner, recipient, asset, amount, approved, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(ev.Seq), string(ev.Kind), int64(ev.Unit), int64(ev.Parent),
		ev.Owner.Hex(), ev.To.Hex(), ev.Asset.Hex(), amount, ev.Approved,
		recorded.UnixNano(),
	); err != nil {
		return fmt.Errorf("record event %d: %w", ev.Seq, err)
	}
	return tx.Commit()
}

// LastSeq returns the sequence number of the newest event, 0 when empty
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&last); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return uint64(last.Int64), nil
}

// Events lists events with seq > afterSeq in order. limit <= 0 means no limit.
func (s *Store) Events(ctx context.Context, afterSeq uint64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectEvents+` WHERE seq > ? ORDER BY seq LIMIT ?`, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collect(rows)
}

// UnitEvents lists every event that names id as its unit or parent
func (s *Store) UnitEvents(ctx context.Context, id types.UnitID) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+` WHERE unit = ? OR parent = ? ORDER BY seq`, int64(id), int64(id))
	if err != nil {
		return nil, fmt.Errorf("list unit %d events: %w", id, err)
	}
	return collect(rows)
}

// HighWater returns the highest sequence number ever offered to Record
func (s *Store) HighWater(ctx context.Context) (uint64, error) {
	v, ok, err := s.Meta(ctx, highWaterKey)
	if err != nil || !ok {
		return 0, err
	}
	hw, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("high water %q: %w", v, err)
	}
	return hw, nil
}

// Replay feeds every journaled event to a in order and returns how many
// were applied. It fails with ErrTruncated after applying everything it has
// if the ledger had committed events the journal never stored.
func (s *Store) Replay(ctx context.Context, a Applier) (int, error) {
	const page = 500
	var after uint64
	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		evs, err := s.Events(ctx, after, page)
		if err != nil {
			return applied, err
		}
		for _, ev := range evs {
			if err := a.Apply(ev); err != nil {
				return applied, fmt.Errorf("replay: %w", err)
			}
			applied++
			after = ev.Seq
		}
		if len(evs) < page {
			break
		}
	}
	hw, err := s.HighWater(ctx)
	if err != nil {
		return applied, err
	}
	if hw > after {
		return applied, fmt.Errorf("%w: replayed through %d, ledger reached %d", ErrTruncated, after, hw)
	}
	logging.Info("journal replayed", logging.Component("journal"), "events", applied, "last_seq", after)
	return applied, nil
}

// Meta returns a metadata value and whether it was set
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, true, nil
}

// SetMeta stores a metadata value
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

const selectEvents = `SELECT seq, kind, unit, parent, owner, recipient, asset, amount, approved, recorded_at FROM events`

func collect(rows *sql.Rows) ([]types.Event, error) {
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			seq, unit, parent, recorded int64
			kind, owner, to, asset      string
			amount                      sql.NullString
			approved                    bool
		)
		if err := rows.Scan(&seq, &kind, &unit, &parent, &owner, &to, &asset, &amount, &approved, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := types.Event{
			Seq:      uint64(seq),
			Kind:     types.EventKind(kind),
			Unit:     types.UnitID(unit),
			Parent:   types.UnitID(parent),
			Owner:    common.HexToAddress(owner),
			To:       common.HexToAddress(to),
			Asset:    common.HexToAddress(asset),
			Approved: approved,
			Time:     time.Unix(0, recorded).UTC(),
		}
		if amount.Valid {
			v, ok := new(big.Int).SetString(amount.String, 10)
			if !ok {
				return nil, fmt.Errorf("event %d: bad amount %q", seq, amount.String)
			}
			ev.Amount = v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
