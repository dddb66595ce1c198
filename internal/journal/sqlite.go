package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	venue      TEXT NOT NULL DEFAULT '',
	symbol     TEXT NOT NULL DEFAULT '',
	side       TEXT NOT NULL DEFAULT '',
	order_id   TEXT NOT NULL DEFAULT '',
	thread_id  TEXT NOT NULL DEFAULT '',
	size       TEXT NOT NULL DEFAULT '0',
	price      TEXT NOT NULL DEFAULT '0',
	note       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
)`

// SQLite is the durable journal backend.
type SQLite struct {
	db     *sql.DB
	logger core.ILogger
	clock  core.Clock
}

// NewSQLite opens (or creates) the journal database at path in WAL
// mode, so the operator can read it while the keeper writes.
func NewSQLite(path string, logger core.ILogger, clock core.Clock) (*SQLite, error) {
	if clock == nil {
		clock = core.RealClock{}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &SQLite{
		db:     db,
		logger: logger.WithField("component", "journal"),
		clock:  clock,
	}, nil
}

func (j *SQLite) Record(ctx context.Context, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.clock.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO journal (kind, venue, symbol, side, order_id, thread_id, size, price, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Kind), string(e.Venue), string(e.Symbol), string(e.Side),
		e.OrderID, e.ThreadID, e.Size.String(), e.Price.String(), e.Note,
		e.CreatedAt.UnixNano())
	if err != nil {
		j.logger.Warn("Journal write failed",
			"kind", string(e.Kind),
			"venue", string(e.Venue),
			"symbol", string(e.Symbol),
			"error", err.Error())
	}
}

func (j *SQLite) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, venue, symbol, side, order_id, thread_id, size, price, note, created_at
		 FROM journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                         Entry
			kind, venue, symbol, side string
			size, price               string
			createdAt                 int64
		)
		if err := rows.Scan(&e.ID, &kind, &venue, &symbol, &side,
			&e.OrderID, &e.ThreadID, &size, &price, &e.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Kind = Kind(kind)
		e.Venue = core.Venue(venue)
		e.Symbol = core.Symbol(symbol)
		e.Side = core.Side(side)
		e.Size = parseStoredDecimal(size)
		e.Price = parseStoredDecimal(price)
		e.CreatedAt = time.Unix(0, createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal rows: %w", err)
	}
	return out, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func parseStoredDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
