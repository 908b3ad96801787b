package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

const (
	updateBlockedQuery string = "update blocked set hits = hits + 1 where address = ?"
	insertCaughtQuery  string = "insert into caught (id, date, original, replaced, message_id, subject) values (?, ?, ?, ?, ?, ?)"
	deleteBlockedQuery string = "delete from blocked where address = ?"
	listBlockedQuery   string = "select address, hits from blocked order by address"
	listCaughtQuery    string = "select id, date, original, replaced, message_id, subject from caught order by id desc limit ?"
)

// Store is the blocklist and audit store on top of database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open pool.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

// Open opens a pool for dsn using the dialect's driver. Connections are
// established lazily.
func Open(d Dialect, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing dsn for %s", d.Name)
	}
	if d.Name == Postgres.Name {
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing postgres dsn: %w", err)
		}
		return New(stdlib.OpenDB(*cfg), d), nil
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %w", err)
	}
	return New(db, d), nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the pool so other repositories can share it.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the blocked and caught tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db exec error: %w", err)
		}
	}
	return nil
}

// CheckAndIncrement bumps the hit counter of address. A row is only updated
// when the address is listed, so an affected row means blocked.
func (s *Store) CheckAndIncrement(ctx context.Context, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(updateBlockedQuery), address)
	if err != nil {
		return false, fmt.Errorf("db exec error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(insertCaughtQuery),
		rec.ID,
		rec.Timestamp.UTC().Format(TimeFormat),
		rec.Original,
		rec.Substituted,
		rec.MessageID,
		rec.Subject,
	)
	if err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}
	return nil
}

// Block lists address. It reports false if it was already listed.
func (s *Store) Block(ctx context.Context, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(s.dialect.blockQuery), address)
	if err != nil {
		return false, fmt.Errorf("db exec error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Unblock removes address. It reports false if it was not listed.
func (s *Store) Unblock(ctx context.Context, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(deleteBlockedQuery), address)
	if err != nil {
		return false, fmt.Errorf("db exec error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListBlocked(ctx context.Context) ([]domain.BlockedEntry, error) {
	rows, err := s.db.QueryContext(ctx, listBlockedQuery)
	if err != nil {
		return nil, fmt.Errorf("db query error: %w", err)
	}
	defer rows.Close()

	var out []domain.BlockedEntry
	for rows.Next() {
		var e domain.BlockedEntry
		var hits int64
		if err := rows.Scan(&e.Address, &hits); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Hits = uint64(hits)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCaught returns up to limit audit records, newest first. A limit of
// zero or less returns every record.
func (s *Store) ListCaught(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(listCaughtQuery), limit)
	if err != nil {
		return nil, fmt.Errorf("db query error: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var date any
		var subject sql.NullString
		if err := rows.Scan(&rec.ID, &date, &rec.Original, &rec.Substituted, &rec.MessageID, &subject); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if rec.Timestamp, err = parseTime(date); err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		rec.Subject = subject.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

var errUnknownTime = errors.New("unsupported date value")

// parseTime accepts what the drivers hand back for the date column: a
// time.Time from pgx, text from mysql and sqlite.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	default:
		return time.Time{}, fmt.Errorf("%w: %T", errUnknownTime, v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{TimeFormat, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errUnknownTime, s)
}
