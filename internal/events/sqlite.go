package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS isa_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    account TEXT NOT NULL,
    relayer TEXT NOT NULL,
    target TEXT NOT NULL,
    recipient TEXT NOT NULL,
    token TEXT NOT NULL,
    amount TEXT NOT NULL,
    reason TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_isa_events_account ON isa_events(account, seq);
`

// SQLiteLog stores records in a SQLite database running in WAL mode.
type SQLiteLog struct {
	db *sql.DB
}

func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

func (s *SQLiteLog) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteLog) Append(ctx context.Context, recs ...Record) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ts := now(nil)
	out := make([]Record, len(recs))
	for i, r := range recs {
		if r.Time.IsZero() {
			r.Time = ts
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO isa_events (kind, account, relayer, target, recipient, token, amount, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Kind), r.Account.Hex(), r.Relayer.Hex(), r.Target.Hex(), r.Recipient.Hex(),
			r.Token.Hex(), formatAmount(r.Amount), r.Reason, r.Time.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		r.Seq = uint64(id)
		out[i] = r
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteLog) List(ctx context.Context, f Filter) ([]Record, error) {
	query, args := listQuery(f, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			r                                         Record
			kind, account, relayer, target, recipient string
			token, amount                             string
			seq, created                              int64
		)
		if err := rows.Scan(&seq, &kind, &account, &relayer, &target, &recipient, &token, &amount, &r.Reason, &created); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		r.Kind = Kind(kind)
		r.Account = common.HexToAddress(account)
		r.Relayer = common.HexToAddress(relayer)
		r.Target = common.HexToAddress(target)
		r.Recipient = common.HexToAddress(recipient)
		r.Token = common.HexToAddress(token)
		r.Time = time.Unix(0, created).UTC()
		if r.Amount, err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("event %d amount: %w", r.Seq, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// listQuery builds the shared SELECT for the SQL backends; placeholder renders
// the n-th (1-based) bind parameter.
func listQuery(f Filter, placeholder func(int) string) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, placeholder(len(args))))
	}
	add("seq > %s", int64(f.AfterSeq))
	if f.Account != nil {
		add("account = %s", f.Account.Hex())
	}
	if f.Kind != "" {
		add("kind = %s", string(f.Kind))
	}

	q := "SELECT seq, kind, account, relayer, target, recipient, token, amount, reason, created_at FROM isa_events WHERE " +
		strings.Join(where, " AND ") + " ORDER BY seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT " + placeholder(len(args))
	}
	return q, args
}
