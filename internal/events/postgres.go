package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS isa_events (
    seq BIGSERIAL PRIMARY KEY,
    kind TEXT NOT NULL,
    account TEXT NOT NULL,
    relayer TEXT NOT NULL,
    target TEXT NOT NULL,
    recipient TEXT NOT NULL,
    token TEXT NOT NULL,
    amount TEXT NOT NULL,
    reason TEXT NOT NULL,
    created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_isa_events_account ON isa_events(account, seq);
`

// PostgresLog persists records in a PostgreSQL table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog connects using the DSN and ensures the table exists.
func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createEventsTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresLog{pool: pool}, nil
}

func (p *PostgresLog) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresLog) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresLog) Append(ctx context.Context, recs ...Record) ([]Record, error) {
	out := make([]Record, len(recs))
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		ts := now(nil)
		for i, r := range recs {
			if r.Time.IsZero() {
				r.Time = ts
			}
			var seq int64
			err := tx.QueryRow(ctx, `
INSERT INTO isa_events (kind, account, relayer, target, recipient, token, amount, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING seq
`, string(r.Kind), r.Account.Hex(), r.Relayer.Hex(), r.Target.Hex(), r.Recipient.Hex(),
				r.Token.Hex(), formatAmount(r.Amount), r.Reason, r.Time.UnixNano()).Scan(&seq)
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			r.Seq = uint64(seq)
			out[i] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresLog) List(ctx context.Context, f Filter) ([]Record, error) {
	query, args := listQuery(f, func(n int) string { return "$" + strconv.Itoa(n) })
	rows, err := p.pool.Query(ctx, query, args...)
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
