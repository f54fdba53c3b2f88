package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// advisory lock key serialising chain-hash computation across appenders.
const chainLockKey = 0x43555354 // "CUST"

// Repository provides PostgreSQL backed persistence for audit records.
type Repository struct {
	pool  *pgxpool.Pool
	chain *Chain
}

// NewRepository constructs a repository. chain may not be nil.
func NewRepository(pool *pgxpool.Pool, chain *Chain) *Repository {
	return &Repository{pool: pool, chain: chain}
}

// Insert appends one record. The write is durable before Insert returns:
// the INSERT commits inside its own transaction, serialised against other
// appenders by an advisory lock so the chain hash never forks.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	rec, err = r.insertTx(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// InsertTx appends one record inside the caller's transaction, so a role
// mutation and its audit entry commit or roll back together.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	return r.insertTx(ctx, tx, rec)
}

func (r *Repository) insertTx(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return Record{}, err
	}
	var prev []byte
	err := tx.QueryRow(ctx,
		`SELECT chain_hash FROM audit_records ORDER BY seq DESC LIMIT 1`,
	).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, err
	}
	hash, err := r.chain.Next(prev, rec)
	if err != nil {
		return Record{}, err
	}
	rec.ChainHash = hash
	err = tx.QueryRow(ctx,
		`INSERT INTO audit_records
		   (at, request_id, principal_id, action, prev_state, new_state, outcome, reason, chain_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq`,
		rec.Time, rec.RequestID, rec.PrincipalID, rec.Action,
		rec.PrevState, rec.NewState, string(rec.Outcome), rec.Reason, rec.ChainHash,
	).Scan(&rec.Seq)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ByPrincipal returns records for one principal since the given time,
// newest first, ties broken by insertion sequence.
func (r *Repository) ByPrincipal(ctx context.Context, principalID string, since time.Time) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT seq, at, request_id, principal_id, action, prev_state, new_state, outcome, reason, chain_hash
		 FROM audit_records
		 WHERE principal_id=$1 AND at >= $2
		 ORDER BY at DESC, seq DESC`, principalID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Window returns a page of records matching the filters, newest first.
// It fetches limit rows starting at offset; callers over-fetch by one to
// detect a next page.
func (r *Repository) Window(ctx context.Context, f TimelineFilters, offset, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT seq, at, request_id, principal_id, action, prev_state, new_state, outcome, reason, chain_hash
		 FROM audit_records
		 WHERE ($1::timestamptz IS NULL OR at >= $1)
		   AND ($2::timestamptz IS NULL OR at <= $2)
		   AND ($3::text = '' OR principal_id = $3)
		   AND ($4::text = '' OR action = $4)
		   AND ($5::text = '' OR outcome = $5)
		 ORDER BY at DESC, seq DESC
		 OFFSET $6 LIMIT $7`,
		nullableTime(f.From), nullableTime(f.To), f.PrincipalID, f.Action, f.Outcome, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// DeleteBefore removes records older than cutoff and reports how many went.
func (r *Repository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_records WHERE at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var outcome string
		if err := rows.Scan(&rec.Seq, &rec.Time, &rec.RequestID, &rec.PrincipalID, &rec.Action,
			&rec.PrevState, &rec.NewState, &outcome, &rec.Reason, &rec.ChainHash); err != nil {
			return nil, err
		}
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
