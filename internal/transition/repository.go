package transition

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/platform/db"
	"github.com/custodian-platform/custodian/internal/principal"
)

// Repository implements Store on PostgreSQL. The role update and the audit
// insert share one transaction, so a failure in either rolls back both.
type Repository struct {
	pool       *pgxpool.Pool
	principals *principal.Repository
	records    *audit.Repository
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, principals *principal.Repository, records *audit.Repository) *Repository {
	return &Repository{pool: pool, principals: principals, records: records}
}

// GetPrincipal fetches the subject.
func (r *Repository) GetPrincipal(ctx context.Context, id string) (principal.Principal, error) {
	return r.principals.Get(ctx, id)
}

// Commit applies the role mutation and audit record atomically.
func (r *Repository) Commit(ctx context.Context, subjectID string, to principal.Role, rec audit.Record) (audit.Record, error) {
	var stored audit.Record
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := r.principals.UpdateRole(ctx, tx, subjectID, to); err != nil {
			return err
		}
		var err error
		stored, err = r.records.InsertTx(ctx, tx, rec)
		return err
	})
	if err != nil {
		return audit.Record{}, err
	}
	return stored, nil
}

// Append records an audit entry without touching any principal.
func (r *Repository) Append(ctx context.Context, rec audit.Record) (audit.Record, error) {
	return r.records.Insert(ctx, rec)
}
