package cascade

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements Store on PostgreSQL. The dependents index is a plain
// table maintained incrementally; nothing is discovered at cascade time.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Dependents lists the index edges for a principal.
func (r *Repository) Dependents(ctx context.Context, principalID string) ([]Dependent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT grantee_id, resource, ceiling FROM principal_dependents WHERE principal_id=$1
		 ORDER BY grantee_id, resource`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []Dependent
	for rows.Next() {
		var d Dependent
		if err := rows.Scan(&d.GranteeID, &d.Resource, &d.Ceiling); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// UpsertGrant writes one derived grant.
func (r *Repository) UpsertGrant(ctx context.Context, grant Grant) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO permission_grants (grantee_id, resource, level, inherited_from, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (grantee_id, resource)
		 DO UPDATE SET level=EXCLUDED.level, inherited_from=EXCLUDED.inherited_from, updated_at=EXCLUDED.updated_at`,
		grant.GranteeID, grant.Resource, grant.Level, grant.InheritedFrom, grant.UpdatedAt)
	return err
}

// AddDependent registers an index edge.
func (r *Repository) AddDependent(ctx context.Context, principalID string, dep Dependent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO principal_dependents (principal_id, grantee_id, resource, ceiling)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (principal_id, grantee_id, resource) DO UPDATE SET ceiling=EXCLUDED.ceiling`,
		principalID, dep.GranteeID, dep.Resource, dep.Ceiling)
	return err
}

// RemoveDependent drops an index edge.
func (r *Repository) RemoveDependent(ctx context.Context, principalID, granteeID, resource string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM principal_dependents WHERE principal_id=$1 AND grantee_id=$2 AND resource=$3`,
		principalID, granteeID, resource)
	return err
}
