package principal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the requested principal does not exist.
var ErrNotFound = errors.New("principal: not found")

// Repository provides PostgreSQL backed persistence for principals.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get fetches a principal by ID.
func (r *Repository) Get(ctx context.Context, id string) (Principal, error) {
	var p Principal
	var role string
	err := r.pool.QueryRow(ctx,
		`SELECT id, role, created_at, updated_at FROM principals WHERE id=$1`, id,
	).Scan(&p.ID, &role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, err
	}
	p.Role, err = ParseRole(role)
	if err != nil {
		return Principal{}, fmt.Errorf("principal: stored role for %s: %w", id, err)
	}
	return p, nil
}

// Create inserts a new principal.
func (r *Repository) Create(ctx context.Context, id string, role Role) (Principal, error) {
	if !role.Valid() {
		return Principal{}, fmt.Errorf("principal: unknown role %q", role)
	}
	var p Principal
	var stored string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO principals (id, role, created_at, updated_at) VALUES ($1, $2, NOW(), NOW())
		 RETURNING id, role, created_at, updated_at`, id, string(role),
	).Scan(&p.ID, &stored, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Principal{}, err
	}
	p.Role = Role(stored)
	return p, nil
}

// UpdateRole mutates the principal's role inside the caller's transaction.
// Only the transition service calls this.
func (r *Repository) UpdateRole(ctx context.Context, tx pgx.Tx, id string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("principal: unknown role %q", role)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE principals SET role=$2, updated_at=NOW() WHERE id=$1`, id, string(role))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
