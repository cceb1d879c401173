package organizations

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocsafe/cyberguard/internal/models"
)

// ErrNotFound is returned when an organization does not exist.
var ErrNotFound = errors.New("organization not found")

// Repository handles organizations persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an organizations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new organization.
func (r *Repository) Create(ctx context.Context, org *models.Organization) error {
	err := r.pool.QueryRow(ctx, `INSERT INTO organizations (name) VALUES ($1) RETURNING id, created_at`, org.Name).
		Scan(&org.ID, &org.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

// GetByID returns an organization.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Organization, error) {
	var org models.Organization
	err := r.pool.QueryRow(ctx, `SELECT id, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}
