package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocsafe/cyberguard/internal/models"
)

// Repository handles dashboard user persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByEmail returns a user by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `SELECT id, email, hashed_password, role, organization_id, created_at FROM users WHERE email = $1`
	var u models.User
	err := r.pool.QueryRow(ctx, q, email).Scan(&u.ID, &u.Email, &u.Password, &u.Role, &u.OrganizationID, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateWithOrganization creates a new organization and its first (admin) user in one transaction.
func (r *Repository) CreateWithOrganization(ctx context.Context, orgName, email, passwordHash string) (*models.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var orgID int64
	if err := tx.QueryRow(ctx, `INSERT INTO organizations (name) VALUES ($1) RETURNING id`, orgName).Scan(&orgID); err != nil {
		return nil, fmt.Errorf("insert organization: %w", err)
	}
	u := models.User{Email: email, Password: passwordHash, Role: models.RoleAdmin, OrganizationID: orgID}
	const q = `INSERT INTO users (email, hashed_password, role, organization_id) VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	if err := tx.QueryRow(ctx, q, email, passwordHash, string(u.Role), orgID).Scan(&u.ID, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &u, nil
}
