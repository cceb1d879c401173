package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocsafe/cyberguard/internal/models"
)

// ErrKeyNotFound is returned when no key matches the lookup (or it belongs to another organization).
var ErrKeyNotFound = errors.New("api key not found")

// Repository handles api_keys persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an api key repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const keyColumns = `id, prefix, hashed_secret, COALESCE(name,''), organization_id, is_active, expires_at, last_used_at, created_at`

func scanKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.Prefix, &k.SecretHash, &k.Name, &k.OrganizationID, &k.IsActive, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Create inserts a new key. The prefix column is unique; a collision surfaces as an error.
func (r *Repository) Create(ctx context.Context, k *models.APIKey) error {
	const q = `INSERT INTO api_keys (prefix, hashed_secret, name, organization_id, is_active, expires_at)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6)
		RETURNING id, created_at`
	if err := r.pool.QueryRow(ctx, q, k.Prefix, k.SecretHash, k.Name, k.OrganizationID, k.IsActive, k.ExpiresAt).
		Scan(&k.ID, &k.CreatedAt); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetByPrefix returns the key with the given prefix, active or not.
func (r *Repository) GetByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	return scanKey(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE prefix = $1`, prefix))
}

// ListByOrganization returns all keys of an organization, newest first.
func (r *Repository) ListByOrganization(ctx context.Context, orgID int64) ([]models.APIKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.APIKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *k)
	}
	return list, rows.Err()
}

// Revoke deactivates a key owned by orgID. Revocation is one-way; revoking an inactive key is a no-op success.
func (r *Repository) Revoke(ctx context.Context, id, orgID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchLastUsed records the last successful authentication time.
func (r *Repository) TouchLastUsed(ctx context.Context, keyID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, at)
	return err
}
