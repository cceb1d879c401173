package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocsafe/cyberguard/internal/models"
)

var (
	// ErrNotFound is returned when a device does not exist within the caller's organization.
	// A device owned by another organization is reported the same way.
	ErrNotFound = errors.New("device not found")
	// ErrDuplicateMAC is returned when enrolling a MAC address that is already registered.
	ErrDuplicateMAC = errors.New("device with this mac address already enrolled")
)

const uniqueViolation = "23505"

// Repository handles devices persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a device repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const deviceColumns = `id, organization_id, hostname, os_type, mac_address, status, last_heartbeat`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.ID, &d.OrganizationID, &d.Hostname, &d.OSType, &d.MACAddress, &d.Status, &d.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Enroll inserts a new active device.
func (r *Repository) Enroll(ctx context.Context, d *models.Device) error {
	const q = `INSERT INTO devices (organization_id, hostname, os_type, mac_address, status, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, last_heartbeat`
	if d.Status == "" {
		d.Status = models.DeviceStatusActive
	}
	err := r.pool.QueryRow(ctx, q, d.OrganizationID, d.Hostname, d.OSType, d.MACAddress, d.Status).
		Scan(&d.ID, &d.LastHeartbeat)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateMAC
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetForOrganization returns the device only if it belongs to orgID.
func (r *Repository) GetForOrganization(ctx context.Context, orgID, id int64) (*models.Device, error) {
	return scanDevice(r.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1 AND organization_id = $2`, id, orgID))
}

// ListByOrganization returns all devices of an organization.
func (r *Repository) ListByOrganization(ctx context.Context, orgID int64) ([]models.Device, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE organization_id = $1 ORDER BY id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *d)
	}
	return list, rows.Err()
}

// Heartbeat stamps last_heartbeat for a device owned by orgID.
func (r *Repository) Heartbeat(ctx context.Context, orgID, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE devices SET last_heartbeat = $3 WHERE id = $1 AND organization_id = $2`, id, orgID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus changes the lifecycle status of a device owned by orgID.
func (r *Repository) UpdateStatus(ctx context.Context, orgID, id int64, status models.DeviceStatus) (*models.Device, error) {
	return scanDevice(r.pool.QueryRow(ctx,
		`UPDATE devices SET status = $3 WHERE id = $1 AND organization_id = $2 RETURNING `+deviceColumns,
		id, orgID, status))
}
