package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocsafe/cyberguard/internal/models"
)

// ErrThreatNotFound is returned when no active threat matches the lookup.
var ErrThreatNotFound = errors.New("threat not found")

// Repository handles telemetry_logs and active_threats persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a telemetry repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append writes the event and, for threats, the active_threats index row in one transaction.
func (r *Repository) Append(ctx context.Context, ev *models.TelemetryEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO telemetry_logs
		(id, device_id, organization_id, timestamp, payload, is_threat, risk_score, reasons, evaluation_degraded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.DeviceID, ev.OrganizationID, ev.Timestamp, []byte(ev.Payload),
		ev.Verdict.IsThreat, ev.Verdict.RiskScore, ev.Verdict.Reasons, ev.Verdict.Degraded)
	if err != nil {
		return fmt.Errorf("insert telemetry log: %w", err)
	}

	if ev.Verdict.IsThreat {
		_, err = tx.Exec(ctx, `INSERT INTO active_threats
			(event_id, device_id, organization_id, timestamp, risk_score, reasons, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, ev.DeviceID, ev.OrganizationID, ev.Timestamp, ev.Verdict.RiskScore, ev.Verdict.Reasons, []byte(ev.Payload))
		if err != nil {
			return fmt.Errorf("insert active threat: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const threatColumns = `event_id, device_id, organization_id, timestamp, risk_score, reasons, payload, status, evidence_key`

func scanThreat(row pgx.Row) (*models.ThreatRecord, error) {
	var t models.ThreatRecord
	var payload []byte
	err := row.Scan(&t.EventID, &t.DeviceID, &t.OrganizationID, &t.Timestamp, &t.RiskScore, &t.Reasons, &payload, &t.Status, &t.EvidenceKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreatNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Payload = payload
	if t.Reasons == nil {
		t.Reasons = []string{}
	}
	return &t, nil
}

// ListThreats returns the newest active threats of an organization.
func (r *Repository) ListThreats(ctx context.Context, orgID int64, status models.ThreatStatus, limit int) ([]models.ThreatRecord, error) {
	q := `SELECT ` + threatColumns + ` FROM active_threats WHERE organization_id = $1`
	args := []any{orgID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.ThreatRecord, 0)
	for rows.Next() {
		t, err := scanThreat(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *t)
	}
	return list, rows.Err()
}

// GetThreat returns one threat owned by orgID.
func (r *Repository) GetThreat(ctx context.Context, orgID int64, eventID uuid.UUID) (*models.ThreatRecord, error) {
	return scanThreat(r.pool.QueryRow(ctx,
		`SELECT `+threatColumns+` FROM active_threats WHERE event_id = $1 AND organization_id = $2`, eventID, orgID))
}

// GetThreatByEventID returns a threat regardless of organization. Used by the evidence worker only.
func (r *Repository) GetThreatByEventID(ctx context.Context, eventID uuid.UUID) (*models.ThreatRecord, error) {
	return scanThreat(r.pool.QueryRow(ctx,
		`SELECT `+threatColumns+` FROM active_threats WHERE event_id = $1`, eventID))
}

// ResolveThreat marks a threat owned by orgID as resolved. Resolving twice is a no-op success.
func (r *Repository) ResolveThreat(ctx context.Context, orgID int64, eventID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE active_threats SET status = $3, resolved_at = COALESCE(resolved_at, NOW())
		 WHERE event_id = $1 AND organization_id = $2`,
		eventID, orgID, models.ThreatStatusResolved)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrThreatNotFound
	}
	return nil
}

// SetEvidenceKey records where the archived evidence of a threat lives.
func (r *Repository) SetEvidenceKey(ctx context.Context, eventID uuid.UUID, key string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE active_threats SET evidence_key = $2 WHERE event_id = $1`, eventID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrThreatNotFound
	}
	return nil
}
