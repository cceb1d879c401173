// Package telemetry runs the ingestion pipeline: tenant-scoped device lookup, detection, durable
// recording, and fan-out of threat alerts.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/apikeys"
	"github.com/ocsafe/cyberguard/internal/detection"
	"github.com/ocsafe/cyberguard/internal/metrics"
	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/internal/realtime"
	"github.com/ocsafe/cyberguard/internal/verdictstream"
	"github.com/ocsafe/cyberguard/pkg/queue"
)

const enqueueTimeout = 2 * time.Second

// DeviceStore resolves a device within one organization.
type DeviceStore interface {
	GetForOrganization(ctx context.Context, orgID, deviceID int64) (*models.Device, error)
}

// Evaluator scores one event.
type Evaluator interface {
	Evaluate(ev detection.Event) detection.Verdict
}

// LogStore durably records an event, and the threat index entry when the event is a threat, atomically.
type LogStore interface {
	Append(ctx context.Context, ev *models.TelemetryEvent) error
}

// AlertPublisher pushes an alert to the subscribers of one organization.
type AlertPublisher interface {
	PublishAlert(orgID int64, msgType string, payload any) error
}

// EvidenceQueue schedules archival of a threat event.
type EvidenceQueue interface {
	EnqueueEvidence(ctx context.Context, payload queue.EvidencePayload) error
}

// VerdictSink receives every evaluated event, best-effort.
type VerdictSink interface {
	EmitAsync(rec verdictstream.Record)
}

// IngestRequest is one agent observation. Raw is the original request body, stored verbatim.
type IngestRequest struct {
	DeviceID int64
	Action   string
	Metadata map[string]any
	Raw      json.RawMessage
}

// Deps wires the pipeline. Evidence and Stream are optional.
type Deps struct {
	Devices  DeviceStore
	Engine   Evaluator
	Logs     LogStore
	Alerts   AlertPublisher
	Evidence EvidenceQueue
	Stream   VerdictSink
	Timeout  time.Duration // bounds lookup, evaluation and persistence; 0 disables
	Logger   *zap.Logger
}

// Service ingests telemetry.
type Service struct {
	devices  DeviceStore
	engine   Evaluator
	logs     LogStore
	alerts   AlertPublisher
	evidence EvidenceQueue
	stream   VerdictSink
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the ingestion service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		devices:  d.Devices,
		engine:   d.Engine,
		logs:     d.Logs,
		alerts:   d.Alerts,
		evidence: d.Evidence,
		stream:   d.Stream,
		timeout:  d.Timeout,
		logger:   d.Logger,
		now:      time.Now,
	}
}

// Ingest evaluates and records one event for tenant. Alerts are published only after the event is
// persisted; a persistence failure returns *PersistenceError and nothing is broadcast.
func (s *Service) Ingest(ctx context.Context, tenant apikeys.Tenant, req IngestRequest) (*detection.Verdict, error) {
	start := s.now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	ev, err := s.record(ctx, tenant, req)
	if err != nil {
		metrics.IngestTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}

	verdict := ev.Verdict
	if verdict.IsThreat {
		metrics.IngestTotal.WithLabelValues(metrics.OutcomeThreat).Inc()
		s.raise(ctx, ev)
	} else {
		metrics.IngestTotal.WithLabelValues(metrics.OutcomeIngested).Inc()
	}
	if s.stream != nil {
		s.stream.EmitAsync(verdictstream.Record{
			EventID:        ev.ID,
			OrganizationID: ev.OrganizationID,
			DeviceID:       ev.DeviceID,
			Action:         req.Action,
			Timestamp:      ev.Timestamp,
			Verdict:        verdict,
		})
	}
	return &verdict, nil
}

// record performs lookup, validation, evaluation and persistence under the optional deadline.
func (s *Service) record(ctx context.Context, tenant apikeys.Tenant, req IngestRequest) (*models.TelemetryEvent, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	device, err := s.devices.GetForOrganization(ctx, tenant.OrganizationID, req.DeviceID)
	if errors.Is(err, ErrDeviceNotFound) || (err == nil && device == nil) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}

	if strings.TrimSpace(req.Action) == "" {
		return nil, &ValidationError{Field: "action", Msg: "is required"}
	}

	verdict := s.engine.Evaluate(detection.Event{
		DeviceID: device.ID,
		Action:   req.Action,
		Metadata: req.Metadata,
	})
	if verdict.Reasons == nil {
		verdict.Reasons = []string{}
	}

	payload := req.Raw
	if len(payload) == 0 {
		if payload, err = json.Marshal(map[string]any{
			"device_id": req.DeviceID,
			"action":    req.Action,
			"metadata":  req.Metadata,
		}); err != nil {
			return nil, &ValidationError{Field: "metadata", Msg: "is not encodable"}
		}
	}

	ev := &models.TelemetryEvent{
		ID:             uuid.New(),
		DeviceID:       device.ID,
		OrganizationID: tenant.OrganizationID,
		Timestamp:      s.now().UTC(),
		Payload:        payload,
		Verdict:        verdict,
	}
	if err := s.logs.Append(ctx, ev); err != nil {
		s.logger.Error("telemetry not persisted",
			zap.Int64("organization_id", ev.OrganizationID),
			zap.Int64("device_id", ev.DeviceID),
			zap.Error(err),
		)
		return nil, &PersistenceError{Err: err}
	}
	return ev, nil
}

// raise pushes the alert and schedules evidence archival. Both are best-effort.
func (s *Service) raise(ctx context.Context, ev *models.TelemetryEvent) {
	log := s.logger.With(
		zap.String("event_id", ev.ID.String()),
		zap.Int64("organization_id", ev.OrganizationID),
		zap.Int64("device_id", ev.DeviceID),
		zap.Int("risk_score", ev.Verdict.RiskScore),
	)
	log.Info("threat detected", zap.Strings("reasons", ev.Verdict.Reasons))

	if s.alerts != nil {
		if err := s.alerts.PublishAlert(ev.OrganizationID, realtime.MessageThreatAlert, ev.Verdict); err != nil {
			log.Warn("publish threat alert", zap.Error(err))
		}
	}

	if s.evidence != nil {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
		defer cancel()
		err := s.evidence.EnqueueEvidence(qctx, queue.EvidencePayload{
			EventID:        ev.ID,
			OrganizationID: ev.OrganizationID,
			DeviceID:       ev.DeviceID,
			Timestamp:      ev.Timestamp,
		})
		if err != nil {
			metrics.EvidenceJobs.WithLabelValues("enqueue_failed").Inc()
			log.Warn("enqueue evidence job", zap.Error(err))
		} else {
			metrics.EvidenceJobs.WithLabelValues("enqueued").Inc()
		}
	}
}

func outcome(err error) string {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return metrics.OutcomeDeviceUnknown
	case errors.As(err, &ve):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomePersistFailed
	}
}
