package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/metrics"
	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/pkg/queue"
	"github.com/ocsafe/cyberguard/pkg/storage"
)

const retryTimeout = 5 * time.Second

// ThreatSource reads and annotates the threat index.
type ThreatSource interface {
	GetThreatByEventID(ctx context.Context, eventID uuid.UUID) (*models.ThreatRecord, error)
	SetEvidenceKey(ctx context.Context, eventID uuid.UUID, key string) error
}

// EvidenceStore writes evidence documents.
type EvidenceStore interface {
	PutEvidence(ctx context.Context, key string, v any) error
}

// JobQueue is the job source with retry and dead-lettering.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (deadLettered bool, err error)
}

// EvidenceDocument is the archived form of a threat event.
type EvidenceDocument struct {
	EventID        uuid.UUID       `json:"event_id"`
	OrganizationID int64           `json:"organization_id"`
	DeviceID       int64           `json:"device_id"`
	Timestamp      time.Time       `json:"timestamp"`
	RiskScore      int             `json:"risk_score"`
	Reasons        []string        `json:"reasons"`
	Payload        json.RawMessage `json:"payload"`
	ArchivedAt     time.Time       `json:"archived_at"`
}

// EvidenceArchiver processes evidence jobs: load the threat, write it to S3, record the object key.
type EvidenceArchiver struct {
	threats ThreatSource
	store   EvidenceStore
	queue   JobQueue
	logger  *zap.Logger
	backoff time.Duration
	now     func() time.Time
}

// NewEvidenceArchiver creates an evidence archive processor.
func NewEvidenceArchiver(threats ThreatSource, store EvidenceStore, q JobQueue, logger *zap.Logger) *EvidenceArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvidenceArchiver{
		threats: threats,
		store:   store,
		queue:   q,
		logger:  logger,
		backoff: queue.RetryBackoff,
		now:     time.Now,
	}
}

// Process executes one evidence job. Already archived threats are skipped.
func (p *EvidenceArchiver) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeEvidenceArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.EvidencePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	threat, err := p.threats.GetThreatByEventID(ctx, payload.EventID)
	if err != nil {
		return fmt.Errorf("load threat %s: %w", payload.EventID, err)
	}
	if threat.EvidenceKey != nil {
		p.logger.Info("evidence already archived", zap.String("event_id", payload.EventID.String()))
		return nil
	}

	key := storage.EvidenceKey(threat.OrganizationID, threat.Timestamp, threat.EventID.String())
	doc := EvidenceDocument{
		EventID:        threat.EventID,
		OrganizationID: threat.OrganizationID,
		DeviceID:       threat.DeviceID,
		Timestamp:      threat.Timestamp,
		RiskScore:      threat.RiskScore,
		Reasons:        threat.Reasons,
		Payload:        threat.Payload,
		ArchivedAt:     p.now().UTC(),
	}
	if err := p.store.PutEvidence(ctx, key, doc); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.threats.SetEvidenceKey(ctx, threat.EventID, key); err != nil {
		p.logger.Error("update evidence key failed", zap.Error(err), zap.String("event_id", threat.EventID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	metrics.EvidenceJobs.WithLabelValues("archived").Inc()
	p.logger.Info("evidence archived", zap.String("event_id", threat.EventID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. It returns when ctx is done.
func (p *EvidenceArchiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("evidence worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			dead, reErr := p.retry(ctx, job)
			switch {
			case reErr != nil:
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			case dead:
				metrics.EvidenceJobs.WithLabelValues("dead_lettered").Inc()
			default:
				metrics.EvidenceJobs.WithLabelValues("retried").Inc()
			}
			p.sleep(ctx)
		}
	}
}

// retry re-enqueues job even when ctx was cancelled mid-job, so shutdown does not drop it.
func (p *EvidenceArchiver) retry(ctx context.Context, job *queue.Job) (bool, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), retryTimeout)
	defer cancel()
	return p.queue.Retry(rctx, job)
}

func (p *EvidenceArchiver) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
