package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/apikeys"
	"github.com/ocsafe/cyberguard/internal/detection"
	"github.com/ocsafe/cyberguard/internal/middleware"
	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/pkg/response"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
	maxIngestBody     = 1 << 20
)

// Ingester is the pipeline behind the ingest endpoint.
type Ingester interface {
	Ingest(ctx context.Context, tenant apikeys.Tenant, req IngestRequest) (*detection.Verdict, error)
}

// ThreatStore is the read side of the threat index used by dashboards.
type ThreatStore interface {
	ListThreats(ctx context.Context, orgID int64, status models.ThreatStatus, limit int) ([]models.ThreatRecord, error)
	GetThreat(ctx context.Context, orgID int64, eventID uuid.UUID) (*models.ThreatRecord, error)
	ResolveThreat(ctx context.Context, orgID int64, eventID uuid.UUID) error
}

// EvidenceLinker issues short-lived download links for archived evidence.
type EvidenceLinker interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string) (string, error)
}

// IngestResponse is the agent-facing success body.
type IngestResponse struct {
	Status           string            `json:"status"`
	ThreatEvaluation detection.Verdict `json:"threat_evaluation"`
}

type ingestBody struct {
	DeviceID *int64          `json:"device_id"`
	Action   string          `json:"action"`
	Metadata json.RawMessage `json:"metadata"`
}

// Handler serves the ingest endpoint for agents and the alert endpoints for dashboards.
type Handler struct {
	ingester Ingester
	threats  ThreatStore
	evidence EvidenceLinker
	logger   *zap.Logger
}

// NewHandler creates a telemetry handler. evidence may be nil when archival is disabled.
func NewHandler(ingester Ingester, threats ThreatStore, evidence EvidenceLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ingester: ingester, threats: threats, evidence: evidence, logger: logger}
}

// Ingest handles POST /api/v1/telemetry/ingest (API key).
func (h *Handler) Ingest(c *gin.Context) {
	tenant, ok := apikeys.TenantFrom(c)
	if !ok {
		response.Unauthorized(c, apikeys.ErrUnauthenticated.Error())
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxIngestBody)
	raw, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	var body ingestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if body.DeviceID == nil || *body.DeviceID == 0 {
		response.BadRequest(c, "Missing device_id")
		return
	}
	metadata, err := decodeMetadata(body.Metadata)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	verdict, err := h.ingester.Ingest(c.Request.Context(), tenant, IngestRequest{
		DeviceID: *body.DeviceID,
		Action:   body.Action,
		Metadata: metadata,
		Raw:      raw,
	})
	if err != nil {
		h.writeIngestError(c, tenant, err)
		return
	}
	c.JSON(http.StatusOK, IngestResponse{Status: "ingested", ThreatEvaluation: *verdict})
}

// decodeMetadata accepts an absent or null metadata field; anything but an object is rejected.
func decodeMetadata(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ValidationError{Field: "metadata", Msg: "must be an object"}
	}
	return m, nil
}

func (h *Handler) writeIngestError(c *gin.Context, tenant apikeys.Tenant, err error) {
	var (
		ve *ValidationError
		pe *PersistenceError
	)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		response.NotFound(c, "Device not found")
	case errors.As(err, &ve):
		response.BadRequest(c, ve.Error())
	case errors.As(err, &pe), errors.Is(err, context.DeadlineExceeded):
		response.ServiceUnavailable(c, "telemetry not persisted; retry")
	default:
		h.logger.Error("ingest failed", zap.Int64("organization_id", tenant.OrganizationID), zap.Error(err))
		response.Internal(c, "internal error")
	}
}

// ListAlerts handles GET /api/v1/alerts (JWT). Optional query: status=pending|resolved, limit.
func (h *Handler) ListAlerts(c *gin.Context) {
	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)

	status := models.ThreatStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		response.BadRequest(c, "status must be pending or resolved")
		return
	}
	limit := defaultAlertLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAlertLimit)
	}

	list, err := h.threats.ListThreats(c.Request.Context(), orgID, status, limit)
	if err != nil {
		h.logger.Error("list threats", zap.Int64("organization_id", orgID), zap.Error(err))
		response.Internal(c, "failed to list alerts")
		return
	}
	response.OK(c, list)
}

// ResolveAlert handles PUT /api/v1/alerts/:event_id/resolve (JWT).
func (h *Handler) ResolveAlert(c *gin.Context) {
	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)
	eventID, err := uuid.Parse(c.Param("event_id"))
	if err != nil {
		response.BadRequest(c, "invalid event_id")
		return
	}
	if err := h.threats.ResolveThreat(c.Request.Context(), orgID, eventID); err != nil {
		if errors.Is(err, ErrThreatNotFound) {
			response.NotFound(c, "Alert not found")
			return
		}
		response.Internal(c, "failed to resolve alert")
		return
	}
	response.OK(c, gin.H{"message": "Alert marked as resolved", "event_id": eventID})
}

// EvidenceLink handles GET /api/v1/alerts/:event_id/evidence (JWT).
func (h *Handler) EvidenceLink(c *gin.Context) {
	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)
	eventID, err := uuid.Parse(c.Param("event_id"))
	if err != nil {
		response.BadRequest(c, "invalid event_id")
		return
	}
	t, err := h.threats.GetThreat(c.Request.Context(), orgID, eventID)
	if err != nil {
		if errors.Is(err, ErrThreatNotFound) {
			response.NotFound(c, "Alert not found")
			return
		}
		response.Internal(c, "failed to load alert")
		return
	}
	if h.evidence == nil || t.EvidenceKey == nil {
		response.NotFound(c, "Evidence not archived")
		return
	}
	url, err := h.evidence.GeneratePresignedDownloadURL(c.Request.Context(), *t.EvidenceKey)
	if err != nil {
		h.logger.Error("presign evidence", zap.String("event_id", eventID.String()), zap.Error(err))
		response.Internal(c, "failed to generate download link")
		return
	}
	response.OK(c, gin.H{"url": url, "key": *t.EvidenceKey})
}
