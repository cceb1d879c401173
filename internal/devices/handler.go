package devices

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/apikeys"
	"github.com/ocsafe/cyberguard/internal/middleware"
	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/pkg/response"
)

// Store is the device persistence used by Handler.
type Store interface {
	Enroll(ctx context.Context, d *models.Device) error
	ListByOrganization(ctx context.Context, orgID int64) ([]models.Device, error)
	Heartbeat(ctx context.Context, orgID, id int64, at time.Time) error
	UpdateStatus(ctx context.Context, orgID, id int64, status models.DeviceStatus) (*models.Device, error)
}

// EnrollRequest is the body for POST /api/v1/devices/enroll.
type EnrollRequest struct {
	Hostname       string `json:"hostname" binding:"required"`
	OSType         string `json:"os_type" binding:"required,oneof=windows linux macos"`
	MACAddress     string `json:"mac_address" binding:"required"`
	OrganizationID *int64 `json:"organization_id"` // optional; must match the API key's organization
}

// StatusRequest is the body for PATCH /api/v1/devices/:id/status.
type StatusRequest struct {
	Status models.DeviceStatus `json:"status" binding:"required"`
}

// Handler handles device endpoints. Agents authenticate with API keys; dashboards with JWT.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler creates a device handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// Enroll handles POST /api/v1/devices/enroll (API key).
func (h *Handler) Enroll(c *gin.Context) {
	tenant, _ := apikeys.TenantFrom(c)
	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	// A key can only enroll into its own organization; a mismatch looks like an unknown organization.
	if req.OrganizationID != nil && *req.OrganizationID != tenant.OrganizationID {
		response.NotFound(c, "Organization not found")
		return
	}
	d := &models.Device{
		OrganizationID: tenant.OrganizationID,
		Hostname:       req.Hostname,
		OSType:         req.OSType,
		MACAddress:     req.MACAddress,
		Status:         models.DeviceStatusActive,
	}
	if err := h.store.Enroll(c.Request.Context(), d); err != nil {
		if errors.Is(err, ErrDuplicateMAC) {
			response.Conflict(c, err.Error())
			return
		}
		h.logger.Error("enroll device", zap.Int64("organization_id", tenant.OrganizationID), zap.Error(err))
		response.Internal(c, "failed to enroll device")
		return
	}
	h.logger.Info("device enrolled", zap.Int64("organization_id", d.OrganizationID), zap.Int64("device_id", d.ID), zap.String("hostname", d.Hostname))
	response.Created(c, d)
}

// Heartbeat handles POST /api/v1/devices/:id/heartbeat (API key).
func (h *Handler) Heartbeat(c *gin.Context) {
	tenant, _ := apikeys.TenantFrom(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid device id")
		return
	}
	if err := h.store.Heartbeat(c.Request.Context(), tenant.OrganizationID, id, time.Now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "Device not found")
			return
		}
		h.logger.Error("device heartbeat", zap.Int64("device_id", id), zap.Error(err))
		response.Internal(c, "failed to update heartbeat")
		return
	}
	response.OK(c, gin.H{"status": "ok", "message": "Heartbeat updated"})
}

// List handles GET /api/v1/devices (JWT).
func (h *Handler) List(c *gin.Context) {
	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)
	list, err := h.store.ListByOrganization(c.Request.Context(), orgID)
	if err != nil {
		response.Internal(c, "failed to list devices")
		return
	}
	response.OK(c, list)
}

// UpdateStatus handles PATCH /api/v1/devices/:id/status (JWT, admin).
func (h *Handler) UpdateStatus(c *gin.Context) {
	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid device id")
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !req.Status.Valid() {
		response.BadRequest(c, "status must be one of active, isolated, inactive")
		return
	}
	d, err := h.store.UpdateStatus(c.Request.Context(), orgID, id, req.Status)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "Device not found")
			return
		}
		response.Internal(c, "failed to update device")
		return
	}
	h.logger.Info("device status changed", zap.Int64("device_id", id), zap.String("status", string(d.Status)))
	response.OK(c, d)
}
