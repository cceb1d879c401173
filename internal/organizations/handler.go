package organizations

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/middleware"
	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/pkg/response"
)

// Store is the organization persistence used by Handler.
type Store interface {
	Create(ctx context.Context, org *models.Organization) error
	GetByID(ctx context.Context, id int64) (*models.Organization, error)
}

// Handler handles organization HTTP endpoints.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler creates an organizations handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// CreateOrganizationRequest is the body for POST /organizations.
type CreateOrganizationRequest struct {
	Name string `json:"name" binding:"required"`
}

// Create handles POST /api/v1/organizations (admin).
func (h *Handler) Create(c *gin.Context) {
	var body CreateOrganizationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name required")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if len(body.Name) < 1 || len(body.Name) > 255 {
		response.BadRequest(c, "name must be 1-255 characters")
		return
	}
	org := &models.Organization{Name: body.Name}
	if err := h.store.Create(c.Request.Context(), org); err != nil {
		h.logger.Error("create organization", zap.Error(err))
		response.Internal(c, "failed to create organization")
		return
	}
	h.logger.Info("organization created", zap.Int64("organization_id", org.ID), zap.String("name", org.Name))
	response.Created(c, org)
}

// Current handles GET /api/v1/organizations/me.
func (h *Handler) Current(c *gin.Context) {
	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)
	org, err := h.store.GetByID(c.Request.Context(), orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "Organization not found")
			return
		}
		response.Internal(c, "failed to load organization")
		return
	}
	response.OK(c, org)
}
