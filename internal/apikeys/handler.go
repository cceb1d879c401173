package apikeys

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/middleware"
	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/pkg/response"
)

// Store is the persistence used by the key management endpoints.
type Store interface {
	Create(ctx context.Context, k *models.APIKey) error
	ListByOrganization(ctx context.Context, orgID int64) ([]models.APIKey, error)
	Revoke(ctx context.Context, id, orgID int64) error
}

// IssueRequest is the body for POST /api/v1/keys.
type IssueRequest struct {
	Name           string `json:"name"`
	OrganizationID *int64 `json:"organization_id"` // admins only; defaults to the caller's organization
	ExpiresInDays  int    `json:"expires_in_days"` // 0 = never expires
}

// IssueResponse carries the raw key. It is the only time the raw key leaves the server.
type IssueResponse struct {
	ID     int64  `json:"id"`
	Prefix string `json:"prefix"`
	APIKey string `json:"api_key"`
}

// Handler handles API key management endpoints for dashboard users.
type Handler struct {
	store  Store
	creds  *Credentials
	logger *zap.Logger
}

// NewHandler creates an api key handler.
func NewHandler(store Store, creds *Credentials, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, creds: creds, logger: logger}
}

// Issue handles POST /api/v1/keys.
func (h *Handler) Issue(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.ExpiresInDays < 0 {
		response.BadRequest(c, "expires_in_days must not be negative")
		return
	}

	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)
	if req.OrganizationID != nil && *req.OrganizationID != orgID {
		if role, _ := c.Get(middleware.ContextUserRole); role != string(models.RoleAdmin) {
			response.Forbidden(c, "Not enough privileges")
			return
		}
		orgID = *req.OrganizationID
	}

	issued, err := h.creds.Issue()
	if err != nil {
		h.logger.Error("issue api key", zap.Error(err))
		response.Internal(c, "failed to issue api key")
		return
	}
	key := &models.APIKey{
		Prefix:         issued.Prefix,
		SecretHash:     issued.SecretHash,
		Name:           req.Name,
		OrganizationID: orgID,
		IsActive:       true,
	}
	if req.ExpiresInDays > 0 {
		exp := time.Now().Add(time.Duration(req.ExpiresInDays) * 24 * time.Hour)
		key.ExpiresAt = &exp
	}
	if err := h.store.Create(c.Request.Context(), key); err != nil {
		h.logger.Error("store api key", zap.Int64("organization_id", orgID), zap.Error(err))
		response.Internal(c, "failed to store api key")
		return
	}

	h.logger.Info("api key issued", zap.Int64("organization_id", orgID), zap.Int64("key_id", key.ID), zap.String("prefix", key.Prefix))
	response.Created(c, IssueResponse{ID: key.ID, Prefix: key.Prefix, APIKey: issued.RawKey})
}

// List handles GET /api/v1/keys. Secrets and hashes are never returned.
func (h *Handler) List(c *gin.Context) {
	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)
	list, err := h.store.ListByOrganization(c.Request.Context(), orgID)
	if err != nil {
		response.Internal(c, "failed to list api keys")
		return
	}
	response.OK(c, list)
}

// Revoke handles DELETE /api/v1/keys/:id.
func (h *Handler) Revoke(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid api key id")
		return
	}
	orgID := c.MustGet(middleware.ContextOrganizationID).(int64)
	if err := h.store.Revoke(c.Request.Context(), id, orgID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			response.NotFound(c, "API Key not found")
			return
		}
		response.Internal(c, "failed to revoke api key")
		return
	}
	h.logger.Info("api key revoked", zap.Int64("organization_id", orgID), zap.Int64("key_id", id))
	response.OK(c, gin.H{"message": "API key revoked"})
}
