package auth

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/pkg/response"
	"github.com/ocsafe/cyberguard/pkg/utils"
)

// UserStore is the persistence used by the auth endpoints.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	CreateWithOrganization(ctx context.Context, orgName, email, passwordHash string) (*models.User, error)
}

// RegisterRequest is the body for POST /api/v1/auth/register. It signs up a new tenant and its first admin.
type RegisterRequest struct {
	Email            string `json:"email" binding:"required,email"`
	Password         string `json:"password" binding:"required,min=8"`
	OrganizationName string `json:"organization_name" binding:"required"`
}

// LoginRequest is the body for POST /api/v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	AccessToken string            `json:"access_token"`
	TokenType   string            `json:"token_type"`
	User        models.UserPublic `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo      UserStore
	jwt       *JWTService
	passwords *utils.PasswordHasher
	logger    *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo UserStore, jwt *JWTService, passwords *utils.PasswordHasher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, jwt: jwt, passwords: passwords, logger: logger}
}

// Register handles POST /api/v1/auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	if _, err := h.repo.GetByEmail(c.Request.Context(), req.Email); err == nil {
		response.BadRequest(c, "email already registered")
		return
	}

	hash, err := h.passwords.Hash(req.Password)
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}

	user, err := h.repo.CreateWithOrganization(c.Request.Context(), req.OrganizationName, req.Email, hash)
	if err != nil {
		h.logger.Error("register", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	h.respondWithToken(c, user, true)
}

// Login handles POST /api/v1/auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		h.passwords.Check(req.Password, "")
		response.Unauthorized(c, "invalid email or password")
		return
	}

	if !h.passwords.Check(req.Password, user.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	h.respondWithToken(c, user, false)
}

func (h *Handler) respondWithToken(c *gin.Context, user *models.User, created bool) {
	token, err := h.jwt.Generate(user.ID, user.Email, string(user.Role), user.OrganizationID)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	body := TokenResponse{AccessToken: token, TokenType: "bearer", User: user.ToPublic()}
	if created {
		response.Created(c, body)
		return
	}
	response.OK(c, body)
}
