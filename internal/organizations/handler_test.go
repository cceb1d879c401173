package organizations

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocsafe/cyberguard/internal/middleware"
	"github.com/ocsafe/cyberguard/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memStore struct {
	orgs map[int64]*models.Organization
}

func (m *memStore) Create(_ context.Context, org *models.Organization) error {
	org.ID = int64(len(m.orgs) + 1)
	org.CreatedAt = time.Now()
	m.orgs[org.ID] = org
	return nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*models.Organization, error) {
	org, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return org, nil
}

func router(h *Handler, orgID int64, role string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextOrganizationID, orgID)
		c.Set(middleware.ContextUserRole, role)
		c.Next()
	})
	r.POST("/organizations", middleware.RequireRole(models.RoleAdmin), h.Create)
	r.GET("/organizations/me", h.Current)
	return r
}

func TestCreate(t *testing.T) {
	store := &memStore{orgs: map[int64]*models.Organization{}}
	h := NewHandler(store, nil)

	req := func(r http.Handler, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/organizations", bytes.NewBufferString(body)))
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, req(router(h, 1, "user"), `{"name":"Acme"}`))
	assert.Equal(t, http.StatusBadRequest, req(router(h, 1, "admin"), `{"name":"   "}`))
	assert.Equal(t, http.StatusCreated, req(router(h, 1, "admin"), `{"name":" Acme SOC "}`))
	require.Contains(t, store.orgs, int64(1))
	assert.Equal(t, "Acme SOC", store.orgs[1].Name)
}

func TestCurrent(t *testing.T) {
	store := &memStore{orgs: map[int64]*models.Organization{3: {ID: 3, Name: "Blue Team"}}}
	h := NewHandler(store, nil)

	w := httptest.NewRecorder()
	router(h, 3, "user").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/organizations/me", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Blue Team")

	w = httptest.NewRecorder()
	router(h, 4, "user").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/organizations/me", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
