package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocsafe/cyberguard/internal/apikeys"
	"github.com/ocsafe/cyberguard/internal/middleware"
	"github.com/ocsafe/cyberguard/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memStore struct {
	devices []models.Device
}

func (m *memStore) Enroll(_ context.Context, d *models.Device) error {
	for _, e := range m.devices {
		if e.MACAddress == d.MACAddress {
			return ErrDuplicateMAC
		}
	}
	d.ID = int64(len(m.devices) + 1)
	d.LastHeartbeat = time.Now()
	m.devices = append(m.devices, *d)
	return nil
}

func (m *memStore) find(orgID, id int64) *models.Device {
	for i := range m.devices {
		if m.devices[i].ID == id && m.devices[i].OrganizationID == orgID {
			return &m.devices[i]
		}
	}
	return nil
}

func (m *memStore) ListByOrganization(_ context.Context, orgID int64) ([]models.Device, error) {
	out := make([]models.Device, 0)
	for _, d := range m.devices {
		if d.OrganizationID == orgID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) Heartbeat(_ context.Context, orgID, id int64, at time.Time) error {
	d := m.find(orgID, id)
	if d == nil {
		return ErrNotFound
	}
	d.LastHeartbeat = at
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, orgID, id int64, status models.DeviceStatus) (*models.Device, error) {
	d := m.find(orgID, id)
	if d == nil {
		return nil, ErrNotFound
	}
	d.Status = status
	cp := *d
	return &cp, nil
}

func agentRouter(h *Handler, orgID int64) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(apikeys.ContextTenant, apikeys.Tenant{OrganizationID: orgID, KeyID: 1, Prefix: "abcd"})
		c.Next()
	})
	r.POST("/devices/enroll", h.Enroll)
	r.POST("/devices/:id/heartbeat", h.Heartbeat)
	return r
}

func userRouter(h *Handler, orgID int64) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextOrganizationID, orgID)
		c.Next()
	})
	r.GET("/devices", h.List)
	r.PATCH("/devices/:id/status", h.UpdateStatus)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const enrollBody = `{"hostname":"ws-01","os_type":"windows","mac_address":"00:11:22:33:44:55"}`

func TestEnroll(t *testing.T) {
	store := &memStore{}
	h := NewHandler(store, nil)

	w := do(agentRouter(h, 3), http.MethodPost, "/devices/enroll", enrollBody)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, store.devices, 1)
	assert.Equal(t, int64(3), store.devices[0].OrganizationID)
	assert.Equal(t, models.DeviceStatusActive, store.devices[0].Status)

	w = do(agentRouter(h, 3), http.MethodPost, "/devices/enroll", enrollBody)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEnroll_OrganizationMismatch(t *testing.T) {
	store := &memStore{}
	h := NewHandler(store, nil)

	body := `{"hostname":"ws-01","os_type":"linux","mac_address":"aa","organization_id":9}`
	w := do(agentRouter(h, 3), http.MethodPost, "/devices/enroll", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Organization not found")
	assert.Empty(t, store.devices)
}

func TestEnroll_Validation(t *testing.T) {
	h := NewHandler(&memStore{}, nil)
	w := do(agentRouter(h, 3), http.MethodPost, "/devices/enroll", `{"hostname":"x","os_type":"amiga","mac_address":"aa"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeat_TenantScoped(t *testing.T) {
	store := &memStore{devices: []models.Device{{ID: 1, OrganizationID: 1}}}
	h := NewHandler(store, nil)

	w := do(agentRouter(h, 2), http.MethodPost, "/devices/1/heartbeat", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(agentRouter(h, 1), http.MethodPost, "/devices/1/heartbeat", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, store.devices[0].LastHeartbeat.IsZero())

	w = do(agentRouter(h, 1), http.MethodPost, "/devices/abc/heartbeat", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndUpdateStatus(t *testing.T) {
	store := &memStore{devices: []models.Device{
		{ID: 1, OrganizationID: 1, Hostname: "a", Status: models.DeviceStatusActive},
		{ID: 2, OrganizationID: 2, Hostname: "b", Status: models.DeviceStatusActive},
	}}
	h := NewHandler(store, nil)
	r := userRouter(h, 1)

	w := do(r, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []models.Device `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "a", body.Data[0].Hostname)

	w = do(r, http.MethodPatch, "/devices/1/status", `{"status":"isolated"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DeviceStatusIsolated, store.devices[0].Status)

	w = do(r, http.MethodPatch, "/devices/2/status", `{"status":"isolated"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPatch, "/devices/1/status", `{"status":"quarantined"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
