package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestClient_DropOldestOnOverflow(t *testing.T) {
	c := newClient(nil, 1, 1, ClientOptions{SendQueueSize: 3, MaxOverflows: 10}, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send([]byte(fmt.Sprintf("m%d", i))))
	}

	got := c.drain()
	require.Len(t, got, 3)
	assert.Equal(t, "m2", string(got[0]))
	assert.Equal(t, "m4", string(got[2]))
}

func TestClient_EvictedAfterConsecutiveOverflows(t *testing.T) {
	c := newClient(nil, 1, 1, ClientOptions{SendQueueSize: 1, MaxOverflows: 2}, nil)
	require.NoError(t, c.Send([]byte("a")))
	require.NoError(t, c.Send([]byte("b")), "first overflow drops oldest")
	assert.ErrorIs(t, c.Send([]byte("c")), ErrSlowConsumer)
}

func TestClient_OverflowCountResetsAfterDrain(t *testing.T) {
	c := newClient(nil, 1, 1, ClientOptions{SendQueueSize: 1, MaxOverflows: 2}, nil)
	require.NoError(t, c.Send([]byte("a")))
	require.NoError(t, c.Send([]byte("b")))
	c.drain()
	require.NoError(t, c.Send([]byte("c")))
	require.NoError(t, c.Send([]byte("d")))
}

func TestClient_SendNeverBlocks(t *testing.T) {
	c := newClient(nil, 1, 1, ClientOptions{SendQueueSize: 2, MaxOverflows: 1000}, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			_ = c.Send([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a consumer that never drains")
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	c := newClient(nil, 1, 1, ClientOptions{}, nil)
	c.Close()
	c.Close()
	assert.True(t, errors.Is(c.Send([]byte("x")), ErrClientClosed))
}

func TestClient_HubEvictsSlowClient(t *testing.T) {
	h := NewHub(nil, nil)
	slow := newClient(nil, 1, 1, ClientOptions{SendQueueSize: 1, MaxOverflows: 1}, nil)
	h.Subscribe(slow, 1)

	assert.Equal(t, 1, h.Publish(1, Message{Type: MessageThreatAlert}))
	assert.Equal(t, 0, h.Publish(1, Message{Type: MessageThreatAlert}))
	assert.Equal(t, 0, h.Count(1))
	assert.ErrorIs(t, slow.Send([]byte("x")), ErrClientClosed)
}

func TestServeWs(t *testing.T) {
	h := NewHub(nil, nil)
	validate := func(token string) (int64, int64, error) {
		if token != "good" {
			return 0, 0, errors.New("bad token")
		}
		return 7, 1, nil
	}
	r := gin.New()
	r.GET("/ws/alerts", ServeWs(h, nil, validate, ClientOptions{}))
	srv := httptest.NewServer(r)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/alerts"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?token=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Count(7) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Count(1))

	require.NoError(t, h.PublishAlert(7, MessageThreatAlert, map[string]any{"risk_score": 90}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"threat_alert","data":{"risk_score":90}}`, string(data))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Count(7) == 0 }, 2*time.Second, 10*time.Millisecond)
}
