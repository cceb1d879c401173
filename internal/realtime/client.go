package realtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/metrics"
)

const (
	DefaultSendQueueSize = 64
	DefaultMaxOverflows  = 16

	writeWait = 10 * time.Second
)

var (
	// ErrSlowConsumer is returned by Send once a client has overflowed its queue too many times in a row.
	ErrSlowConsumer = errors.New("subscriber too slow")
	// ErrClientClosed is returned by Send after Close.
	ErrClientClosed = errors.New("subscriber closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards authenticate with the token query parameter
	},
}

// ClientOptions bounds a subscriber's outbound queue.
type ClientOptions struct {
	SendQueueSize int
	MaxOverflows  int
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.MaxOverflows <= 0 {
		o.MaxOverflows = DefaultMaxOverflows
	}
	return o
}

// TokenValidator resolves a dashboard token to the caller's organization and user.
type TokenValidator func(token string) (orgID, userID int64, err error)

// Client is a websocket subscriber with a bounded outbound queue. When the queue is full the
// oldest message is dropped; MaxOverflows consecutive overflows make Send fail so the hub evicts it.
type Client struct {
	id     string
	orgID  int64
	userID int64
	conn   *websocket.Conn
	logger *zap.Logger

	mu        sync.Mutex
	queue     [][]byte
	overflows int
	closed    bool
	opts      ClientOptions

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, orgID, userID int64, opts ClientOptions, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Client{
		id:     uuid.NewString(),
		orgID:  orgID,
		userID: userID,
		conn:   conn,
		logger: logger,
		opts:   opts,
		queue:  make([][]byte, 0, opts.SendQueueSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send enqueues msg without blocking.
func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if len(c.queue) >= c.opts.SendQueueSize {
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.overflows++
		metrics.AlertsDropped.Inc()
		if c.overflows >= c.opts.MaxOverflows {
			c.mu.Unlock()
			return ErrSlowConsumer
		}
	} else {
		c.overflows = 0
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the pumps and closes the websocket. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
	})
}

// drain takes every queued message.
func (c *Client) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = make([][]byte, 0, c.opts.SendQueueSize)
	return out
}

// ServeWs handles GET /ws/alerts?token=<jwt>. The organization comes from the token, never from the request.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, opts ClientOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		orgID, userID, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(conn, orgID, userID, opts, logger)
		hub.Subscribe(client, orgID)
		go client.writePump()
		client.readPump(hub)
	}
}

// readPump only detects disconnects; dashboards do not send anything we act on.
func (c *Client) readPump(hub *Hub) {
	defer func() {
		hub.Unsubscribe(c, c.orgID)
		c.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-c.wake:
			for _, msg := range c.drain() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.Close()
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
