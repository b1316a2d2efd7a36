package viewers

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// Client binds one websocket connection to the protocol. Reads run on the
// caller's goroutine; writes run on a dedicated goroutine fed by a buffered
// channel so a slow socket never blocks a broadcast.
type Client struct {
	id       string
	conn     *websocket.Conn
	protocol *Protocol
	logger   *zap.Logger
	send     chan []byte
	done     chan struct{}
	stop     sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, protocol *Protocol, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		protocol: protocol,
		logger:   logger,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues payload for the write pump. It never blocks.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Serve runs the connection until the peer goes away.
func (c *Client) Serve(identity *ChatIdentity) {
	c.protocol.Open(c, identity)
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.protocol.Close(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("viewer read deadline failed", zap.String("connection_id", c.id), zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("viewer connection closed unexpectedly", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.protocol.HandleMessage(c, payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) write(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

func (c *Client) shutdown() {
	c.stop.Do(func() {
		close(c.done)
	})
}
