package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize limits inbound messages; viewers only send control frames
	maxMessageSize = 4 * 1024

	// clientBuffer is the per-viewer queue depth
	clientBuffer = 16
)

// Client represents a single websocket viewer
type Client struct {
	sub  *Subscription
	conn *websocket.Conn
	done chan struct{} // closed when writePump exits
}

// NewClient subscribes a websocket connection to the hub
func NewClient(hub *Hub, conn *websocket.Conn) (*Client, error) {
	sub, err := hub.Subscribe(clientBuffer)
	if err != nil {
		return nil, err
	}
	return &Client{sub: sub, conn: conn, done: make(chan struct{})}, nil
}

// Run starts the client's read and write pumps and returns once both have
// exited. The connection must not be used after Run returns.
func (c *Client) Run() {
	go c.writePump()
	c.readPump() // Blocks until connection closes
	<-c.done
}

// readPump reads messages from the websocket connection
// It keeps the connection alive and detects disconnection
func (c *Client) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Reading detects disconnection and processes pongs
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump writes messages to the websocket connection
// Only this goroutine writes to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Stream ended - send close frame
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}

			wsType := websocket.TextMessage
			if message.Type == BinaryMessage {
				wsType = websocket.BinaryMessage
			}

			if err := c.conn.WriteMessage(wsType, message.Data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
