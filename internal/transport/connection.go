// Package transport wraps a websocket connection into a module-agnostic
// frame transport: a buffered outbound channel, a write-loop goroutine,
// periodic pings, and a read loop that decodes wire.Inbound frames for the
// runner to dispatch.
package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricoschulte/opentalk-controller/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
	sendBufferSize = 128
)

var ErrConnectionClosed = errors.New("transport: connection closed")

// Connection wraps a single participant's websocket. One Connection exists
// per participant runner and is safe for concurrent use.
type Connection struct {
	ParticipantID string

	ws    *websocket.Conn
	send  chan wire.Outbound
	once  sync.Once
	close chan struct{}
}

func NewConnection(participantID string, ws *websocket.Conn) *Connection {
	return &Connection{
		ParticipantID: participantID,
		ws:            ws,
		send:          make(chan wire.Outbound, sendBufferSize),
		close:         make(chan struct{}),
	}
}

// Start launches the write loop. Must be called exactly once.
func (c *Connection) Start() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writeLoop()
}

// Send enqueues an outbound frame. If the client is slow and the buffer is
// full, the connection is closed to bound backpressure rather than block.
func (c *Connection) Send(frame wire.Outbound) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	case c.send <- frame:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("transport: send buffer exceeded")
	}
}

// ReadFrame blocks for the next inbound frame. Callers should loop on this
// until it returns an error, then treat the connection as finished.
func (c *Connection) ReadFrame() (wire.Inbound, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Inbound{}, err
	}
	var in wire.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return wire.Inbound{}, err
	}
	return in, nil
}

// Close terminates the connection and stops the write loop. Idempotent.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		close(c.send)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *Connection) writeFrame(frame wire.Outbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
