package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/game-data-manager/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 << 20
	sendBuffer     = 256
)

var (
	errClientClosed = errors.New("connection closed")
	errSendBuffer   = errors.New("send buffer full")
	errHubClosed    = errors.New("channel is shutting down")
)

// Client is one connection after a successful handshake.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	sessionID   string
	role        models.Role
	user        *models.User
	scanner     *models.Scanner
	connectedAt time.Time

	outbound  chan []byte
	alive     atomic.Bool
	done      chan struct{}
	gone      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, sessionID string, role models.Role, user *models.User) *Client {
	c := &Client{
		hub:         h,
		conn:        conn,
		sessionID:   sessionID,
		role:        role,
		user:        user,
		connectedAt: time.Now(),
		outbound:    make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		gone:        make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) Role() models.Role { return c.role }

func (c *Client) User() *models.User { return c.user }

// Scanner is nil unless the client connected with the scanner role.
func (c *Client) Scanner() *models.Scanner { return c.scanner }

// send queues msg for the write pump without blocking.
func (c *Client) send(msg Message) error {
	b, err := encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.outbound <- b:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBuffer
	}
}

// terminate closes the connection; the pumps notice and exit.
func (c *Client) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump owns every write to the connection. It also runs the
// heartbeat: a ping goes out each interval and a connection that has not
// answered the previous ping is terminated.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.terminate()
		c.hub.wg.Done()
	}()

	ping, _ := encode(Message{Type: TypePing})
	for {
		select {
		case b := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if !c.alive.Swap(false) {
				c.hub.logger.WithFields(map[string]interface{}{
					"sessionId": c.sessionID,
					"role":      c.role,
				}).Warn("No pong received, terminating connection")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	var requests sync.WaitGroup
	defer func() {
		c.terminate()
		requests.Wait()
		c.hub.unregister(c)
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithError(err).WithField("sessionId", c.sessionID).Debug("Channel read failed")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.WithError(err).WithField("sessionId", c.sessionID).Warn("Malformed channel message")
			continue
		}
		c.dispatch(msg, &requests)
	}
}

func (c *Client) dispatch(msg Message, requests *sync.WaitGroup) {
	switch msg.Type {
	case TypePong:
		c.alive.Store(true)
	case TypePing:
		_ = c.send(Message{Type: TypePong})
	case TypeCommandResponse:
		if c.role == models.RoleScanner {
			c.hub.resolve(c, msg)
		}
	case TypeRequest:
		if c.role != models.RoleScanner {
			return
		}
		requests.Add(1)
		go func() {
			defer requests.Done()
			c.handleRequest(msg)
		}()
	default:
		if c.role == models.RoleScanner && fanOutTypes[msg.Type] {
			msg.SessionID = c.sessionID
			c.hub.broadcast(c.sessionID, msg)
			return
		}
		if c.role != models.RoleScanner && msg.Type == TypeSettingsChanged {
			if s := c.hub.scanner(c.sessionID); s != nil {
				_ = s.send(msg)
			}
			return
		}
		c.hub.logger.WithFields(map[string]interface{}{
			"sessionId": c.sessionID,
			"type":      msg.Type,
		}).Debug("Ignoring channel message")
	}
}

func (c *Client) handleRequest(msg Message) {
	c.hub.mu.RLock()
	fn := c.hub.handlers[msg.Name]
	c.hub.mu.RUnlock()

	resp := Message{Type: TypeRequestResponse, ID: msg.ID, Name: msg.Name}
	if fn == nil {
		resp.Error = "unknown request " + msg.Name
		_ = c.send(resp)
		return
	}

	ctx, cancel := context.WithCancel(c.hub.ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := fn(ctx, c, msg.Data)
	if err != nil {
		resp.Error = err.Error()
	} else if resp.Data, err = encodeData(result); err != nil {
		resp.Error = err.Error()
	}
	if err := c.send(resp); err != nil {
		c.hub.logger.WithError(err).WithField("request", msg.Name).Debug("Could not deliver request response")
	}
}
