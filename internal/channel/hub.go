// Package channel implements the persistent websocket channel between the
// server and its scanners. A session has at most one scanner connection and
// any number of listener and overseer connections watching it.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/models"
)

// Config configures a Hub.
type Config struct {
	PingInterval       time.Duration
	CommandTimeout     time.Duration
	BulkCommandTimeout time.Duration
	// BulkCommands use BulkCommandTimeout.
	BulkCommands     []string
	HandshakeTimeout time.Duration
	HookTimeout      time.Duration
}

// DefaultConfig returns the production channel settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:       10 * time.Second,
		CommandTimeout:     30 * time.Second,
		BulkCommandTimeout: 5 * time.Minute,
		BulkCommands:       []string{"getJson", "getImages"},
		HandshakeTimeout:   10 * time.Second,
		HookTimeout:        30 * time.Second,
	}
}

// Authenticator resolves handshake credentials.
type Authenticator interface {
	Authenticate(username, password string) (*models.User, error)
	GetOrCreateScanner(ctx context.Context, user *models.User, name string) (*models.Scanner, error)
}

// Hook runs on scanner connect or disconnect.
type Hook func(ctx context.Context, c *Client)

// RequestFunc answers a request from a scanner.
type RequestFunc func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

type pendingCommand struct {
	sessionID string
	name      string
	response  chan Message
}

// Hub tracks connected clients and routes messages between them.
type Hub struct {
	cfg      Config
	auth     Authenticator
	logger   *logging.Logger
	upgrader websocket.Upgrader
	bulk     map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	// registering holds the sessions whose scanner registration is in
	// progress; the channel closes when it finishes.
	registering map[string]chan struct{}
	handshakes  map[*websocket.Conn]struct{}
	scanners    map[string]*Client
	watchers map[string]map[*Client]struct{}
	pending  map[string]*pendingCommand
	handlers map[string]RequestFunc

	onConnect    []Hook
	onDisconnect []Hook
}

// NewHub creates a hub. Zero durations in cfg take their defaults.
func NewHub(cfg Config, auth Authenticator, logger *logging.Logger) *Hub {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.BulkCommandTimeout <= 0 {
		cfg.BulkCommandTimeout = def.BulkCommandTimeout
	}
	if cfg.BulkCommands == nil {
		cfg.BulkCommands = def.BulkCommands
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = def.HookTimeout
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	bulk := make(map[string]bool, len(cfg.BulkCommands))
	for _, name := range cfg.BulkCommands {
		bulk[name] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		auth:   auth,
		logger: logger.WithField("component", "channel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		bulk:     bulk,
		ctx:      ctx,
		cancel:   cancel,
		registering: make(map[string]chan struct{}),
		handshakes:  make(map[*websocket.Conn]struct{}),
		scanners:    make(map[string]*Client),
		watchers:    make(map[string]map[*Client]struct{}),
		pending:  make(map[string]*pendingCommand),
		handlers: make(map[string]RequestFunc),
	}
}

// OnConnect registers a hook that runs after a scanner's handshake and
// before the scanner's first message is read.
func (h *Hub) OnConnect(fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, fn)
}

// OnDisconnect registers a hook that runs once a scanner connection is gone.
func (h *Hub) OnDisconnect(fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

// HandleRequest registers the handler for requests called name.
func (h *Hub) HandleRequest(name string, fn RequestFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
}

// ServeHTTP upgrades the connection and performs the handshake. Any
// missing or invalid handshake field closes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.handshakes[conn] = struct{}{}
	h.mu.Unlock()

	c, err := h.handshake(conn)

	h.mu.Lock()
	delete(h.handshakes, conn)
	h.mu.Unlock()

	if err == nil {
		err = h.register(c)
	}
	if err != nil {
		h.logger.WithError(err).WithField("remote", r.RemoteAddr).Warn("Channel handshake rejected")
		reason := err.Error()
		if ce := apperrors.Categorize(err); ce != nil {
			reason = ce.Message
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	// the handshake still holds the wait group, so Close waits for the pumps
	h.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// track counts a connection attempt in the wait group unless the hub is
// closed.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) handshake(conn *websocket.Conn) (*Client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, apperrors.NewInvalidParameterError("connect", err.Error())
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch {
	case msg.Type != TypeConnect:
		return nil, apperrors.NewInvalidParameterError("type", fmt.Sprintf("expected connect, got %q", msg.Type))
	case msg.SessionID == "":
		return nil, apperrors.NewInvalidParameterError("sessionId", "missing")
	case !msg.Role.Valid():
		return nil, apperrors.NewInvalidParameterError("role", fmt.Sprintf("invalid role %q", msg.Role))
	case msg.Username == "" || msg.Password == "":
		return nil, apperrors.NewUnauthorizedError("missing credentials")
	}

	user, err := h.auth.Authenticate(msg.Username, msg.Password)
	if err != nil {
		return nil, err
	}
	if msg.Role == models.RoleOverseer && !user.Flags.Has(models.UserFlagOverseer) {
		return nil, apperrors.NewForbiddenError("user may not oversee scanners")
	}

	c := newClient(h, conn, msg.SessionID, msg.Role, user)
	if msg.Role == models.RoleScanner {
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.HookTimeout)
		defer cancel()
		s, err := h.auth.GetOrCreateScanner(ctx, user, msg.SessionID)
		if err != nil {
			return nil, err
		}
		if s.Disabled {
			return nil, apperrors.NewForbiddenError(fmt.Sprintf("scanner %s is disabled", s.Name))
		}
		c.scanner = s
	}
	return c, nil
}

// register adds c. A scanner replaces any earlier scanner of its session;
// the earlier connection's disconnect hooks finish before the connect
// hooks of c run. Registrations of one session run one at a time.
func (h *Hub) register(c *Client) error {
	if c.role != models.RoleScanner {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return errHubClosed
		}
		if h.watchers[c.sessionID] == nil {
			h.watchers[c.sessionID] = make(map[*Client]struct{})
		}
		h.watchers[c.sessionID][c] = struct{}{}
		h.mu.Unlock()
		h.logger.WithFields(map[string]interface{}{
			"sessionId": c.sessionID,
			"role":      c.role,
		}).Info("Watcher connected")
		_ = c.send(Message{Type: TypeConnect, SessionID: c.sessionID, Role: c.role})
		return nil
	}

	previous, release, err := h.reserve(c.sessionID)
	if err != nil {
		return err
	}
	defer release()

	if previous != nil {
		h.logger.WithField("sessionId", c.sessionID).Warn("Scanner reconnected, dropping previous connection")
		previous.terminate()
		<-previous.gone
	}

	h.runHooks(h.connectHooks(), c)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errHubClosed
	}
	h.scanners[c.sessionID] = c
	h.mu.Unlock()

	h.logger.WithFields(map[string]interface{}{
		"sessionId": c.sessionID,
		"scannerId": c.scanner.ID,
		"user":      c.user.Username,
	}).Info("Scanner connected")
	data, _ := encodeData(map[string]any{"scannerId": c.scanner.ID})
	_ = c.send(Message{Type: TypeConnect, SessionID: c.sessionID, Role: c.role, Data: data})
	return nil
}

// reserve claims the session's registration slot, waiting for a
// registration already in progress. It returns the scanner currently
// registered for the session and the func that frees the slot.
func (h *Hub) reserve(sessionID string) (*Client, func(), error) {
	h.mu.Lock()
	for {
		if h.closed {
			h.mu.Unlock()
			return nil, nil, errHubClosed
		}
		busy, ok := h.registering[sessionID]
		if !ok {
			break
		}
		h.mu.Unlock()
		<-busy
		h.mu.Lock()
	}
	done := make(chan struct{})
	h.registering[sessionID] = done
	previous := h.scanners[sessionID]
	h.mu.Unlock()

	release := func() {
		h.mu.Lock()
		delete(h.registering, sessionID)
		h.mu.Unlock()
		close(done)
	}
	return previous, release, nil
}

// unregister removes c and, for a scanner, tells the session's watchers.
func (h *Hub) unregister(c *Client) {
	defer close(c.gone)

	if c.role != models.RoleScanner {
		h.mu.Lock()
		if set := h.watchers[c.sessionID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.watchers, c.sessionID)
			}
		}
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	current := h.scanners[c.sessionID] == c
	if current {
		delete(h.scanners, c.sessionID)
	}
	h.mu.Unlock()
	if !current {
		// the session belongs to another connection now
		return
	}

	h.logger.WithField("sessionId", c.sessionID).Info("Scanner disconnected")
	h.broadcast(c.sessionID, Message{Type: TypeDisconnect, SessionID: c.sessionID})
	h.runHooks(h.disconnectHooks(), c)
}

func (h *Hub) connectHooks() []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Hook(nil), h.onConnect...)
}

func (h *Hub) disconnectHooks() []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Hook(nil), h.onDisconnect...)
}

func (h *Hub) runHooks(hooks []Hook, c *Client) {
	// hooks release leases, so they outlive hub shutdown
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HookTimeout)
	defer cancel()
	for _, hook := range hooks {
		hook(ctx, c)
	}
}

// broadcast copies msg to every watcher of session.
func (h *Hub) broadcast(sessionID string, msg Message) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.watchers[sessionID]))
	for w := range h.watchers[sessionID] {
		targets = append(targets, w)
	}
	h.mu.RUnlock()

	for _, w := range targets {
		if err := w.send(msg); err != nil {
			h.logger.WithError(err).WithField("sessionId", sessionID).Debug("Dropped message for watcher")
		}
	}
}

// scanner returns the scanner connection of session.
func (h *Hub) scanner(sessionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.scanners[sessionID]
}

// SendCommand sends a command to the session's scanner and waits for the
// response. It returns a timeout error once the command's timeout elapses;
// a response arriving after that is dropped.
func (h *Hub) SendCommand(ctx context.Context, sessionID, name string, data any) (json.RawMessage, error) {
	c := h.scanner(sessionID)
	if c == nil {
		return nil, apperrors.NewNotFoundError("scanner session", sessionID)
	}
	payload, err := encodeData(data)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("data", err.Error())
	}

	timeout := h.cfg.CommandTimeout
	if h.bulk[name] {
		timeout = h.cfg.BulkCommandTimeout
	}

	id := uuid.NewString()
	p := &pendingCommand{sessionID: sessionID, name: name, response: make(chan Message, 1)}
	h.mu.Lock()
	h.pending[id] = p
	h.mu.Unlock()
	defer h.dropPending(id)

	if err := c.send(Message{Type: TypeCommand, SessionID: sessionID, ID: id, Name: name, Data: payload}); err != nil {
		return nil, apperrors.NewNetworkError("send command "+name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.response:
		if resp.Error != "" {
			return resp.Data, fmt.Errorf("command %s failed: %s", name, resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		h.logger.WithFields(map[string]interface{}{
			"sessionId":     sessionID,
			"command":       name,
			"correlationId": id,
		}).Warn("Command timed out")
		return nil, apperrors.NewCommandTimeoutError(name, id, timeout)
	case <-c.done:
		return nil, apperrors.NewNetworkError("command "+name, fmt.Errorf("scanner %s disconnected", sessionID))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) dropPending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// resolve hands a command response to its waiter. Only the first response
// for an id is delivered.
func (h *Hub) resolve(from *Client, msg Message) {
	h.mu.Lock()
	p, ok := h.pending[msg.ID]
	if ok && p.sessionID == from.sessionID {
		delete(h.pending, msg.ID)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if !ok {
		h.logger.WithFields(map[string]interface{}{
			"sessionId":     from.sessionID,
			"correlationId": msg.ID,
		}).Debug("Ignoring unmatched command response")
		return
	}
	p.response <- msg
}

// PendingCommands returns the number of commands awaiting a response.
func (h *Hub) PendingCommands() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending)
}

// SessionInfo describes a connected scanner.
type SessionInfo struct {
	SessionID   string    `json:"sessionId"`
	ScannerID   int64     `json:"scannerId"`
	User        string    `json:"user"`
	ConnectedAt time.Time `json:"connectedAt"`
	Watchers    int       `json:"watchers"`
}

// Sessions lists connected scanners ordered by session id.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	out := make([]SessionInfo, 0, len(h.scanners))
	for id, c := range h.scanners {
		out = append(out, SessionInfo{
			SessionID:   id,
			ScannerID:   c.scanner.ID,
			User:        c.user.Username,
			ConnectedAt: c.connectedAt,
			Watchers:    len(h.watchers[id]),
		})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Close terminates every connection, rejects new ones and waits for their
// goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.scanners))
	for _, c := range h.scanners {
		clients = append(clients, c)
	}
	for _, set := range h.watchers {
		for c := range set {
			clients = append(clients, c)
		}
	}
	conns := make([]*websocket.Conn, 0, len(h.handshakes))
	for conn := range h.handshakes {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		c.terminate()
	}
	for _, conn := range conns {
		conn.Close()
	}
	h.wg.Wait()
}
