package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/game-data-manager/internal/checkout"
	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/models"
	"github.com/game-data-manager/internal/scanner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	hub      *Hub
	server   *httptest.Server
	registry *scanner.Registry
	ledger   *checkout.Ledger
	store    *checkout.MemoryStore
}

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.LevelError, logging.FormatJSON)
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := scanner.NewRegistry(scanner.NewMemoryRepository(), quietLogger())
	reg.SetHashCost(bcrypt.MinCost)
	require.NoError(t, reg.Load(ctx))
	_, err := reg.CreateUser(ctx, "alice", "pw", models.UserFlagInsertPlayerPrices|models.UserFlagInsertTraderPrices, 5)
	require.NoError(t, err)
	_, err = reg.CreateUser(ctx, "boss", "pw", models.UserFlagOverseer, 0)
	require.NoError(t, err)

	items := make([]models.WorkItem, 10)
	for i := range items {
		items[i] = models.WorkItem{ID: fmt.Sprintf("item-%02d", i)}
	}
	store := checkout.NewMemoryStore(items...)
	ledger := checkout.NewLedger(store, checkout.Config{DefaultBatchSize: 5, MaxBatchSize: 10}, quietLogger())

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Minute
	}
	hub := NewHub(cfg, reg, quietLogger())
	NewLeaseRequests(ledger, reg).Register(hub)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &fixture{hub: hub, server: srv, registry: reg, ledger: ledger, store: store}
}

type testConn struct {
	conn     *websocket.Conn
	wmu      sync.Mutex
	msgs     chan Message
	closed   chan struct{}
	closeErr error
}

func hello(session string, role models.Role, user string) Message {
	return Message{Type: TypeConnect, SessionID: session, Role: role, Username: user, Password: "pw"}
}

func (f *fixture) dial(t *testing.T, first Message, autoPong bool) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	tc := &testConn{conn: conn, msgs: make(chan Message, 64), closed: make(chan struct{})}
	require.NoError(t, conn.WriteJSON(first))
	go tc.readLoop(autoPong)
	t.Cleanup(func() {
		conn.Close()
		<-tc.closed
	})
	return tc
}

func (tc *testConn) readLoop(autoPong bool) {
	defer close(tc.closed)
	for {
		var m Message
		if err := tc.conn.ReadJSON(&m); err != nil {
			tc.closeErr = err
			return
		}
		if m.Type == TypePing && autoPong {
			_ = tc.write(Message{Type: TypePong})
			continue
		}
		tc.msgs <- m
	}
}

func (tc *testConn) write(m Message) error {
	tc.wmu.Lock()
	defer tc.wmu.Unlock()
	return tc.conn.WriteJSON(m)
}

// next waits for the next message of type typ, skipping others.
func (tc *testConn) next(typ MessageType, timeout time.Duration) (Message, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-tc.msgs:
			if m.Type == typ {
				return m, true
			}
		case <-deadline:
			return Message{}, false
		case <-tc.closed:
			return Message{}, false
		}
	}
}

func (tc *testConn) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case <-tc.closed:
		return tc.closeErr
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
		return nil
	}
}

func connectScanner(t *testing.T, f *fixture, session string) (*testConn, int64) {
	t.Helper()
	tc := f.dial(t, hello(session, models.RoleScanner, "alice"), true)
	ack, ok := tc.next(TypeConnect, 2*time.Second)
	require.True(t, ok, "no connect ack")
	var data struct {
		ScannerID int64 `json:"scannerId"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &data))
	require.NotZero(t, data.ScannerID)
	return tc, data.ScannerID
}

func TestHandshake_FailFast(t *testing.T) {
	f := newFixture(t, Config{})

	cases := map[string]Message{
		"not a connect":     {Type: TypePing, SessionID: "s", Role: models.RoleScanner, Username: "alice", Password: "pw"},
		"missing session":   hello("", models.RoleScanner, "alice"),
		"invalid role":      hello("s", models.Role("admin"), "alice"),
		"missing password":  {Type: TypeConnect, SessionID: "s", Role: models.RoleScanner, Username: "alice"},
		"wrong password":    {Type: TypeConnect, SessionID: "s", Role: models.RoleScanner, Username: "alice", Password: "nope"},
		"unknown user":      hello("s", models.RoleListener, "mallory"),
		"overseer required": hello("s", models.RoleOverseer, "alice"),
		"cannot scan":       hello("s", models.RoleScanner, "boss"),
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			tc := f.dial(t, msg, true)
			err := tc.waitClosed(t)
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
	assert.Empty(t, f.hub.Sessions())
}

func TestHandshake_ScannerRegistered(t *testing.T) {
	f := newFixture(t, Config{})
	_, id := connectScanner(t, f, "rig-1")

	s, ok := f.registry.Scanner(id)
	require.True(t, ok)
	assert.Equal(t, "rig-1", s.Name)

	sessions := f.hub.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "rig-1", sessions[0].SessionID)
	assert.Equal(t, "alice", sessions[0].User)
}

func respond(tc *testConn, typ MessageType, data string, times int) <-chan Message {
	got := make(chan Message, 1)
	go func() {
		defer close(got)
		cmd, ok := tc.next(TypeCommand, 2*time.Second)
		if !ok {
			return
		}
		for i := 0; i < times; i++ {
			_ = tc.write(Message{Type: typ, ID: cmd.ID, Data: json.RawMessage(data)})
		}
		got <- cmd
	}()
	return got
}

func TestSendCommand_RoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	sc, _ := connectScanner(t, f, "rig-1")

	cmds := respond(sc, TypeCommandResponse, `{"paused":true}`, 2)
	data, err := f.hub.SendCommand(context.Background(), "rig-1", "pause", map[string]int{"minutes": 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"paused":true}`, string(data))

	cmd := <-cmds
	assert.Equal(t, "pause", cmd.Name)
	assert.NotEmpty(t, cmd.ID)
	assert.JSONEq(t, `{"minutes":5}`, string(cmd.Data))
	assert.Zero(t, f.hub.PendingCommands())
}

func TestSendCommand_TimeoutThenLateResponse(t *testing.T) {
	f := newFixture(t, Config{CommandTimeout: 100 * time.Millisecond})
	sc, _ := connectScanner(t, f, "rig-1")

	start := time.Now()
	_, err := f.hub.SendCommand(context.Background(), "rig-1", "screenshot", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCommandTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, f.hub.PendingCommands(), "no dangling waiter")

	stale, ok := sc.next(TypeCommand, time.Second)
	require.True(t, ok)

	cmds := respond(sc, TypeCommandResponse, `"fresh"`, 1)
	// the late answer to the first command arrives before the new one is sent
	require.NoError(t, sc.write(Message{Type: TypeCommandResponse, ID: stale.ID, Data: json.RawMessage(`"stale"`)}))

	data, err := f.hub.SendCommand(context.Background(), "rig-1", "screenshot", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(data))
	<-cmds
}

func TestSendCommand_BulkTimeout(t *testing.T) {
	f := newFixture(t, Config{CommandTimeout: 50 * time.Millisecond, BulkCommandTimeout: 2 * time.Second})
	sc, _ := connectScanner(t, f, "rig-1")

	go func() {
		cmd, ok := sc.next(TypeCommand, 2*time.Second)
		if !ok {
			return
		}
		time.Sleep(200 * time.Millisecond)
		_ = sc.write(Message{Type: TypeCommandResponse, ID: cmd.ID, Data: json.RawMessage(`[]`)})
	}()

	_, err := f.hub.SendCommand(context.Background(), "rig-1", "getJson", nil)
	assert.NoError(t, err)
}

func TestSendCommand_ErrorResponse(t *testing.T) {
	f := newFixture(t, Config{})
	sc, _ := connectScanner(t, f, "rig-1")

	go func() {
		cmd, ok := sc.next(TypeCommand, 2*time.Second)
		if ok {
			_ = sc.write(Message{Type: TypeCommandResponse, ID: cmd.ID, Error: "game not running"})
		}
	}()
	_, err := f.hub.SendCommand(context.Background(), "rig-1", "resume", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "game not running")
}

func TestSendCommand_UnknownSession(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.hub.SendCommand(context.Background(), "nobody", "pause", nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSendCommand_ScannerDisconnects(t *testing.T) {
	f := newFixture(t, Config{CommandTimeout: 5 * time.Second})
	sc, _ := connectScanner(t, f, "rig-1")

	go func() {
		if _, ok := sc.next(TypeCommand, 2*time.Second); ok {
			sc.conn.Close()
		}
	}()

	start := time.Now()
	_, err := f.hub.SendCommand(context.Background(), "rig-1", "shutdown", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, f.hub.PendingCommands())
}

func TestFanOut(t *testing.T) {
	f := newFixture(t, Config{})
	sc, _ := connectScanner(t, f, "rig-1")
	listener := f.dial(t, hello("rig-1", models.RoleListener, "alice"), true)
	overseer := f.dial(t, hello("rig-1", models.RoleOverseer, "boss"), true)
	other := f.dial(t, hello("rig-2", models.RoleListener, "alice"), true)
	for _, w := range []*testConn{listener, overseer, other} {
		_, ok := w.next(TypeConnect, 2*time.Second)
		require.True(t, ok)
	}

	require.NoError(t, sc.write(Message{Type: TypeScannerValue, Name: "status", Data: json.RawMessage(`"scanning"`)}))

	for _, w := range []*testConn{listener, overseer} {
		m, ok := w.next(TypeScannerValue, 2*time.Second)
		require.True(t, ok)
		assert.Equal(t, "rig-1", m.SessionID)
		assert.JSONEq(t, `"scanning"`, string(m.Data))
	}
	_, ok := other.next(TypeScannerValue, 200*time.Millisecond)
	assert.False(t, ok, "other sessions see nothing")

	// watchers never receive commands
	go func() { _, _ = f.hub.SendCommand(context.Background(), "rig-1", "pause", nil) }()
	_, ok = listener.next(TypeCommand, 200*time.Millisecond)
	assert.False(t, ok)
	cmd, ok := sc.next(TypeCommand, time.Second)
	require.True(t, ok)
	require.NoError(t, sc.write(Message{Type: TypeCommandResponse, ID: cmd.ID}))
}

func TestMissingPong_TerminatesAndReleases(t *testing.T) {
	f := newFixture(t, Config{PingInterval: 300 * time.Millisecond})

	sc := f.dial(t, hello("rig-1", models.RoleScanner, "alice"), false)
	ack, ok := sc.next(TypeConnect, 2*time.Second)
	require.True(t, ok)
	var data struct {
		ScannerID int64 `json:"scannerId"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &data))

	listener := f.dial(t, hello("rig-1", models.RoleListener, "alice"), true)
	_, ok = listener.next(TypeConnect, 2*time.Second)
	require.True(t, ok)

	items, err := f.ledger.Acquire(context.Background(), checkout.AcquireRequest{ScannerID: data.ScannerID, Category: models.CategoryPlayer})
	require.NoError(t, err)
	require.Len(t, items, 5)

	m, ok := listener.next(TypeDisconnect, 3*time.Second)
	require.True(t, ok, "watchers learn about the dead scanner")
	assert.Equal(t, "rig-1", m.SessionID)
	sc.waitClosed(t)

	require.Eventually(t, func() bool {
		for _, item := range f.store.Items() {
			if item.CheckoutScannerID != nil {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.hub.Sessions())
}

func TestRequests_CheckoutAndRelease(t *testing.T) {
	f := newFixture(t, Config{})
	sc, id := connectScanner(t, f, "rig-1")

	require.NoError(t, sc.write(Message{Type: TypeRequest, ID: "r1", Name: "checkout", Data: json.RawMessage(`{"batchSize":3}`)}))
	resp, ok := sc.next(TypeRequestResponse, 2*time.Second)
	require.True(t, ok)
	require.Empty(t, resp.Error)
	assert.Equal(t, "r1", resp.ID)
	var batch []models.WorkItem
	require.NoError(t, json.Unmarshal(resp.Data, &batch))
	require.Len(t, batch, 3)
	assert.Equal(t, id, *batch[0].CheckoutScannerID)

	release := fmt.Sprintf(`{"itemId":%q,"scanned":true,"offerCount":4}`, batch[0].ID)
	require.NoError(t, sc.write(Message{Type: TypeRequest, ID: "r2", Name: "release", Data: json.RawMessage(release)}))
	resp, ok = sc.next(TypeRequestResponse, 2*time.Second)
	require.True(t, ok)
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"released":1}`, string(resp.Data))

	item, _ := f.store.Item(batch[0].ID)
	assert.Nil(t, item.CheckoutScannerID)
	require.NotNil(t, item.LastScan)
	require.NotNil(t, item.LastOfferCount)
	assert.Equal(t, 4, *item.LastOfferCount)

	// trader work needs an open session
	require.NoError(t, sc.write(Message{Type: TypeRequest, ID: "r3", Name: "checkout", Data: json.RawMessage(`{"category":"trader"}`)}))
	resp, ok = sc.next(TypeRequestResponse, 2*time.Second)
	require.True(t, ok)
	assert.JSONEq(t, `[]`, string(resp.Data))

	require.NoError(t, sc.write(Message{Type: TypeRequest, ID: "r4", Name: "bogus"}))
	resp, ok = sc.next(TypeRequestResponse, 2*time.Second)
	require.True(t, ok)
	assert.Contains(t, resp.Error, "unknown request")
}

func TestReconnect_ReleasesBeforeReacquire(t *testing.T) {
	f := newFixture(t, Config{})
	first, id := connectScanner(t, f, "rig-1")

	_, err := f.ledger.Acquire(context.Background(), checkout.AcquireRequest{ScannerID: id, Category: models.CategoryPlayer})
	require.NoError(t, err)

	_, again := connectScanner(t, f, "rig-1")
	assert.Equal(t, id, again)
	first.waitClosed(t)

	for _, item := range f.store.Items() {
		assert.Nil(t, item.CheckoutScannerID, "lease on %s survived reconnect", item.ID)
	}
	assert.Len(t, f.hub.Sessions(), 1)
}

func leasedBy(store *checkout.MemoryStore, scannerID int64) int {
	var n int
	for _, item := range store.Items() {
		if item.CheckoutScannerID != nil && *item.CheckoutScannerID == scannerID {
			n++
		}
	}
	return n
}

func TestRegister_ConcurrentHandshakesKeepOneScanner(t *testing.T) {
	f := newFixture(t, Config{})
	f.hub.OnConnect(func(ctx context.Context, c *Client) {
		time.Sleep(300 * time.Millisecond)
	})

	a := f.dial(t, hello("rig-1", models.RoleScanner, "alice"), true)
	b := f.dial(t, hello("rig-1", models.RoleScanner, "alice"), true)

	var live *testConn
	select {
	case <-a.closed:
		live = b
	case <-b.closed:
		live = a
	case <-time.After(3 * time.Second):
		t.Fatal("the replaced connection was not closed")
	}

	ack, ok := live.next(TypeConnect, 2*time.Second)
	require.True(t, ok, "no connect ack on the live connection")
	var data struct {
		ScannerID int64 `json:"scannerId"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &data))
	require.Len(t, f.hub.Sessions(), 1)

	require.NoError(t, live.write(Message{Type: TypeRequest, ID: "r1", Name: "checkout", Data: json.RawMessage(`{"batchSize":5}`)}))
	resp, ok := live.next(TypeRequestResponse, 2*time.Second)
	require.True(t, ok)
	require.Empty(t, resp.Error)
	require.Equal(t, 5, leasedBy(f.store, data.ScannerID))

	assert.Never(t, func() bool {
		return leasedBy(f.store, data.ScannerID) != 5
	}, 300*time.Millisecond, 10*time.Millisecond, "leases of the live connection were released")
	assert.Len(t, f.hub.Sessions(), 1)
}

func TestClose_RejectsHandshakeInProgress(t *testing.T) {
	f := newFixture(t, Config{})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f.hub.Close()

	_ = conn.WriteJSON(hello("late", models.RoleScanner, "alice"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	err = conn.ReadJSON(&m)
	require.Error(t, err, "got %+v", m)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection was left open")
	}
	assert.Empty(t, f.hub.Sessions())
	assert.Empty(t, f.registry.Scanners())

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHeartbeat_TrafficIsNotAPong(t *testing.T) {
	f := newFixture(t, Config{PingInterval: 200 * time.Millisecond})

	sc := f.dial(t, hello("rig-1", models.RoleScanner, "alice"), false)
	_, ok := sc.next(TypeConnect, 2*time.Second)
	require.True(t, ok)

	stop := make(chan struct{})
	streamed := make(chan struct{})
	go func() {
		defer close(streamed)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if sc.write(Message{Type: TypeScannerValue, Name: "status", Data: json.RawMessage(`"scanning"`)}) != nil {
					return
				}
			}
		}
	}()

	sc.waitClosed(t)
	close(stop)
	<-streamed
	assert.Empty(t, f.hub.Sessions())
}

func TestHeartbeat_PongKeepsConnection(t *testing.T) {
	f := newFixture(t, Config{PingInterval: 100 * time.Millisecond})
	sc, _ := connectScanner(t, f, "rig-1")

	time.Sleep(500 * time.Millisecond)
	select {
	case <-sc.closed:
		t.Fatal("connection answering pings was dropped")
	default:
	}
	assert.Len(t, f.hub.Sessions(), 1)
}
