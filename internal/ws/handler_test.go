package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/gamelobby/internal/lobby"
	"github.com/christopherjohns/gamelobby/internal/protocol"
	"github.com/christopherjohns/gamelobby/internal/ratelimit"
	"github.com/christopherjohns/gamelobby/internal/session"
)

type handlerTestEnv struct {
	server *httptest.Server
	lobby  *lobby.Store
	conns  *ConnManager
}

// newHandlerTestServer wires a lobby, session registry, hub and dispatcher
// behind a real WebSocket endpoint.
func newHandlerTestServer(t *testing.T, scope Scope, opts ...HandlerOption) *handlerTestEnv {
	t.Helper()
	l := lobby.New()
	sessions := session.NewRegistry()
	cm := NewConnManager()
	l.Subscribe(NewHub(l, sessions, cm, scope))
	h := NewHandler(protocol.NewDispatcher(l, sessions), cm, opts...)

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	t.Cleanup(cm.Shutdown)
	return &handlerTestEnv{server: ts, lobby: l, conns: cm}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *handlerTestEnv) dial(t *testing.T) *testClient {
	t.Helper()
	conn := dialWS(t, e.server.URL)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(typ string, data any) {
	c.t.Helper()
	msg := map[string]any{"type": typ}
	if data != nil {
		msg["data"] = data
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

func (c *testClient) next() map[string]any {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

// readUntil discards messages until one of type typ arrives.
func (c *testClient) readUntil(typ string) map[string]any {
	c.t.Helper()
	for {
		msg := c.next()
		if msg["type"] == typ {
			return msg
		}
	}
}

// sync drains everything queued so far by round-tripping a ping.
func (c *testClient) sync() {
	c.t.Helper()
	c.send(protocol.TypePing, nil)
	c.readUntil(protocol.TypePong)
}

// expectQuiet asserts that nothing was queued since the last read.
func (c *testClient) expectQuiet() {
	c.t.Helper()
	c.send(protocol.TypePing, nil)
	if msg := c.next(); msg["type"] != protocol.TypePong {
		c.t.Fatalf("expected pong, got %v", msg)
	}
}

func (c *testClient) auth(id, name string) {
	c.t.Helper()
	c.send(protocol.TypeAuth, map[string]string{"userId": id, "username": name})
	c.readUntil(protocol.TypeAuthSuccess)
}

func players(t *testing.T, msg map[string]any) []string {
	t.Helper()
	r, ok := msg["room"].(map[string]any)
	if !ok {
		t.Fatalf("message has no room: %v", msg)
	}
	var out []string
	for _, p := range r["players"].([]any) {
		out = append(out, p.(string))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHandlerRoomLifecycle(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal)

	alice := env.dial(t)
	alice.send(protocol.TypeAuth, map[string]string{"userId": "alice", "username": "Alice"})
	authMsg := alice.readUntil(protocol.TypeAuthSuccess)
	if u := authMsg["user"].(map[string]any); u["id"] != "alice" || u["username"] != "Alice" {
		t.Fatalf("unexpected auth reply %v", authMsg)
	}

	alice.send(protocol.TypeCreateRoom, map[string]string{"name": "Test Room"})
	created := alice.readUntil(protocol.TypeRoomCreated)
	roomID, _ := created["roomId"].(string)
	if !strings.HasPrefix(roomID, "room_") {
		t.Fatalf("unexpected room id %q", roomID)
	}
	if got := players(t, created); !equalStrings(got, []string{"alice"}) {
		t.Fatalf("expected [alice], got %v", got)
	}

	bob := env.dial(t)
	bob.auth("bob", "Bob")
	bob.send(protocol.TypeJoinRoom, map[string]string{"roomId": roomID})
	joined := bob.readUntil(protocol.TypeRoomJoined)
	if got := players(t, joined); !equalStrings(got, []string{"alice", "bob"}) {
		t.Fatalf("expected [alice bob], got %v", got)
	}

	update := alice.readUntil(protocol.TypeRoomUpdate)
	if got := players(t, update); !equalStrings(got, []string{"alice", "bob"}) {
		t.Fatalf("alice expected [alice bob], got %v", got)
	}

	alice.send(protocol.TypeLeaveRoom, map[string]string{"roomId": roomID})
	left := alice.readUntil(protocol.TypeRoomLeft)
	if got := players(t, left); !equalStrings(got, []string{"bob"}) {
		t.Fatalf("expected [bob] after leave, got %v", got)
	}
	update = bob.readUntil(protocol.TypeRoomUpdate)
	if got := players(t, update); !equalStrings(got, []string{"bob"}) {
		t.Fatalf("bob expected [bob], got %v", got)
	}

	bob.send(protocol.TypeLeaveRoom, map[string]string{"roomId": roomID})
	left = bob.readUntil(protocol.TypeRoomLeft)
	if _, ok := left["room"]; ok {
		t.Fatalf("deleted room should be omitted from reply: %v", left)
	}
	deleted := alice.readUntil(protocol.TypeRoomDeleted)
	if deleted["roomId"] != roomID {
		t.Fatalf("unexpected room_deleted %v", deleted)
	}

	alice.send(protocol.TypeGetRooms, nil)
	list := alice.readUntil(protocol.TypeRoomList)
	if rooms := list["rooms"].([]any); len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %v", rooms)
	}
}

func TestHandlerErrorsKeepConnectionOpen(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal)
	c := env.dial(t)

	c.send(protocol.TypeCreateRoom, map[string]string{"name": "Nope"})
	msg := c.next()
	if msg["type"] != protocol.TypeError || msg["kind"] != string(protocol.KindPrecondition) {
		t.Fatalf("expected precondition error, got %v", msg)
	}
	if msg["error"] != protocol.ErrNotAuthenticated.Error() {
		t.Errorf("unexpected error text %v", msg["error"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = c.next()
	if msg["type"] != protocol.TypeError || msg["kind"] != string(protocol.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", msg)
	}

	c.expectQuiet()
	if rooms, _ := env.lobby.Counts(); rooms != 0 {
		t.Fatalf("failed requests should not create rooms, got %d", rooms)
	}
}

func TestHandlerFailedJoinBroadcastsNothing(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal)

	alice := env.dial(t)
	alice.auth("alice", "Alice")
	bob := env.dial(t)
	bob.auth("bob", "Bob")

	alice.send(protocol.TypeJoinRoom, map[string]string{"roomId": "room_404404"})
	msg := alice.readUntil(protocol.TypeError)
	if msg["error"] != lobby.ErrRoomNotFound.Error() || msg["request"] != protocol.TypeJoinRoom {
		t.Fatalf("unexpected error %v", msg)
	}

	bob.expectQuiet()
}

func TestHandlerSecondConnectionForSameUser(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal)

	first := env.dial(t)
	first.auth("alice", "Alice")

	second := env.dial(t)
	second.send(protocol.TypeAuth, map[string]string{"userId": "alice", "username": "Alice"})
	msg := second.readUntil(protocol.TypeError)
	if msg["error"] != session.ErrUserConnected.Error() {
		t.Fatalf("unexpected error %v", msg)
	}

	// The rejected auth left the connection unbound.
	second.auth("bob", "Bob")
	if _, users := env.lobby.Counts(); users != 2 {
		t.Fatalf("expected 2 users, got %d", users)
	}
}

func TestHandlerChatReachesMembersOnly(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal)

	alice := env.dial(t)
	alice.auth("alice", "Alice")
	bob := env.dial(t)
	bob.auth("bob", "Bob")
	carol := env.dial(t)
	carol.auth("carol", "Carol")

	alice.send(protocol.TypeCreateRoom, map[string]string{"name": "Chat"})
	roomID := alice.readUntil(protocol.TypeRoomCreated)["roomId"].(string)
	bob.send(protocol.TypeJoinRoom, map[string]string{"roomId": roomID})
	bob.readUntil(protocol.TypeRoomJoined)
	carol.sync()

	alice.send(protocol.TypeChatMessage, map[string]string{"roomId": roomID, "message": "  hello  "})
	for _, c := range []*testClient{alice, bob} {
		msg := c.readUntil(protocol.TypeChatMessage)
		if msg["message"] != "hello" || msg["userId"] != "alice" || msg["username"] != "Alice" {
			t.Fatalf("unexpected chat %v", msg)
		}
	}
	carol.expectQuiet()

	bob.send(protocol.TypeGetChatHistory, map[string]string{"roomId": roomID})
	history := bob.readUntil(protocol.TypeChatHistory)
	if msgs := history["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
}

func TestHandlerRoomScopeHidesOtherRooms(t *testing.T) {
	env := newHandlerTestServer(t, ScopeRoom)

	alice := env.dial(t)
	alice.auth("alice", "Alice")
	bob := env.dial(t)
	bob.auth("bob", "Bob")
	carol := env.dial(t)
	carol.auth("carol", "Carol")

	alice.send(protocol.TypeCreateRoom, map[string]string{"name": "Private"})
	roomID := alice.readUntil(protocol.TypeRoomCreated)["roomId"].(string)
	bob.send(protocol.TypeJoinRoom, map[string]string{"roomId": roomID})
	bob.readUntil(protocol.TypeRoomJoined)
	alice.readUntil(protocol.TypeRoomUpdate)

	carol.expectQuiet()
}

func TestHandlerDisconnectCleansUp(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal)

	alice := env.dial(t)
	alice.auth("alice", "Alice")
	alice.send(protocol.TypeCreateRoom, map[string]string{"name": "Short lived"})
	roomID := alice.readUntil(protocol.TypeRoomCreated)["roomId"].(string)

	bob := env.dial(t)
	bob.auth("bob", "Bob")

	alice.conn.Close(websocket.StatusNormalClosure, "bye")

	deleted := bob.readUntil(protocol.TypeRoomDeleted)
	if deleted["roomId"] != roomID {
		t.Fatalf("unexpected room_deleted %v", deleted)
	}
	users := bob.readUntil(protocol.TypeUserUpdate)["users"].([]any)
	if len(users) != 1 || users[0].(map[string]any)["id"] != "bob" {
		t.Fatalf("expected only bob online, got %v", users)
	}

	waitFor(t, "connection removal", func() bool { return env.conns.Count() == 1 })
	if _, ok := env.lobby.User("alice"); ok {
		t.Fatal("alice should have been removed")
	}
}

func TestHandlerShutdownRemovesSessions(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal)

	alice := env.dial(t)
	alice.auth("alice", "Alice")
	bob := env.dial(t)
	bob.auth("bob", "Bob")
	readInBackground(alice.conn)
	readInBackground(bob.conn)

	env.conns.Shutdown()

	waitFor(t, "lobby to empty", func() bool {
		_, users := env.lobby.Counts()
		return users == 0
	})
}

func TestHandlerOversizedMessageClosesConnection(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal)
	c := env.dial(t)
	c.auth("alice", "Alice")

	big := `{"type":"chat_message","data":{"message":"` + strings.Repeat("x", maxMessageSize) + `"}}`
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.conn.Write(ctx, websocket.MessageText, []byte(big))

	var err error
	for err == nil {
		_, _, err = c.conn.Read(ctx)
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusMessageTooBig {
		t.Fatalf("expected StatusMessageTooBig, got %v (%v)", status, err)
	}

	waitFor(t, "session cleanup", func() bool {
		_, ok := env.lobby.User("alice")
		return !ok
	})
}

func TestHandlerRateLimit(t *testing.T) {
	env := newHandlerTestServer(t, ScopeGlobal, WithLimiter(ratelimit.NewIPLimiter(1, time.Hour)))

	env.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http")
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected second dial to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", resp)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	if got := clientIP(r); got != "192.0.2.7" {
		t.Errorf("expected 192.0.2.7, got %s", got)
	}
	r.RemoteAddr = "no-port"
	if got := clientIP(r); got != "no-port" {
		t.Errorf("expected raw address, got %s", got)
	}
}
