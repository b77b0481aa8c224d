package ws

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/christopherjohns/gamelobby/internal/lobby"
	"github.com/christopherjohns/gamelobby/internal/protocol"
	"github.com/christopherjohns/gamelobby/internal/session"
	"github.com/christopherjohns/gamelobby/internal/user"
)

// fakeSender records what the hub queues per connection.
type fakeSender struct {
	mu    sync.Mutex
	conns []string
	fail  map[string]bool
	sent  map[string][]map[string]any
}

func newFakeSender(conns ...string) *fakeSender {
	return &fakeSender{
		conns: conns,
		fail:  make(map[string]bool),
		sent:  make(map[string][]map[string]any),
	}
}

func (f *fakeSender) Send(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[connID] {
		return ErrSendBufferFull
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.sent[connID] = append(f.sent[connID], msg)
	return nil
}

func (f *fakeSender) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conns...)
}

// types returns the message types queued for connID, in order.
func (f *fakeSender) types(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent[connID] {
		out = append(out, m["type"].(string))
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.sent = make(map[string][]map[string]any)
	f.mu.Unlock()
}

// newHubFixture signs in alice, bob and carol on conn-a, conn-b and conn-c
// and clears whatever the sign-ins broadcast.
func newHubFixture(t *testing.T, scope Scope) (*lobby.Store, *fakeSender, *Hub) {
	t.Helper()
	l := lobby.New()
	sessions := session.NewRegistry()
	sender := newFakeSender("conn-a", "conn-b", "conn-c")
	hub := NewHub(l, sessions, sender, scope)
	l.Subscribe(hub)

	for conn, id := range map[string]string{"conn-a": "alice", "conn-b": "bob", "conn-c": "carol"} {
		if err := sessions.Bind(conn, id); err != nil {
			t.Fatalf("bind %s: %v", id, err)
		}
		l.AddUser(user.New(id, id))
	}
	sender.reset()
	return l, sender, hub
}

func assertTypes(t *testing.T, f *fakeSender, connID string, want ...string) {
	t.Helper()
	got := f.types(connID)
	if len(got) != len(want) {
		t.Fatalf("%s: expected %v, got %v", connID, want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: expected %v, got %v", connID, want, got)
		}
	}
}

func TestParseScope(t *testing.T) {
	for _, s := range []string{"global", "room"} {
		if _, err := ParseScope(s); err != nil {
			t.Errorf("ParseScope(%q): %v", s, err)
		}
	}
	if _, err := ParseScope("everyone"); err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestHubGlobalScopeRoomUpdates(t *testing.T) {
	l, sender, _ := newHubFixture(t, ScopeGlobal)

	roomID := l.CreateRoom("Game", "alice", "")
	if err := l.JoinRoom(roomID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	for _, conn := range []string{"conn-a", "conn-b", "conn-c"} {
		assertTypes(t, sender, conn, protocol.TypeRoomUpdate, protocol.TypeRoomUpdate)
	}

	sender.reset()
	l.LeaveRoom(roomID, "alice")
	l.LeaveRoom(roomID, "bob")
	for _, conn := range []string{"conn-a", "conn-b", "conn-c"} {
		assertTypes(t, sender, conn, protocol.TypeRoomUpdate, protocol.TypeRoomDeleted)
	}
}

func TestHubRoomScopeRoomUpdates(t *testing.T) {
	l, sender, _ := newHubFixture(t, ScopeRoom)

	roomID := l.CreateRoom("Game", "alice", "")
	assertTypes(t, sender, "conn-a", protocol.TypeRoomUpdate)
	assertTypes(t, sender, "conn-b")

	if err := l.JoinRoom(roomID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	assertTypes(t, sender, "conn-a", protocol.TypeRoomUpdate, protocol.TypeRoomUpdate)
	assertTypes(t, sender, "conn-b", protocol.TypeRoomUpdate)
	assertTypes(t, sender, "conn-c")

	sender.reset()
	if err := l.LeaveRoom(roomID, "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	// The leaver is no longer a member but still hears about it.
	assertTypes(t, sender, "conn-a", protocol.TypeRoomUpdate)
	assertTypes(t, sender, "conn-b", protocol.TypeRoomUpdate)

	sender.reset()
	if err := l.LeaveRoom(roomID, "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	assertTypes(t, sender, "conn-a", protocol.TypeRoomDeleted)
	assertTypes(t, sender, "conn-b")
	assertTypes(t, sender, "conn-c")
}

func TestHubRoomUpdateCarriesCurrentSnapshot(t *testing.T) {
	l, sender, _ := newHubFixture(t, ScopeGlobal)

	roomID := l.CreateRoom("Game", "alice", "")
	l.JoinRoom(roomID, "bob")

	sender.mu.Lock()
	msgs := sender.sent["conn-c"]
	sender.mu.Unlock()
	last := msgs[len(msgs)-1]
	r := last["room"].(map[string]any)
	players := r["players"].([]any)
	if len(players) != 2 || players[0] != "alice" || players[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", players)
	}
}

func TestHubSkipsUpdateForVanishedRoom(t *testing.T) {
	l, sender, hub := newHubFixture(t, ScopeGlobal)

	hub.Notify(lobby.Event{Kind: lobby.RoomUpdated, RoomID: "room_000000", UserID: "alice"})
	for _, conn := range sender.IDs() {
		assertTypes(t, sender, conn)
	}
	if rooms, _ := l.Counts(); rooms != 0 {
		t.Fatalf("expected no rooms, got %d", rooms)
	}
}

func TestHubUserUpdatesGoToEveryone(t *testing.T) {
	l, sender, _ := newHubFixture(t, ScopeRoom)

	l.AddUser(user.New("dave", "Dave"))
	for _, conn := range []string{"conn-a", "conn-b", "conn-c"} {
		assertTypes(t, sender, conn, protocol.TypeUserUpdate)
	}

	users := sender.sent["conn-a"][0]["users"].([]any)
	if len(users) != 4 {
		t.Fatalf("expected 4 users, got %d", len(users))
	}

	sender.reset()
	l.RemoveUser("dave")
	for _, conn := range []string{"conn-a", "conn-b", "conn-c"} {
		assertTypes(t, sender, conn, protocol.TypeUserUpdate)
	}
	users = sender.sent["conn-b"][0]["users"].([]any)
	if len(users) != 3 {
		t.Fatalf("expected 3 users after removal, got %d", len(users))
	}
}

func TestHubChatGoesToMembersOnly(t *testing.T) {
	l, sender, _ := newHubFixture(t, ScopeGlobal)

	roomID := l.CreateRoom("Game", "alice", "")
	l.JoinRoom(roomID, "bob")
	sender.reset()

	if err := l.SendChatMessage(roomID, "alice", "hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	assertTypes(t, sender, "conn-a", protocol.TypeChatMessage)
	assertTypes(t, sender, "conn-b", protocol.TypeChatMessage)
	assertTypes(t, sender, "conn-c")

	msg := sender.sent["conn-b"][0]
	if msg["message"] != "hello" || msg["username"] != "alice" || msg["roomId"] != roomID {
		t.Errorf("unexpected chat payload %v", msg)
	}
}

func TestHubChatToMissingRoomIsDropped(t *testing.T) {
	l, sender, _ := newHubFixture(t, ScopeGlobal)

	if err := l.SendChatMessage("room_999999", "alice", "anyone?"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	assertTypes(t, sender, "conn-a")
}

func TestHubFailedSendDoesNotStopOthers(t *testing.T) {
	l, sender, hub := newHubFixture(t, ScopeGlobal)
	sender.fail["conn-b"] = true

	l.CreateRoom("Game", "alice", "")

	assertTypes(t, sender, "conn-a", protocol.TypeRoomUpdate)
	assertTypes(t, sender, "conn-c", protocol.TypeRoomUpdate)

	stats := hub.Stats()
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed delivery, got %d", stats.Failed)
	}
	// Each of the three sign-ins reached all three connections.
	if stats.Delivered != 9+2 {
		t.Errorf("expected 11 deliveries, got %d", stats.Delivered)
	}
}
