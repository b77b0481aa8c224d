package user

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestNew(t *testing.T) {
	u := New("u1", "Alice")
	if u.ID != "u1" || u.Username != "Alice" {
		t.Fatalf("unexpected user %+v", u)
	}
	if !u.Online {
		t.Error("new users should be online")
	}
	if u.CurrentRoom != "" {
		t.Errorf("new users should not be in a room, got %q", u.CurrentRoom)
	}
	if time.Since(u.LastActivity) > time.Second {
		t.Errorf("activity timestamp too old: %v", u.LastActivity)
	}
}

func TestTouch(t *testing.T) {
	u := New("u1", "Alice")
	u.LastActivity = time.Now().Add(-time.Hour)
	u.Touch()
	if time.Since(u.LastActivity) > time.Second {
		t.Errorf("Touch should refresh the timestamp, got %v", u.LastActivity)
	}
}

func TestJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(New("u1", "Alice"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "username", "currentRoom", "isOnline", "lastActivity"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing JSON field %q in %s", key, data)
		}
	}
}
