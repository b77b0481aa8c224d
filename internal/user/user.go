package user

import "time"

// User is an authenticated lobby participant. CurrentRoom is empty when the
// user is not in a room.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	CurrentRoom  string    `json:"currentRoom"`
	Online       bool      `json:"isOnline"`
	LastActivity time.Time `json:"lastActivity"`
}

// New returns an online user with a fresh activity timestamp.
func New(id, username string) User {
	return User{
		ID:           id,
		Username:     username,
		Online:       true,
		LastActivity: time.Now(),
	}
}

// Touch refreshes the last-activity timestamp.
func (u *User) Touch() {
	u.LastActivity = time.Now()
}
