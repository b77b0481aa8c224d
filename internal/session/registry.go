// Package session binds live connections to authenticated user identities.
package session

import (
	"errors"
	"sync"

	"github.com/rotisserie/eris"
)

var (
	// ErrAlreadyBound is returned when a connection already carries a
	// different identity.
	ErrAlreadyBound = errors.New("connection already authenticated as another user")

	// ErrUserConnected is returned when the identity is bound to another
	// live connection.
	ErrUserConnected = errors.New("user already connected elsewhere")
)

// Registry is the bidirectional connection ↔ user mapping. A connection maps
// to at most one user and a user to at most one connection.
//
// Teardown is two-phase: Unbind drops the mapping but leaves the user
// reserved by the closing connection until Release, so the identity cannot
// be bound again while its lobby state is still being removed.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[string]string
	byUser    map[string]string
	releasing map[string]string // userID -> closing connID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:    make(map[string]string),
		byUser:    make(map[string]string),
		releasing: make(map[string]string),
	}
}

// Bind associates connID with userID. Binding the same pair again is a
// no-op.
func (r *Registry) Bind(connID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.byConn[connID]; ok {
		if bound == userID {
			return nil
		}
		return eris.Wrapf(ErrAlreadyBound, "connection %s is bound to %s", connID, bound)
	}
	if other, ok := r.byUser[userID]; ok && other != connID {
		return eris.Wrapf(ErrUserConnected, "user %s", userID)
	}
	if closing, ok := r.releasing[userID]; ok {
		return eris.Wrapf(ErrUserConnected, "user %s is still disconnecting from %s", userID, closing)
	}

	r.byConn[connID] = userID
	r.byUser[userID] = connID
	return nil
}

// IdentityOf returns the user bound to connID.
func (r *Registry) IdentityOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// ConnectionOf returns the live connection bound to userID.
func (r *Registry) ConnectionOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// Unbind removes both directions of the mapping and returns the user that
// was bound. Only the first call for a binding reports ok. The user stays
// reserved until Release is called with the same pair.
func (r *Registry) Unbind(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if r.byUser[userID] == connID {
		delete(r.byUser, userID)
		r.releasing[userID] = connID
	}
	return userID, true
}

// Release ends the reservation Unbind left on userID. A pair that does not
// hold the reservation is ignored.
func (r *Registry) Release(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.releasing[userID] == connID {
		delete(r.releasing, userID)
	}
}

// Count returns the number of bound connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
