package main

import (
	"sync"
)

// authoringMap maps a session id to the message that session is typing
// into. It is separate from the session cookie because keystroke
// connections must see bindings made later by msg/new requests.
type authoringMap struct {
	mu       sync.RWMutex // Protects bindings
	bindings map[string]uint32
}

func newAuthoringMap() *authoringMap {
	return &authoringMap{
		bindings: make(map[string]uint32),
	}
}

// bind points session at message id. Bindings only move forward: an id
// lower than the current binding is ignored and false is returned.
func (a *authoringMap) bind(session string, id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, ok := a.bindings[session]; ok && id < cur {
		return false
	}
	a.bindings[session] = id
	return true
}

func (a *authoringMap) lookup(session string) (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	id, ok := a.bindings[session]
	return id, ok
}

func (a *authoringMap) clear(session string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.bindings, session)
}

func (a *authoringMap) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.bindings)
}
