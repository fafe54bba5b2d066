package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	sessionCookie     = "cavalier_session"
	defaultSessionTTL = 10 * time.Minute
)

// sessionStore hands out opaque session ids in a cookie scoped to /api and
// forgets them after ttl without activity. Nothing but the id is stored;
// live authoring state belongs to the authoringMap and outlives expiry.
type sessionStore struct {
	mu       sync.Mutex           // Protects lastSeen
	lastSeen map[string]time.Time // Session id to last activity

	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func newSessionStore(ttl time.Duration, secure bool) *sessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessionStore{
		lastSeen: make(map[string]time.Time),
		ttl:      ttl,
		secure:   secure,
		now:      time.Now,
	}
}

// requestSession returns the session id the request carries, live or not.
func requestSession(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// current returns the live session named by the request cookie, if any.
func (s *sessionStore) current(r *http.Request) (string, bool) {
	id, ok := requestSession(r)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.lastSeen[id]
	if !ok || s.now().Sub(seen) >= s.ttl {
		return "", false
	}
	return id, true
}

// touch keeps the caller's session alive, creating one if the request has
// none, and (re)sets the cookie on the response.
func (s *sessionStore) touch(w http.ResponseWriter, r *http.Request) string {
	id, ok := s.current(r)
	if !ok {
		return s.create(w)
	}
	s.keepAlive(id)
	s.setCookie(w, id)
	return id
}

func (s *sessionStore) create(w http.ResponseWriter) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.lastSeen[id] = s.now()
	s.mu.Unlock()
	incr("sessions", 1)
	s.setCookie(w, id)
	log.WithField("session", id).Debug("session created")
	return id
}

// keepAlive refreshes a live session. It reports false for unknown ids.
func (s *sessionStore) keepAlive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lastSeen[id]; !ok {
		return false
	}
	s.lastSeen[id] = s.now()
	return true
}

func (s *sessionStore) remove(id string) {
	s.mu.Lock()
	_, ok := s.lastSeen[id]
	delete(s.lastSeen, id)
	s.mu.Unlock()
	if ok {
		decr("sessions", 1)
	}
}

// sweep forgets every session idle for ttl and returns how many it dropped.
func (s *sessionStore) sweep(now time.Time) int {
	var expired []string
	s.mu.Lock()
	for id, seen := range s.lastSeen {
		if now.Sub(seen) >= s.ttl {
			expired = append(expired, id)
			delete(s.lastSeen, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		decr("sessions", 1)
		log.WithField("session", id).Debug("session expired")
	}
	return len(expired)
}

// sweeper sweeps on every tick until the subscriber's channel is closed.
func (s *sessionStore) sweeper(sub *subscriber) {
	for now := range sub.tick {
		s.sweep(now)
	}
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lastSeen)
}

func (s *sessionStore) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     apiPrefix,
		MaxAge:   int(s.ttl / time.Second),
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
