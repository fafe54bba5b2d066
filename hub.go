package main

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

var errUnboundSession = errors.New("no message bound to session")

// hub is the state shared by every handler: the message log, who is
// authoring what, and the two broadcast buses. The store and the map each
// have their own lock and are never locked together.
type hub struct {
	messages *messageStore
	authors  *authoringMap
	sessions *sessionStore
	events   *bus[Event]
	keys     *bus[Keystroke]
	ticker   *mTicker
}

func newHub(cfg config) *hub {
	h := &hub{
		messages: newMessageStore(),
		authors:  newAuthoringMap(),
		sessions: newSessionStore(cfg.sessionTTL, cfg.secureCookies),
		events:   newBus[Event]("events", cfg.busCapacity),
		keys:     newBus[Keystroke]("keys", cfg.busCapacity),
		ticker:   newMTicker(cfg.pingPeriod),
	}
	go h.sessions.sweeper(h.ticker.subscribe())

	if cfg.greeting != "" {
		if _, err := h.messages.seed(cfg.greeting); err != nil {
			log.WithError(err).Error("seeding greeting message")
		}
	}
	return h
}

func (h *hub) stop() {
	h.ticker.stop()
	h.events.close()
	h.keys.close()
}

// newMessage allocates an empty message, makes it the session's authoring
// message and announces it. The announcement follows the append, so every
// MessageNew names a message already in the store.
func (h *hub) newMessage(session string) (Message, error) {
	id, err := h.messages.appendEmpty()
	if err != nil {
		return Message{}, fmt.Errorf("new message: %w", err)
	}
	msg := Message{ID: id}
	h.authors.bind(session, id)
	incr("messages.new", 1)

	if n := h.events.publish(newMessageEvent(msg)); n == 0 {
		log.WithField("message_id", id).Debug("new message announced to no one")
	}
	return msg, nil
}

// resetSession forgets a session and its binding. It is the only way a
// binding is removed; expiry drops the session id alone.
func (h *hub) resetSession(session string) {
	h.authors.clear(session)
	h.sessions.remove(session)
}

// acceptKeystroke attributes key to the session's authoring message,
// broadcasts it and appends it to the store. It fails with
// errUnboundSession if the session has no message.
func (h *hub) acceptKeystroke(session string, key rune) (Keystroke, error) {
	id, ok := h.authors.lookup(session)
	if !ok {
		return Keystroke{}, errUnboundSession
	}
	ks := Keystroke{MessageID: id, Key: key}
	h.keys.publish(ks)
	incr("keystrokes.recv", 1)

	if err := h.messages.pushChar(id, key); err != nil {
		log.WithError(err).WithField("session", session).Warn("keystroke not stored")
	}
	return ks, nil
}
