package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Returned by a half that ended cleanly so the group still cancels.
var errHalfDone = errors.New("connection half finished")

var connSeq atomic.Uint64

// connection is one upgraded websocket. It runs a reader, a writer and a
// keepalive concurrently; the first to finish ends all three.
type connection struct {
	w       websocketManager
	h       *hub
	kind    string // events or key
	session string // key connections only
	log     *log.Entry
}

func newConnection(w websocketManager, h *hub, kind, session string) *connection {
	fields := log.Fields{"conn": connSeq.Add(1), "kind": kind}
	if session != "" {
		fields["session"] = session
	}
	return &connection{
		w:       w,
		h:       h,
		kind:    kind,
		session: session,
		log:     log.WithFields(fields),
	}
}

func (c *connection) run(ctx context.Context, reader, writer func(context.Context) error) error {
	incr("websockets", 1)
	incr("websockets."+c.kind, 1)
	defer func() {
		decr("websockets", 1)
		decr("websockets."+c.kind, 1)
	}()

	c.w.wsSetReadLimit()
	c.w.wsSetReadDeadline()
	c.w.wsSetPongHandler()

	ticks := c.h.ticker.subscribe()
	defer c.h.ticker.unsubscribe(ticks)

	g, ctx := errgroup.WithContext(ctx)
	half := func(f func(context.Context) error) func() error {
		return func() error {
			if err := f(ctx); err != nil {
				return err
			}
			return errHalfDone
		}
	}
	g.Go(half(reader))
	g.Go(half(writer))
	g.Go(half(func(ctx context.Context) error { return c.keepalive(ctx, ticks) }))
	g.Go(func() error {
		// Unblocks a reader waiting on the socket.
		<-ctx.Done()
		c.w.wsClose()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errHalfDone) {
		return nil
	}
	return err
}

// readKeys handles inbound keystroke frames one at a time, so one author's
// keys reach the bus and the store in the order they were typed.
func (c *connection) readKeys(ctx context.Context) error {
	for {
		mt, p, err := c.w.wsReadMessage()
		if err != nil {
			return readErr(err)
		}
		if mt != websocket.BinaryMessage {
			c.log.WithField("type", mt).Debug("ignoring non-binary frame")
			continue
		}
		key, err := decodeKeyFrame(p)
		if err != nil {
			incr("frames.invalid", 1)
			c.log.WithError(err).WithField("frame", p).Warn("bad key frame")
			continue
		}
		ks, err := c.h.acceptKeystroke(c.session, key)
		if errors.Is(err, errUnboundSession) {
			c.log.Info("keystroke before msg/new, closing")
			c.w.wsCloseWith(websocket.ClosePolicyViolation, err.Error())
			return err
		}
		c.h.sessions.keepAlive(c.session)
		c.log.WithFields(log.Fields{"message_id": ks.MessageID, "key": ks.Key}).Debug("key received")
	}
}

// drain reads and discards inbound frames. It only exists to notice the
// peer going away.
func (c *connection) drain(ctx context.Context) error {
	for {
		if _, _, err := c.w.wsReadMessage(); err != nil {
			return readErr(err)
		}
	}
}

func (c *connection) keepalive(ctx context.Context, sub *subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.tick:
			if !ok {
				return nil
			}
			if err := c.w.wsPing(); err != nil {
				return err
			}
			// An open key socket is activity, even while its author only reads.
			if c.session != "" {
				c.h.sessions.keepAlive(c.session)
			}
		}
	}
}

// forward writes everything a bus subscription receives to the peer.
// Values lost to lag are skipped.
func forward[T any](ctx context.Context, c *connection, sub *subscription[T], frame func(T) (int, []byte, error)) error {
	sent := c.kind + ".sent"
	for {
		v, err := sub.recv(ctx)
		var lagged *LaggedError
		if errors.As(err, &lagged) {
			c.log.WithField("skipped", lagged.Skipped).Debug("subscriber lagged")
			continue
		}
		if err != nil {
			return err
		}
		mt, p, err := frame(v)
		if err != nil {
			c.log.WithError(err).Error("encoding frame")
			continue
		}
		if err := c.w.wsWriteMessage(mt, p); err != nil {
			return err
		}
		incr(sent, 1)
	}
}

func keystrokeFrame(ks Keystroke) (int, []byte, error) {
	return websocket.BinaryMessage, ks.frame(), nil
}

func eventFrame(ev Event) (int, []byte, error) {
	p, err := json.Marshal(ev)
	return websocket.TextMessage, p, err
}

func readErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}
