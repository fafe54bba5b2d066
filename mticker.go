package main

import (
	"sync"
	"time"
)

// mTicker is one time.Ticker shared by many receivers: every websocket's
// keepalive half and the session sweeper. Ticks a receiver is not ready
// for are discarded, so a busy receiver never slows the others.
type mTicker struct {
	mux         sync.Mutex // Protects subscribers and stopped
	subscribers subscribers
	stopped     bool

	ticker *time.Ticker
	done   chan struct{}
}

type subscribers map[*subscriber]struct{}

type subscriber struct {
	tick chan time.Time
}

func newMTicker(interval time.Duration) *mTicker {
	t := &mTicker{
		subscribers: make(subscribers),
		ticker:      time.NewTicker(interval),
		done:        make(chan struct{}),
	}
	go t.run()
	return t
}

// subscribe returns a receiver for ticks. After stop the receiver's
// channel is already closed.
func (t *mTicker) subscribe() *subscriber {
	t.mux.Lock()
	defer t.mux.Unlock()

	sub := &subscriber{tick: make(chan time.Time, 1)}
	if t.stopped {
		close(sub.tick)
		return sub
	}
	t.subscribers[sub] = struct{}{}
	return sub
}

func (t *mTicker) unsubscribe(sub *subscriber) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	delete(t.subscribers, sub)
	close(sub.tick)
}

// stop halts the ticker and closes every subscribed channel.
func (t *mTicker) stop() {
	t.mux.Lock()
	defer t.mux.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	t.ticker.Stop()
	close(t.done)
	for sub := range t.subscribers {
		close(sub.tick)
		delete(t.subscribers, sub)
	}
}

func (t *mTicker) run() {
	for {
		select {
		case now := <-t.ticker.C:
			t.mux.Lock()
			for sub := range t.subscribers {
				select {
				case sub.tick <- now:
				default:
					mark("ticker.drops", 1)
				}
			}
			t.mux.Unlock()
		case <-t.done:
			return
		}
	}
}
