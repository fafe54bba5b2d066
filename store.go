package main

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unicode/utf8"
)

var (
	ErrCapacityExceeded = errors.New("message id would overflow 32 bits")
	ErrUnknownMessage   = errors.New("unknown message")
	ErrMessagesBusy     = errors.New("messages are busy")
)

// Message is one chat message. Text is the raw authoring log: every key the
// author typed, in order, with backspaces (U+0008) kept as literal bytes.
type Message struct {
	ID   uint32 `json:"id"`
	Text string `json:"text"`
}

type messageStore struct {
	mu       sync.RWMutex // Protects messages
	messages [][]byte     // Indexed by message id

	// Number of messages the store may ever hold.
	capacity uint64
}

func newMessageStore() *messageStore {
	return &messageStore{
		messages: make([][]byte, 0, 16),
		capacity: math.MaxUint32 + 1,
	}
}

// seed appends a message with existing text. Only used at startup.
func (s *messageStore) seed(text string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(text)
}

// appendEmpty allocates a new message with empty text and returns its id,
// which is always the number of messages before the append.
func (s *messageStore) appendEmpty() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked("")
}

func (s *messageStore) appendLocked(text string) (uint32, error) {
	n := uint64(len(s.messages))
	if n >= s.capacity {
		return 0, ErrCapacityExceeded
	}
	s.messages = append(s.messages, []byte(text))
	return uint32(n), nil
}

func (s *messageStore) pushChar(id uint32, ch rune) error {
	var buf [utf8.UTFMax]byte
	n := utf8.EncodeRune(buf[:], ch)

	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(id) >= uint64(len(s.messages)) {
		return fmt.Errorf("push %q to message %d: %w", ch, id, ErrUnknownMessage)
	}
	s.messages[id] = append(s.messages[id], buf[:n]...)
	return nil
}

func (s *messageStore) snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// trySnapshot is snapshot without waiting on a writer.
func (s *messageStore) trySnapshot() ([]Message, error) {
	if !s.mu.TryRLock() {
		return nil, ErrMessagesBusy
	}
	defer s.mu.RUnlock()
	return s.copyLocked(), nil
}

func (s *messageStore) copyLocked() []Message {
	out := make([]Message, len(s.messages))
	for i, text := range s.messages {
		out[i] = Message{ID: uint32(i), Text: string(text)}
	}
	return out
}

func (s *messageStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
