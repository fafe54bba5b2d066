package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// Client to server: [key u32 LE]
	keyFrameLen = 4
	// Server to client: [key u32 LE][message id u32 LE]
	keystrokeFrameLen = 8
)

var (
	errFrameLength   = errors.New("keystroke frame must be 4 bytes")
	errInvalidScalar = errors.New("not a unicode scalar value")
)

// Keystroke is one key typed into a message.
type Keystroke struct {
	MessageID uint32
	Key       rune
}

// decodeKeyFrame reads the key from an inbound frame. Only the first four
// bytes carry the key; anything else about the frame is the length check.
func decodeKeyFrame(payload []byte) (rune, error) {
	if len(payload) != keyFrameLen {
		return 0, fmt.Errorf("%w: got %d", errFrameLength, len(payload))
	}
	v := binary.LittleEndian.Uint32(payload[:4])
	if v > utf8.MaxRune {
		return 0, fmt.Errorf("%w: %#x", errInvalidScalar, v)
	}
	r := rune(v)
	if !utf8.ValidRune(r) {
		return 0, fmt.Errorf("%w: %#x", errInvalidScalar, v)
	}
	return r, nil
}

func (k Keystroke) frame() []byte {
	b := make([]byte, keystrokeFrameLen)
	binary.LittleEndian.PutUint32(b[0:4], uint32(k.Key))
	binary.LittleEndian.PutUint32(b[4:8], k.MessageID)
	return b
}
