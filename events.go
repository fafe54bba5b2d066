package main

import (
	"encoding/json"
	"fmt"
)

type eventKind int

const (
	MessageNew eventKind = iota + 1
	// MessageEnd is reserved by the protocol. The server does not emit it yet.
	MessageEnd
)

func (k eventKind) String() string {
	switch k {
	case MessageNew:
		return "MessageNew"
	case MessageEnd:
		return "MessageEnd"
	default:
		return fmt.Sprintf("eventKind(%d)", int(k))
	}
}

// Event is a semantic notification sent on /api/ws/events.
type Event struct {
	Kind    eventKind
	Message Message // MessageNew only
}

func newMessageEvent(m Message) Event {
	return Event{Kind: MessageNew, Message: m}
}

type taggedEvent struct {
	Event string           `json:"event"`
	Data  *json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON writes the adjacently tagged form:
//     {"event":"MessageNew","data":{"id":7,"text":""}}
//     {"event":"MessageEnd"}
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case MessageNew:
		data, err := json.Marshal(e.Message)
		if err != nil {
			return nil, err
		}
		raw := json.RawMessage(data)
		return json.Marshal(taggedEvent{Event: e.Kind.String(), Data: &raw})
	case MessageEnd:
		return json.Marshal(taggedEvent{Event: e.Kind.String()})
	default:
		return nil, fmt.Errorf("marshal event: unknown kind %v", e.Kind)
	}
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var f taggedEvent
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	switch f.Event {
	case "MessageNew":
		if f.Data == nil {
			return fmt.Errorf("unmarshal event: MessageNew without data")
		}
		var m Message
		if err := json.Unmarshal(*f.Data, &m); err != nil {
			return fmt.Errorf("unmarshal event data: %w", err)
		}
		*e = newMessageEvent(m)
	case "MessageEnd":
		*e = Event{Kind: MessageEnd}
	default:
		return fmt.Errorf("unmarshal event: unknown event %q", f.Event)
	}
	return nil
}
