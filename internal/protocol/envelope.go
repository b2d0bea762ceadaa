// Package protocol defines the wire envelope exchanged with clients and the
// reply objects that correlate answers with query ids.
//
// Every frame is a JSON object. The reserved field "e" names the event and
// the optional numeric field "q" asks for exactly one correlated reply,
// delivered as a "qres" event.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved event names.
const (
	EventSetPCI = "set:pci"
	EventReady  = "ready"
	EventError  = "error"
	EventReply  = "qres"
)

const (
	fieldEvent = "e"
	fieldQuery = "q"
)

var (
	ErrMissingEvent = errors.New("envelope has no event name")
	ErrNotObject    = errors.New("payload must be a JSON object")
)

// Payload is the envelope body with reserved fields removed.
type Payload map[string]json.RawMessage

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// String returns the string field key, or "" if absent or not a string.
func (p Payload) String(key string) string {
	raw, ok := p[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Envelope is a decoded inbound frame.
type Envelope struct {
	Event   string
	QueryID json.RawMessage
	Payload Payload
}

// HasQuery reports whether the sender expects a correlated reply.
func (e *Envelope) HasQuery() bool {
	return len(e.QueryID) > 0 && !bytes.Equal(e.QueryID, []byte("null"))
}

// Decode parses a raw frame. The event and query fields are stripped from
// the returned payload.
func Decode(raw []byte) (*Envelope, error) {
	fields, err := ParseObject(raw)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Payload: fields}

	if rawEvent, ok := fields[fieldEvent]; ok {
		if err := json.Unmarshal(rawEvent, &env.Event); err != nil {
			return nil, fmt.Errorf("event name: %w", err)
		}
	}
	delete(fields, fieldEvent)
	if env.Event == "" {
		return nil, ErrMissingEvent
	}

	if q, ok := fields[fieldQuery]; ok {
		env.QueryID = q
		delete(fields, fieldQuery)
	}
	return env, nil
}

// ParseObject decodes raw into a field map. Non-object JSON is rejected.
func ParseObject(raw []byte) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

// Fields converts any JSON-object-shaped value into a field map. nil yields
// an empty map.
func Fields(data any) (map[string]json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return map[string]json.RawMessage{}, nil
	case Payload:
		out := make(map[string]json.RawMessage, len(v))
		for k, raw := range v {
			out[k] = raw
		}
		return out, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(raw, []byte("null")) {
		return map[string]json.RawMessage{}, nil
	}
	return ParseObject(raw)
}

// Encode builds an outbound frame: the fields of data plus "e": event.
func Encode(event string, data any) ([]byte, error) {
	fields, err := Fields(data)
	if err != nil {
		return nil, err
	}
	name, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	fields[fieldEvent] = name
	return json.Marshal(fields)
}

// Writer delivers an event to one connection.
type Writer interface {
	Send(event string, data any) error
}
