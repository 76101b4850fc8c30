package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameKind is the closed set of inbound frame types.
type FrameKind string

// Inbound frame kinds.
const (
	FrameAuthRequired FrameKind = "auth_required"
	FrameAuthOK       FrameKind = "auth_ok"
	FrameAuthInvalid  FrameKind = "auth_invalid"
	FrameResult       FrameKind = "result"
	FrameEvent        FrameKind = "event"
	FramePong         FrameKind = "pong"
	FrameUnknown      FrameKind = "unknown"
)

// EventKind is the closed set of push event types the bridge understands.
type EventKind string

// Event kinds.
const (
	EventStateChanged          EventKind = "state_changed"
	EventDeviceRegistryUpdated EventKind = "device_registry_updated"
	EventAreaRegistryUpdated   EventKind = "area_registry_updated"
	EventEntityRegistryUpdated EventKind = "entity_registry_updated"
	EventLabelRegistryUpdated  EventKind = "label_registry_updated"
	EventUnknown               EventKind = "unknown"
)

// DefaultEventCategories are subscribed on every successful connect.
var DefaultEventCategories = []EventKind{
	EventStateChanged,
	EventDeviceRegistryUpdated,
	EventAreaRegistryUpdated,
	EventEntityRegistryUpdated,
	EventLabelRegistryUpdated,
}

// Frame is one decoded inbound message.
type Frame struct {
	Kind FrameKind

	// Type is the raw type string, kept for logging unknown frames.
	Type string

	// ID is the correlation ID. HasID is false for unsolicited frames.
	ID    int64
	HasID bool

	// Result frames.
	Success bool
	Result  json.RawMessage
	Error   *RemoteError

	// Event frames.
	Event *Event

	// Handshake frames.
	Message string
	Version string
}

// Event is the payload of an event frame.
type Event struct {
	Kind      EventKind       `json:"-"`
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired string          `json:"time_fired,omitempty"`
}

type rawFrame struct {
	ID      *int64          `json:"id"`
	Type    string          `json:"type"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *RemoteError    `json:"error"`
	Event   json.RawMessage `json:"event"`
	Message string          `json:"message"`
	Version string          `json:"ha_version"`
}

// DecodeFrames decodes one WebSocket message. The controller may batch
// several frames into a JSON array; each element is decoded independently.
// Malformed elements are skipped: the valid frames are returned together with
// an error joining one ErrProtocolViolation per skipped element.
func DecodeFrames(data []byte) ([]Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrProtocolViolation)
	}

	if data[0] != '[' {
		f, err := decodeFrame(data)
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	frames := make([]Frame, 0, len(elems))
	var bad []error
	for i, elem := range elems {
		f, err := decodeFrame(elem)
		if err != nil {
			bad = append(bad, fmt.Errorf("batch element %d: %w", i, err))
			continue
		}
		frames = append(frames, f)
	}
	return frames, errors.Join(bad...)
}

// droppedFrames reports how many frames a DecodeFrames error accounts for.
func droppedFrames(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

func decodeFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	f := Frame{
		Kind:    frameKind(raw.Type),
		Type:    raw.Type,
		Message: raw.Message,
		Version: raw.Version,
	}
	if raw.ID != nil {
		f.ID = *raw.ID
		f.HasID = true
	}

	switch f.Kind {
	case FrameResult:
		if !f.HasID || raw.Success == nil {
			return Frame{}, fmt.Errorf("%w: result frame without id or success", ErrProtocolViolation)
		}
		f.Success = *raw.Success
		f.Result = raw.Result
		f.Error = raw.Error
		if !f.Success && f.Error == nil {
			f.Error = &RemoteError{Code: "unknown_error", Message: "request failed without error detail"}
		}
	case FrameEvent:
		if len(raw.Event) == 0 {
			return Frame{}, fmt.Errorf("%w: event frame without event", ErrProtocolViolation)
		}
		var ev Event
		if err := json.Unmarshal(raw.Event, &ev); err != nil {
			return Frame{}, fmt.Errorf("%w: event body: %w", ErrProtocolViolation, err)
		}
		ev.Kind = eventKind(ev.Type)
		if ev.Type == "" {
			// Subscriptions such as render_template push bodies without an
			// event_type.
			ev.Data = raw.Event
		}
		f.Event = &ev
	}

	return f, nil
}

func frameKind(t string) FrameKind {
	switch k := FrameKind(t); k {
	case FrameAuthRequired, FrameAuthOK, FrameAuthInvalid, FrameResult, FrameEvent, FramePong:
		return k
	default:
		return FrameUnknown
	}
}

func eventKind(t string) EventKind {
	switch k := EventKind(t); k {
	case EventStateChanged, EventDeviceRegistryUpdated, EventAreaRegistryUpdated,
		EventEntityRegistryUpdated, EventLabelRegistryUpdated:
		return k
	default:
		return EventUnknown
	}
}

// EncodeRequest builds an outgoing request. payload must be a JSON object or
// empty; its fields are merged with id and type, which always win.
func EncodeRequest(id int64, msgType string, payload json.RawMessage) ([]byte, error) {
	fields := map[string]json.RawMessage{}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return nil, ErrInvalidPayload
		}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}

	idJSON, _ := json.Marshal(id)        //nolint:errcheck // int64 always marshals
	typeJSON, _ := json.Marshal(msgType) //nolint:errcheck // string always marshals
	fields["id"] = idJSON
	fields["type"] = typeJSON

	return json.Marshal(fields)
}

// encodeAuth builds the handshake reply.
func encodeAuth(credential string) []byte {
	data, _ := json.Marshal(struct { //nolint:errcheck // Fixed struct always marshals
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}{Type: "auth", AccessToken: credential})
	return data
}

// subscribeEventsPayload builds the payload for a subscribe_events request.
func subscribeEventsPayload(kind EventKind) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"event_type": string(kind)}) //nolint:errcheck // Map of strings always marshals
	return data
}

// unsubscribePayload builds the payload for unsubscribe_events.
func unsubscribePayload(remoteID int64) json.RawMessage {
	data, _ := json.Marshal(map[string]int64{"subscription": remoteID}) //nolint:errcheck // Map of ints always marshals
	return data
}
