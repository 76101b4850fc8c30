package remote

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrames_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind FrameKind
		wantID   int64
		hasID    bool
	}{
		{"auth required", `{"type":"auth_required","ha_version":"2024.1.0"}`, FrameAuthRequired, 0, false},
		{"auth ok", `{"type":"auth_ok"}`, FrameAuthOK, 0, false},
		{"auth invalid", `{"type":"auth_invalid","message":"Invalid password"}`, FrameAuthInvalid, 0, false},
		{"result", `{"id":7,"type":"result","success":true,"result":null}`, FrameResult, 7, true},
		{"event", `{"id":3,"type":"event","event":{"event_type":"state_changed","data":{}}}`, FrameEvent, 3, true},
		{"pong", `{"id":9,"type":"pong"}`, FramePong, 9, true},
		{"unknown", `{"type":"something_new"}`, FrameUnknown, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := DecodeFrames([]byte(tt.input))
			if err != nil {
				t.Fatalf("DecodeFrames() error = %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("len(frames) = %d, want 1", len(frames))
			}
			f := frames[0]
			if f.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", f.Kind, tt.wantKind)
			}
			if f.HasID != tt.hasID || f.ID != tt.wantID {
				t.Errorf("ID = %d (has %v), want %d (has %v)", f.ID, f.HasID, tt.wantID, tt.hasID)
			}
		})
	}
}

func TestDecodeFrames_Batch(t *testing.T) {
	input := `[
		{"id":2,"type":"result","success":true,"result":{"n":2}},
		{"id":1,"type":"result","success":false,"error":{"code":"not_found","message":"Entity not found"}}
	]`

	frames, err := DecodeFrames([]byte(input))
	if err != nil {
		t.Fatalf("DecodeFrames() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].ID != 2 || !frames[0].Success {
		t.Errorf("frames[0] = %+v", frames[0])
	}
	if frames[1].ID != 1 || frames[1].Success {
		t.Errorf("frames[1] = %+v", frames[1])
	}
	if frames[1].Error == nil || frames[1].Error.Message != "Entity not found" {
		t.Errorf("frames[1].Error = %+v", frames[1].Error)
	}
}

func TestDecodeFrames_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not json", "hello"},
		{"result without id", `{"type":"result","success":true}`},
		{"result without success", `{"id":1,"type":"result"}`},
		{"event without body", `{"id":1,"type":"event"}`},
		{"bad batch element", `[{"id":1,"type":"result","success":true},{"type":"result"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrames([]byte(tt.input))
			if !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("DecodeFrames() error = %v, want ErrProtocolViolation", err)
			}
		})
	}
}

func TestDecodeFrames_BatchSkipsMalformedElements(t *testing.T) {
	input := `[
		{"id":1,"type":"result","success":true,"result":[1,2]},
		{"id":9999,"type":"result"},
		"not a frame",
		{"id":2,"type":"pong"}
	]`

	frames, err := DecodeFrames([]byte(input))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("DecodeFrames() error = %v, want ErrProtocolViolation", err)
	}
	if got := droppedFrames(err); got != 2 {
		t.Errorf("droppedFrames() = %d, want 2", got)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].ID != 1 || frames[0].Kind != FrameResult || frames[1].Kind != FramePong {
		t.Errorf("frames = %+v", frames)
	}
}

func TestDecodeFrames_FailureWithoutDetail(t *testing.T) {
	frames, err := DecodeFrames([]byte(`{"id":4,"type":"result","success":false}`))
	if err != nil {
		t.Fatalf("DecodeFrames() error = %v", err)
	}
	if frames[0].Error == nil || frames[0].Error.Code != "unknown_error" {
		t.Errorf("Error = %+v, want unknown_error default", frames[0].Error)
	}
}

func TestDecodeFrames_EventWithoutType(t *testing.T) {
	frames, err := DecodeFrames([]byte(`{"id":5,"type":"event","event":{"result":"21.5"}}`))
	if err != nil {
		t.Fatalf("DecodeFrames() error = %v", err)
	}
	ev := frames[0].Event
	if ev.Kind != EventUnknown {
		t.Errorf("Kind = %q, want unknown", ev.Kind)
	}
	if string(ev.Data) != `{"result":"21.5"}` {
		t.Errorf("Data = %s, want raw event body", ev.Data)
	}
}

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest(42, "call_service", json.RawMessage(`{"domain":"light","service":"turn_on","id":999,"type":"x"}`))
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["id"] != float64(42) {
		t.Errorf("id = %v, want 42", got["id"])
	}
	if got["type"] != "call_service" {
		t.Errorf("type = %v, want call_service", got["type"])
	}
	if got["domain"] != "light" || got["service"] != "turn_on" {
		t.Errorf("payload fields not merged: %v", got)
	}
}

func TestEncodeRequest_EmptyPayload(t *testing.T) {
	for _, payload := range []string{"", "null", "  "} {
		data, err := EncodeRequest(1, "get_states", json.RawMessage(payload))
		if err != nil {
			t.Fatalf("EncodeRequest(%q) error = %v", payload, err)
		}
		if string(data) != `{"id":1,"type":"get_states"}` {
			t.Errorf("EncodeRequest(%q) = %s", payload, data)
		}
	}
}

func TestEncodeRequest_InvalidPayload(t *testing.T) {
	for _, payload := range []string{`[1,2]`, `"text"`, `{broken`} {
		if _, err := EncodeRequest(1, "x", json.RawMessage(payload)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("EncodeRequest(%q) error = %v, want ErrInvalidPayload", payload, err)
		}
	}
}

func TestRemoteError(t *testing.T) {
	var err error = &RemoteError{Code: "not_found", Message: "Entity not found"}
	if !errors.Is(err, ErrRemote) {
		t.Error("RemoteError should match ErrRemote")
	}
	if err.Error() != "not_found: Entity not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(ErrAuthRejected, ErrTransport) {
		t.Error("ErrAuthRejected should wrap ErrTransport")
	}
}
