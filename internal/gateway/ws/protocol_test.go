package ws

import (
	"encoding/json"
	"testing"
)

func TestMarshalUnmarshal_RequestFrame(t *testing.T) {
	orig, err := NewRequestFrame("req-1", MethodSendMessage, SendMessageParams{TaskID: 7, Content: "hello"})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	data, err := MarshalFrame(orig)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}

	if got.Type != FrameTypeRequest {
		t.Fatalf("expected type %q, got %q", FrameTypeRequest, got.Type)
	}
	if got.ID != "req-1" {
		t.Fatalf("expected id %q, got %q", "req-1", got.ID)
	}
	if got.Method != string(MethodSendMessage) {
		t.Fatalf("expected method %q, got %q", MethodSendMessage, got.Method)
	}

	var p SendMessageParams
	if err := json.Unmarshal(got.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if p.Content != "hello" || p.TaskID != 7 {
		t.Fatalf("params = %+v", p)
	}
}

func TestResponseFrame(t *testing.T) {
	f, err := NewResponseFrame("req-2", true, SendMessageResult{TaskID: 7, ExecID: "u1", SequenceID: 100}, "")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || !*f.OK {
		t.Fatal("expected ok=true")
	}

	var res SendMessageResult
	if err := json.Unmarshal(f.Payload, &res); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if res.SequenceID != 100 || res.ExecID != "u1" {
		t.Errorf("result = %+v", res)
	}

	f, err = NewResponseFrame("req-3", false, nil, "boom")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if *f.OK || f.Error != "boom" || f.Payload != nil {
		t.Errorf("error frame = %+v", f)
	}
}

func TestEventFrameCarriesTaskID(t *testing.T) {
	content := "ABC"
	f, err := NewEventFrame(EventChatDone, 42, DonePayload{ExecID: "55", Content: &content, SequenceID: 9})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}

	data, _ := MarshalFrame(f)
	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}
	if got.Type != FrameTypeEvent || got.Event != EventChatDone || got.TaskID != 42 {
		t.Fatalf("frame = %+v", got)
	}

	var p DonePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Content == nil || *p.Content != "ABC" || p.SequenceID != 9 {
		t.Errorf("payload = %+v", p)
	}
}

func TestDonePayloadWithoutContent(t *testing.T) {
	var p DonePayload
	if err := json.Unmarshal([]byte(`{"exec_id":"1"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Content != nil {
		t.Errorf("Content = %q, want nil", *p.Content)
	}
}

func TestUnmarshalFrameInvalid(t *testing.T) {
	if _, err := UnmarshalFrame([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
