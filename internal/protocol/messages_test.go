package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(EventCreateDoc, CreateDocPayload{ChannelID: "chan1", Name: "notes.md"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Event != EventCreateDoc {
		t.Errorf("Event = %q, want %q", env.Event, EventCreateDoc)
	}

	var payload CreateDocPayload
	if err := decodeInto(env.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ChannelID != "chan1" || payload.Name != "notes.md" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestDecodeRejectsMalformedEnvelope(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected error decoding malformed envelope")
	}
}

func decodeInto(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
