package envelope

import (
	"encoding/json"
	"testing"
)

func TestNewDefaultsVersionToOne(t *testing.T) {
	env := New("prices", 7, EventUpdate, json.RawMessage(`{"p":1}`), 0)
	if env.V != 1 {
		t.Fatalf("expected default version 1, got %d", env.V)
	}
	if env.Seq != 7 || env.Topic != "prices" || env.Event != EventUpdate {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	env := New("orders", 3, EventUpdate, json.RawMessage(`{"id":42}`), 1)
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Seq != 3 || decoded.Topic != "orders" {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestHeartbeatUsesSyntheticTopicAndZeroSeq(t *testing.T) {
	hb := Heartbeat()
	if hb.Topic != SyntheticHeartbeatTopic {
		t.Fatalf("expected heartbeat topic %q, got %q", SyntheticHeartbeatTopic, hb.Topic)
	}
	if hb.Seq != 0 {
		t.Fatalf("expected heartbeat seq 0, got %d", hb.Seq)
	}
	if hb.Event != EventHeartbeat {
		t.Fatalf("expected heartbeat event, got %q", hb.Event)
	}
}
