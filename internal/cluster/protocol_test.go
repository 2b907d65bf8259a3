package cluster

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestClassifyStaleness(t *testing.T) {
	fresh := 15 * time.Second
	stale := 90 * time.Second

	tests := []struct {
		name string
		age  time.Duration
		want Staleness
	}{
		{"zero age", 0, StalenessFresh},
		{"just under fresh", fresh - time.Millisecond, StalenessFresh},
		{"exactly fresh threshold", fresh, StalenessStale},
		{"mid stale band", 45 * time.Second, StalenessStale},
		{"just under stale threshold", stale - time.Millisecond, StalenessStale},
		{"exactly stale threshold", stale, StalenessDisconnected},
		{"way past", time.Hour, StalenessDisconnected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyStaleness(tc.age, fresh, stale); got != tc.want {
				t.Errorf("ClassifyStaleness(%s) = %s, want %s", tc.age, got, tc.want)
			}
		})
	}
}

func TestMarshalIntentAgentStop(t *testing.T) {
	data, err := MarshalIntent(AgentStopIntent("agent-1", true, 30))
	if err != nil {
		t.Fatalf("MarshalIntent: %v", err)
	}

	var got struct {
		Type           string `json:"type"`
		AgentID        string `json:"agent_id"`
		Force          bool   `json:"force"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeAgentStop || got.AgentID != "agent-1" || !got.Force || got.TimeoutSeconds != 30 {
		t.Errorf("unexpected frame: %+v", got)
	}
}

func TestMarshalIntentUnknownKind(t *testing.T) {
	if _, err := MarshalIntent(Intent{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown intent kind")
	}
}

func TestTerminalInputRoundTrip(t *testing.T) {
	// Arbitrary binary including NUL and high bytes must survive the JSON
	// envelope intact.
	raw := []byte{0x00, 0x1b, '[', 'A', 0xff, 0xfe, '\n'}

	data, err := MarshalIntent(TerminalInputIntent("agent-1", raw))
	if err != nil {
		t.Fatalf("MarshalIntent: %v", err)
	}

	var frame struct {
		Type    string `json:"type"`
		AgentID string `json:"agent_id"`
		Data    string `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != TypeTerminalInput {
		t.Errorf("type = %q, want %q", frame.Type, TypeTerminalInput)
	}

	decoded, err := DecodeTerminalData(frame.Data)
	if err != nil {
		t.Fatalf("DecodeTerminalData: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Errorf("round trip mismatch: got %v, want %v", decoded, raw)
	}
}

func TestDecodeTerminalDataRejectsGarbage(t *testing.T) {
	if _, err := DecodeTerminalData("not hex!"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
}

func TestEnvelopeRouting(t *testing.T) {
	data := []byte(`{"type":"heartbeat","daemon_id":"d1","agents":[{"id":"a1","status":"running"}]}`)

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeHeartbeat {
		t.Fatalf("type = %q, want %q", env.Type, TypeHeartbeat)
	}

	var msg HeartbeatMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if msg.DaemonID != "d1" || len(msg.Agents) != 1 || msg.Agents[0].ID != "a1" {
		t.Errorf("unexpected heartbeat: %+v", msg)
	}
}
