package protocol

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestControlMessageRoundTrip(t *testing.T) {
	msg := ControlMessage{ID: MsgWifiStartRequest, Payload: []byte("hello-payload")}
	var buf bytes.Buffer
	if err := WriteControlMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadControlMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != msg.ID || !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestWifiStartResponseRoundTrip(t *testing.T) {
	// WifiInfoResponse must encode to non-empty bytes; there is no
	// decoder for it, so only WifiStartResponse is decoded below.
	info := WifiInfoResponse{SSID: "car-net", PSK: "secretpw", BSSID: "AA:BB:CC:DD:EE:FF", SecurityMode: 1, APType: 2}
	encoded := info.Marshal()
	if len(encoded) == 0 {
		t.Fatal("expected non-empty encoding")
	}

	resp := WifiStartResponse{Status: 0}
	// Round trip the response type directly since it is the one side
	// the core itself must decode.
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.VarintType)
	raw = protowire.AppendVarint(raw, uint64(resp.Status))
	decoded, err := UnmarshalWifiStartResponse(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status != resp.Status {
		t.Fatalf("status mismatch: got %d, want %d", decoded.Status, resp.Status)
	}
}

func TestFragmentReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 1000) // 8000 bytes

	for _, maxFrag := range []int{1, 7, 64, 4096, len(payload), len(payload) * 2} {
		frames := Fragment(3, 0, payload, maxFrag)
		reasm := NewReassembler()
		var got []byte
		var ok bool
		for _, f := range frames {
			got, ok = reasm.Feed(f)
		}
		if !ok {
			t.Fatalf("maxFrag=%d: reassembly never completed", maxFrag)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("maxFrag=%d: round trip mismatch (got %d bytes, want %d)", maxFrag, len(got), len(payload))
		}
	}
}

func TestTransportFrameRoundTrip(t *testing.T) {
	f := TransportFrame{Channel: 2, Flags: FrameFirst | FrameLast | FrameEncrypted, Payload: []byte{1, 2, 3, 4}}
	var buf bytes.Buffer
	if err := WriteTransportFrame(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadTransportFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Channel != f.Channel || got.Flags != f.Flags || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
	if !got.Encrypted() || !got.IsFirst() || !got.IsLast() {
		t.Fatal("flag accessors disagree with encoded flags")
	}
}
