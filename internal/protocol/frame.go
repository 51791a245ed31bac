// Package protocol implements the two on-wire framings used by the
// bridge: the RFCOMM handshake's ControlMessage envelope and the
// bulk/TCP AATransportFrame, grounded on the reference implementation's
// bluetooth.rs send_message/read_message and mitm.rs Packet framing,
// and on the header-then-payload read idiom in comm/mux.go's readLoop.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Handshake message type codes, matching bluetooth.rs's MessageId.
const (
	MsgWifiStartRequest  uint16 = 1
	MsgWifiStartResponse uint16 = 3
	MsgWifiInfoRequest   uint16 = 4
	MsgWifiInfoResponse  uint16 = 5
	MsgWifiConnectStatus uint16 = 6
)

// ControlMessage is the handshake envelope: a 2-byte length prefix
// (covering the 2-byte message id plus payload), the message id, then
// the protobuf payload.
type ControlMessage struct {
	ID      uint16
	Payload []byte
}

// WriteControlMessage writes the 4-byte header ([u16 len][u16 id]) then
// payload, matching bluetooth.rs's send_message.
func WriteControlMessage(w io.Writer, m ControlMessage) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(m.Payload)+2))
	binary.BigEndian.PutUint16(hdr[2:4], m.ID)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadControlMessage reads one handshake message.
func ReadControlMessage(r io.Reader) (ControlMessage, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return ControlMessage{}, err
	}
	length := binary.BigEndian.Uint16(hdr[0:2])
	id := binary.BigEndian.Uint16(hdr[2:4])
	if length < 2 {
		return ControlMessage{}, fmt.Errorf("control message length %d too short", length)
	}
	payload := make([]byte, length-2)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return ControlMessage{}, err
		}
	}
	return ControlMessage{ID: id, Payload: payload}, nil
}

// Transport frame flag bits, matching mitm.rs's FRAME_TYPE_* constants.
const (
	FrameFirst     byte = 1 << 0
	FrameLast      byte = 1 << 1
	FrameTypeMask  byte = FrameFirst | FrameLast
	FrameEncrypted byte = 1 << 3
)

const TransportHeaderLen = 4

// TransportFrame is the AA session-layer frame used after handshake on
// the bulk/TCP path: [u8 channel][u8 flags][u16 payload_len_be][payload].
type TransportFrame struct {
	Channel byte
	Flags   byte
	Payload []byte
}

func (f TransportFrame) Encrypted() bool { return f.Flags&FrameEncrypted != 0 }
func (f TransportFrame) IsFirst() bool   { return f.Flags&FrameFirst != 0 }
func (f TransportFrame) IsLast() bool    { return f.Flags&FrameLast != 0 }

// WriteTransportFrame encodes and writes a single frame envelope.
func WriteTransportFrame(w io.Writer, f TransportFrame) error {
	hdr := make([]byte, TransportHeaderLen)
	hdr[0] = f.Channel
	hdr[1] = f.Flags
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(f.Payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadTransportFrame reads a single frame envelope without reassembling
// fragments; the caller handles multi-fragment sequences with this
// package's Reassembler.
func ReadTransportFrame(r io.Reader) (TransportFrame, error) {
	hdr := make([]byte, TransportHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return TransportFrame{}, err
	}
	length := binary.BigEndian.Uint16(hdr[2:4])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return TransportFrame{}, err
		}
	}
	return TransportFrame{Channel: hdr[0], Flags: hdr[1], Payload: payload}, nil
}

// Fragment splits payload into frames of at most maxFragment bytes on
// the given channel, setting the first/last flags appropriately; used
// by MITM re-framing after a rewrite. Fragmenting then reassembling at any
// maxFragment <= len(payload) must reproduce the original bytes
// (the round-trip property from §8).
func Fragment(channel byte, baseFlags byte, payload []byte, maxFragment int) []TransportFrame {
	if maxFragment <= 0 || len(payload) <= maxFragment {
		f := baseFlags | FrameFirst | FrameLast
		return []TransportFrame{{Channel: channel, Flags: f, Payload: payload}}
	}
	var frames []TransportFrame
	for off := 0; off < len(payload); off += maxFragment {
		end := off + maxFragment
		if end > len(payload) {
			end = len(payload)
		}
		flags := baseFlags
		if off == 0 {
			flags |= FrameFirst
		}
		if end == len(payload) {
			flags |= FrameLast
		}
		frames = append(frames, TransportFrame{Channel: channel, Flags: flags, Payload: payload[off:end]})
	}
	return frames
}

// Reassembler accumulates fragments per channel until a last-fragment
// frame completes the logical payload.
type Reassembler struct {
	partial map[byte][]byte
}

func NewReassembler() *Reassembler {
	return &Reassembler{partial: make(map[byte][]byte)}
}

// Feed returns the reassembled payload and true once a frame sequence on
// f.Channel completes; otherwise it buffers and returns (nil, false).
func (r *Reassembler) Feed(f TransportFrame) ([]byte, bool) {
	if f.IsFirst() {
		r.partial[f.Channel] = append([]byte{}, f.Payload...)
	} else {
		r.partial[f.Channel] = append(r.partial[f.Channel], f.Payload...)
	}
	if f.IsLast() {
		complete := r.partial[f.Channel]
		delete(r.partial, f.Channel)
		return complete, true
	}
	return nil, false
}
