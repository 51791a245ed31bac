// Hand-rolled protobuf encode/decode for the handful of Android Auto
// messages the bridge needs to read or mutate. Built directly on
// google.golang.org/protobuf/encoding/protowire's low-level wire
// primitives rather than generated .pb.go code, since no protoc
// toolchain is available and the exact message catalogue is itself
// one of the specification's open questions — implementers must
// validate field numbers against captured traffic.
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// WifiStartRequest carries the IP/port the phone should dial.
type WifiStartRequest struct {
	IP   string
	Port uint16
}

func (m WifiStartRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(m.IP))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Port))
	return b
}

// WifiInfoResponse carries the local AP credentials.
type WifiInfoResponse struct {
	SSID         string
	PSK          string
	BSSID        string
	SecurityMode uint32 // 1 = WPA2_PERSONAL per reference's SecurityMode enum
	APType       uint32 // 1 = STATIC, 2 = DYNAMIC
}

func (m WifiInfoResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(m.SSID))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(m.BSSID))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SecurityMode))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(m.PSK))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.APType))
	return b
}

// WifiStartResponse is read back after WifiInfoResponse; status==0
// advances the orchestrator, any other value fails the handshake.
type WifiStartResponse struct {
	Status uint32
}

func UnmarshalWifiStartResponse(data []byte) (WifiStartResponse, error) {
	var m WifiStartResponse
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, fmt.Errorf("bad tag")
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("bad varint")
			}
			m.Status = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return m, fmt.Errorf("bad field")
			}
			data = data[n:]
		}
	}
	return m, nil
}

// field is a decoded top-level protobuf field, used by the generic
// service-discovery rewrite below which must preserve unknown fields
// byte-for-byte (the pass-through fallback in §4.H).
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	bytes   []byte
	raw     []byte // exact encoded bytes, for re-emission when untouched
}

// ParseFields decodes a message into its top-level fields without
// interpreting nested messages, preserving exact bytes for re-emission.
func ParseFields(data []byte) ([]field, error) {
	var fields []field
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("bad tag")
		}
		tagLen := n
		rest := data[n:]
		var valLen int
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, vn := protowire.ConsumeVarint(rest)
			if vn < 0 {
				return nil, fmt.Errorf("bad varint")
			}
			f.varint = v
			valLen = vn
		case protowire.BytesType:
			v, vn := protowire.ConsumeBytes(rest)
			if vn < 0 {
				return nil, fmt.Errorf("bad bytes")
			}
			f.bytes = v
			valLen = vn
		case protowire.Fixed32Type:
			_, vn := protowire.ConsumeFixed32(rest)
			if vn < 0 {
				return nil, fmt.Errorf("bad fixed32")
			}
			valLen = vn
		case protowire.Fixed64Type:
			_, vn := protowire.ConsumeFixed64(rest)
			if vn < 0 {
				return nil, fmt.Errorf("bad fixed64")
			}
			valLen = vn
		default:
			return nil, fmt.Errorf("unsupported wire type %d", typ)
		}
		f.raw = data[:tagLen+valLen]
		fields = append(fields, f)
		data = data[tagLen+valLen:]
	}
	return fields, nil
}

// ReencodeVarint replaces field num's varint value and re-serializes all
// fields in order, used by rewrite rules that flip a single scalar
// (density override, tap-restriction flag, video-in-motion flag).
func ReencodeVarint(fields []field, num protowire.Number, newVal uint64) []byte {
	var out []byte
	for _, f := range fields {
		if f.num == num && f.typ == protowire.VarintType {
			out = protowire.AppendTag(out, f.num, f.typ)
			out = protowire.AppendVarint(out, newVal)
			continue
		}
		out = append(out, f.raw...)
	}
	return out
}

// DropField removes every occurrence of field num, used by the
// disable-media-sink / disable-tts-sink rewrites that strip a
// repeated service descriptor entirely.
func DropField(fields []field, num protowire.Number) []byte {
	var out []byte
	for _, f := range fields {
		if f.num == num {
			continue
		}
		out = append(out, f.raw...)
	}
	return out
}

// AppendBytesField appends a new length-delimited field, used by the EV
// rewrite to inject a synthetic sensor descriptor or capability entry.
func AppendBytesField(data []byte, num protowire.Number, payload []byte) []byte {
	data = protowire.AppendTag(data, num, protowire.BytesType)
	return protowire.AppendBytes(data, payload)
}

// Field exposes field for callers in the mitm package that need direct
// field access (accessor, since the struct itself is unexported to keep
// construction funneled through ParseFields).
type Field = field

func FieldNum(f Field) protowire.Number { return f.num }
func FieldType(f Field) protowire.Type  { return f.typ }
func FieldVarint(f Field) uint64        { return f.varint }
func FieldBytes(f Field) []byte         { return f.bytes }

// AppendRawField appends a field's exact encoded bytes to data, used
// when rebuilding a message from a parsed field list without mutation.
func AppendRawField(data []byte, f Field) []byte {
	return append(data, f.raw...)
}
