package mitm

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dosgo/aa-proxy-go/internal/battery"
	"github.com/dosgo/aa-proxy-go/internal/protocol"
)

// Rule is the closed tagged-variant the design notes (§9) call for in
// place of a function-pointer table: one concrete type per rewrite,
// each implementing Apply. Grounded on pkt_modify_hook's per-feature
// if-blocks in mitm.rs, split one rule per feature for auditability.
type Rule interface {
	// Apply returns the possibly re-encoded payload; changed is true
	// whenever the rule matched the message type and re-encoded it, even
	// if the resulting bytes equal the input.
	Apply(payload []byte) (out []byte, changed bool, err error)
}

// Field numbers the rules below read or rewrite, per the reference's
// protobuf catalogue; implementers must validate these against captured
// traffic (§9 open question). Each is matched as a top-level field of
// the message its rule targets; nested descriptors are not descended
// into.
const (
	fieldInputServiceDensity = 7
	fieldInputServiceTapRestricted = 9
	fieldMediaSinkService   = 12
	fieldTTSSinkService     = 13
	fieldDrivingStatus      = 3
	fieldDeveloperFlag      = 20
	fieldBluetoothService   = 14
	fieldWifiProjectionService = 15
)

const msgServiceDiscoveryResponse = 0x0002

// DPIOverride replaces the input service's display density field.
type DPIOverride struct{ Density int }

func (r DPIOverride) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgServiceDiscoveryResponse) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := protocol.ReencodeVarint(fields, fieldInputServiceDensity, uint64(r.Density))
	return withMsgType(msgServiceDiscoveryResponse, out), true, nil
}

// RemoveTapRestriction clears the "restricted while driving" flag.
type RemoveTapRestriction struct{}

func (r RemoveTapRestriction) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgServiceDiscoveryResponse) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := protocol.ReencodeVarint(fields, fieldInputServiceTapRestricted, 0)
	return withMsgType(msgServiceDiscoveryResponse, out), true, nil
}

// DisableMediaSink strips the media-sink service descriptor entirely.
type DisableMediaSink struct{}

func (r DisableMediaSink) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgServiceDiscoveryResponse) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := protocol.DropField(fields, fieldMediaSinkService)
	return withMsgType(msgServiceDiscoveryResponse, out), true, nil
}

// DisableTTSSink strips the TTS-sink service descriptor entirely.
type DisableTTSSink struct{}

func (r DisableTTSSink) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgServiceDiscoveryResponse) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := protocol.DropField(fields, fieldTTSSinkService)
	return withMsgType(msgServiceDiscoveryResponse, out), true, nil
}

// VideoInMotion clears the driving-status flag in sensor batch frames.
type VideoInMotion struct{}

const msgSensorMessageBatch = 0x0101

func (r VideoInMotion) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgSensorMessageBatch) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := protocol.ReencodeVarint(fields, fieldDrivingStatus, 0)
	return withMsgType(msgSensorMessageBatch, out), true, nil
}

// DeveloperMode sets the developer flag in the configuration message.
type DeveloperMode struct{}

const msgConfig = 0x0005

func (r DeveloperMode) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgConfig) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := protocol.ReencodeVarint(fields, fieldDeveloperFlag, 1)
	return withMsgType(msgConfig, out), true, nil
}

// RemoveBluetoothProjection strips the Bluetooth-projection service
// descriptor entirely, used when a head unit's native Bluetooth audio
// should take over from the AA-carried equivalent.
type RemoveBluetoothProjection struct{}

func (r RemoveBluetoothProjection) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgServiceDiscoveryResponse) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := protocol.DropField(fields, fieldBluetoothService)
	return withMsgType(msgServiceDiscoveryResponse, out), true, nil
}

// RemoveWifiProjection strips the Wi-Fi-projection service descriptor
// entirely, used when the head unit should fall back to the wired/BT
// transport instead of the wireless projection channel.
type RemoveWifiProjection struct{}

func (r RemoveWifiProjection) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgServiceDiscoveryResponse) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := protocol.DropField(fields, fieldWifiProjectionService)
	return withMsgType(msgServiceDiscoveryResponse, out), true, nil
}

// EVRoutingInject advertises EV capability in service discovery. Its
// InjectBatteryFrame method builds a navigation-channel battery-status
// frame from the last battery.Sample (component I's output); the
// Interceptor's forwarding loop does not call it, so no battery frame is
// emitted while forwarding.
type EVRoutingInject struct {
	Slot            *battery.Slot
	ConnectorTypes  []string
	lastInjected    time.Time
}

const (
	fieldEVCapability          = 25
	fieldFuelType              = 26
	fieldSupportedConnectorType = 27
	fuelTypeElectric           = 3
	msgNavigationStatus        = 0x0301
	fieldBatteryLevel          = 4
	fieldBatteryLevelWh        = 5
	fieldBatteryCapacityWh     = 6
	fieldReferenceAirDensity   = 8
	fieldExternalTempCelsius   = 9
)

// Apply advertises EV capability in service discovery: the capability
// flag, FuelType=ELECTRIC, and one repeated supported_ev_connector_type
// descriptor per configured connector (CCS, CHAdeMO, Type 2, ...).
func (r *EVRoutingInject) Apply(payload []byte) ([]byte, bool, error) {
	if !isMessage(payload, msgServiceDiscoveryResponse) {
		return payload, false, nil
	}
	fields, err := protocol.ParseFields(stripMsgType(payload))
	if err != nil {
		return payload, false, err
	}
	out := flatten(fields)
	out = protocol.AppendBytesField(out, fieldEVCapability, []byte{1})
	out = protowire.AppendTag(out, fieldFuelType, protowire.VarintType)
	out = protowire.AppendVarint(out, fuelTypeElectric)
	for _, ct := range r.ConnectorTypes {
		out = protocol.AppendBytesField(out, fieldSupportedConnectorType, []byte(ct))
	}
	return withMsgType(msgServiceDiscoveryResponse, out), true, nil
}

// InjectBatteryFrame builds a synthetic navigation-channel battery
// status frame if a sample is available and the last injection was more
// than a second ago, matching scenario 6's "within 1s" bound.
func (r *EVRoutingInject) InjectBatteryFrame() (protocol.TransportFrame, bool) {
	sample, ok := r.Slot.Load()
	if !ok {
		return protocol.TransportFrame{}, false
	}
	if time.Since(r.lastInjected) < time.Second {
		return protocol.TransportFrame{}, false
	}
	r.lastInjected = time.Now()
	var payload []byte
	payload = protowire.AppendTag(payload, fieldBatteryLevel, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(sample.Level))
	payload = protowire.AppendTag(payload, fieldBatteryLevelWh, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(sample.BatteryLevelWh))
	payload = protowire.AppendTag(payload, fieldBatteryCapacityWh, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(sample.BatteryCapacityWh))
	payload = protowire.AppendTag(payload, fieldReferenceAirDensity, protowire.VarintType)
	payload = protowire.AppendVarint(payload, protowire.EncodeZigZag(int64(sample.ReferenceAirDensity*100)))
	payload = protowire.AppendTag(payload, fieldExternalTempCelsius, protowire.VarintType)
	payload = protowire.AppendVarint(payload, protowire.EncodeZigZag(int64(sample.ExternalTempCelsius*100)))
	full := withMsgType(msgNavigationStatus, payload)
	return protocol.TransportFrame{Channel: navigationChannel, Flags: protocol.FrameFirst | protocol.FrameLast, Payload: full}, true
}

const navigationChannel = 3

func isMessage(payload []byte, msgType uint16) bool {
	if len(payload) < 2 {
		return false
	}
	return uint16(payload[0])<<8|uint16(payload[1]) == msgType
}

func stripMsgType(payload []byte) []byte {
	if len(payload) < 2 {
		return nil
	}
	return payload[2:]
}

func withMsgType(msgType uint16, body []byte) []byte {
	out := make([]byte, 2+len(body))
	out[0] = byte(msgType >> 8)
	out[1] = byte(msgType)
	copy(out[2:], body)
	return out
}

func flatten(fields []protocol.Field) []byte {
	var out []byte
	for _, f := range fields {
		out = protocol.AppendRawField(out, f)
	}
	return out
}

// activeRules returns the rules enabled by configuration, in the fixed
// order pkt_modify_hook applies them (DPI/tap/media/tts first, then
// Bluetooth/Wi-Fi projection removal, then video-in-motion, then
// developer mode, then EV last since it also
// advertises capability in the same discovery response the earlier
// rules may have already trimmed).
func (ic *Interceptor) activeRules(channel byte) []Rule {
	var rules []Rule
	if ic.Cfg.DPI > 0 {
		rules = append(rules, DPIOverride{Density: ic.Cfg.DPI})
	}
	if ic.Cfg.RemoveTap {
		rules = append(rules, RemoveTapRestriction{})
	}
	if ic.Cfg.DisableMedia {
		rules = append(rules, DisableMediaSink{})
	}
	if ic.Cfg.DisableTTS {
		rules = append(rules, DisableTTSSink{})
	}
	if ic.Cfg.RemoveBluetooth {
		rules = append(rules, RemoveBluetoothProjection{})
	}
	if ic.Cfg.RemoveWifi {
		rules = append(rules, RemoveWifiProjection{})
	}
	if ic.Cfg.VideoInMotion {
		rules = append(rules, VideoInMotion{})
	}
	if ic.Cfg.DeveloperMode {
		rules = append(rules, DeveloperMode{})
	}
	if ic.Cfg.EVEnabled {
		rules = append(rules, &EVRoutingInject{Slot: ic.BattSlot, ConnectorTypes: ic.Cfg.EVConnectorTypes})
	}
	return rules
}
