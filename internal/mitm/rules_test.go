package mitm

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dosgo/aa-proxy-go/internal/protocol"
)

func serviceDiscoveryResponse(density int) []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldInputServiceDensity, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(density))
	body = protowire.AppendTag(body, 99, protowire.BytesType) // unrelated descriptor, must survive untouched
	body = protowire.AppendBytes(body, []byte("untouched"))
	return withMsgType(msgServiceDiscoveryResponse, body)
}

// TestDPIOverride mirrors scenario 5: a captured ServiceDiscoveryResponse
// with density=160 traverses the rule and emerges with density=130,
// while the unrelated descriptor is byte-identical.
func TestDPIOverride(t *testing.T) {
	in := serviceDiscoveryResponse(160)
	rule := DPIOverride{Density: 130}

	out, changed, err := rule.Apply(in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("expected the density field to be rewritten")
	}

	fields, err := protocol.ParseFields(stripMsgType(out))
	if err != nil {
		t.Fatalf("parse rewritten payload: %v", err)
	}
	var gotDensity uint64
	var gotUnrelated []byte
	for _, f := range fields {
		switch protocol.FieldNum(f) {
		case fieldInputServiceDensity:
			gotDensity = protocol.FieldVarint(f)
		case 99:
			gotUnrelated = protocol.FieldBytes(f)
		}
	}
	if gotDensity != 130 {
		t.Errorf("density = %d, want 130", gotDensity)
	}
	if string(gotUnrelated) != "untouched" {
		t.Errorf("unrelated descriptor mutated: got %q", gotUnrelated)
	}
}

func TestRemoveBluetoothProjectionStripsDescriptor(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, fieldBluetoothService, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("bt-descriptor"))
	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("untouched"))
	in := withMsgType(msgServiceDiscoveryResponse, body)

	out, changed, err := (RemoveBluetoothProjection{}).Apply(in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("expected the bluetooth descriptor to be dropped")
	}
	fields, err := protocol.ParseFields(stripMsgType(out))
	if err != nil {
		t.Fatalf("parse rewritten payload: %v", err)
	}
	for _, f := range fields {
		if protocol.FieldNum(f) == fieldBluetoothService {
			t.Fatal("bluetooth descriptor should have been removed")
		}
	}
}

func TestEVRoutingInjectAppendsFuelTypeAndConnectors(t *testing.T) {
	in := withMsgType(msgServiceDiscoveryResponse, nil)
	rule := &EVRoutingInject{ConnectorTypes: []string{"CCS", "CHAdeMO"}}

	out, changed, err := rule.Apply(in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("expected EV capability fields to be appended")
	}
	fields, err := protocol.ParseFields(stripMsgType(out))
	if err != nil {
		t.Fatalf("parse rewritten payload: %v", err)
	}
	var gotFuelType uint64
	var connectorCount int
	for _, f := range fields {
		switch protocol.FieldNum(f) {
		case fieldFuelType:
			gotFuelType = protocol.FieldVarint(f)
		case fieldSupportedConnectorType:
			connectorCount++
		}
	}
	if gotFuelType != fuelTypeElectric {
		t.Errorf("fuel type = %d, want %d", gotFuelType, fuelTypeElectric)
	}
	if connectorCount != 2 {
		t.Errorf("connector type count = %d, want 2", connectorCount)
	}
}

func TestDPIOverrideIgnoresOtherMessages(t *testing.T) {
	rule := DPIOverride{Density: 130}
	in := withMsgType(msgSensorMessageBatch, []byte{0x01})
	out, changed, err := rule.Apply(in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if changed {
		t.Fatal("rule should not touch messages it doesn't match")
	}
	if string(out) != string(in) {
		t.Fatal("unmatched message must pass through byte-for-byte")
	}
}
