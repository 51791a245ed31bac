package errs

import "testing"

func TestFatalClassification(t *testing.T) {
	fatal := []Kind{ConfigInvalid, KernelFacilityMissing}
	for _, k := range fatal {
		if !k.Fatal() {
			t.Errorf("%s should be fatal per the propagation policy", k)
		}
	}

	cycleLocal := []Kind{AdapterAbsent, HandshakeTimeout, TCPAcceptTimeout, USBGone, Stall, PeerClosed, TLSHandshakeFailed, FrameMalformed, IOTransient, HandshakeBadStatus}
	for _, k := range cycleLocal {
		if k.Fatal() {
			t.Errorf("%s should only abort the current cycle, not the process", k)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := New(Stall, "test", nil)
	wrapped := New(IOTransient, "outer", cause)
	if wrapped.Unwrap() != cause {
		t.Fatal("Unwrap should return the wrapped cause")
	}
}
