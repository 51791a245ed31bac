// Package mitm implements component H: dual TLS termination on the
// phone- and HU-facing sides, frame reassembly, and the message-level
// rewrite table. Grounded on the reference implementation's mitm.rs
// (Packet encrypt/decrypt/transmit, pkt_modify_hook, ssl_builder) with
// the OpenSSL BIO-memory plumbing replaced by Go's native crypto/tls
// (since no cgo-OpenSSL binding exists anywhere in the retrieved pack;
// other_examples/z3r0l1nk-wifipineapplepager-payloads uses stdlib
// crypto/tls directly, the only TLS usage the corpus offers).
//
// The design notes (§9) direct implementers to prefer a tagged-variant
// switch over a function-pointer table for the rewrite rules; Rule
// (rules.go) is that closed variant, one concrete type per rewrite,
// each applied in turn through its Apply method by applyRewrites.
package mitm

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dosgo/aa-proxy-go/internal/battery"
	"github.com/dosgo/aa-proxy-go/internal/errs"
	"github.com/dosgo/aa-proxy-go/internal/protocol"
)

const (
	versionReq  byte = 0x01
	versionResp byte = 0x03
	maxFragment      = 16 * 1024
)

// Identities is the five-PEM-artifact set from §4.H.
type Identities struct {
	HUCert, HUKey     string
	MDCert, MDKey     string
	GalRootCert       string
}

func (id Identities) huTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(id.HUCert, id.HUKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12, MaxVersion: tls.VersionTLS12}, nil
}

func (id Identities) mdTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(id.MDCert, id.MDKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12, MaxVersion: tls.VersionTLS12}, nil
}

// Config toggles the rewrite rules, mirroring config.MITM/EV fields.
type Config struct {
	DPI              int
	RemoveTap        bool
	DisableMedia     bool
	DisableTTS       bool
	VideoInMotion    bool
	DeveloperMode    bool
	RemoveBluetooth  bool
	RemoveWifi       bool
	EVEnabled        bool
	EVConnectorTypes []string
}

// Interceptor owns one Forward-state cycle's dual TLS sessions.
type Interceptor struct {
	ID       Identities
	Cfg      Config
	BattSlot *battery.Slot
	Stats    *MitmStats
}

// MitmStats extends the pump's byte counters with the rewrite count
// invariant from §8 (exactly one frame out per frame in).
type MitmStats struct {
	BytesPhoneToHU  atomic.Uint64
	BytesHUToPhone  atomic.Uint64
	FramesRewritten atomic.Uint64
}

// Run bridges phoneConn (TCP, phone-facing) and huConn (accessory fd,
// HU-facing) through the dual TLS pipeline until ctx is cancelled or a
// fatal frame/IO condition occurs.
func (ic *Interceptor) Run(ctx context.Context, phoneConn, huConn io.ReadWriteCloser) error {
	if err := bypassVersionExchange(phoneConn, huConn); err != nil {
		return errs.New(errs.TLSHandshakeFailed, "mitm.versionExchange", err)
	}

	huTLSCfg, err := ic.ID.huTLSConfig()
	if err != nil {
		return errs.New(errs.TLSHandshakeFailed, "mitm.huTLSConfig", err)
	}
	mdTLSCfg, err := ic.ID.mdTLSConfig()
	if err != nil {
		return errs.New(errs.TLSHandshakeFailed, "mitm.mdTLSConfig", err)
	}

	huTLS := tls.Server(asConn(huConn), huTLSCfg)
	mdTLS := tls.Server(asConn(phoneConn), mdTLSCfg)
	if err := huTLS.HandshakeContext(ctx); err != nil {
		return errs.New(errs.TLSHandshakeFailed, "mitm.huHandshake", err)
	}
	if err := mdTLS.HandshakeContext(ctx); err != nil {
		return errs.New(errs.TLSHandshakeFailed, "mitm.mdHandshake", err)
	}
	logrus.Info("mitm: dual TLS handshake complete, forwarding frames")

	errc := make(chan error, 2)
	go ic.pumpSide(ctx, mdTLS, huTLS, &ic.Stats.BytesPhoneToHU, "phone->hu", errc)
	go ic.pumpSide(ctx, huTLS, mdTLS, &ic.Stats.BytesHUToPhone, "hu->phone", errc)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bypassVersionExchange relays the plaintext version-exchange frame
// (channel 0, type 0x0001/0x0003) verbatim between phoneConn and huConn
// before either side starts TLS, per §4.H: the proxy neither originates
// nor interprets the version numbers, it only forwards the bytes each
// real endpoint sent so their own negotiation is unaffected by the MITM.
func bypassVersionExchange(phoneConn, huConn io.ReadWriter) error {
	fromPhone, err := protocol.ReadTransportFrame(phoneConn)
	if err != nil {
		return fmt.Errorf("read version frame from phone: %w", err)
	}
	if err := protocol.WriteTransportFrame(huConn, fromPhone); err != nil {
		return fmt.Errorf("forward version frame to HU: %w", err)
	}
	fromHU, err := protocol.ReadTransportFrame(huConn)
	if err != nil {
		return fmt.Errorf("read version frame from HU: %w", err)
	}
	if err := protocol.WriteTransportFrame(phoneConn, fromHU); err != nil {
		return fmt.Errorf("forward version frame to phone: %w", err)
	}
	return nil
}

// pumpSide reads reassembled logical frames from src, applies the
// rewrite table, and re-emits on dst, preserving the invariant that
// exactly one frame out is produced per frame in (§8 invariant 4).
func (ic *Interceptor) pumpSide(ctx context.Context, src, dst io.ReadWriter, counter *atomic.Uint64, label string, errc chan<- error) {
	reasm := protocol.NewReassembler()
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := protocol.ReadTransportFrame(src)
		if err != nil {
			errc <- errs.New(errs.PeerClosed, "mitm."+label, err)
			return
		}
		payload, complete := reasm.Feed(frame)
		if !complete {
			continue
		}

		out, rewritten, err := ic.applyRewrites(frame.Channel, payload)
		if err != nil {
			errc <- errs.New(errs.FrameMalformed, "mitm."+label, err)
			return
		}
		if rewritten {
			ic.Stats.FramesRewritten.Add(1)
		}

		for _, f := range protocol.Fragment(frame.Channel, frame.Flags&protocol.FrameEncrypted, out, maxFragment) {
			if err := protocol.WriteTransportFrame(dst, f); err != nil {
				errc <- errs.New(errs.PeerClosed, "mitm."+label, err)
				return
			}
			counter.Add(uint64(len(f.Payload)))
		}
	}
}

// applyRewrites consults the rule table (rules.go) and returns the
// possibly-mutated payload. Rules match on the message type in the first
// two payload bytes; the channel is not consulted. Any frame not matched
// by a rule is returned byte-for-byte (the pass-through fallback in
// §4.H).
func (ic *Interceptor) applyRewrites(channel byte, payload []byte) (out []byte, rewritten bool, err error) {
	rules := ic.activeRules(channel)
	out = payload
	for _, rule := range rules {
		next, changed, rerr := rule.Apply(out)
		if rerr != nil {
			return nil, false, fmt.Errorf("rule %T: %w", rule, rerr)
		}
		if changed {
			out = next
			rewritten = true
		}
	}
	return out, rewritten, nil
}

// asConn adapts an io.ReadWriteCloser to net.Conn for crypto/tls. A
// value that already has the full net.Conn method set is used as-is;
// anything else (such as the orchestrator's transport wrappers) is
// wrapped in wrapConn, which has no-op deadlines and placeholder
// addresses.
func asConn(rwc io.ReadWriteCloser) connShim {
	if c, ok := rwc.(connShim); ok {
		return c
	}
	return wrapConn{rwc}
}

type connShim interface {
	netConn
}
