// Package datapump implements the bidirectional byte forwarder between
// the phone's TCP socket and the HU's accessory character device.
//
// The specification (§4.G, §9) calls for completion-queue (io_uring)
// semantics: a read submission owns a buffer slot, and on completion the
// slot is immediately submitted as a write to the opposite endpoint.
// Without io_uring, the design notes mandate the documented emulation:
// one OS thread per direction performing blocking reads/writes, handing
// completed reads to the opposite direction's writer over a channel.
// Grounded on comm/mux.go's readLoop (goroutine parses frames, dispatches
// to per-stream channels) and comm/server/server.go's sendFrame (mutex
// guards the physical write so interleaved writers can't tear a frame),
// generalized here to the pump's two plain-byte directions.
package datapump

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dosgo/aa-proxy-go/internal/errs"
)

const (
	slotSize  = 16 * 1024
	slotCount = 4
)

// Stats holds the monotonic counters from the data model's Stats type.
type Stats struct {
	BytesPhoneToHU  atomic.Uint64
	BytesHUToPhone  atomic.Uint64
	FramesRewritten atomic.Uint64
	lastProgress    atomic.Int64 // unix nanos
}

func (s *Stats) touchProgress() {
	s.lastProgress.Store(time.Now().UnixNano())
}

func (s *Stats) idleFor() time.Duration {
	last := s.lastProgress.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Endpoint is the minimal blocking-I/O surface the pump needs from each
// side; both net.Conn and *os.File (the accessory device) satisfy it.
type Endpoint interface {
	io.Reader
	io.Writer
}

// Pump forwards bytes in both directions between a and b until ctx is
// cancelled or a fatal condition occurs.
type Pump struct {
	A, B       Endpoint
	Stats      *Stats
	TimeoutSecs uint32
	StatsEvery time.Duration
}

// direction runs one blocking read-loop goroutine per §9's emulation:
// read from src, forward each (possibly short) read verbatim to dst
// over a bounded channel queue standing in for the slot ring, and let a
// single writer goroutine drain it in FIFO order.
func direction(ctx context.Context, src, dst Endpoint, counter *atomic.Uint64, progress *Stats, errc chan<- error, label string) {
	type chunk struct{ buf []byte }
	queue := make(chan chunk, slotCount)

	// Writer: preserves FIFO order of the reads that produced each
	// chunk, matching the "write ordering within a direction" contract.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for c := range queue {
			if _, err := dst.Write(c.buf); err != nil {
				select {
				case errc <- classifyIOErr(err, label):
				case <-ctx.Done():
				}
				return
			}
			counter.Add(uint64(len(c.buf)))
			progress.touchProgress()
		}
	}()

	defer close(queue)
	buf := make([]byte, slotSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case queue <- chunk{buf: cp}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case errc <- classifyIOErr(err, label):
			case <-ctx.Done():
			}
			return
		}
	}
}

// classifyIOErr maps a raw I/O error to the §4.G error contract: ENODEV
// on the accessory device (the kernel's signal that the HU detached
// mid-forward) is USB_GONE, not a generic peer close.
func classifyIOErr(err error, label string) error {
	if errors.Is(err, syscall.ENODEV) {
		return errs.New(errs.USBGone, "datapump."+label, err)
	}
	if errors.Is(err, io.EOF) {
		return errs.New(errs.PeerClosed, "datapump."+label, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.New(errs.IOTransient, "datapump."+label, err)
	}
	return errs.New(errs.PeerClosed, "datapump."+label, err)
}

// Run blocks until a stall, peer close, or ctx cancellation occurs,
// returning the classified error from §4.G (STALL, USB_GONE, CLOSED
// rendered as PeerClosed, IO_TRANSIENT).
func (p *Pump) Run(ctx context.Context) error {
	if p.TimeoutSecs == 0 {
		p.TimeoutSecs = 5
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go direction(ctx, p.A, p.B, &p.Stats.BytesPhoneToHU, p.Stats, errc, "phone->hu")
	go direction(ctx, p.B, p.A, &p.Stats.BytesHUToPhone, p.Stats, errc, "hu->phone")

	stall := time.NewTicker(time.Duration(p.TimeoutSecs) * time.Second)
	defer stall.Stop()

	var statsTick <-chan time.Time
	if p.StatsEvery > 0 {
		t := time.NewTicker(p.StatsEvery)
		defer t.Stop()
		statsTick = t.C
	}

	var lastPhoneToHU, lastHUToPhone uint64
	for {
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-stall.C:
			cur1 := p.Stats.BytesPhoneToHU.Load()
			cur2 := p.Stats.BytesHUToPhone.Load()
			if cur1 == lastPhoneToHU && cur2 == lastHUToPhone {
				return errs.New(errs.Stall, "datapump.Run", nil)
			}
			lastPhoneToHU, lastHUToPhone = cur1, cur2
		case <-statsTick:
			logrus.WithFields(logrus.Fields{
				"bytes_phone_to_hu": p.Stats.BytesPhoneToHU.Load(),
				"bytes_hu_to_phone": p.Stats.BytesHUToPhone.Load(),
			}).Info("datapump: periodic stats")
		}
	}
}
