// Package uevent subscribes to the kernel's NETLINK_KOBJECT_UEVENT
// socket to detect accessory-mode transitions, grounded on the
// reference implementation's netlink_sys-based uevent_listener and on
// the raw AF_BLUETOOTH socket idiom in comm/bt_linux.go (both build
// sockets directly via golang.org/x/sys/unix rather than a higher-level
// wrapper).
package uevent

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Event is a coalesced accessory-device state edge.
type Event struct {
	Ready bool
}

// Listener wraps a raw netlink-kobject-uevent socket.
type Listener struct {
	fd int
}

// Open binds a NETLINK_KOBJECT_UEVENT socket. Per §4.B, if this fails the
// caller should downgrade to bounded polling rather than treat it fatal.
func Open() (*Listener, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Listener{fd: fd}, nil
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// Watch reads uevents until ctx is cancelled, coalescing duplicate edges
// and emitting only on a readiness-state change, per the back-pressure
// policy in §4.B ("drop duplicate edges; always coalesce to latest").
func (l *Listener) Watch(ctx context.Context, devName string) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		defer l.Close()

		buf := make([]byte, 4096)
		lastReady := false
		unix.SetNonblock(l.fd, true)
		for {
			if ctx.Err() != nil {
				return
			}
			n, _, err := unix.Recvfrom(l.fd, buf, 0)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					select {
					case <-ctx.Done():
						return
					case <-time.After(50 * time.Millisecond):
						continue
					}
				}
				logrus.WithError(err).Warn("uevent: recv failed")
				return
			}
			msg := string(buf[:n])
			ready := isAccessoryStart(msg, devName)
			if ready != lastReady {
				lastReady = ready
				select {
				case out <- Event{Ready: ready}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// isAccessoryStart matches the reference's check: DEVNAME==devName and
// ACCESSORY==START among the NUL-separated KEY=VALUE records in the
// uevent payload.
func isAccessoryStart(msg, devName string) bool {
	fields := strings.Split(msg, "\x00")
	var gotDev, started bool
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "DEVNAME="):
			if strings.TrimPrefix(f, "DEVNAME=") == devName {
				gotDev = true
			}
		case strings.HasPrefix(f, "ACCESSORY="):
			if strings.TrimPrefix(f, "ACCESSORY=") == "START" {
				started = true
			}
		}
	}
	return gotDev && started
}

// PollFallback implements the bounded-polling downgrade (200ms interval,
// 15s cap) used when the netlink socket cannot be opened.
func PollFallback(ctx context.Context, path string, exists func(string) bool) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		deadline := time.Now().Add(15 * time.Second)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if exists(path) {
					out <- Event{Ready: true}
					return
				}
				if time.Now().After(deadline) {
					out <- Event{Ready: false}
					return
				}
			}
		}
	}()
	return out
}
