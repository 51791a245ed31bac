package orchestrator

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dosgo/aa-proxy-go/internal/config"
	"github.com/dosgo/aa-proxy-go/internal/errs"
)

// HuTransport is the head-unit-facing byte stream Forward reads/writes,
// grounded on §9.1: either the real USB accessory character device or,
// in DHU mode, a TCP session to a desktop head-unit emulator standing
// in for it.
type HuTransport interface {
	io.ReadWriteCloser
}

// accessoryTransport is the default HuTransport: the ConfigFS accessory
// gadget's character device.
type accessoryTransport struct{ f *os.File }

func (t *accessoryTransport) Read(p []byte) (int, error)  { return t.f.Read(p) }
func (t *accessoryTransport) Write(p []byte) (int, error) { return t.f.Write(p) }
func (t *accessoryTransport) Close() error                { return t.f.Close() }

// dhuTransport substitutes a TCP session to a Desktop Head Unit emulator
// for the physical accessory gadget, per §9.1's supplemented DHU mode.
type dhuTransport struct{ conn net.Conn }

func (t *dhuTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *dhuTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *dhuTransport) Close() error                { return t.conn.Close() }

// openHuTransport picks accessoryTransport or dhuTransport per cfg.DHU.
func (o *Orchestrator) openHuTransport(cfg config.AppConfig) (HuTransport, error) {
	if cfg.DHU {
		conn, err := net.Dial("tcp", config.DHUAddr)
		if err != nil {
			return nil, errs.New(errs.USBGone, "orchestrator.openHuTransport", err)
		}
		return &dhuTransport{conn: conn}, nil
	}
	f, err := os.OpenFile(o.Gadget.AccessoryPath(), os.O_RDWR, 0)
	if err != nil {
		return nil, errs.New(errs.USBGone, "orchestrator.openHuTransport", err)
	}
	return &accessoryTransport{f: f}, nil
}

// MdTransport is the phone-facing byte stream Forward reads/writes,
// grounded on §9.2: either the TCP session opened after the wireless
// handshake or, in wired mode, a raw USB device node matched by the
// phone's advertised vendor/product id (AOAP enumerates the phone as a
// USB device once accessory mode is negotiated).
type MdTransport interface {
	io.ReadWriteCloser
}

type tcpTransport struct{ conn net.Conn }

func (t *tcpTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tcpTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tcpTransport) Close() error                { return t.conn.Close() }

type usbTransport struct{ f *os.File }

func (t *usbTransport) Read(p []byte) (int, error)  { return t.f.Read(p) }
func (t *usbTransport) Write(p []byte) (int, error) { return t.f.Write(p) }
func (t *usbTransport) Close() error                { return t.f.Close() }

// openWiredMdTransport locates the phone by cfg.WiredVID/WiredPID and
// opens its raw USB device node, per §9.2's supplemented wired mode.
func openWiredMdTransport(cfg config.AppConfig) (MdTransport, error) {
	path, err := findWiredUSBDevice(cfg.WiredVID, cfg.WiredPID)
	if err != nil {
		return nil, errs.New(errs.USBGone, "orchestrator.openWiredMdTransport", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.New(errs.USBGone, "orchestrator.openWiredMdTransport", err)
	}
	return &usbTransport{f: f}, nil
}

// findWiredUSBDevice scans /sys/bus/usb/devices for a device whose
// idVendor/idProduct match vid/pid (hex, with or without a leading
// "0x" as the reference implementation accepts in its config) and
// returns its /dev/bus/usb/<bus>/<dev> node.
func findWiredUSBDevice(vid, pid string) (string, error) {
	vid = strings.ToLower(strings.TrimPrefix(vid, "0x"))
	pid = strings.ToLower(strings.TrimPrefix(pid, "0x"))

	matches, err := filepath.Glob("/sys/bus/usb/devices/*")
	if err != nil {
		return "", err
	}
	for _, dir := range matches {
		gotVID, err := readHexAttr(filepath.Join(dir, "idVendor"))
		if err != nil {
			continue
		}
		gotPID, err := readHexAttr(filepath.Join(dir, "idProduct"))
		if err != nil {
			continue
		}
		if gotVID != vid || gotPID != pid {
			continue
		}
		busNum, err := readIntAttr(filepath.Join(dir, "busnum"))
		if err != nil {
			continue
		}
		devNum, err := readIntAttr(filepath.Join(dir, "devnum"))
		if err != nil {
			continue
		}
		return fmt.Sprintf("/dev/bus/usb/%03d/%03d", busNum, devNum), nil
	}
	return "", fmt.Errorf("no USB device matching %s:%s", vid, pid)
}

func readHexAttr(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(b))), nil
}

func readIntAttr(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
