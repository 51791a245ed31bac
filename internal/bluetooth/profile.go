// Package bluetooth hosts the two RFCOMM profiles the phone needs to see
// (Android Auto, fake headset) via BlueZ's D-Bus ProfileManager1/Profile1
// API, grounded on the teacher's linux/btProxyServer.go Profile1 export
// and RegisterProfile call, and on the adapter-property / ObjectManager
// conventions in mstroecker-LinuxPods's battery_provider.go.
package bluetooth

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/dosgo/aa-proxy-go/internal/errs"
)

const (
	AAProfileUUID  = "4de17a00-52cb-11e6-bdf4-0800200c9a66"
	HSPAGUUID      = "0000111e-0000-1000-8000-00805f9b34fb"
	aaProfilePath  = dbus.ObjectPath("/com/aaproxy/profile/aa")
	hspProfilePath = dbus.ObjectPath("/com/aaproxy/profile/hsp")
	AAChannel      = uint16(8)
	adapterPath    = "/org/bluez/hci0"
)

// ConnectTarget mirrors the data model's {None, AnyCachedPhone, Specific}.
type ConnectTarget struct {
	Specific string // empty means None/passive; "00:00:00:00:00:00" means AnyCachedPhone
}

func (t ConnectTarget) Passive() bool { return t.Specific == "" }
func (t ConnectTarget) Any() bool     { return t.Specific == "00:00:00:00:00:00" }

// profile implements org.bluez.Profile1; incoming RFCOMM connections are
// handed to onConnect as a net.Conn produced from the passed-through fd.
type profile struct {
	onConnect func(net.Conn)
}

func (p *profile) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	file := os.NewFile(uintptr(fd), "rfcomm-socket")
	conn, err := net.FileConn(file)
	if err != nil {
		logrus.WithError(err).Error("bluetooth: fd-to-conn failed")
		return dbus.MakeFailedError(err)
	}
	logrus.WithField("device", device).Info("bluetooth: profile connection accepted")
	go p.onConnect(conn)
	return nil
}

func (p *profile) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	logrus.WithField("device", device).Info("bluetooth: profile disconnect requested")
	return nil
}

func (p *profile) Release() *dbus.Error { return nil }

// Host owns the adapter and the two registered profiles for one
// orchestration cycle, per the BluetoothSession lifecycle in §3.
type Host struct {
	conn    *dbus.Conn
	alias   string
	advertise bool
}

func NewHost(alias string, advertise bool) (*Host, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errs.New(errs.AdapterAbsent, "bluetooth.NewHost", err)
	}
	return &Host{conn: conn, alias: alias, advertise: advertise}, nil
}

// Start registers both profiles, powers and makes the adapter
// discoverable/pairable, and if target is active begins the outbound
// connect loop. onAAConnect receives the RFCOMM net.Conn for the AA
// profile once the phone attaches.
func (h *Host) Start(ctx context.Context, target ConnectTarget, onAAConnect func(net.Conn)) error {
	if err := h.setAdapterProps(map[string]interface{}{
		"Powered":      true,
		"Discoverable": true,
		"Pairable":     true,
		"Alias":        h.alias,
	}); err != nil {
		return errs.New(errs.AdapterAbsent, "bluetooth.Start", err)
	}

	if err := h.registerProfile(aaProfilePath, AAProfileUUID, "aa-proxy", AAChannel, &profile{onConnect: onAAConnect}); err != nil {
		return errs.New(errs.ProfileRegisterFailed, "bluetooth.Start", err)
	}
	// Fake headset profile: registered purely to satisfy the phone's
	// capability check. Per the open question in §9, conservatively
	// respond with an empty capability set rather than real audio.
	if err := h.registerProfile(hspProfilePath, HSPAGUUID, "aa-proxy-hsp", 0, &profile{onConnect: func(c net.Conn) { c.Close() }}); err != nil {
		logrus.WithError(err).Warn("bluetooth: fake headset profile registration failed, continuing without it")
	}

	if !target.Passive() {
		go h.activeConnectLoop(ctx, target)
	}
	return nil
}

func (h *Host) registerProfile(path dbus.ObjectPath, uuid string, name string, channel uint16, p *profile) error {
	if err := h.conn.Export(p, path, "org.bluez.Profile1"); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	opts := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(name),
		"Role": dbus.MakeVariant("server"),
	}
	if channel != 0 {
		opts["Channel"] = dbus.MakeVariant(channel)
	}
	obj := h.conn.Object("org.bluez", "/org/bluez")
	return obj.Call("org.bluez.ProfileManager1.RegisterProfile", 0, path, uuid, opts).Store()
}

func (h *Host) unregisterProfile(path dbus.ObjectPath) {
	obj := h.conn.Object("org.bluez", "/org/bluez")
	_ = obj.Call("org.bluez.ProfileManager1.UnregisterProfile", 0, path).Store()
}

func (h *Host) setAdapterProps(props map[string]interface{}) error {
	obj := h.conn.Object("org.bluez", dbus.ObjectPath(adapterPath))
	for k, v := range props {
		if err := obj.SetProperty("org.bluez.Adapter1."+k, dbus.MakeVariant(v)); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

// activeConnectLoop implements §4.C's active mode: loop Connect(MAC) with
// exponential backoff 1s,2s,4s capped at 10s.
func (h *Host) activeConnectLoop(ctx context.Context, target ConnectTarget) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		addrs := []string{target.Specific}
		if target.Any() {
			var err error
			addrs, err = h.cachedDeviceAddresses()
			if err != nil || len(addrs) == 0 {
				logrus.WithError(err).Debug("bluetooth: no cached devices to try")
				addrs = nil
			}
		}
		connected := false
		for _, addr := range addrs {
			if h.tryConnect(addr) {
				connected = true
				break
			}
		}
		if connected {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
}

func (h *Host) tryConnect(addr string) bool {
	devPath := dbus.ObjectPath(adapterPath + "/dev_" + macToPath(addr))
	obj := h.conn.Object("org.bluez", devPath)
	err := obj.Call("org.bluez.Device1.Connect", 0).Store()
	if err != nil {
		logrus.WithError(err).WithField("addr", addr).Debug("bluetooth: connect attempt failed (PAIR_REJECTED, retrying)")
		return false
	}
	return true
}

// cachedDeviceAddresses lists the address of every device the adapter
// has already paired or seen (every org.bluez.Device1 object), with no
// further filtering, after try_connect_bluetooth_addresses in the
// reference.
func (h *Host) cachedDeviceAddresses() ([]string, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := h.conn.Object("org.bluez", "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, err
	}
	var addrs []string
	for _, ifaces := range objects {
		dev, ok := ifaces["org.bluez.Device1"]
		if !ok {
			continue
		}
		if addrVar, ok := dev["Address"]; ok {
			if addr, ok := addrVar.Value().(string); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}

// PowerOff is called once the handshake (D) succeeds, freeing the 2.4GHz
// band for Wi-Fi per the BluetoothSession invariant in §3.
func (h *Host) PowerOff() error {
	return h.setAdapterProps(map[string]interface{}{"Powered": false})
}

// Stop tears down both profiles, used on Abort.
func (h *Host) Stop() {
	h.unregisterProfile(aaProfilePath)
	h.unregisterProfile(hspProfilePath)
}

func macToPath(mac string) string {
	out := make([]byte, 0, len(mac))
	for _, c := range mac {
		if c == ':' {
			out = append(out, '_')
		} else {
			out = append(out, byte(c))
		}
	}
	return string(out)
}
