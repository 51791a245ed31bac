package bluetooth

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dosgo/aa-proxy-go/internal/errs"
	"github.com/dosgo/aa-proxy-go/internal/protocol"
)

const handshakeTimeout = 10 * time.Second

// APCredentials are read from hostapd.conf, grounded on init_wifi_config
// in the reference implementation's main.rs.
type APCredentials struct {
	SSID string
	PSK  string
	BSSID string
}

// ReadHostapdConf extracts ssid/wpa_passphrase from the given config.
// No other key is read, so the returned BSSID is empty.
func ReadHostapdConf(path string) (APCredentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return APCredentials{}, err
	}
	defer f.Close()
	var creds APCredentials
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ssid":
			creds.SSID = kv[1]
		case "wpa_passphrase":
			creds.PSK = kv[1]
		}
	}
	return creds, sc.Err()
}

// RunHandshake drives component D: transmit WifiInfoResponse then
// WifiStartRequest, then read back WifiStartResponse. status==0
// advances the caller; anything else is HANDSHAKE_BAD_STATUS.
func RunHandshake(conn net.Conn, creds APCredentials, localIP string, port uint16) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	info := protocol.WifiInfoResponse{
		SSID:         creds.SSID,
		PSK:          creds.PSK,
		BSSID:        creds.BSSID,
		SecurityMode: 1, // WPA2_PERSONAL
		APType:       1, // STATIC
	}
	if err := protocol.WriteControlMessage(conn, protocol.ControlMessage{
		ID:      protocol.MsgWifiInfoResponse,
		Payload: info.Marshal(),
	}); err != nil {
		return errs.New(errs.HandshakeTimeout, "handshake.info", err)
	}

	start := protocol.WifiStartRequest{IP: localIP, Port: port}
	if err := protocol.WriteControlMessage(conn, protocol.ControlMessage{
		ID:      protocol.MsgWifiStartRequest,
		Payload: start.Marshal(),
	}); err != nil {
		return errs.New(errs.HandshakeTimeout, "handshake.start", err)
	}

	msg, err := protocol.ReadControlMessage(conn)
	if err != nil {
		return errs.New(errs.HandshakeTimeout, "handshake.read", err)
	}
	if msg.ID != protocol.MsgWifiStartResponse {
		return errs.New(errs.HandshakeBadStatus, "handshake.read", fmt.Errorf("unexpected message id %d", msg.ID))
	}
	resp, err := protocol.UnmarshalWifiStartResponse(msg.Payload)
	if err != nil {
		return errs.New(errs.HandshakeBadStatus, "handshake.decode", err)
	}
	if resp.Status != 0 {
		return errs.New(errs.HandshakeBadStatus, "handshake.status", fmt.Errorf("status=%d", resp.Status))
	}
	logrus.Info("bluetooth: handshake succeeded")
	return nil
}

// LocalWifiIP resolves the first IPv4 address on iface, used as the IP
// the phone is told to dial.
func LocalWifiIP(iface string) (string, error) {
	i, err := net.InterfaceByName(iface)
	if err != nil {
		return "", err
	}
	addrs, err := i.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no IPv4 address on %s", iface)
}
