// Package config loads and saves the proxy's TOML configuration,
// mirroring the field layout of the reference aa-proxy-rs config.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPath         = "/etc/aa-proxy-rs/config.toml"
	TCPServerPort       = 5288
	DefaultTimeoutSecs  = 5
	DefaultStatsSecs    = 0
	BatteryIngestAddr   = "127.0.0.1:3030"
	DHUAddr             = "127.0.0.1:5289"
)

// MITM holds the dual-TLS interceptor's identities and feature toggles.
type MITM struct {
	Enabled        bool   `toml:"enabled"`
	HUCert         string `toml:"hu_cert"`
	HUKey          string `toml:"hu_key"`
	MDCert         string `toml:"md_cert"`
	MDKey          string `toml:"md_key"`
	GalRootCert    string `toml:"galroot_cert"`
	DPI            int    `toml:"dpi"`
	RemoveTap      bool   `toml:"remove_tap_restriction"`
	DisableMedia   bool   `toml:"disable_media_sink"`
	DisableTTS     bool   `toml:"disable_tts_sink"`
	VideoInMotion  bool   `toml:"video_in_motion"`
	DeveloperMode  bool   `toml:"developer_mode"`
}

// EV holds the EV-routing feature's battery-script lifecycle hook.
type EV struct {
	Enabled         bool     `toml:"enabled"`
	Script          string   `toml:"script"`
	ConnectorTypes  []string `toml:"connector_types"`
}

// AppConfig is the full recognized set of configuration keys. Fields not
// named in the specification's external-interfaces table are the
// supplemented ones carried over from the original implementation
// (DHU mode, wired USB id, stop_on_disconnect, etc).
type AppConfig struct {
	Advertise     bool   `toml:"advertise"`
	BTAlias       string `toml:"btalias"`
	Connect       string `toml:"connect"`
	Debug         bool   `toml:"debug"`
	HostapdConf   string `toml:"hostapd_conf"`
	Iface         string `toml:"iface"`
	Keepalive     bool   `toml:"keepalive"`
	Legacy        bool   `toml:"legacy"`
	Logfile       string `toml:"logfile"`
	StatsInterval uint32 `toml:"stats_interval"`
	TimeoutSecs   uint32 `toml:"timeout_secs"`
	UDC           string `toml:"udc"`

	MITM MITM `toml:"mitm"`
	EV   EV   `toml:"ev"`

	// Supplemented features, grounded on original_source/src/config.rs.
	DHU             bool   `toml:"dhu"`
	WiredVID        string `toml:"wired_vid"`
	WiredPID        string `toml:"wired_pid"`
	StopOnDisconnect bool  `toml:"stop_on_disconnect"`
	RemoveBluetooth bool   `toml:"remove_bluetooth"`
	RemoveWifi      bool   `toml:"remove_wifi"`
	ChangeUSBOrder  bool   `toml:"change_usb_order"`
	WazeLHTWorkaround bool `toml:"waze_lht_workaround"`
}

func Default() *AppConfig {
	return &AppConfig{
		Iface:       "wlan0",
		HostapdConf: "/etc/hostapd.conf",
		TimeoutSecs: DefaultTimeoutSecs,
		Logfile:     "/var/log/aa-proxy-go.log",
	}
}

// Load reads the TOML file at path over the defaults, returning an
// error on malformed TOML (the caller treats it as CONFIG_INVALID). A
// missing file yields the defaults. Values are not range-checked; a zero
// timeout_secs or an empty iface falls back to its default.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if cfg.TimeoutSecs == 0 {
		cfg.TimeoutSecs = DefaultTimeoutSecs
	}
	if cfg.Iface == "" {
		cfg.Iface = "wlan0"
	}
	return cfg, nil
}

// Save persists cfg to path as TOML.
func Save(cfg *AppConfig, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Shared is a read-mostly handle to the live configuration, mirroring the
// reference implementation's Arc<RwLock<AppConfig>>.
type Shared struct {
	mu  sync.RWMutex
	cfg *AppConfig
}

func NewShared(cfg *AppConfig) *Shared {
	return &Shared{cfg: cfg}
}

func (s *Shared) Get() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

func (s *Shared) Set(cfg *AppConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}
