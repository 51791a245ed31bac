// Package orchestrator implements component F, the definitive
// connection state machine from §4.F. It is the single place that owns
// exclusive access to the process-wide OS resources (ConfigFS/UDC, the
// BT adapter) per §5's "single-owner resources acquired on entry to
// PrepUSB/PrepBT, released on Abort" rule.
package orchestrator

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dosgo/aa-proxy-go/internal/battery"
	"github.com/dosgo/aa-proxy-go/internal/bluetooth"
	"github.com/dosgo/aa-proxy-go/internal/config"
	"github.com/dosgo/aa-proxy-go/internal/datapump"
	"github.com/dosgo/aa-proxy-go/internal/errs"
	"github.com/dosgo/aa-proxy-go/internal/mitm"
	"github.com/dosgo/aa-proxy-go/internal/uevent"
	"github.com/dosgo/aa-proxy-go/internal/usbgadget"
)

// State is the orchestrator's current position in the table in §4.F.
type State int

const (
	Idle State = iota
	PrepUSB
	PrepBT
	Handshake
	AwaitTCP
	Forward
	Abort
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case PrepUSB:
		return "PrepUSB"
	case PrepBT:
		return "PrepBT"
	case Handshake:
		return "Handshake"
	case AwaitTCP:
		return "AwaitTCP"
	case Forward:
		return "Forward"
	case Abort:
		return "Abort"
	default:
		return "?"
	}
}

// Orchestrator runs one cycle at a time; Run loops until ctx is
// cancelled (see Run for the cases that end it sooner), applying the linear 1s-capped-at-5s backoff after three
// consecutive aborts (§4.F).
type Orchestrator struct {
	Cfg      *config.Shared
	Gadget   *usbgadget.Controller
	BattSlot *battery.Slot
	Stats    *datapump.Stats

	consecutiveAborts int
}

func New(cfg *config.Shared, gadget *usbgadget.Controller) *Orchestrator {
	return &Orchestrator{
		Cfg:      cfg,
		Gadget:   gadget,
		BattSlot: &battery.Slot{},
		Stats:    &datapump.Stats{},
	}
}

// Run drives cycles until ctx is cancelled. Cancelling ctx ends the
// current cycle and Run together; there is no separate signal that sends
// only the current cycle back to Idle. A CONFIG_INVALID or
// KERNEL_FACILITY_MISSING error exits the process (codes 1 and 2), and so
// does a PROFILE_REGISTER_FAILED error that repeats on the retry cycle
// (code 1).
func (o *Orchestrator) Run(ctx context.Context) {
	profileFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := o.runCycle(ctx)
		if err != nil {
			logrus.WithError(err).Warn("orchestrator: cycle aborted")
			o.consecutiveAborts++
		} else {
			o.consecutiveAborts = 0
		}
		var pe *errs.ProxyError
		if errors.As(err, &pe) && pe.Kind == errs.ProfileRegisterFailed {
			profileFailures++
		} else {
			profileFailures = 0
		}
		if pe != nil && (pe.Kind.Fatal() || profileFailures > 1) {
			logrus.WithError(err).Error("orchestrator: unrecoverable error, exiting")
			if pe.Kind == errs.KernelFacilityMissing {
				os.Exit(2)
			}
			os.Exit(1)
		}
		if o.Cfg.Get().StopOnDisconnect {
			logrus.Info("orchestrator: stop_on_disconnect set, exiting after one cycle")
			return
		}
		backoff := time.Duration(o.consecutiveAborts) * time.Second
		if o.consecutiveAborts >= 3 {
			backoff = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// runCycle executes exactly one Idle->...->Forward->Abort->Idle pass.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	cfg := o.Cfg.Get()
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logrus.WithField("state", Idle).Info("orchestrator: transition")
	o.Stats.BytesPhoneToHU.Store(0)
	o.Stats.BytesHUToPhone.Store(0)
	_ = o.Gadget.TeardownAll()

	logrus.WithField("state", PrepUSB).Info("orchestrator: transition")
	if err := o.prepUSB(cycleCtx, cfg); err != nil {
		return o.abort(cfg, err)
	}

	wired := cfg.WiredVID != "" && cfg.WiredPID != ""

	var mdTransport MdTransport
	if wired {
		logrus.WithField("state", AwaitTCP).Info("orchestrator: transition (wired)")
		t, err := openWiredMdTransport(cfg)
		if err != nil {
			return o.abort(cfg, err)
		}
		mdTransport = t
	} else {
		logrus.WithField("state", PrepBT).Info("orchestrator: transition")
		btHost, aaConn, err := o.prepBT(cycleCtx, cfg)
		if err != nil {
			return o.abort(cfg, err)
		}
		defer btHost.Stop()

		logrus.WithField("state", Handshake).Info("orchestrator: transition")
		if err := o.runHandshake(aaConn, cfg); err != nil {
			aaConn.Close()
			return o.abort(cfg, err)
		}
		aaConn.Close()
		if !cfg.Keepalive {
			_ = btHost.PowerOff()
		}

		logrus.WithField("state", AwaitTCP).Info("orchestrator: transition")
		phoneConn, err := o.awaitTCP(cycleCtx, cfg)
		if err != nil {
			return o.abort(cfg, err)
		}
		mdTransport = &tcpTransport{conn: phoneConn}
	}
	defer mdTransport.Close()

	huTransport, err := o.openHuTransport(cfg)
	if err != nil {
		return o.abort(cfg, err)
	}
	defer huTransport.Close()

	logrus.WithField("state", Forward).Info("orchestrator: transition")
	if cfg.MITM.Enabled && cfg.EV.Enabled {
		battery.RunScript(cfg.EV.Script, "start")
		defer battery.RunScript(cfg.EV.Script, "stop")
	}
	err = o.forward(cycleCtx, cfg, mdTransport, huTransport)
	return o.abort(cfg, err)
}

func (o *Orchestrator) prepUSB(ctx context.Context, cfg config.AppConfig) error {
	o.Gadget.SetUSBOrder(cfg.ChangeUSBOrder)
	if cfg.Legacy {
		if err := o.Gadget.Enable(usbgadget.Default); err != nil {
			return err
		}
		ev, err := uevent.Open()
		var edge <-chan uevent.Event
		if err != nil {
			edge = uevent.PollFallback(ctx, usbgadget.AccessoryDevPath, fileExists)
		} else {
			edge = ev.Watch(ctx, "usb_accessory")
		}
		select {
		case <-edge:
		case <-time.After(15 * time.Second):
			return errs.New(errs.IOTransient, "orchestrator.prepUSB", nil)
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := o.Gadget.Disable(); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return o.Gadget.Enable(usbgadget.Accessory)
}

func (o *Orchestrator) prepBT(ctx context.Context, cfg config.AppConfig) (*bluetooth.Host, net.Conn, error) {
	host, err := bluetooth.NewHost(cfg.BTAlias, cfg.Advertise)
	if err != nil {
		return nil, nil, err
	}
	target := bluetooth.ConnectTarget{Specific: cfg.Connect}

	connCh := make(chan net.Conn, 1)
	if err := host.Start(ctx, target, func(c net.Conn) {
		select {
		case connCh <- c:
		default:
			c.Close() // §9: ignore a second RFCOMM connect during an active cycle
		}
	}); err != nil {
		return nil, nil, err
	}

	select {
	case c := <-connCh:
		return host, c, nil
	case <-ctx.Done():
		host.Stop()
		return nil, nil, ctx.Err()
	}
}

func (o *Orchestrator) runHandshake(conn net.Conn, cfg config.AppConfig) error {
	creds, err := bluetooth.ReadHostapdConf(cfg.HostapdConf)
	if err != nil {
		return errs.New(errs.HandshakeTimeout, "orchestrator.hostapd", err)
	}
	ip, err := bluetooth.LocalWifiIP(cfg.Iface)
	if err != nil {
		return errs.New(errs.HandshakeTimeout, "orchestrator.localip", err)
	}
	return bluetooth.RunHandshake(conn, creds, ip, config.TCPServerPort)
}

// awaitTCP waits for the phone's single wireless TCP connection. The
// accessory gadget itself is already bound by the time this runs:
// prepUSB's own final Enable(Accessory) call covers both the legacy and
// fast-path sequences, so there is no second gadget-enable step here.
func (o *Orchestrator) awaitTCP(ctx context.Context, cfg config.AppConfig) (net.Conn, error) {
	conn, err := SingleAccept(ctx, "0.0.0.0:5288", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (o *Orchestrator) forward(ctx context.Context, cfg config.AppConfig, md MdTransport, hu HuTransport) error {
	if !cfg.MITM.Enabled {
		pump := &datapump.Pump{
			A:           md,
			B:           hu,
			Stats:       o.Stats,
			TimeoutSecs: cfg.TimeoutSecs,
			StatsEvery:  time.Duration(cfg.StatsInterval) * time.Second,
		}
		return pump.Run(ctx)
	}

	ic := &mitm.Interceptor{
		ID: mitm.Identities{
			HUCert: cfg.MITM.HUCert, HUKey: cfg.MITM.HUKey,
			MDCert: cfg.MITM.MDCert, MDKey: cfg.MITM.MDKey,
			GalRootCert: cfg.MITM.GalRootCert,
		},
		Cfg: mitm.Config{
			DPI: cfg.MITM.DPI, RemoveTap: cfg.MITM.RemoveTap,
			DisableMedia: cfg.MITM.DisableMedia, DisableTTS: cfg.MITM.DisableTTS,
			VideoInMotion: cfg.MITM.VideoInMotion, DeveloperMode: cfg.MITM.DeveloperMode,
			RemoveBluetooth: cfg.RemoveBluetooth, RemoveWifi: cfg.RemoveWifi,
			EVEnabled: cfg.EV.Enabled, EVConnectorTypes: cfg.EV.ConnectorTypes,
		},
		BattSlot: o.BattSlot,
		Stats:    &mitm.MitmStats{},
	}
	return ic.Run(ctx, md, hu)
}

// abort executes the Abort state's exit action unconditionally before
// returning to Idle, per the table in §4.F.
func (o *Orchestrator) abort(cfg config.AppConfig, cause error) error {
	logrus.WithField("state", Abort).Info("orchestrator: transition")
	_ = o.Gadget.TeardownAll()
	return cause
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
