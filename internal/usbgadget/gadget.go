// Package usbgadget manipulates the kernel's USB ConfigFS tree to
// materialize and tear down the "default" and "accessory" gadget
// compositions, grounded on the report-descriptor/UDC-binding dance in
// the reference hidproxy's SetupUSBGadget and on the reference
// implementation's usb_gadget.rs state machine.
package usbgadget

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/dosgo/aa-proxy-go/internal/errs"
)

// Composition names the two canonical gadget compositions.
type Composition int

const (
	Default Composition = iota
	Accessory
)

func (c Composition) String() string {
	if c == Default {
		return "default"
	}
	return "accessory"
}

const (
	configfsRoot   = "/sys/kernel/config/usb_gadget"
	gadgetName     = "aa-proxy"
	AccessoryDevPath = "/dev/usb_accessory"
)

// Controller owns the single GadgetComposition bound to the UDC at any
// given time; it is the exclusive writer of ConfigFS and the UDC file.
type Controller struct {
	root           string
	udc            string
	bound          Composition
	boundOK        bool
	changeUSBOrder bool
}

// SetUSBOrder toggles the function-symlink order used for the Default
// composition, a workaround some head units need when they enumerate
// USB functions in the order they were bound (supplemented from
// original_source/src/usb_gadget.rs's change_usb_order option).
func (c *Controller) SetUSBOrder(reversed bool) { c.changeUSBOrder = reversed }

// New auto-discovers the UDC name from /sys/class/udc when udc is empty,
// mirroring usb_gadget.rs's UsbGadgetState::new.
func New(udc string) (*Controller, error) {
	if _, err := os.Stat(configfsRoot); err != nil {
		return nil, errs.New(errs.KernelFacilityMissing, "usbgadget.New", fmt.Errorf("configfs not mounted: %w", err))
	}
	if udc == "" {
		matches, err := filepath.Glob("/sys/class/udc/*")
		if err != nil || len(matches) == 0 {
			return nil, errs.New(errs.KernelFacilityMissing, "usbgadget.New", fmt.Errorf("no UDC found"))
		}
		udc = filepath.Base(matches[0])
	}
	return &Controller{root: filepath.Join(configfsRoot, gadgetName), udc: udc}, nil
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := os.MkdirAll(p, 0755); err != nil {
				return err
			}
		}
	}
	return nil
}

// symlink is one ConfigFS function-to-config link, kept as an ordered
// pair (rather than a map) since the bind order of the Default
// composition's functions is itself configurable.
type symlink struct{ src, dst string }

// gadgetLayout returns the ConfigFS paths and attribute files that must
// exist for the given composition, analogous to SetupUSBGadget's paths
// map but parameterized on Default vs Accessory.
func (c *Controller) gadgetLayout(comp Composition) (dirs []string, attrs map[string]string, symlinks []symlink) {
	base := c.root
	dirs = []string{
		base,
		base + "/strings/0x409",
		base + "/configs/c.1/strings/0x409",
	}
	attrs = map[string]string{
		base + "/idVendor":  "0x18d1",
		base + "/idProduct": "0x2d01",
		base + "/bcdDevice": "0x0100",
		base + "/bcdUSB":    "0x0200",
		base + "/strings/0x409/manufacturer": "aa-proxy-go",
		base + "/strings/0x409/product":      "Android Auto Bridge",
		base + "/strings/0x409/serialnumber":  "000000",
		base + "/configs/c.1/strings/0x409/configuration": "c1",
		base + "/configs/c.1/MaxPower": "250",
	}

	switch comp {
	case Accessory:
		dirs = append(dirs, base+"/functions/accessory.gs0")
		symlinks = []symlink{{base + "/functions/accessory.gs0", base + "/configs/c.1/accessory.gs0"}}
	case Default:
		dirs = append(dirs,
			base+"/functions/acm.gs0",
			base+"/functions/mtp.gs0",
		)
		acm := symlink{base + "/functions/acm.gs0", base + "/configs/c.1/acm.gs0"}
		mtp := symlink{base + "/functions/mtp.gs0", base + "/configs/c.1/mtp.gs0"}
		if c.changeUSBOrder {
			symlinks = []symlink{mtp, acm}
		} else {
			symlinks = []symlink{acm, mtp}
		}
	}
	return
}

// Enable binds comp to the UDC. Per the data model's invariant, at most
// one composition is bound at a time: Enable refuses to rebind without
// an intervening Disable.
func (c *Controller) Enable(comp Composition) error {
	if c.boundOK {
		return errs.New(errs.IOTransient, "usbgadget.Enable", fmt.Errorf("BUSY: %s already bound", c.bound))
	}
	dirs, attrs, symlinks := c.gadgetLayout(comp)
	if err := ensureDirs(dirs...); err != nil {
		return errs.New(errs.KernelFacilityMissing, "usbgadget.Enable", err)
	}
	for path, val := range attrs {
		if err := writeFile(path, val); err != nil {
			logrus.WithError(err).WithField("path", path).Warn("usbgadget: failed writing attribute (may already be set)")
		}
	}
	for _, l := range symlinks {
		if _, err := os.Lstat(l.dst); os.IsNotExist(err) {
			if err := os.Symlink(l.src, l.dst); err != nil {
				return errs.New(errs.KernelFacilityMissing, "usbgadget.Enable", err)
			}
		}
	}
	if err := writeFile(c.root+"/UDC", c.udc); err != nil {
		return errs.New(errs.IOTransient, "usbgadget.Enable", fmt.Errorf("bind to UDC %s: %w", c.udc, err))
	}
	c.bound = comp
	c.boundOK = true
	logrus.WithField("composition", comp).Info("usbgadget: bound to UDC")
	return nil
}

// Disable unbinds whatever composition is currently bound.
func (c *Controller) Disable() error {
	if !c.boundOK {
		return nil
	}
	if err := writeFile(c.root+"/UDC", ""); err != nil {
		return errs.New(errs.IOTransient, "usbgadget.Disable", err)
	}
	c.boundOK = false
	logrus.WithField("composition", c.bound).Info("usbgadget: unbound from UDC")
	return nil
}

// TeardownAll unbinds the UDC and removes any lingering symlinks for
// both compositions, used by the orchestrator's Idle entry action.
func (c *Controller) TeardownAll() error {
	if err := c.Disable(); err != nil {
		return err
	}
	for _, comp := range []Composition{Default, Accessory} {
		_, _, symlinks := c.gadgetLayout(comp)
		for _, l := range symlinks {
			_ = os.Remove(l.dst)
		}
	}
	return nil
}

// AccessoryPath resolves the accessory character device node.
func (c *Controller) AccessoryPath() string {
	return AccessoryDevPath
}
