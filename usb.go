// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"fmt"
	"os"

	"github.com/google/gousb"
	"gopkg.in/yaml.v3"
)

// MeterID is one vendor/product pair of the device whitelist.
type MeterID struct {
	Vendor  uint16 `yaml:"vendor"`
	Product uint16 `yaml:"product"`
}

func (id MeterID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// DefaultMeterIDs lists the Roche meters known to speak this protocol:
// Performa Combo, Aviva Connect and Guide family devices.
var DefaultMeterIDs = []MeterID{
	{Vendor: 0x173A, Product: 0x21D5},
	{Vendor: 0x173A, Product: 0x21D7},
	{Vendor: 0x173A, Product: 0x21D8},
}

// LoadMeterIDs reads a whitelist from a YAML file of the form
//
//   - vendor: 0x173a
//     product: 0x21d5
func LoadMeterIDs(path string) ([]MeterID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids []MeterID
	if err := yaml.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s lists no devices", path)
	}
	return ids, nil
}

func matchesMeterID(ids []MeterID, desc *gousb.DeviceDesc) bool {
	for _, id := range ids {
		if desc.Vendor == gousb.ID(id.Vendor) && desc.Product == gousb.ID(id.Product) {
			return true
		}
	}
	return false
}

// FindMeters enumerates attached devices matching the whitelist and
// opens a transporter per meter: configuration 1, interface 0, first
// bulk IN/OUT endpoint pair. The caller owns the gousb context; each
// transporter's Close releases its own interface and device. ids nil
// means DefaultMeterIDs.
func FindMeters(usb *gousb.Context, ids []MeterID) ([]*USBTransporter, error) {
	if ids == nil {
		ids = DefaultMeterIDs
	}
	devices, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return matchesMeterID(ids, desc)
	})
	if err != nil {
		for _, d := range devices {
			d.Close()
		}
		return nil, fmt.Errorf("%w: enumerating devices: %v", ErrIO, err)
	}

	var transporters []*USBTransporter
	for _, dev := range devices {
		t, err := openMeter(dev)
		if err != nil {
			dev.Close()
			for _, open := range transporters {
				open.Close()
			}
			return nil, err
		}
		transporters = append(transporters, t)
	}
	return transporters, nil
}

func openMeter(dev *gousb.Device) (*USBTransporter, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("%w: detaching kernel driver from %s: %v", ErrIO, dev, err)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("%w: configuring %s: %v", ErrIO, dev, err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("%w: claiming interface on %s: %v", ErrIO, dev, err)
	}

	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && in == nil {
			if in, err = intf.InEndpoint(ep.Number); err != nil {
				break
			}
		}
		if ep.Direction == gousb.EndpointDirectionOut && out == nil {
			if out, err = intf.OutEndpoint(ep.Number); err != nil {
				break
			}
		}
	}
	if err != nil || in == nil || out == nil {
		intf.Close()
		cfg.Close()
		if err == nil {
			err = fmt.Errorf("no bulk endpoint pair")
		}
		return nil, fmt.Errorf("%w: opening endpoints on %s: %v", ErrIO, dev, err)
	}

	t := NewUSBTransporter(in, out)
	t.closers = []func() error{
		func() error { intf.Close(); return nil },
		cfg.Close,
		dev.Close,
	}
	return t, nil
}
