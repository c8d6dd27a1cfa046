// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package periph connects the bridge to real pins through periph.io: a GPIO
// host port, a GPIO device port with edge delivery and an SPI card bus.
package periph

import (
	"errors"
	"fmt"
	"sort"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	periphhost "periph.io/x/host/v3"

	"github.com/ZaparooProject/go-parspi"
)

// ErrUnknownLayout is returned for layout names that are not registered.
var ErrUnknownLayout = errors.New("unknown pin layout")

// Layout names the pins and SPI port one side of the bridge is wired to.
// Pin names are resolved with gpioreg. The host side ignores CDET and the
// SPI fields.
type Layout struct {
	Name string
	Data [8]string
	REQ  string
	CLK  string
	ACT  string
	IRQ  string
	CDET string

	SPIPort string
	// CS is a GPIO driven as chip-select. Empty uses the SPI port's own CS,
	// which most drivers release between transfers.
	CS            string
	SlowFrequency physic.Frequency
	FastFrequency physic.Frequency
}

var layouts = map[string]Layout{
	// Wiring of the RP2040 controller board, data on GPIO0-7.
	"pico": {
		Name:          "pico",
		Data:          [8]string{"GPIO0", "GPIO1", "GPIO2", "GPIO3", "GPIO4", "GPIO5", "GPIO6", "GPIO7"},
		IRQ:           "GPIO8",
		ACT:           "GPIO9",
		CLK:           "GPIO10",
		REQ:           "GPIO11",
		CDET:          "GPIO20",
		SPIPort:       "SPI0.0",
		CS:            "GPIO17",
		SlowFrequency: 400 * physic.KiloHertz,
		FastFrequency: 16 * physic.MegaHertz,
	},
	// Raspberry Pi header, clear of the I2C, UART and SPI0 pins.
	"rpi": {
		Name:          "rpi",
		Data:          [8]string{"GPIO5", "GPIO6", "GPIO12", "GPIO13", "GPIO16", "GPIO19", "GPIO20", "GPIO21"},
		REQ:           "GPIO22",
		CLK:           "GPIO23",
		ACT:           "GPIO24",
		IRQ:           "GPIO25",
		CDET:          "GPIO26",
		SPIPort:       "SPI0.0",
		CS:            "GPIO27",
		SlowFrequency: parspi.SlowFrequency,
		FastFrequency: parspi.FastFrequency,
	},
}

// LayoutByName returns a registered layout.
func LayoutByName(name string) (Layout, error) {
	l, ok := layouts[name]
	if !ok {
		return Layout{}, fmt.Errorf("%w: %q", ErrUnknownLayout, name)
	}
	return l, nil
}

// Layouts returns the registered layout names in order.
func Layouts() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Init loads the periph host drivers. It must run before pins or SPI ports
// are opened.
func Init() error {
	if _, err := periphhost.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph host: %w", err)
	}
	return nil
}

func pinByName(line, name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, fmt.Errorf("layout has no %s pin", line)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%s pin %s not found", line, name)
	}
	return p, nil
}

func (l Layout) dataPins() ([8]gpio.PinIO, error) {
	var pins [8]gpio.PinIO
	for i, name := range l.Data {
		p, err := pinByName(fmt.Sprintf("D%d", i), name)
		if err != nil {
			return pins, err
		}
		pins[i] = p
	}
	return pins, nil
}

// HostPins resolves the host side of the layout.
func (l Layout) HostPins() (HostPins, error) {
	var hp HostPins
	var err error
	if hp.Data, err = l.dataPins(); err != nil {
		return hp, err
	}
	for _, r := range []struct {
		dst  *gpio.PinIO
		line string
		name string
	}{
		{&hp.REQ, "REQ", l.REQ},
		{&hp.CLK, "CLK", l.CLK},
		{&hp.ACT, "ACT", l.ACT},
		{&hp.IRQ, "IRQ", l.IRQ},
	} {
		if *r.dst, err = pinByName(r.line, r.name); err != nil {
			return hp, err
		}
	}
	return hp, nil
}

// DevicePins resolves the device side of the layout.
func (l Layout) DevicePins() (DevicePins, error) {
	var dp DevicePins
	var err error
	if dp.Data, err = l.dataPins(); err != nil {
		return dp, err
	}
	for _, r := range []struct {
		dst  *gpio.PinIO
		line string
		name string
	}{
		{&dp.REQ, "REQ", l.REQ},
		{&dp.CLK, "CLK", l.CLK},
		{&dp.ACT, "ACT", l.ACT},
		{&dp.IRQ, "IRQ", l.IRQ},
		{&dp.CDET, "CDET", l.CDET},
	} {
		if *r.dst, err = pinByName(r.line, r.name); err != nil {
			return dp, err
		}
	}
	return dp, nil
}

func level(high bool) gpio.Level {
	if high {
		return gpio.High
	}
	return gpio.Low
}

// asserted converts a line's electrical level to its logical state.
func asserted(line parspi.Line, l gpio.Level) bool {
	if line.ActiveLow() {
		return l == gpio.Low
	}
	return l == gpio.High
}

// assertLevel is the level that asserts line.
func assertLevel(line parspi.Line, on bool) gpio.Level {
	if line.ActiveLow() {
		return level(!on)
	}
	return level(on)
}
