//go:build tinygo

package main

import (
	"machine"
)

// GPIO pin assignments for external LEDs
const (
	pinActivityLED = machine.GP2
	pinFaultLED    = machine.GP3
)

// initLEDs configures the GPIO pins for LED output
func initLEDs() {
	pinActivityLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinFaultLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinActivityLED.Low()
	pinFaultLED.Low()
}

// showLEDs drives both LEDs for pattern p at uptime ms.
func showLEDs(p ledPattern, ms uint32) {
	activity, fault := p.levels(ms)
	pinActivityLED.Set(activity)
	pinFaultLED.Set(fault)
}
