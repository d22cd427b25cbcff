// Package swdbus implements swd.Bus: the bit-level SWCLK/SWDIO/NRST
// transport the swd package's protocol driver runs over. It has three
// build-tagged backends:
//
//   - swdbus_tinygo.go (tinygo): bit-bangs machine.Pin on the ESP32
//     gateway itself — the production backend.
//   - swdbus_linux.go (linux && !tinygo): bit-bangs periph.io GPIO
//     pins on a Linux bench fixture (e.g. a Raspberry Pi wired to the
//     nRF52's programming header) — the development backend.
//   - swdbus_sim.go (!tinygo): an in-memory Simulator with no real
//     pins at all, used by this repository's tests.
package swdbus

import "time"

// Config carries the electrical parameters common to every backend:
// ~2 MHz nominal clock, no chip-select (SWD has none).
type Config struct {
	// ClockPeriod is the nominal SWCLK half-period. Zero selects the
	// backend's own default (~2 MHz).
	ClockPeriod time.Duration
}

const defaultClockPeriod = 250 * time.Nanosecond // ~2 MHz toggle rate
