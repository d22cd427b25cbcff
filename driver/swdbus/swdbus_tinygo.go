//go:build tinygo

package swdbus

import (
	"machine"
	"time"

	"gwbridge.dev/swd"
)

// TinyGoBus bit-bangs SWCLK/SWDIO/NRST on three machine.Pin, the
// ESP32 gateway's only way to reach the nRF52's debug port. It is
// modeled on driver/ap33772s and driver/st25r3916's machine.Pin
// bit-bang style: clk and nrst are configured once in Open, dio is
// reconfigured for each transfer's direction, and the transfer loop
// toggles them directly rather than through any higher-level bus
// abstraction, since SWD has no off-the-shelf TinyGo driver.
type TinyGoBus struct {
	clk, dio, nrst machine.Pin
	halfPeriod     time.Duration
}

// OpenTinyGo configures clk/dio/nrst for bit-banged SWD and returns a
// Bus driving them. dio starts in output mode; Xfer switches it to
// input for Read transfers and back for Write.
func OpenTinyGo(clk, dio, nrst machine.Pin, cfg Config) *TinyGoBus {
	period := cfg.ClockPeriod
	if period == 0 {
		period = defaultClockPeriod
	}
	clk.Configure(machine.PinConfig{Mode: machine.PinOutput})
	dio.Configure(machine.PinConfig{Mode: machine.PinOutput})
	nrst.Configure(machine.PinConfig{Mode: machine.PinOutput})
	clk.Low()
	nrst.High() // NRST is active-low; idle released
	return &TinyGoBus{clk: clk, dio: dio, nrst: nrst, halfPeriod: period}
}

func (b *TinyGoBus) clockPulse() {
	b.clk.High()
	time.Sleep(b.halfPeriod)
	b.clk.Low()
	time.Sleep(b.halfPeriod)
}

func (b *TinyGoBus) writeBits(bits int, buf []byte) {
	b.dio.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for i := 0; i < bits; i++ {
		bit := buf[i/8] >> uint(i%8) & 1
		if bit != 0 {
			b.dio.High()
		} else {
			b.dio.Low()
		}
		b.clockPulse()
	}
}

func (b *TinyGoBus) readBits(bits int, buf []byte) {
	b.dio.Configure(machine.PinConfig{Mode: machine.PinInput})
	for i := range buf[:((bits + 7) / 8)] {
		buf[i] = 0
	}
	for i := 0; i < bits; i++ {
		if b.dio.Get() {
			buf[i/8] |= 1 << uint(i%8)
		}
		b.clockPulse()
	}
}

// Xfer implements swd.Bus.
func (b *TinyGoBus) Xfer(dir swd.Direction, bits int, buf []byte) error {
	if dir == swd.Write {
		b.writeBits(bits, buf)
	} else {
		b.readBits(bits, buf)
	}
	return nil
}

// SetReset implements swd.Bus.
func (b *TinyGoBus) SetReset(asserted bool) error {
	if asserted {
		b.nrst.Low()
	} else {
		b.nrst.High()
	}
	return nil
}

// Close implements swd.Bus. There is nothing to release on bare
// machine.Pin, so this always succeeds.
func (b *TinyGoBus) Close() error {
	return nil
}
