//go:build linux && !tinygo

package swdbus

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"gwbridge.dev/swd"
)

// LinuxBus bit-bangs SWCLK/SWDIO/NRST over periph.io GPIO pins, for a
// development bench fixture (e.g. a Raspberry Pi wired to the nRF52's
// programming header) rather than the ESP32 gateway itself. It
// follows driver/wshat's periph.io wiring: host.Init() once, then
// gpioreg.ByName to resolve pins by their host names.
type LinuxBus struct {
	clk, dio, nrst gpio.PinIO
	halfPeriod     time.Duration
}

// OpenLinux initializes the periph.io host and opens clk/dio/nrst by
// name (e.g. "GPIO17").
func OpenLinux(clkName, dioName, nrstName string, cfg Config) (*LinuxBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("swdbus: periph host init: %w", err)
	}
	clk := gpioreg.ByName(clkName)
	if clk == nil {
		return nil, fmt.Errorf("swdbus: no such gpio pin: %s", clkName)
	}
	dio := gpioreg.ByName(dioName)
	if dio == nil {
		return nil, fmt.Errorf("swdbus: no such gpio pin: %s", dioName)
	}
	nrst := gpioreg.ByName(nrstName)
	if nrst == nil {
		return nil, fmt.Errorf("swdbus: no such gpio pin: %s", nrstName)
	}
	if err := clk.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("swdbus: clk out: %w", err)
	}
	if err := nrst.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("swdbus: nrst out: %w", err)
	}
	if err := dio.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("swdbus: dio out: %w", err)
	}
	period := cfg.ClockPeriod
	if period == 0 {
		period = defaultClockPeriod
	}
	return &LinuxBus{clk: clk, dio: dio, nrst: nrst, halfPeriod: period}, nil
}

// sleep busy-delays for d using a Nanosleep syscall rather than
// time.Sleep, since the scheduler latency time.Sleep tolerates would
// blow the SWD timing budget at sub-microsecond half-periods.
func sleep(d time.Duration) {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	for {
		rem := unix.Timespec{}
		err := unix.Nanosleep(&ts, &rem)
		if err != unix.EINTR {
			return
		}
		ts = rem
	}
}

func (b *LinuxBus) clockPulse() {
	b.clk.Out(gpio.High)
	sleep(b.halfPeriod)
	b.clk.Out(gpio.Low)
	sleep(b.halfPeriod)
}

func (b *LinuxBus) writeBits(bits int, buf []byte) error {
	if err := b.dio.Out(gpio.Low); err != nil {
		return err
	}
	for i := 0; i < bits; i++ {
		bit := buf[i/8] >> uint(i%8) & 1
		level := gpio.Low
		if bit != 0 {
			level = gpio.High
		}
		if err := b.dio.Out(level); err != nil {
			return err
		}
		b.clockPulse()
	}
	return nil
}

func (b *LinuxBus) readBits(bits int, buf []byte) error {
	if err := b.dio.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return err
	}
	for i := range buf[:((bits + 7) / 8)] {
		buf[i] = 0
	}
	for i := 0; i < bits; i++ {
		if b.dio.Read() {
			buf[i/8] |= 1 << uint(i%8)
		}
		b.clockPulse()
	}
	return nil
}

// Xfer implements swd.Bus.
func (b *LinuxBus) Xfer(dir swd.Direction, bits int, buf []byte) error {
	if dir == swd.Write {
		return b.writeBits(bits, buf)
	}
	return b.readBits(bits, buf)
}

// SetReset implements swd.Bus.
func (b *LinuxBus) SetReset(asserted bool) error {
	level := gpio.High
	if asserted {
		level = gpio.Low
	}
	return b.nrst.Out(level)
}

// Close implements swd.Bus. periph.io pins have no handle to release,
// so this always succeeds.
func (b *LinuxBus) Close() error {
	return nil
}
