// Package swd implements the ARM Serial Wire Debug (SWD) protocol
// needed to halt, erase and reprogram an nRF52 coprocessor's flash:
// SW-DP line reset and IDCODE, MEM-AP indirect 32-bit memory access,
// and the NVMC erase/write register sequencing layered on top of it.
//
// The bit-level transport (SWCLK/SWDIO clocking and the NRST GPIO) is
// supplied by a Bus implementation; see package driver/swdbus for the
// TinyGo, Linux bench, and in-memory simulator backends.
package swd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ExpectedIDCODE is the only SW-DP identifier this driver accepts.
const ExpectedIDCODE = 0x2BA01477

// Direction selects whether a Bus.Xfer call drives the data line
// (Write) or samples it (Read).
type Direction bool

const (
	Write Direction = true
	Read  Direction = false
)

// Bus is the byte/bit-level transport C2 is layered on: a half-duplex,
// LSB-first, no-chip-select link plus the NRST GPIO. Implementations
// never retry; any underlying error is returned as-is.
type Bus interface {
	// Xfer clocks out or samples bits many bits, LSB-first, on the
	// bidirectional data line. buf must hold at least ceil(bits/8)
	// bytes; for Read transfers the sampled bits are written into buf.
	Xfer(dir Direction, bits int, buf []byte) error
	// SetReset drives NRST: asserted pulls it low (active), !asserted
	// releases it to its pulled-up high level.
	SetReset(asserted bool) error
	// Close releases the bus. It must be idempotent.
	Close() error
}

// Errors returned by this package. The orchestrator (package update)
// classifies them into its exit-status enum via errors.Is.
var (
	ErrIDCode    = errors.New("swd: unexpected idcode")
	ErrProtocol  = errors.New("swd: protocol fault")
	ErrWait      = errors.New("swd: target never left WAIT")
	ErrAlignment = errors.New("swd: address not 4-byte aligned")
)

// Cortex-M4 debug registers (ARMv7-M Debug, §C1.6).
const (
	regDHCSR = 0xE000EDF0
	regDEMCR = 0xE000EDFC

	dhcsrDebugKey    = 0xA05F0000
	dhcsrC_DEBUGEN   = 1 << 0
	dhcsrC_HALT      = 1 << 1
	demcrVCCorereset = 1 << 0
)

// Device is a handle to one nRF52 target reached over SWD. It owns
// the Bus for the lifetime of one update attempt; Init and Deinit are
// idempotent so a failed partial Init cleans up only what it
// acquired.
type Device struct {
	bus      Bus
	lastErr  error
	apSelect uint32
	halted   bool
	inited   bool
}

// New wraps a Bus. The bus is not touched until Init is called.
func New(bus Bus) *Device {
	return &Device{bus: bus}
}

// Init performs the SW-DP line reset sequence, reads and checks
// IDCODE, and brings the MEM-AP online. Any failure leaves the
// device in a state where Deinit can be called safely.
func (d *Device) Init() error {
	if d.inited {
		return nil
	}
	if err := d.lineReset(); err != nil {
		return d.fail(fmt.Errorf("swd: line reset: %w", err))
	}
	id, err := d.readIDCODE()
	if err != nil {
		return d.fail(fmt.Errorf("swd: read idcode: %w", err))
	}
	if id != ExpectedIDCODE {
		return d.fail(fmt.Errorf("swd: idcode=%#08x: %w", id, ErrIDCode))
	}
	if err := d.clearErrors(); err != nil {
		return d.fail(fmt.Errorf("swd: clear sticky errors: %w", err))
	}
	if err := d.powerUpDebug(); err != nil {
		return d.fail(fmt.Errorf("swd: power up debug domain: %w", err))
	}
	if err := d.memAPConfigure(); err != nil {
		return d.fail(fmt.Errorf("swd: configure mem-ap: %w", err))
	}
	d.inited = true
	return nil
}

// Deinit releases the bus. It is safe to call after a failed Init,
// and safe to call twice.
func (d *Device) Deinit() error {
	d.inited = false
	if d.bus == nil {
		return nil
	}
	err := d.bus.Close()
	d.bus = nil
	return err
}

func (d *Device) fail(err error) error {
	d.lastErr = err
	return err
}

// CheckIDCode reports whether the attached target's IDCODE matches
// ExpectedIDCODE. It re-reads the IDCODE register; it does not cache
// the value observed during Init.
func (d *Device) CheckIDCode() (bool, error) {
	id, err := d.readIDCODE()
	if err != nil {
		return false, err
	}
	return id == ExpectedIDCODE, nil
}

// Halt stops the target core.
func (d *Device) Halt() error {
	if err := d.writeMemAP(regDHCSR, dhcsrDebugKey|dhcsrC_DEBUGEN|dhcsrC_HALT); err != nil {
		return fmt.Errorf("swd: halt: %w", err)
	}
	d.halted = true
	return nil
}

// Run resumes the target core.
func (d *Device) Run() error {
	if err := d.writeMemAP(regDHCSR, dhcsrDebugKey|dhcsrC_DEBUGEN); err != nil {
		return fmt.Errorf("swd: run: %w", err)
	}
	d.halted = false
	return nil
}

// EnableResetVectorCatch arranges for the debugger to regain control
// at the target's reset vector the next time it resets.
func (d *Device) EnableResetVectorCatch() error {
	if err := d.writeMemAP(regDEMCR, demcrVCCorereset); err != nil {
		return fmt.Errorf("swd: enable vector catch: %w", err)
	}
	return nil
}

// Reset drives NRST: asserted=true pulls it low, false releases it.
func (d *Device) Reset(assert bool) error {
	if err := d.bus.SetReset(assert); err != nil {
		return fmt.Errorf("swd: reset: %w", err)
	}
	return nil
}

// ReadMem reads nwords 32-bit little-endian words starting at addr,
// which must be 4-byte aligned, into out (which must have room for
// nwords uint32s).
func (d *Device) ReadMem(addr uint32, nwords int, out []uint32) error {
	if addr%4 != 0 {
		return ErrAlignment
	}
	if err := d.setTAR(addr); err != nil {
		return fmt.Errorf("swd: read mem: set tar: %w", err)
	}
	for i := 0; i < nwords; i++ {
		v, err := d.readMemAPReg(apRegDRW)
		if err != nil {
			return fmt.Errorf("swd: read mem: drw[%d]: %w", i, err)
		}
		out[i] = v
	}
	return nil
}

// WriteMem writes nwords 32-bit little-endian words from in to addr,
// which must be 4-byte aligned. Every word is written synchronously;
// there is no posted-write pipeline visible to callers.
func (d *Device) WriteMem(addr uint32, nwords int, in []uint32) error {
	if addr%4 != 0 {
		return ErrAlignment
	}
	return d.nvmcWriteBurst(addr, in[:nwords])
}

// u32ToBytes round-trips a uint32 through a little-endian byte
// buffer for Bus.Xfer, which operates on byte slices.
func u32ToBytes(v uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b
}

func bytesToU32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
