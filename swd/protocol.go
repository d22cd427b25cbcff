package swd

import (
	"fmt"
	"math/bits"
	"runtime"
)

// DP (Debug Port) register addresses, as presented over SW-DP.
const (
	dpIDCODE   = 0x0 // read
	dpABORT    = 0x0 // write
	dpCTRLSTAT = 0x4 // read/write
	dpSELECT   = 0x8 // write
	dpRDBUFF   = 0xC // read
)

// MEM-AP register addresses within bank 0.
const (
	apRegCSW = 0x00
	apRegTAR = 0x04
	apRegDRW = 0x0C
)

const (
	abortClearAll = 0x1E // STKCMPCLR|STKERRCLR|WDERRCLR|ORUNERRCLR

	ctrlStatCDBGPWRUPREQ = 1 << 28
	ctrlStatCDBGPWRUPACK = 1 << 29
	ctrlStatCSYSPWRUPREQ = 1 << 30
	ctrlStatCSYSPWRUPACK = 1 << 31

	// cswWordAutoIncrement selects 32-bit transfers with single
	// address auto-increment on every DRW access, so a burst of
	// ReadMem/WriteMem calls against the same TAR base walks forward
	// without an explicit TAR write per word.
	cswWordAutoIncrement = 0x23000052

	maxPowerUpPolls = 1000
)

// ack codes returned by the target after a request packet.
const (
	ackOK    = 0b001
	ackWait  = 0b010
	ackFault = 0b100
)

// lineReset drives the SW-DP line-reset sequence: at least 50 clocks
// with SWDIO high, followed by the JTAG-to-SWD switch sequence and a
// further idle period, per the ARM Debug Interface specification.
func (d *Device) lineReset() error {
	ones := [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if err := d.bus.Xfer(Write, 56, ones[:]); err != nil {
		return err
	}
	// JTAG-to-SWD switch sequence, 0xE79E sent LSB-first.
	switchSeq := [2]byte{0x9E, 0xE7}
	if err := d.bus.Xfer(Write, 16, switchSeq[:]); err != nil {
		return err
	}
	if err := d.bus.Xfer(Write, 56, ones[:]); err != nil {
		return err
	}
	idle := [1]byte{0x00}
	return d.bus.Xfer(Write, 8, idle[:])
}

// requestByte builds the 8-bit SW-DP request packet: start, APnDP,
// RnW, A[2:3], parity of those four bits, stop=0, park=1.
func requestByte(apndp, rnw bool, addr uint8) byte {
	a2 := (addr >> 2) & 1
	a3 := (addr >> 3) & 1
	var apndpBit, rnwBit byte
	if apndp {
		apndpBit = 1
	}
	if rnw {
		rnwBit = 1
	}
	parity := byte(bits.OnesCount8(apndpBit|rnwBit<<1|a2<<2|a3<<3)) & 1
	req := byte(1) // start
	req |= apndpBit << 1
	req |= rnwBit << 2
	req |= a2 << 3
	req |= a3 << 4
	req |= parity << 5
	// stop = 0 (bit 6)
	req |= 1 << 7 // park
	return req
}

// transfer executes one SW-DP request/ack/data phase. For a read it
// returns the 32-bit data phase value (after verifying parity); for a
// write it sends wdata and returns 0.
func (d *Device) transfer(apndp, rnw bool, addr uint8, wdata uint32) (uint32, error) {
	req := [1]byte{requestByte(apndp, rnw, addr)}
	if err := d.bus.Xfer(Write, 8, req[:]); err != nil {
		return 0, err
	}
	var turn [1]byte
	if err := d.bus.Xfer(Read, 1, turn[:]); err != nil {
		return 0, err
	}
	var ackBuf [1]byte
	if err := d.bus.Xfer(Read, 3, ackBuf[:]); err != nil {
		return 0, err
	}
	switch ackBuf[0] & 0x7 {
	case ackOK:
	case ackWait:
		return 0, ErrWait
	default:
		return 0, ErrProtocol
	}
	if rnw {
		var data [5]byte
		if err := d.bus.Xfer(Read, 33, data[:]); err != nil {
			return 0, err
		}
		val := bytesToU32(data[:4])
		parityBit := (data[4] & 1)
		if byte(bits.OnesCount32(val))&1 != parityBit {
			return 0, fmt.Errorf("%w: data parity", ErrProtocol)
		}
		if err := d.bus.Xfer(Read, 1, turn[:]); err != nil {
			return 0, err
		}
		return val, nil
	}
	if err := d.bus.Xfer(Read, 1, turn[:]); err != nil {
		return 0, err
	}
	var data [5]byte
	b := u32ToBytes(wdata)
	copy(data[:4], b[:])
	if bits.OnesCount32(wdata)&1 != 0 {
		data[4] = 1
	}
	return 0, d.bus.Xfer(Write, 33, data[:])
}

func (d *Device) readDP(addr uint8) (uint32, error) { return d.transfer(false, true, addr, 0) }
func (d *Device) writeDP(addr uint8, val uint32) error {
	_, err := d.transfer(false, false, addr, val)
	return err
}
func (d *Device) writeAP(addr uint8, val uint32) error {
	_, err := d.transfer(true, false, addr, val)
	return err
}

// readAP executes an AP read and, because AP reads are pipelined one
// transaction behind on real silicon, immediately follows it with a
// DP RDBUFF read to retrieve the committed value — hiding the
// pipeline so every swd.Device call is synchronous to its caller.
func (d *Device) readAP(addr uint8) (uint32, error) {
	if _, err := d.transfer(true, true, addr, 0); err != nil {
		return 0, err
	}
	return d.readDP(dpRDBUFF)
}

func (d *Device) readIDCODE() (uint32, error) {
	return d.readDP(dpIDCODE)
}

func (d *Device) clearErrors() error {
	return d.writeDP(dpABORT, abortClearAll)
}

func (d *Device) powerUpDebug() error {
	if err := d.writeDP(dpCTRLSTAT, ctrlStatCDBGPWRUPREQ|ctrlStatCSYSPWRUPREQ); err != nil {
		return err
	}
	const wantAck = ctrlStatCDBGPWRUPACK | ctrlStatCSYSPWRUPACK
	for i := 0; i < maxPowerUpPolls; i++ {
		stat, err := d.readDP(dpCTRLSTAT)
		if err != nil {
			return err
		}
		if stat&wantAck == wantAck {
			return nil
		}
		d.yield()
	}
	return fmt.Errorf("swd: debug power-up: %w", ErrWait)
}

func (d *Device) memAPConfigure() error {
	if err := d.writeDP(dpSELECT, d.apSelect); err != nil {
		return err
	}
	return d.writeAP(apRegCSW, cswWordAutoIncrement)
}

func (d *Device) setTAR(addr uint32) error {
	return d.writeAP(apRegTAR, addr)
}

// writeMemAP performs a single-word MEM-AP indirect write at addr,
// without going through the NVMC write-burst sequencing (used for
// debug-register access such as DHCSR/DEMCR, which are always
// writable regardless of flash program/erase state).
func (d *Device) writeMemAP(addr, val uint32) error {
	if err := d.setTAR(addr); err != nil {
		return err
	}
	return d.writeAP(apRegDRW, val)
}

// readMemAPReg reads the MEM-AP register at addr (one of the
// apReg* constants), used internally for register-level access
// where TAR has already been set by the caller.
func (d *Device) readMemAPReg(addr uint8) (uint32, error) {
	return d.readAP(addr)
}

// yield gives the scheduler a chance to run other tasks during a
// busy-wait poll, per SPEC_FULL.md / spec.md §9's "keep the busy-wait
// loop, but yield once per iteration" design note.
func (d *Device) yield() {
	runtime.Gosched()
}
