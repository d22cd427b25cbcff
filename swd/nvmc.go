package swd

import "fmt"

// NVMC (Non-Volatile Memory Controller) register addresses, per
// SPEC_FULL.md's swd module notes / original_source's nrf52swd.c
// register map.
const (
	nvmcBase      = 0x4001E000
	nvmcREADY     = nvmcBase + 0x400
	nvmcCONFIG    = nvmcBase + 0x504
	nvmcERASEPAGE = nvmcBase + 0x508
	nvmcERASEALL  = nvmcBase + 0x50C
)

const (
	wenREN = 0
	wenWEN = 1
	wenEEN = 2
)

// maxReadyPolls bounds the READY busy-wait; the watchdog, not this
// driver, is the real timeout per spec.md §5.
const maxReadyPolls = 1_000_000

func (d *Device) readMemWord(addr uint32) (uint32, error) {
	if err := d.setTAR(addr); err != nil {
		return 0, err
	}
	return d.readAP(apRegDRW)
}

// nvmcPollReady busy-waits for NVMC.READY, yielding to the scheduler
// once per iteration per the "keep the busy-wait loop, but yield"
// design note.
func (d *Device) nvmcPollReady() error {
	for i := 0; i < maxReadyPolls; i++ {
		v, err := d.readMemWord(nvmcREADY)
		if err != nil {
			return err
		}
		if v&1 != 0 {
			return nil
		}
		d.yield()
	}
	return fmt.Errorf("nvmc ready: %w", ErrWait)
}

func (d *Device) nvmcSetWEN(mode uint32) error {
	return d.writeMemAP(nvmcCONFIG, mode)
}

// EraseAll mass-erases main flash and UICR in a single NVMC command,
// clearing the UICR firmware-version stamp along with everything
// else: a partial write interrupted after this point leaves the
// coprocessor unmistakably empty rather than stale-but-booting.
func (d *Device) EraseAll() error {
	if err := d.nvmcPollReady(); err != nil {
		return fmt.Errorf("swd: erase all: %w", err)
	}
	if err := d.nvmcSetWEN(wenEEN); err != nil {
		return fmt.Errorf("swd: erase all: %w", err)
	}
	if err := d.writeMemAP(nvmcERASEALL, 1); err != nil {
		// Leaves CONFIG.WEN=EEN. Fatal: caller must force a hardware
		// reset rather than attempt to restore REN over a broken link.
		return fmt.Errorf("swd: erase all: issue command: %w", err)
	}
	if err := d.nvmcPollReady(); err != nil {
		return fmt.Errorf("swd: erase all: %w", err)
	}
	if err := d.nvmcSetWEN(wenREN); err != nil {
		return fmt.Errorf("swd: erase all: restore REN: %w", err)
	}
	return nil
}

// ErasePage erases a single page at a page-aligned address.
func (d *Device) ErasePage(addr uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("swd: erase page %#08x: %w", addr, ErrAlignment)
	}
	if err := d.nvmcPollReady(); err != nil {
		return fmt.Errorf("swd: erase page %#08x: %w", addr, err)
	}
	if err := d.nvmcSetWEN(wenEEN); err != nil {
		return fmt.Errorf("swd: erase page %#08x: %w", addr, err)
	}
	if err := d.writeMemAP(nvmcERASEPAGE, addr); err != nil {
		return fmt.Errorf("swd: erase page %#08x: issue command: %w", addr, err)
	}
	if err := d.nvmcPollReady(); err != nil {
		return fmt.Errorf("swd: erase page %#08x: %w", addr, err)
	}
	if err := d.nvmcSetWEN(wenREN); err != nil {
		return fmt.Errorf("swd: erase page %#08x: restore REN: %w", addr, err)
	}
	return nil
}

// nvmcWriteBurst writes words to addr (word-aligned) under a single
// READY -> WEN -> ... -> READY -> REN sequence, as spec.md §4.3
// describes for "every write burst": the WEN/REN toggling brackets
// the whole burst, not each word.
func (d *Device) nvmcWriteBurst(addr uint32, words []uint32) error {
	if err := d.nvmcPollReady(); err != nil {
		return fmt.Errorf("swd: write burst %#08x: %w", addr, err)
	}
	if err := d.nvmcSetWEN(wenWEN); err != nil {
		return fmt.Errorf("swd: write burst %#08x: %w", addr, err)
	}
	if err := d.setTAR(addr); err != nil {
		return fmt.Errorf("swd: write burst %#08x: set tar: %w", addr, err)
	}
	for i, w := range words {
		if err := d.writeAP(apRegDRW, w); err != nil {
			return fmt.Errorf("swd: write burst %#08x: word %d: %w", addr, i, err)
		}
	}
	if err := d.nvmcPollReady(); err != nil {
		return fmt.Errorf("swd: write burst %#08x: %w", addr, err)
	}
	if err := d.nvmcSetWEN(wenREN); err != nil {
		return fmt.Errorf("swd: write burst %#08x: restore REN: %w", addr, err)
	}
	return nil
}
