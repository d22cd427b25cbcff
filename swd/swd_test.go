package swd_test

import (
	"testing"

	"gwbridge.dev/driver/swdbus"
	"gwbridge.dev/swd"
)

func newInitedDevice(t *testing.T) (*swd.Device, *swdbus.Simulator) {
	t.Helper()
	sim := swdbus.NewSimulator()
	dev := swd.New(sim)
	if err := dev.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return dev, sim
}

func TestInitRejectsWrongIDCode(t *testing.T) {
	sim := swdbus.NewSimulator()
	sim.SetIDCode(0xFFFFFFFF)
	dev := swd.New(sim)
	err := dev.Init()
	if err == nil {
		t.Fatal("Init succeeded against wrong IDCODE")
	}
}

func TestCheckIDCode(t *testing.T) {
	dev, _ := newInitedDevice(t)
	ok, err := dev.CheckIDCode()
	if err != nil {
		t.Fatalf("CheckIDCode: %v", err)
	}
	if !ok {
		t.Fatal("CheckIDCode = false, want true")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dev, sim := newInitedDevice(t)
	// Main flash only accepts writes under CONFIG.WEN; go through the
	// same erase/write sequencing the orchestrator uses.
	if err := dev.EraseAll(); err != nil {
		t.Fatalf("EraseAll: %v", err)
	}
	const addr = 0x1000
	in := []uint32{0x11223344, 0xaabbccdd, 0, 0xffffffff}
	if err := dev.WriteMem(addr, len(in), in); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	out := make([]uint32, len(in))
	if err := dev.ReadMem(addr, len(out), out); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("word %d = %#08x, want %#08x", i, out[i], in[i])
		}
	}
	for i, w := range in {
		got, err := sim.FlashWord(addr + uint32(i*4))
		if err != nil {
			t.Fatalf("FlashWord: %v", err)
		}
		if got != w {
			t.Errorf("backing store word %d = %#08x, want %#08x", i, got, w)
		}
	}
}

func TestEraseAllYieldsErasedPattern(t *testing.T) {
	dev, sim := newInitedDevice(t)
	if err := dev.WriteMem(0, 1, []uint32{0}); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	if err := dev.EraseAll(); err != nil {
		t.Fatalf("EraseAll: %v", err)
	}
	var out [1]uint32
	if err := dev.ReadMem(0, 1, out[:]); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if out[0] != 0xFFFFFFFF {
		t.Errorf("word after erase = %#08x, want 0xffffffff", out[0])
	}
	if _, err := sim.FlashWord(0x10000); err != nil {
		t.Fatalf("FlashWord: %v", err)
	}
}

func TestWriteCanOnlyClearBits(t *testing.T) {
	dev, _ := newInitedDevice(t)
	if err := dev.EraseAll(); err != nil {
		t.Fatalf("EraseAll: %v", err)
	}
	if err := dev.WriteMem(0x2000, 1, []uint32{0x0000FFFF}); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	// Writing a value with the high bits set cannot turn the
	// already-zero high bits back on: flash program writes only clear
	// bits.
	if err := dev.WriteMem(0x2000, 1, []uint32{0xFFFF0000}); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	var out [1]uint32
	if err := dev.ReadMem(0x2000, 1, out[:]); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if out[0] != 0 {
		t.Errorf("word = %#08x, want 0", out[0])
	}
}

func TestHaltAndRun(t *testing.T) {
	dev, _ := newInitedDevice(t)
	if err := dev.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if err := dev.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestReadMemRejectsUnalignedAddress(t *testing.T) {
	dev, _ := newInitedDevice(t)
	var out [1]uint32
	if err := dev.ReadMem(1, 1, out[:]); err == nil {
		t.Fatal("ReadMem(1, ...) succeeded, want alignment error")
	}
}

func TestWriteMemRejectsUnalignedAddress(t *testing.T) {
	dev, _ := newInitedDevice(t)
	if err := dev.WriteMem(2, 1, []uint32{0}); err == nil {
		t.Fatal("WriteMem(2, ...) succeeded, want alignment error")
	}
}

func TestUICRVersionFixtureRoundTrip(t *testing.T) {
	dev, sim := newInitedDevice(t)
	sim.SetUICRVersion(0x01020300)
	var out [1]uint32
	if err := dev.ReadMem(swd.UICRFirmwareVersionAddr, 1, out[:]); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if out[0] != 0x01020300 {
		t.Errorf("UICR version = %#08x, want 0x01020300", out[0])
	}
}

func TestResetTogglesDebugState(t *testing.T) {
	dev, sim := newInitedDevice(t)
	if err := dev.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if err := dev.Reset(true); err != nil {
		t.Fatalf("Reset(true): %v", err)
	}
	if err := dev.Reset(false); err != nil {
		t.Fatalf("Reset(false): %v", err)
	}
	if sim.ResetCount() != 1 {
		t.Errorf("ResetCount = %d, want 1", sim.ResetCount())
	}
	// A reset re-zeroes the debug-port state backing this bus; a fresh
	// Device (as the orchestrator creates per run) must be able to
	// initialize against it from scratch.
	fresh := swd.New(sim)
	if err := fresh.Init(); err != nil {
		t.Fatalf("Init after reset: %v", err)
	}
}
