package update_test

import (
	"context"
	"errors"
	"hash/crc32"
	"testing"
	"testing/fstest"

	"gwbridge.dev/driver/swdbus"
	"gwbridge.dev/manifest"
	"gwbridge.dev/swd"
	"gwbridge.dev/update"
)

const segAddr = 0x1000

func segData() []byte {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i + 1)
	}
	return data
}

func fixtureFS(version string, badCRC bool) fstest.MapFS {
	data := segData()
	crc := crc32.ChecksumIEEE(data)
	if badCRC {
		crc ^= 0xFFFFFFFF
	}
	info := "# v" + version + "\n" +
		"0x00001000 0x20 app.bin 0x" + hex32(crc) + "\n"
	return fstest.MapFS{
		"info.txt": &fstest.MapFile{Data: []byte(info)},
		"app.bin":  &fstest.MapFile{Data: data},
	}
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b)
}

func TestRunNoopWhenVersionsMatch(t *testing.T) {
	fsys := fixtureFS("1.2.3", false)
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 3)))

	result, err := update.Run(context.Background(), fsys, sim, update.Config{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != update.OK {
		t.Fatalf("result = %v, want OK", result)
	}
	if sim.ResetCount() != 2 {
		t.Errorf("ResetCount = %d, want 2 (HW_RESET_IN and HW_RESET_OUT both always run, even on a no-op)", sim.ResetCount())
	}
	// Nothing should have been written: the segment address must still
	// read back as erased.
	w, err := sim.FlashWord(segAddr)
	if err != nil {
		t.Fatalf("FlashWord: %v", err)
	}
	if w != 0xFFFFFFFF {
		t.Errorf("flash word at segment address = %#08x, want 0xffffffff (untouched)", w)
	}
}

func TestRunHappyPath(t *testing.T) {
	fsys := fixtureFS("1.2.3", false)
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 2)))

	var progressCalls int
	cfg := update.Config{
		Progress: func(done, total int) { progressCalls++ },
	}
	result, err := update.Run(context.Background(), fsys, sim, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != update.OK {
		t.Fatalf("result = %v, want OK", result)
	}
	if progressCalls == 0 {
		t.Error("Progress callback never called")
	}

	data := segData()
	for i := 0; i < len(data); i += 4 {
		want := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		got, err := sim.FlashWord(segAddr + uint32(i))
		if err != nil {
			t.Fatalf("FlashWord: %v", err)
		}
		if got != want {
			t.Errorf("flash word at offset %d = %#08x, want %#08x", i, got, want)
		}
	}

	verWord, err := sim.UICRWord(swd.UICRFirmwareVersionAddr)
	if err != nil {
		t.Fatalf("UICRWord: %v", err)
	}
	if manifest.Version(verWord) != manifest.NewVersion(1, 2, 3) {
		t.Errorf("stamped version = %v, want 1.2.3", manifest.Version(verWord))
	}
}

func TestRunFailsVerifyBeforeErasing(t *testing.T) {
	fsys := fixtureFS("1.2.3", true) // bad CRC
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 2)))

	result, err := update.Run(context.Background(), fsys, sim, update.Config{})
	if result != update.FailVerify {
		t.Fatalf("result = %v, want FailVerify", result)
	}
	if !errors.Is(err, update.ErrVerify) {
		t.Errorf("err = %v, want wrapping ErrVerify", err)
	}
	w, ferr := sim.FlashWord(segAddr)
	if ferr != nil {
		t.Fatalf("FlashWord: %v", ferr)
	}
	if w != 0xFFFFFFFF {
		t.Errorf("flash word = %#08x, want 0xffffffff (must not erase/write after failed verify)", w)
	}
}

func TestRunReportsManifestParseErrorLine(t *testing.T) {
	fsys := fstest.MapFS{
		"info.txt": &fstest.MapFile{Data: []byte(
			"# v1.2.3\n" +
				"0x00000000 0x10 a.bin 0x0\n" +
				"not a valid segment line\n",
		)},
		"a.bin": &fstest.MapFile{Data: make([]byte, 16)},
	}
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 2)))

	result, err := update.Run(context.Background(), fsys, sim, update.Config{})
	if result != update.FailManifest {
		t.Fatalf("result = %v, want FailManifest", result)
	}
	var pe *manifest.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want a *manifest.ParseError", err)
	}
	if pe.Line != 3 {
		t.Errorf("ParseError.Line = %d, want 3", pe.Line)
	}
}

func TestRunFailsOnWrongIDCode(t *testing.T) {
	fsys := fixtureFS("1.2.3", false)
	sim := swdbus.NewSimulator()
	sim.SetIDCode(0xFFFFFFFF)

	result, err := update.Run(context.Background(), fsys, sim, update.Config{})
	if result != update.FailProto {
		t.Fatalf("result = %v, want FailProto", result)
	}
	if !errors.Is(err, swd.ErrIDCode) {
		t.Errorf("err = %v, want wrapping swd.ErrIDCode", err)
	}
	// HW_RESET_OUT must still run even though SWD_INIT failed.
	if sim.ResetCount() != 2 {
		t.Errorf("ResetCount = %d, want 2 (reset-in, reset-out)", sim.ResetCount())
	}
}

func TestRunFailsOnWriteReadbackMismatch(t *testing.T) {
	fsys := fixtureFS("1.2.3", false)
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 2)))
	sim.SetWriteFault(segAddr)

	result, err := update.Run(context.Background(), fsys, sim, update.Config{})
	if result != update.FailWrite {
		t.Fatalf("result = %v, want FailWrite", result)
	}
	if !errors.Is(err, update.ErrWrite) {
		t.Errorf("err = %v, want wrapping ErrWrite", err)
	}
}

func TestRunAlwaysResetsOutEvenOnFailure(t *testing.T) {
	fsys := fixtureFS("1.2.3", true)
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 2)))

	if _, err := update.Run(context.Background(), fsys, sim, update.Config{}); err == nil {
		t.Fatal("Run succeeded despite bad CRC, want error")
	}
	if sim.ResetCount() != 2 {
		t.Errorf("ResetCount = %d, want 2", sim.ResetCount())
	}
}

func TestRunHooksReportSuccess(t *testing.T) {
	fsys := fixtureFS("1.2.3", false)
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 2)))

	var before bool
	var after *bool
	cfg := update.Config{
		BeforeUpdate: func() { before = true },
		AfterUpdate:  func(ok bool) { after = &ok },
	}
	result, err := update.Run(context.Background(), fsys, sim, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != update.OK {
		t.Fatalf("result = %v, want OK", result)
	}
	if !before {
		t.Error("BeforeUpdate was never called")
	}
	if after == nil {
		t.Fatal("AfterUpdate was never called")
	}
	if !*after {
		t.Error("AfterUpdate(ok) = false, want true on a successful update")
	}
}

func TestRunHooksReportFailure(t *testing.T) {
	fsys := fixtureFS("1.2.3", true) // bad CRC
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 2)))

	var after *bool
	cfg := update.Config{
		AfterUpdate: func(ok bool) { after = &ok },
	}
	result, err := update.Run(context.Background(), fsys, sim, cfg)
	if result != update.FailVerify {
		t.Fatalf("result = %v, want FailVerify", result)
	}
	if err == nil {
		t.Fatal("Run succeeded despite bad CRC, want error")
	}
	if after == nil {
		t.Fatal("AfterUpdate was never called")
	}
	if *after {
		t.Error("AfterUpdate(ok) = true, want false on a failed update")
	}
}

func TestRunSkipsResumeWhenConfigured(t *testing.T) {
	fsys := fixtureFS("1.2.3", false)
	sim := swdbus.NewSimulator()
	sim.SetUICRVersion(uint32(manifest.NewVersion(1, 2, 2)))

	no := false
	result, err := update.Run(context.Background(), fsys, sim, update.Config{RunFirmwareAfterUpdate: &no})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != update.OK {
		t.Fatalf("result = %v, want OK", result)
	}
}
