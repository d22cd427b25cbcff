// Package update implements the gateway's over-SWD firmware update
// orchestration: reset the coprocessor into debug halt, compare its
// UICR version stamp against a manifest on the gateway's local
// filesystem, and — if they differ — mass-erase and reprogram it
// before letting it run again.
package update

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"gwbridge.dev/manifest"
	"gwbridge.dev/swd"
	"gwbridge.dev/verify"
)

// Result classifies how a Run attempt ended, for callers that want to
// react (retry, alarm, log a metric) without parsing error strings.
type Result int

const (
	// OK covers both "reprogrammed successfully" and "already at the
	// manifest's version, nothing to do".
	OK Result = iota
	FailManifest
	FailVerify
	FailProto
	FailWrite
	FailIO
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case FailManifest:
		return "fail-manifest"
	case FailVerify:
		return "fail-verify"
	case FailProto:
		return "fail-proto"
	case FailWrite:
		return "fail-write"
	case FailIO:
		return "fail-io"
	default:
		return fmt.Sprintf("update.Result(%d)", int(r))
	}
}

// Sentinel errors Run wraps its returned error around; callers that
// need the Result enum should prefer that over errors.Is against
// these, but these are exported for callers that only care about one
// failure class.
var (
	ErrManifest = errors.New("update: manifest invalid")
	ErrVerify   = errors.New("update: source image failed verification")
	ErrProto    = errors.New("update: swd protocol fault")
	ErrWrite    = errors.New("update: write did not take effect")
	ErrIO       = errors.New("update: i/o error")
)

const (
	defaultManifestName = "info.txt"
	defaultResetHold    = 100 * time.Millisecond
	defaultResetSettle  = 20 * time.Millisecond
	writeChunkWords     = 64
)

// Config parameterizes one Run. Every field is optional; zero values
// resolve to the defaults documented per field.
type Config struct {
	// ManifestName is the manifest's path within fsys. Defaults to
	// "info.txt".
	ManifestName string

	// UICRAddr is where the firmware-version word is read from and
	// stamped to. Defaults to swd.UICRFirmwareVersionAddr.
	UICRAddr uint32

	// ResetHold is how long NRST is held asserted during HW_RESET_IN
	// and HW_RESET_OUT. Defaults to 100ms.
	ResetHold time.Duration

	// RunFirmwareAfterUpdate controls whether the core is resumed
	// (swd.Device.Run) before HW_RESET_OUT. Defaults to true; set
	// false to leave the target halted for a follow-up debug session.
	RunFirmwareAfterUpdate *bool

	// BeforeUpdate, if set, runs before HW_RESET_IN, mirroring the
	// original firmware's nrf52fw_cb_before_updating hook.
	BeforeUpdate func()
	// AfterUpdate, if set, runs after HW_RESET_OUT, even on a failed
	// attempt, with ok reporting whether Run is about to return OK —
	// mirroring nrf52fw_cb_after_updating's flag_success. It is not
	// called when NRST cannot be driven during HW_RESET_IN, since Run
	// returns at that point.
	AfterUpdate func(ok bool)

	// Progress, if set, is called after every chunk written during
	// WRITE_SEG with cumulative bytes written and the total bytes the
	// manifest declares across all segments.
	Progress func(done, total int)

	Logger *slog.Logger
}

func (c Config) manifestName() string {
	if c.ManifestName == "" {
		return defaultManifestName
	}
	return c.ManifestName
}

func (c Config) uicrAddr() uint32 {
	if c.UICRAddr == 0 {
		return swd.UICRFirmwareVersionAddr
	}
	return c.UICRAddr
}

func (c Config) resetHold() time.Duration {
	if c.ResetHold == 0 {
		return defaultResetHold
	}
	return c.ResetHold
}

func (c Config) runAfterUpdate() bool {
	if c.RunFirmwareAfterUpdate == nil {
		return true
	}
	return *c.RunFirmwareAfterUpdate
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c Config) progress(done, total int) {
	if c.Progress != nil {
		c.Progress(done, total)
	}
}

// Run drives one complete update attempt: reset the target in,
// initialize SWD, compare versions, and — if they differ — verify,
// erase, reprogram and stamp the new version, before always resetting
// the target back out. Once HW_RESET_IN has succeeded, HW_RESET_OUT
// runs even when a later step fails or panics or ctx is canceled; a
// panic is reported as FailProto wrapping ErrProto. If NRST cannot be
// driven during HW_RESET_IN, Run returns FailIO at once, without
// HW_RESET_OUT.
func Run(ctx context.Context, fsys fs.FS, bus swd.Bus, cfg Config) (Result, error) {
	log := cfg.logger()

	if cfg.BeforeUpdate != nil {
		cfg.BeforeUpdate()
	}

	log.Info("hw_reset_in")
	if err := bus.SetReset(true); err != nil {
		wrapped := fmt.Errorf("update: hw_reset_in: %w", errors.Join(ErrIO, err))
		log.Error("hw_reset_in", "error", wrapped)
		return FailIO, wrapped
	}
	sleep(ctx, cfg.resetHold())
	if err := bus.SetReset(false); err != nil {
		wrapped := fmt.Errorf("update: hw_reset_in: release: %w", errors.Join(ErrIO, err))
		log.Error("hw_reset_in", "error", wrapped)
		return FailIO, wrapped
	}
	sleep(ctx, defaultResetSettle)

	dev := swd.New(bus)
	result, err := func() (result Result, err error) {
		defer func() {
			if p := recover(); p != nil {
				result, err = FailProto, fmt.Errorf("update: panic: %v: %w", p, ErrProto)
				log.Error("panic", "error", err)
			}
		}()
		return runLocked(ctx, fsys, dev, cfg, log)
	}()

	log.Info("hw_reset_out")
	if rerr := bus.SetReset(true); rerr != nil && err == nil {
		result, err = FailIO, fmt.Errorf("update: hw_reset_out: %w", errors.Join(ErrIO, rerr))
		log.Error("hw_reset_out", "error", err)
	}
	sleep(ctx, cfg.resetHold())
	if rerr := bus.SetReset(false); rerr != nil && err == nil {
		result, err = FailIO, fmt.Errorf("update: hw_reset_out: release: %w", errors.Join(ErrIO, rerr))
		log.Error("hw_reset_out", "error", err)
	}
	if derr := dev.Deinit(); derr != nil {
		log.Warn("deinit", "error", derr)
	}

	if cfg.AfterUpdate != nil {
		cfg.AfterUpdate(err == nil && result == OK)
	}

	return result, err
}

// runLocked implements SWD_INIT through RUN. It assumes HW_RESET_IN
// already ran and HW_RESET_OUT is the caller's responsibility, so
// every return path here leaves the caller free to always reset out.
func runLocked(ctx context.Context, fsys fs.FS, dev *swd.Device, cfg Config, log *slog.Logger) (Result, error) {
	log.Info("swd_init")
	if err := dev.Init(); err != nil {
		return classify(log, "swd_init", err, FailProto)
	}
	ok, err := dev.CheckIDCode()
	if err != nil {
		return classify(log, "swd_init", err, FailProto)
	}
	if !ok {
		err := fmt.Errorf("update: swd_init: %w", swd.ErrIDCode)
		log.Error("swd_init", "error", err)
		return FailProto, err
	}
	if err := dev.Halt(); err != nil {
		return classify(log, "halt", err, FailProto)
	}

	log.Info("fs_mount", "name", cfg.manifestName())
	mf, err := fsys.Open(cfg.manifestName())
	if err != nil {
		wrapped := fmt.Errorf("update: fs_mount: %w", errors.Join(ErrIO, err))
		log.Error("fs_mount", "name", cfg.manifestName(), "error", wrapped)
		return FailIO, wrapped
	}
	defer mf.Close()

	log.Info("parse")
	m, err := manifest.Parse(mf)
	if err != nil {
		wrapped := fmt.Errorf("update: parse: %w", errors.Join(ErrManifest, err))
		log.Error("parse", "error", wrapped)
		return FailManifest, wrapped
	}

	log.Info("read_target_ver")
	var verWord [1]uint32
	if err := dev.ReadMem(cfg.uicrAddr(), 1, verWord[:]); err != nil {
		return classify(log, "read_target_ver", err, FailProto, "addr", cfg.uicrAddr())
	}
	targetVer := manifest.Version(verWord[0])
	if targetVer == m.Version {
		log.Info("up to date", "version", m.Version)
		return OK, nil
	}
	log.Info("version mismatch", "target", targetVer, "manifest", m.Version)

	if err := ctx.Err(); err != nil {
		wrapped := fmt.Errorf("update: %w", errors.Join(ErrIO, err))
		log.Error("canceled", "error", wrapped)
		return FailIO, wrapped
	}

	log.Info("verify_fs_image")
	if err := verify.Manifest(fsys, m); err != nil {
		wrapped := fmt.Errorf("update: verify_fs_image: %w", errors.Join(ErrVerify, err))
		log.Error("verify_fs_image", "error", wrapped)
		return FailVerify, wrapped
	}

	log.Info("erase_all")
	if err := dev.EraseAll(); err != nil {
		return classify(log, "erase_all", err, FailProto)
	}

	total := 0
	for _, seg := range m.Segments {
		total += int(seg.Size)
	}
	written := 0
	for _, seg := range m.Segments {
		if err := ctx.Err(); err != nil {
			wrapped := fmt.Errorf("update: write_seg %s: %w", seg.FileName, errors.Join(ErrIO, err))
			log.Error("canceled", "file", seg.FileName, "error", wrapped)
			return FailIO, wrapped
		}
		log.Info("write_seg", "file", seg.FileName, "addr", seg.Address, "size", seg.Size)
		n, err := writeSegment(fsys, dev, seg, &written, total, cfg)
		if err != nil {
			switch {
			case errors.Is(err, ErrWrite):
				log.Error("write_seg", "file", seg.FileName, "addr", seg.Address, "error", err)
				return FailWrite, err
			case errors.Is(err, ErrIO):
				log.Error("write_seg", "file", seg.FileName, "addr", seg.Address, "error", err)
				return FailIO, err
			default:
				return classify(log, "write_seg", err, FailProto, "file", seg.FileName, "addr", seg.Address)
			}
		}
		if uint32(n) != seg.Size {
			wrapped := fmt.Errorf("update: write_seg %s: wrote %d of %d declared bytes: %w", seg.FileName, n, seg.Size, ErrWrite)
			log.Error("write_seg", "file", seg.FileName, "addr", seg.Address, "error", wrapped)
			return FailWrite, wrapped
		}
	}

	log.Info("stamp_version", "version", m.Version)
	stampWord := [1]uint32{uint32(m.Version)}
	if err := dev.WriteMem(cfg.uicrAddr(), 1, stampWord[:]); err != nil {
		return classify(log, "stamp_version", err, FailProto, "addr", cfg.uicrAddr())
	}

	if cfg.runAfterUpdate() {
		log.Info("run")
		if err := dev.Run(); err != nil {
			return classify(log, "run", err, FailProto)
		}
	}
	return OK, nil
}

// writeSegment writes one segment in writeChunkWords-word bursts,
// reading each burst back and comparing it before moving on, and
// reports cumulative progress across the whole manifest. It returns
// the number of bytes actually written so the caller can assert it
// against the segment's declared size.
func writeSegment(fsys fs.FS, dev *swd.Device, seg manifest.Segment, written *int, total int, cfg Config) (int, error) {
	f, err := fsys.Open(seg.FileName)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrIO, seg.FileName, err)
	}
	defer f.Close()

	chunkBytes := writeChunkWords * 4
	buf := make([]byte, chunkBytes)
	addr := seg.Address
	n := 0
	for {
		nr, rerr := io.ReadFull(f, buf)
		if nr > 0 {
			if nr%4 != 0 {
				return n, fmt.Errorf("%w: %s: short word at offset %d", ErrIO, seg.FileName, n)
			}
			words := bytesToWords(buf[:nr])
			if err := dev.WriteMem(addr, len(words), words); err != nil {
				return n, err
			}
			back := make([]uint32, len(words))
			if err := dev.ReadMem(addr, len(words), back); err != nil {
				return n, err
			}
			for i, w := range words {
				if back[i] != w {
					return n, fmt.Errorf("%w: %s: word %d at %#08x: wrote %#08x, read back %#08x",
						ErrWrite, seg.FileName, i, addr+uint32(i*4), w, back[i])
				}
			}
			addr += uint32(nr)
			n += nr
			*written += nr
			cfg.progress(*written, total)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return n, fmt.Errorf("%w: %s: %v", ErrIO, seg.FileName, rerr)
		}
	}
	return n, nil
}

func bytesToWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words
}

// classify maps a lower-layer error to the Result enum and logs a
// single error-level line identifying the failing stage, per spec.md
// §7. swd package errors (protocol faults, bad idcode, alignment,
// wait timeout) are always FailProto; anything else keeps the
// caller-supplied fallback, since classify is only reached from call
// sites that already know which failure class applies absent a more
// specific swd error. attrs are extra key/value pairs (e.g. "addr",
// "file") appended to the log line.
func classify(log *slog.Logger, stage string, err error, fallback Result, attrs ...any) (Result, error) {
	result, outErr := fallback, err
	if errors.Is(err, swd.ErrIDCode) || errors.Is(err, swd.ErrProtocol) ||
		errors.Is(err, swd.ErrWait) || errors.Is(err, swd.ErrAlignment) {
		result, outErr = FailProto, fmt.Errorf("update: %w", errors.Join(ErrProto, err))
	}
	args := append([]any{"error", outErr}, attrs...)
	log.Error(stage, args...)
	return result, outErr
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
