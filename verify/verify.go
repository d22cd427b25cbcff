// Package verify streams an nRF52 firmware segment file and checks
// its CRC-32/IEEE checksum against the value declared in a manifest,
// before anything is erased or written to the target.
package verify

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"

	"gwbridge.dev/manifest"
)

// ErrShortRead is returned when a segment file yields fewer bytes
// than the manifest declares. A manifest-declared size longer than
// the file is otherwise only detectable indirectly, via a CRC
// mismatch; this makes the failure explicit, per SPEC_FULL.md's
// Open Question resolution.
var ErrShortRead = errors.New("verify: segment shorter than manifest declares")

// ErrOverlong is returned when a segment file has more bytes than
// the manifest declares.
var ErrOverlong = errors.New("verify: segment longer than manifest declares")

// ErrUnaligned is returned when a segment's byte count, as read, is
// not a multiple of 4 — segments are word-aligned by construction, so
// any other count means a corrupt or truncated file.
var ErrUnaligned = errors.New("verify: segment read is not word-aligned")

// chunkSize matches the orchestrator's 256-byte word-aligned
// temporary buffer.
const chunkSize = 256

// Segment opens seg.FileName in fsys, streams it through CRC-32/IEEE
// and returns an error if the checksum, or the byte count, does not
// match the manifest.
func Segment(fsys fs.FS, seg manifest.Segment) error {
	f, err := fsys.Open(seg.FileName)
	if err != nil {
		return fmt.Errorf("verify: open %s: %w", seg.FileName, err)
	}
	defer f.Close()

	h := crc32.NewIEEE()
	var buf [chunkSize]byte
	var total uint32
	for {
		n, err := f.Read(buf[:])
		if n > 0 {
			if n%4 != 0 {
				return fmt.Errorf("verify: %s: %w", seg.FileName, ErrUnaligned)
			}
			total += uint32(n)
			if total > seg.Size {
				return fmt.Errorf("verify: %s: %w", seg.FileName, ErrOverlong)
			}
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("verify: %s: %w", seg.FileName, err)
		}
	}
	if total < seg.Size {
		return fmt.Errorf("verify: %s: %w", seg.FileName, ErrShortRead)
	}
	if got := h.Sum32(); got != seg.CRC {
		return fmt.Errorf("verify: %s: crc mismatch: want 0x%08x, got 0x%08x", seg.FileName, seg.CRC, got)
	}
	return nil
}

// Manifest verifies every segment of m, stopping at the first
// mismatch. The target is left untouched regardless of outcome; it is
// the caller's responsibility to only erase/write after this succeeds.
func Manifest(fsys fs.FS, m *manifest.Manifest) error {
	for _, seg := range m.Segments {
		if err := Segment(fsys, seg); err != nil {
			return err
		}
	}
	return nil
}
