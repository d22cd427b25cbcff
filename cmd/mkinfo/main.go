// Command mkinfo packs an Intel HEX firmware image into the segment
// files and info.txt manifest package/update expects to find on the
// gateway's filesystem.
//
// Usage:
//
//	mkinfo pack <image.hex> <outdir> <major.minor.patch>
package main

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/marcinbor85/gohex"

	"gwbridge.dev/manifest"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "mkinfo: specify a command ('pack')")
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "pack":
		err = pack(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command: %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkinfo: %v\n", err)
		os.Exit(1)
	}
}

func pack(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: mkinfo pack <image.hex> <outdir> <major.minor.patch>")
	}
	hexPath, outDir, verStr := args[0], args[1], args[2]

	ver, err := parseVersion(verStr)
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}

	f, err := os.Open(hexPath)
	if err != nil {
		return err
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return fmt.Errorf("parse intel hex: %w", err)
	}

	segs := mem.GetDataSegments()
	sort.Slice(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })
	if len(segs) > manifest.MaxSegments {
		return fmt.Errorf("image has %d data segments, manifest supports at most %d", len(segs), manifest.MaxSegments)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	m := &manifest.Manifest{Version: ver}
	for i, seg := range segs {
		data := padToWord(seg.Data)
		name := fmt.Sprintf("seg%d.bin", i)
		if err := os.WriteFile(filepath.Join(outDir, name), data, 0o644); err != nil {
			return err
		}
		m.Segments = append(m.Segments, manifest.Segment{
			Address:  seg.Address,
			Size:     uint32(len(data)),
			FileName: name,
			CRC:      crc32.ChecksumIEEE(data),
		})
	}

	return os.WriteFile(filepath.Join(outDir, "info.txt"), manifest.Format(m), 0o644)
}

// padToWord zero-pads data to a multiple of 4 bytes: info.txt segment
// sizes must be a multiple of 4 per the manifest grammar, and NVMC
// writes are always whole 32-bit words.
func padToWord(data []byte) []byte {
	if rem := len(data) % 4; rem != 0 {
		data = append(data, make([]byte, 4-rem)...)
	}
	return data
}

func parseVersion(s string) (manifest.Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("want major.minor.patch, got %q", s)
	}
	var nums [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", p, err)
		}
		nums[i] = uint8(n)
	}
	return manifest.NewVersion(nums[0], nums[1], nums[2]), nil
}
