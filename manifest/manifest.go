// Package manifest parses and formats the info.txt manifest that
// describes an nRF52 coprocessor firmware image: its version and the
// ordered list of flash segments that make it up.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxSegments is the maximum number of segments a manifest may
// describe. A sixth segment line is a parse error.
const MaxSegments = 5

// MaxFileNameLen is the maximum length of a segment's file name.
const MaxFileNameLen = 19

// Version is a firmware version encoded as major.minor.patch in the
// top three bytes of a 32-bit word; the low byte is always zero.
type Version uint32

// NewVersion packs a major.minor.patch triple into a Version.
func NewVersion(major, minor, patch uint8) Version {
	return Version(uint32(major)<<24 | uint32(minor)<<16 | uint32(patch)<<8)
}

func (v Version) Major() uint8 { return uint8(v >> 24) }
func (v Version) Minor() uint8 { return uint8(v >> 16) }
func (v Version) Patch() uint8 { return uint8(v >> 8) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// Segment describes one contiguous range of target flash, backed by
// one file on the read-only image partition.
type Segment struct {
	Address  uint32
	Size     uint32
	FileName string
	CRC      uint32
}

// Manifest is the parsed contents of an info.txt file.
type Manifest struct {
	Version  Version
	Segments []Segment
}

// ParseError reports a manifest line that failed to parse. Line is
// 1-based, as required of callers that surface it to a user.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("manifest: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errVersionPrefix  = errors.New("missing '# v' prefix")
	errVersionFormat  = errors.New("malformed version")
	errTooManySegs    = errors.New("more than 5 segments")
	errSegmentFormat  = errors.New("malformed segment line")
	errFileNameLen    = errors.New("file name too long")
	errFileNameEmpty  = errors.New("empty file name")
	errDuplicateFile  = errors.New("duplicate file name")
	errSegmentOrder   = errors.New("segments not in ascending, non-overlapping address order")
	errSegmentSize    = errors.New("segment size must be a non-zero multiple of 4")
	errSegmentAddr    = errors.New("segment address must be a multiple of 4")
	errEmptyManifest  = errors.New("empty manifest")
)

// Parse reads an info.txt manifest from r.
func Parse(r io.Reader) (*Manifest, error) {
	sc := bufio.NewScanner(r)
	lineNum := 0
	m := &Manifest{}
	sawVersion := false
	names := make(map[string]bool)
	for sc.Scan() {
		lineNum++
		line := rstrip(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !sawVersion {
			v, err := parseVersionLine(line)
			if err != nil {
				return nil, &ParseError{Line: lineNum, Err: err}
			}
			m.Version = v
			sawVersion = true
			continue
		}
		if len(m.Segments) >= MaxSegments {
			return nil, &ParseError{Line: lineNum, Err: errTooManySegs}
		}
		seg, err := parseSegmentLine(line)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Err: err}
		}
		if names[seg.FileName] {
			return nil, &ParseError{Line: lineNum, Err: errDuplicateFile}
		}
		if len(m.Segments) > 0 {
			prev := m.Segments[len(m.Segments)-1]
			if seg.Address < prev.Address+prev.Size {
				return nil, &ParseError{Line: lineNum, Err: errSegmentOrder}
			}
		}
		names[seg.FileName] = true
		m.Segments = append(m.Segments, seg)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawVersion {
		return nil, &ParseError{Line: lineNum + 1, Err: errEmptyManifest}
	}
	return m, nil
}

// rstrip trims trailing \r, \n, space and tab, matching the original
// firmware's line_rstrip.
func rstrip(line []byte) []byte {
	for len(line) > 0 {
		switch line[len(line)-1] {
		case '\r', '\n', ' ', '\t':
			line = line[:len(line)-1]
		default:
			return line
		}
	}
	return line
}

const versionPrefix = "# v"

func parseVersionLine(line []byte) (Version, error) {
	if !bytes.HasPrefix(line, []byte(versionPrefix)) {
		return 0, errVersionPrefix
	}
	rest := line[len(versionPrefix):]
	parts := bytes.SplitN(rest, []byte("."), 3)
	if len(parts) != 3 {
		return 0, errVersionFormat
	}
	var digits [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(string(p), 10, 8)
		if err != nil {
			return 0, errVersionFormat
		}
		digits[i] = uint8(n)
	}
	return NewVersion(digits[0], digits[1], digits[2]), nil
}

// fields splits on runs of space/tab, matching the EBNF's
// whitespace = (" " | "\t")+.
func fields(line []byte) [][]byte {
	return bytes.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t'
	})
}

func parseSegmentLine(line []byte) (Segment, error) {
	f := fields(line)
	if len(f) != 4 {
		return Segment{}, errSegmentFormat
	}
	addr, err := parseHex32(f[0])
	if err != nil {
		return Segment{}, errSegmentFormat
	}
	size, err := parseSize(f[1])
	if err != nil {
		return Segment{}, errSegmentFormat
	}
	name := string(f[2])
	if len(name) == 0 {
		return Segment{}, errFileNameEmpty
	}
	if len(name) > MaxFileNameLen {
		return Segment{}, errFileNameLen
	}
	crc, err := parseHex32(f[3])
	if err != nil {
		return Segment{}, errSegmentFormat
	}
	if size == 0 || size%4 != 0 {
		return Segment{}, errSegmentSize
	}
	if addr%4 != 0 {
		return Segment{}, errSegmentAddr
	}
	return Segment{
		Address:  uint32(addr),
		Size:     uint32(size),
		FileName: name,
		CRC:      uint32(crc),
	}, nil
}

// parseSize parses a size token using "0x" prefix detection for hex,
// otherwise decimal — the "size = 0x hex+ | dec+" grammar rule.
func parseSize(tok []byte) (uint64, error) {
	if bytes.HasPrefix(tok, []byte("0x")) || bytes.HasPrefix(tok, []byte("0X")) {
		return strconv.ParseUint(string(tok[2:]), 16, 32)
	}
	return strconv.ParseUint(string(tok), 10, 32)
}

// parseHex32 parses a mandatory "0x"-prefixed hex token, as used by
// the address and crc fields.
func parseHex32(tok []byte) (uint64, error) {
	if !bytes.HasPrefix(tok, []byte("0x")) && !bytes.HasPrefix(tok, []byte("0X")) {
		return 0, errSegmentFormat
	}
	return strconv.ParseUint(string(tok[2:]), 16, 32)
}

// Format renders a manifest back to the info.txt text form, the
// inverse of Parse. It is used by the packaging tool and exercises
// the parser round-trip law: Parse(Format(m)) == m for any
// structurally valid m.
func Format(m *Manifest) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# v%d.%d.%d\n", m.Version.Major(), m.Version.Minor(), m.Version.Patch())
	for _, seg := range m.Segments {
		fmt.Fprintf(&buf, "0x%08x 0x%x %s 0x%08x\n", seg.Address, seg.Size, seg.FileName, seg.CRC)
	}
	return buf.Bytes()
}
