package manifest

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestParseVersionAndSegments(t *testing.T) {
	src := "# v1.2.3\n" +
		"0x00000000 0x1000 boot.bin 0xdeadbeef\n" +
		"0x00001000 4096 app.bin 0x12345678\n"
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Version != NewVersion(1, 2, 3) {
		t.Errorf("version = %v, want 1.2.3", m.Version)
	}
	if len(m.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(m.Segments))
	}
	want := []Segment{
		{Address: 0, Size: 0x1000, FileName: "boot.bin", CRC: 0xdeadbeef},
		{Address: 0x1000, Size: 4096, FileName: "app.bin", CRC: 0x12345678},
	}
	for i, w := range want {
		if m.Segments[i] != w {
			t.Errorf("segment %d = %+v, want %+v", i, m.Segments[i], w)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	m := &Manifest{
		Version: NewVersion(4, 5, 6),
		Segments: []Segment{
			{Address: 0, Size: 4, FileName: "a.bin", CRC: 1},
			{Address: 0x100, Size: 0x400, FileName: "b.bin", CRC: 2},
		},
	}
	got, err := Parse(bytes.NewReader(Format(m)))
	if err != nil {
		t.Fatalf("Parse(Format(m)): %v", err)
	}
	if got.Version != m.Version {
		t.Errorf("version = %v, want %v", got.Version, m.Version)
	}
	if len(got.Segments) != len(m.Segments) {
		t.Fatalf("len(Segments) = %d, want %d", len(got.Segments), len(m.Segments))
	}
	for i := range m.Segments {
		if got.Segments[i] != m.Segments[i] {
			t.Errorf("segment %d = %+v, want %+v", i, got.Segments[i], m.Segments[i])
		}
	}
}

func TestParseEmptyManifest(t *testing.T) {
	if _, err := Parse(strings.NewReader("")); err == nil {
		t.Fatal("Parse(\"\") succeeded, want error")
	}
}

func TestParseRejectsSixthSegment(t *testing.T) {
	var buf bytes.Buffer
	fmt.Fprint(&buf, "# v1.0.0\n")
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&buf, "0x%08x 0x1000 seg%d.bin 0x0\n", i*0x1000, i)
	}
	if _, err := Parse(&buf); err == nil {
		t.Fatal("Parse with 6 segments succeeded, want error")
	}
}

func TestParseRejectsFileNameTooLong(t *testing.T) {
	src := "# v1.0.0\n0x00000000 0x4 012345678901234567890.bin 0x0\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("Parse with 20+ char file name succeeded, want error")
	}
}

func TestParseAcceptsMaxFileNameLen(t *testing.T) {
	name := strings.Repeat("a", MaxFileNameLen)
	src := "# v1.0.0\n0x00000000 0x4 " + name + " 0x0\n"
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Segments[0].FileName != name {
		t.Errorf("FileName = %q, want %q", m.Segments[0].FileName, name)
	}
}

func TestParseRejectsZeroSize(t *testing.T) {
	src := "# v1.0.0\n0x00000000 0x0 seg.bin 0x0\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("Parse with zero-size segment succeeded, want error")
	}
}

func TestParseRejectsUnalignedSize(t *testing.T) {
	src := "# v1.0.0\n0x00000000 0x3 seg.bin 0x0\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("Parse with size not a multiple of 4 succeeded, want error")
	}
}

func TestParseRejectsOverlappingSegments(t *testing.T) {
	src := "# v1.0.0\n" +
		"0x00000000 0x1000 a.bin 0x0\n" +
		"0x00000800 0x1000 b.bin 0x0\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("Parse with overlapping segments succeeded, want error")
	}
}

func TestParseRejectsOutOfOrderSegments(t *testing.T) {
	src := "# v1.0.0\n" +
		"0x00001000 0x1000 a.bin 0x0\n" +
		"0x00000000 0x1000 b.bin 0x0\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("Parse with descending addresses succeeded, want error")
	}
}

func TestParseRejectsDuplicateFileName(t *testing.T) {
	src := "# v1.0.0\n" +
		"0x00000000 0x1000 a.bin 0x0\n" +
		"0x00001000 0x1000 a.bin 0x0\n"
	if _, err := Parse(strings.NewReader(src)); err == nil {
		t.Fatal("Parse with duplicate file name succeeded, want error")
	}
}

func TestParseHexAndDecimalSize(t *testing.T) {
	src := "# v1.0.0\n" +
		"0x00000000 0x10 a.bin 0x0\n" +
		"0x00000010 20 b.bin 0x0\n"
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Segments[0].Size != 0x10 {
		t.Errorf("segment 0 size = %#x, want 0x10", m.Segments[0].Size)
	}
	if m.Segments[1].Size != 20 {
		t.Errorf("segment 1 size = %d, want 20", m.Segments[1].Size)
	}
}

func TestParseLineNumberInError(t *testing.T) {
	src := "# v1.0.0\nbad line\n"
	_, err := Parse(strings.NewReader(src))
	if err == nil {
		t.Fatal("Parse succeeded, want error")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if pe.Line != 2 {
		t.Errorf("Line = %d, want 2", pe.Line)
	}
}

func TestParseVersionBoundary(t *testing.T) {
	m, err := Parse(strings.NewReader("# v255.255.255\n"))
	if err != nil {
		t.Fatalf("Parse(255.255.255): %v", err)
	}
	if m.Version != NewVersion(255, 255, 255) {
		t.Errorf("version = %v, want 255.255.255", m.Version)
	}

	if _, err := Parse(strings.NewReader("# v256.0.0\n")); err == nil {
		t.Fatal("Parse(256.0.0) succeeded, want error (256 overflows a uint8 component)")
	}
}

func TestVersionString(t *testing.T) {
	v := NewVersion(1, 2, 3)
	if got, want := v.String(), "1.2.3"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
