package rawreloc

import (
	"encoding/binary"
	"testing"

	"github.com/davejbax/pixie/internal/addrreloc"
)

func TestBuildEmpty(t *testing.T) {
	got, err := Build(nil, binary.LittleEndian)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if string(got) != string(want) {
		t.Fatalf("Build(nil) = %x, want %x", got, want)
	}
}

func TestBuildOrdersOffsetsAscending(t *testing.T) {
	fixups := []addrreloc.Fixup{
		{FileOffset: 0x100},
		{FileOffset: 0x10},
		{FileOffset: 0x50},
	}

	got, err := Build(fixups, binary.LittleEndian)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []uint32{
		0x10, 0x50, 0x100,
		RawEndMarker,
	}

	if len(got) != len(want)*4 {
		t.Fatalf("Build produced %d bytes, want %d", len(got), len(want)*4)
	}

	for i, w := range want {
		off := i * 4
		v := binary.LittleEndian.Uint32(got[off : off+4])
		if v != w {
			t.Errorf("word %d = 0x%x, want 0x%x", i, v, w)
		}
	}
}

func TestBuildIgnoresWideFixups(t *testing.T) {
	fixups := []addrreloc.Fixup{{FileOffset: 8, Wide: true}}

	got, err := Build(fixups, binary.LittleEndian)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// No raw target emits wide relocations, so a wide-only fixup set
	// degenerates to just the end marker.
	want := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if string(got) != string(want) {
		t.Fatalf("Build(wide) = %x, want %x", got, want)
	}
}
