package layout

import (
	"debug/elf"
	"errors"
	"testing"

	"github.com/davejbax/pixie/internal/elfimage"
	"github.com/davejbax/pixie/internal/target"
	"github.com/google/go-cmp/cmp"
)

func section(name string, addr, size, align uint64) *elf.Section {
	return &elf.Section{
		SectionHeader: elf.SectionHeader{
			Name:      name,
			Addr:      addr,
			Size:      size,
			Addralign: align,
			Type:      elf.SHT_PROGBITS,
		},
	}
}

func imageOf(desc *target.Descriptor, secs []*elf.Section) *elfimage.Image {
	return &elfimage.Image{File: &elf.File{Sections: secs}, Desc: desc}
}

func TestPlaceAllAppendsSequentiallyAndRecordsAddresses(t *testing.T) {
	desc := target.By(target.EFI)

	secs := []*elf.Section{
		section(".text.a", 0, 0x10, 16),
		section(".text.b", 0, 0x20, 16),
	}

	l := &Layout{AddrOf: make(map[int]uint64)}
	end, err := placeAll(l, imageOf(desc, secs), secs, 0x1000, KindText, desc)
	if err != nil {
		t.Fatalf("placeAll returned error: %v", err)
	}

	want := []Placed{
		{ElfIndex: 0, Name: ".text.a", Addr: 0x1000, Size: 0x10, Kind: KindText},
		{ElfIndex: 1, Name: ".text.b", Addr: 0x1010, Size: 0x20, Kind: KindText},
	}
	if diff := cmp.Diff(want, l.Placed); diff != "" {
		t.Errorf("placeAll produced unexpected Placed entries (-want +got):\n%s", diff)
	}
	if end != 0x1030 {
		t.Errorf("placeAll end = 0x%x, want 0x1030", end)
	}
}

func TestPlaceAllRejectsMismatchedLinkAddrOnNonRelocatableTarget(t *testing.T) {
	desc := target.By(target.CHRP)

	// CHRP's LinkAddr is the base every section address must be expressed
	// relative to; a section whose sh_addr doesn't land on the expected
	// layout address after subtracting LinkAddr is a miscompiled input.
	secs := []*elf.Section{section(".text", desc.LinkAddr+0x500, 0x10, 16)}

	l := &Layout{AddrOf: make(map[int]uint64)}
	_, err := placeAll(l, imageOf(desc, secs), secs, 0, KindText, desc)
	if !errors.Is(err, ErrMiscompiledInput) {
		t.Fatalf("placeAll error = %v, want ErrMiscompiledInput", err)
	}

	// A section placed exactly at LinkAddr+addr must be accepted.
	secs2 := []*elf.Section{section(".text", desc.LinkAddr, 0x10, 16)}
	l2 := &Layout{AddrOf: make(map[int]uint64)}
	if _, err := placeAll(l2, imageOf(desc, secs2), secs2, 0, KindText, desc); err != nil {
		t.Errorf("placeAll rejected a correctly linked section: %v", err)
	}
}
