package addrreloc

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/davejbax/pixie/internal/elfimage"
	"github.com/google/go-cmp/cmp"
)

func TestApply386AbsoluteAddsExistingWordAsAddend(t *testing.T) {
	data := make([]byte, 8)
	write32(data, 0, 5) // pre-existing addend baked into the word

	fixup, err := apply386(data, 0, 0x1000, elfimage.Relocation{Type: uint32(elf.R_386_32)})
	if err != nil {
		t.Fatalf("apply386 returned error: %v", err)
	}
	if got := read32(data, 0); got != 0x1005 {
		t.Errorf("apply386 result = 0x%x, want 0x1005", got)
	}
	want := &Fixup{FileOffset: 0, Wide: false}
	if diff := cmp.Diff(want, fixup); diff != "" {
		t.Errorf("apply386 fixup mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyARMAbs32TreatsExistingWordAsRELAddend(t *testing.T) {
	data := make([]byte, 4)
	write32(data, 0, 0x20) // REL-type implicit addend baked into the word

	fixup, err := applyARM(data, 0, 0x5000, elfimage.Relocation{Type: armAbs32}, false, &trampolineAllocator{})
	if err != nil {
		t.Fatalf("applyARM returned error: %v", err)
	}
	if got := read32(data, 0); got != 0x5020 {
		t.Errorf("applyARM ABS32 result = 0x%x, want 0x5020 (symAddr + existing word as addend)", got)
	}
	want := &Fixup{FileOffset: 0, Wide: false}
	if diff := cmp.Diff(want, fixup); diff != "" {
		t.Errorf("applyARM ABS32 fixup mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyARMAbs32AppliesEFIBiasOnRelocatableTarget(t *testing.T) {
	data := make([]byte, 4)
	write32(data, 0, 0)

	if _, err := applyARM(data, 0, 0x5000, elfimage.Relocation{Type: armAbs32}, true, &trampolineAllocator{}); err != nil {
		t.Fatalf("applyARM returned error: %v", err)
	}
	if got := read32(data, 0); got != 0x5400 {
		t.Errorf("applyARM ABS32 (relocatable) result = 0x%x, want 0x5400 (symAddr + 0x400 bias)", got)
	}
}

func TestIAGOTAllocatorReusesSlotPerSymbol(t *testing.T) {
	data := make([]byte, 32)
	got := &iaGOTAllocator{base: 0, size: 32, data: data, slots: make(map[uint32]uint64)}

	first, err := got.slot(7, 0xAABBCCDD)
	if err != nil {
		t.Fatalf("slot returned error: %v", err)
	}
	second, err := got.slot(7, 0xAABBCCDD)
	if err != nil {
		t.Fatalf("slot returned error: %v", err)
	}
	if first != second {
		t.Errorf("slot(7) returned different addresses on reuse: 0x%x != 0x%x", first, second)
	}

	other, err := got.slot(9, 0x11223344)
	if err != nil {
		t.Fatalf("slot returned error: %v", err)
	}
	if other == first {
		t.Error("distinct symbols were assigned the same GOT slot")
	}

	if v := binary.LittleEndian.Uint64(data[first:]); v != 0xAABBCCDD {
		t.Errorf("GOT slot for symbol 7 = 0x%x, want 0xaabbccdd", v)
	}
}

func TestIAGOTAllocatorExhaustion(t *testing.T) {
	data := make([]byte, 8)
	got := &iaGOTAllocator{base: 0, size: 8, data: data, slots: make(map[uint32]uint64)}

	if _, err := got.slot(1, 1); err != nil {
		t.Fatalf("first slot allocation failed: %v", err)
	}
	if _, err := got.slot(2, 2); err == nil {
		t.Error("expected GOT exhaustion error for a second distinct symbol")
	}
}

func TestPatchIA64Slot21And22RoundTripAgainstSpliceBits128(t *testing.T) {
	cases := []struct {
		name  string
		width uint
		patch func(data []byte, siteOffset uint64, imm int64)
		imm   int64
	}{
		{"21-bit", 21, patchIA64Slot21, -12345},
		{"22-bit", 22, patchIA64Slot22, 98765},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data := make([]byte, 16)
			c.patch(data, 0, c.imm)

			wantLo, wantHi := spliceBits128(0, 0, ia64Slot1ImmBit, c.width, uint64(c.imm)&((1<<c.width)-1))
			gotLo := binary.LittleEndian.Uint64(data[0:8])
			gotHi := binary.LittleEndian.Uint64(data[8:16])

			if gotLo != wantLo || gotHi != wantHi {
				t.Errorf("patch wrote (0x%x,0x%x), want (0x%x,0x%x)", gotLo, gotHi, wantLo, wantHi)
			}
		})
	}
}
