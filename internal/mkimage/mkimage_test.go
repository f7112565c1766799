package mkimage

import (
	"testing"

	"github.com/davejbax/pixie/internal/efipe"
	"github.com/davejbax/pixie/internal/layout"
	"github.com/davejbax/pixie/internal/target"
)

func TestEffectiveDescriptorLeavesNonPE32Alone(t *testing.T) {
	desc := target.By(target.UBOOT)
	if got := effectiveDescriptor(desc); got != desc {
		t.Errorf("effectiveDescriptor should return the same pointer for a non-PE32 target")
	}
}

func TestEffectiveDescriptorIsNoopForAlreadyPageAlignedEFI(t *testing.T) {
	desc := target.By(target.EFI)
	got := effectiveDescriptor(desc)
	if got != desc {
		t.Errorf("effectiveDescriptor should be a no-op for a target already aligned to the page size")
	}
}

func TestEffectiveDescriptorForcesPageAlignmentForIA64(t *testing.T) {
	desc := target.By(target.EFIIA64)
	got := effectiveDescriptor(desc)

	if got == desc {
		t.Fatalf("effectiveDescriptor should return an overridden copy for IA-64")
	}
	if got.LinkAlign != efipe.UEFIPageSize {
		t.Errorf("LinkAlign = %d, want %d", got.LinkAlign, uint64(efipe.UEFIPageSize))
	}
	if got.SectionAlign != efipe.UEFIPageSize {
		t.Errorf("SectionAlign = %d, want %d", got.SectionAlign, uint64(efipe.UEFIPageSize))
	}
	// The original descriptor, and the registry behind target.By, must be
	// untouched: effectiveDescriptor must not mutate its input.
	if desc.LinkAlign != 16 || desc.SectionAlign != 16 {
		t.Errorf("effectiveDescriptor must not mutate the original descriptor, got LinkAlign=%d SectionAlign=%d", desc.LinkAlign, desc.SectionAlign)
	}
}

func TestFirstAddrOfKind(t *testing.T) {
	l := &layout.Layout{
		Placed: []layout.Placed{
			{Name: ".text", Addr: 0x1000, Size: 0x1000, Kind: layout.KindText},
			{Name: ".data", Addr: 0x2000, Size: 0x100, Kind: layout.KindData},
		},
	}

	addr, ok := firstAddrOfKind(l, layout.KindData)
	if !ok || addr != 0x2000 {
		t.Errorf("firstAddrOfKind = (0x%x, %v), want (0x2000, true)", addr, ok)
	}

	_, ok = firstAddrOfKind(l, layout.KindGOT)
	if ok {
		t.Errorf("firstAddrOfKind should report false for a kind with no placed section")
	}
}
