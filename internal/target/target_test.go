package target

import (
	"debug/elf"
	"testing"
)

func TestByReturnsConsistentDescriptor(t *testing.T) {
	d := By(EFI)
	if d.ID != EFI {
		t.Fatalf("By(EFI).ID = %v, want EFI", d.ID)
	}
	if d.ElfMachine != elf.EM_X86_64 {
		t.Errorf("By(EFI).ElfMachine = %v, want EM_X86_64", d.ElfMachine)
	}
	if By(EFI) != By(EFI) {
		t.Errorf("By should return the same registry pointer across calls")
	}
}

func TestByPanicsOnUnknownID(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("By should panic for an unregistered ID")
		}
	}()
	By(ID(9999))
}

func TestIsRelocatableOutput(t *testing.T) {
	cases := []struct {
		id   ID
		want bool
	}{
		{EFI, true},
		{EFIArm, true},
		{EFIAArch64, true},
		{EFIIA64, true},
		{UBOOT, true},
		{COREBOOT, false},
		{XEN, false},
		{XEN386, false},
		{CHRP, false},
		{LoongsonELF, false},
		{SPARC64AOUT, false},
		{SPARC64Raw, false},
		{SPARC64CDCore, false},
	}

	for _, c := range cases {
		if got := By(c.id).IsRelocatableOutput(); got != c.want {
			t.Errorf("By(%v).IsRelocatableOutput() = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestAArch64AlignmentMeetsInvariant(t *testing.T) {
	d := By(EFIAArch64)
	if d.LinkAlign < 4096 {
		t.Errorf("AArch64 LinkAlign = %d, want >= 4096", d.LinkAlign)
	}
}

func TestAllListsEveryRegisteredID(t *testing.T) {
	ids := All()
	if len(ids) != len(registry) {
		t.Fatalf("All() returned %d ids, want %d", len(ids), len(registry))
	}
	seen := make(map[ID]bool)
	for _, id := range ids {
		seen[id] = true
	}
	for id := range registry {
		if !seen[id] {
			t.Errorf("All() missing id %v", id)
		}
	}
}

func TestIDStringIsHumanReadable(t *testing.T) {
	if EFI.String() == "" {
		t.Error("EFI.String() should not be empty")
	}
	if got := ID(9999).String(); got == "" {
		t.Error("unknown ID.String() should still produce a diagnostic string")
	}
}
