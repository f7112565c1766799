// Package target enumerates the per-target constants (C1) every later stage
// of the image core is driven by: ELF class/machine/endianness, pointer
// size, link address and alignment rules, and which outer container the
// final image gets wrapped in.
package target

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// ID identifies one supported build target.
type ID int

const (
	// EFI is the x86-64 UEFI target: a PE32+ image, relocated at load time
	// via a .reloc section.
	EFI ID = iota
	// EFIArm is the 32-bit ARM UEFI target.
	EFIArm
	// EFIAArch64 is the AArch64 UEFI target.
	EFIAArch64
	// EFIIA64 is the IA-64 UEFI target, the only one with function
	// descriptors (jumpers) and a GOT.
	EFIIA64
	// UBOOT is the ARM U-Boot target: a raw relocatable image with a
	// trailing self-describing relocation table instead of a .reloc
	// section.
	UBOOT
	// COREBOOT is the i386 coreboot payload target: a non-relocatable ELF
	// container loaded at a fixed address.
	COREBOOT
	// XEN is the x86-64 Xen PVH target: an ELF container carrying a
	// PT_NOTE segment the Xen loader reads instead of a bootloader.
	XEN
	// XEN386 is the 32-bit x86 Xen PVH target; it additionally carries a
	// PAE-mode note the 64-bit target omits.
	XEN386
	// CHRP is the PowerPC CHRP/OpenFirmware target: an ELF container
	// carrying an IEEE-1275 PT_NOTE the Open Firmware client interface
	// reads.
	CHRP
	// LoongsonELF is the LoongSon MIPS target: a non-relocatable ELF
	// container.
	LoongsonELF
	// SPARC64AOUT is the SPARC64 target producing a flat image destined
	// for an a.out wrapper applied downstream of the core.
	SPARC64AOUT
	// SPARC64Raw is the SPARC64 target producing a completely unwrapped
	// flat image.
	SPARC64Raw
	// SPARC64CDCore is the SPARC64 "CD core" variant: a flat image booted
	// via El Torito, no ELF/PE envelope.
	SPARC64CDCore
)

// String returns the diagnostic name used in error messages.
func (id ID) String() string {
	switch id {
	case EFI:
		return "efi-x86_64"
	case EFIArm:
		return "efi-arm"
	case EFIAArch64:
		return "efi-arm64"
	case EFIIA64:
		return "efi-ia64"
	case UBOOT:
		return "uboot-arm"
	case COREBOOT:
		return "coreboot"
	case XEN:
		return "xen-x86_64"
	case XEN386:
		return "xen-i386"
	case CHRP:
		return "chrp-powerpc"
	case LoongsonELF:
		return "loongson-elf"
	case SPARC64AOUT:
		return "sparc64-aout"
	case SPARC64Raw:
		return "sparc64-raw"
	case SPARC64CDCore:
		return "sparc64-cdcore"
	default:
		return fmt.Sprintf("target.ID(%d)", int(id))
	}
}

// ImageKind selects which final-stage writer mkimage dispatches to.
type ImageKind int

const (
	// ImageKindPE32 wraps the image in a PE32+ executable and emits a
	// .reloc section (C6 PE32 mode, C7 is unused).
	ImageKindPE32 ImageKind = iota
	// ImageKindUBootRaw emits a flat image followed by a raw relocation
	// table (C6 raw mode, C7 is unused).
	ImageKindUBootRaw
	// ImageKindELFContainer wraps the image in a minimal ELF executable
	// (C7); no residual relocations are emitted since these targets are
	// not relocatable output.
	ImageKindELFContainer
	// ImageKindRawFlat emits the laid-out bytes with no translation and
	// no container: downstream, out-of-core tooling applies whatever
	// wrapper the target's firmware expects (e.g. a.out for SPARC).
	ImageKindRawFlat
)

// Descriptor is the immutable set of per-target constants threaded through
// every stage of the core. Obtain one via [By]; never mutate a Descriptor
// returned from the registry in place — copy it first (see
// internal/mkimage.effectiveDescriptor for the pattern).
type Descriptor struct {
	ID ID

	ElfClass    elf.Class
	ElfMachine  elf.Machine
	Endianness  binary.ByteOrder
	PointerSize uint64

	// LinkAddr is the address the input object was linked against
	// (non-relocatable targets) or the nominal base used for note/GOT
	// pointer fields (relocatable targets, where it is typically 0).
	LinkAddr uint64
	// VaddrOffset is added to every file address to produce the virtual
	// address symbols and relocations are resolved against.
	VaddrOffset uint64

	LinkAlign    uint64
	SectionAlign uint64
	ModAlign     uint64
	ModGap       uint64

	Kind ImageKind

	// CHRPNote and XenNote select which PT_NOTE payload
	// internal/container.Build appends for ImageKindELFContainer targets.
	CHRPNote bool
	XenNote  bool
}

// IsRelocatableOutput reports whether the firmware loader rebases this
// target's image at load time, meaning residual absolute relocations must
// be translated into a fixup table (C6) rather than resolved once and
// discarded.
func (d *Descriptor) IsRelocatableOutput() bool {
	return d.Kind == ImageKindPE32 || d.Kind == ImageKindUBootRaw
}

var registry = map[ID]*Descriptor{
	EFI: {
		ID: EFI, ElfClass: elf.ELFCLASS64, ElfMachine: elf.EM_X86_64,
		Endianness: binary.LittleEndian, PointerSize: 8,
		LinkAddr: 0, VaddrOffset: 0,
		LinkAlign: 4096, SectionAlign: 4096, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindPE32,
	},
	EFIArm: {
		ID: EFIArm, ElfClass: elf.ELFCLASS32, ElfMachine: elf.EM_ARM,
		Endianness: binary.LittleEndian, PointerSize: 4,
		LinkAddr: 0, VaddrOffset: 0,
		LinkAlign: 4096, SectionAlign: 4096, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindPE32,
	},
	EFIAArch64: {
		ID: EFIAArch64, ElfClass: elf.ELFCLASS64, ElfMachine: elf.EM_AARCH64,
		Endianness: binary.LittleEndian, PointerSize: 8,
		LinkAddr: 0, VaddrOffset: 0,
		// AArch64 requires align >= 4096 (spec.md §3); already the UEFI
		// page size, so effectiveDescriptor is a no-op for this target.
		LinkAlign: 4096, SectionAlign: 4096, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindPE32,
	},
	EFIIA64: {
		ID: EFIIA64, ElfClass: elf.ELFCLASS64, ElfMachine: elf.EM_IA_64,
		Endianness: binary.LittleEndian, PointerSize: 8,
		LinkAddr: 0, VaddrOffset: 0,
		// IA-64's own natural link alignment (16 bytes) is finer than
		// the PE/COFF loader's page-alignment requirement;
		// mkimage.effectiveDescriptor overrides this to the UEFI page
		// size before layout runs.
		LinkAlign: 16, SectionAlign: 16, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindPE32,
	},
	UBOOT: {
		ID: UBOOT, ElfClass: elf.ELFCLASS32, ElfMachine: elf.EM_ARM,
		Endianness: binary.LittleEndian, PointerSize: 4,
		LinkAddr: 0x8000_0000, VaddrOffset: 0,
		LinkAlign: 4, SectionAlign: 4, ModAlign: 4, ModGap: 0,
		Kind: ImageKindUBootRaw,
	},
	COREBOOT: {
		ID: COREBOOT, ElfClass: elf.ELFCLASS32, ElfMachine: elf.EM_386,
		Endianness: binary.LittleEndian, PointerSize: 4,
		LinkAddr: 0x0010_0000, VaddrOffset: 0,
		LinkAlign: 4, SectionAlign: 4096, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindELFContainer,
	},
	XEN: {
		ID: XEN, ElfClass: elf.ELFCLASS64, ElfMachine: elf.EM_X86_64,
		Endianness: binary.LittleEndian, PointerSize: 8,
		LinkAddr: 0x0020_0000, VaddrOffset: 0,
		LinkAlign: 16, SectionAlign: 4096, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindELFContainer, XenNote: true,
	},
	XEN386: {
		ID: XEN386, ElfClass: elf.ELFCLASS32, ElfMachine: elf.EM_386,
		Endianness: binary.LittleEndian, PointerSize: 4,
		LinkAddr: 0x0020_0000, VaddrOffset: 0,
		LinkAlign: 16, SectionAlign: 4096, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindELFContainer, XenNote: true,
	},
	CHRP: {
		ID: CHRP, ElfClass: elf.ELFCLASS32, ElfMachine: elf.EM_PPC,
		Endianness: binary.BigEndian, PointerSize: 4,
		LinkAddr: 0x0040_0000, VaddrOffset: 0,
		LinkAlign: 4, SectionAlign: 4096, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindELFContainer, CHRPNote: true,
	},
	LoongsonELF: {
		ID: LoongsonELF, ElfClass: elf.ELFCLASS64, ElfMachine: elf.EM_MIPS,
		Endianness: binary.LittleEndian, PointerSize: 8,
		LinkAddr: 0x8000_0000_0020_0000, VaddrOffset: 0,
		LinkAlign: 8, SectionAlign: 4096, ModAlign: 4096, ModGap: 0,
		Kind: ImageKindELFContainer,
	},
	SPARC64AOUT: {
		ID: SPARC64AOUT, ElfClass: elf.ELFCLASS64, ElfMachine: elf.EM_SPARCV9,
		Endianness: binary.BigEndian, PointerSize: 8,
		LinkAddr: 0x0040_0000, VaddrOffset: 0,
		LinkAlign: 8, SectionAlign: 8, ModAlign: 8, ModGap: 0,
		Kind: ImageKindRawFlat,
	},
	SPARC64Raw: {
		ID: SPARC64Raw, ElfClass: elf.ELFCLASS64, ElfMachine: elf.EM_SPARCV9,
		Endianness: binary.BigEndian, PointerSize: 8,
		LinkAddr: 0x0040_0000, VaddrOffset: 0,
		LinkAlign: 8, SectionAlign: 8, ModAlign: 8, ModGap: 0,
		Kind: ImageKindRawFlat,
	},
	SPARC64CDCore: {
		ID: SPARC64CDCore, ElfClass: elf.ELFCLASS64, ElfMachine: elf.EM_SPARCV9,
		Endianness: binary.BigEndian, PointerSize: 8,
		LinkAddr: 0x0040_0000, VaddrOffset: 0,
		LinkAlign: 8, SectionAlign: 8, ModAlign: 8, ModGap: 0,
		Kind: ImageKindRawFlat,
	},
}

// By looks up the descriptor for id. It panics on an unknown id: id always
// originates from this package's own constants or archToTarget-style
// validated input, never directly from unchecked user data.
func By(id ID) *Descriptor {
	d, ok := registry[id]
	if !ok {
		panic(fmt.Sprintf("target: no descriptor registered for id %d", int(id)))
	}
	return d
}

// All returns every registered target ID, in a stable order, for use by
// callers that need to enumerate supported targets (e.g. a CLI --help
// listing).
func All() []ID {
	ids := make([]ID, 0, len(registry))
	for id := EFI; id <= SPARC64CDCore; id++ {
		if _, ok := registry[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
