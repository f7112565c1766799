// Package addrreloc applies architecture-specific relocations against the
// output image's final addresses: the C5 "relocation application" stage.
// It patches instruction/data bytes in place and reports which patched
// locations carry an absolute, load-address-dependent pointer so that C6
// can translate them into a firmware fixup table.
//
// Relocation type numbers for ARM, AArch64 and IA-64 come from their
// public ELF ABI documents (ARM AAELF32/AAELF64, the IA-64 ELF ABI): the
// GNU binutils headers that define symbolic names for them were not
// available to ground this package, so the raw numbers are used directly
// and documented inline.
package addrreloc

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/davejbax/pixie/internal/elfimage"
	"github.com/davejbax/pixie/internal/layout"
	"github.com/davejbax/pixie/internal/symreloc"
)

var (
	ErrUnsupportedRelocation = errors.New("unsupported relocation type for this machine")
	ErrRelocationOutOfRange  = errors.New("relocation target out of encodable range")
	ErrRelocationOutOfBounds = errors.New("relocation offset outside section bounds")
	ErrBadSymbolIndex        = errors.New("relocation references out-of-range symbol index")

	// ErrAbsoluteOnRelocatableTarget is returned for a 32-bit absolute
	// relocation on x86-64 when the target is a relocatable (EFI/UBOOT)
	// output: such a value can't survive a runtime rebase without a
	// fixup wider than the field itself.
	ErrAbsoluteOnRelocatableTarget = errors.New("32-bit absolute relocation not representable on a relocatable target")
)

// Fixup is one output-image location whose final value depends on the
// runtime load address, and that C6 must therefore record.
type Fixup struct {
	FileOffset uint64
	Wide       bool // true: 8-byte pointer (DIR64); false: 4-byte (HIGHLOW)
}

// Apply patches every relocation in img against data, which must already
// contain every section's bytes copied to the file offsets recorded in l
// (file offset == virtual address for every target this core supports, the
// image being a single unsegmented blob).
func Apply(img *elfimage.Image, l *layout.Layout, resolved *symreloc.Result, data []byte) ([]Fixup, error) {
	desc := img.Desc
	symbs := resolved.Symbols

	secFileOffset := make(map[int]uint64, len(l.Placed))
	for _, p := range l.Placed {
		secFileOffset[p.ElfIndex] = p.Addr
	}

	tramp := &trampolineAllocator{base: l.TrampolineOffset, size: l.TrampolineSize, data: data}
	got := &iaGOTAllocator{base: l.GOTOffset, size: l.GOTSize, data: data, slots: make(map[uint32]uint64)}

	var fixups []Fixup

	for _, rs := range img.IterRelocationSections() {
		targetIdx := int(rs.Info)
		base, ok := secFileOffset[targetIdx]
		if !ok {
			slog.Warn("skipping relocation section referencing excluded section", "section", rs.Name)
			continue
		}

		relocs, err := img.DecodeRelocations(rs)
		if err != nil {
			return nil, fmt.Errorf("failed to decode relocations in %q: %w", rs.Name, err)
		}

		for i, r := range relocs {
			if int(r.Symbol) >= len(symbs) {
				return nil, fmt.Errorf("relocation %d in %q: %w", i, rs.Name, ErrBadSymbolIndex)
			}

			siteOffset := base + r.Offset
			if siteOffset >= uint64(len(data)) {
				return nil, fmt.Errorf("relocation %d in %q: %w", i, rs.Name, ErrRelocationOutOfBounds)
			}

			symAddr := symbs[r.Symbol].Value

			slog.Debug("relocating ELF entry",
				"section", rs.Name,
				"type", r.Type,
				"symbIndex", r.Symbol,
				"symbValue", fmt.Sprintf("0x%x", symAddr),
				"addend", fmt.Sprintf("0x%x", r.Addend),
				"offset", fmt.Sprintf("0x%x", siteOffset),
			)

			fixup, err := applyOne(desc.ElfMachine, data, siteOffset, symAddr, r, desc.IsRelocatableOutput(), tramp, got)
			if err != nil {
				return nil, fmt.Errorf("relocation %d in %q (type %d): %w", i, rs.Name, r.Type, err)
			}
			if fixup != nil {
				fixups = append(fixups, *fixup)
			}
		}
	}

	return fixups, nil
}

func applyOne(machine elf.Machine, data []byte, siteOffset, symAddr uint64, r elfimage.Relocation, relocatable bool, tramp *trampolineAllocator, got *iaGOTAllocator) (*Fixup, error) {
	switch machine {
	case elf.EM_386:
		return apply386(data, siteOffset, symAddr, r)
	case elf.EM_X86_64:
		return applyX8664(data, siteOffset, symAddr, r, relocatable)
	case elf.EM_ARM:
		return applyARM(data, siteOffset, symAddr, r, relocatable, tramp)
	case elf.EM_AARCH64:
		return applyAArch64(data, siteOffset, symAddr, r, relocatable)
	case elf.EM_IA_64:
		return applyIA64(data, siteOffset, symAddr, r, relocatable, tramp, got)
	default:
		return nil, fmt.Errorf("%w: machine %v", ErrUnsupportedRelocation, machine)
	}
}

// --- i386 ---

func apply386(data []byte, siteOffset, symAddr uint64, r elfimage.Relocation) (*Fixup, error) {
	switch elf.R_386(r.Type) {
	case elf.R_386_NONE:
		return nil, nil
	case elf.R_386_32:
		addend := int64(read32(data, siteOffset))
		write32(data, siteOffset, uint32(int64(symAddr)+addend))
		return &Fixup{FileOffset: siteOffset, Wide: false}, nil
	case elf.R_386_PC32:
		addend := int64(read32(data, siteOffset))
		write32(data, siteOffset, uint32(int64(symAddr)+addend-int64(siteOffset)))
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: R_386 type %d", ErrUnsupportedRelocation, r.Type)
	}
}

// --- x86-64 ---

func applyX8664(data []byte, siteOffset, symAddr uint64, r elfimage.Relocation, relocatable bool) (*Fixup, error) {
	switch elf.R_X86_64(r.Type) {
	case elf.R_X86_64_NONE:
		return nil, nil
	case elf.R_X86_64_64:
		write64(data, siteOffset, uint64(int64(symAddr)+r.Addend))
		return &Fixup{FileOffset: siteOffset, Wide: true}, nil
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		// A statically linked kernel has no PLT: fold PLT32 into PC32.
		write32(data, siteOffset, uint32(int64(symAddr)+r.Addend-int64(siteOffset)))
		return nil, nil
	case elf.R_X86_64_PC64:
		write64(data, siteOffset, uint64(int64(symAddr)+r.Addend-int64(siteOffset)))
		return nil, nil
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		if relocatable {
			return nil, ErrAbsoluteOnRelocatableTarget
		}
		write32(data, siteOffset, uint32(int64(symAddr)+r.Addend))
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: R_X86_64 type %d", ErrUnsupportedRelocation, r.Type)
	}
}

// --- ARM A32 + T32 ---

const (
	armAbs32     = 2
	armThmCall   = 10
	armV4Bx      = 40
	armCall      = 28
	armJump24    = 29
	armThmJump24 = 30
	armThmJump19 = 51
)

func applyARM(data []byte, siteOffset, symAddr uint64, r elfimage.Relocation, relocatable bool, tramp *trampolineAllocator) (*Fixup, error) {
	switch r.Type {
	case armAbs32:
		// R_ARM_ABS32 is a REL-type relocation: the addend lives in the
		// word being patched, not in a separate field.
		addend := int64(read32(data, siteOffset))
		v := int64(symAddr) + addend
		if relocatable {
			// EFI loaders for ARM historically expect a +0x400 bias
			// on absolute fixups to cover the PE header region.
			v += 0x400
		}
		write32(data, siteOffset, uint32(v))
		return &Fixup{FileOffset: siteOffset, Wide: false}, nil

	case armV4Bx:
		// BX Rm -> BX Rm on ARMv4T-incompatible cores: no-op fixup.
		return nil, nil

	case armThmCall, armThmJump24, armThmJump19:
		target := symAddr
		interwork := target&1 == 0 // call site is Thumb; target is ARM
		if interwork {
			stub, addr, err := tramp.allocate(8)
			if err != nil {
				return nil, err
			}
			// bx pc; nop; b <arm target>
			binary.LittleEndian.PutUint32(stub[0:4], 0x46c0_4778)
			binary.LittleEndian.PutUint32(stub[4:8], 0xEA000000|(uint32((int64(target)-int64(addr)-12)>>2)&0x00FFFFFF))
			target = addr | 1 // keep call site in Thumb state until the stub
		}

		rel := int64(target) - int64(siteOffset) - 4
		if r.Type == armThmJump19 {
			if rel < -(1<<20) || rel >= (1<<20) {
				return nil, ErrRelocationOutOfRange
			}
		} else {
			if rel < -(1<<24) || rel >= (1<<24) {
				return nil, ErrRelocationOutOfRange
			}
		}
		patchThumbBranchOffset(data, siteOffset, rel)
		return nil, nil

	case armCall, armJump24:
		target := symAddr
		interwork := target&1 == 1 // call site is ARM; target is Thumb
		if interwork {
			stub, addr, err := tramp.allocate(16)
			if err != nil {
				return nil, err
			}
			// ldr ip, [pc, #4]; add ip, ip, pc; bx ip; <(target - stub - 12)|1>
			binary.LittleEndian.PutUint32(stub[0:4], 0xe59fc004)
			binary.LittleEndian.PutUint32(stub[4:8], 0xe08cc00f)
			binary.LittleEndian.PutUint32(stub[8:12], 0xe12fff1c)
			binary.LittleEndian.PutUint32(stub[12:16], uint32(int64(target)-int64(addr)-12))
			target = addr
		}

		rel := int64(target) - int64(siteOffset) - 8
		if rel < -(1<<25) || rel >= (1<<25) {
			return nil, ErrRelocationOutOfRange
		}
		write32(data, siteOffset, (read32(data, siteOffset)&0xFF000000)|(uint32(rel>>2)&0x00FFFFFF))
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: R_ARM type %d", ErrUnsupportedRelocation, r.Type)
	}
}

// patchThumbBranchOffset rewrites the 25-bit signed offset of a Thumb-2
// BL/B.W 32-bit instruction pair (two 16-bit halfwords) in place.
func patchThumbBranchOffset(data []byte, siteOffset uint64, rel int64) {
	s := uint32(rel>>24) & 1
	i1 := uint32(rel>>23)&1 ^ s ^ 1
	i2 := uint32(rel>>22)&1 ^ s ^ 1
	imm10 := uint32(rel>>12) & 0x3FF
	imm11 := uint32(rel>>1) & 0x7FF

	// Keep the site's own opcode bits (0xD000 for BL, 0x9000 for B.W).
	op := binary.LittleEndian.Uint16(data[siteOffset+2:siteOffset+4]) & 0xD000
	hi := uint16(0xF000 | (s << 10) | imm10)
	lo := op | uint16((i1<<13)|(i2<<11)|imm11)

	binary.LittleEndian.PutUint16(data[siteOffset:siteOffset+2], hi)
	binary.LittleEndian.PutUint16(data[siteOffset+2:siteOffset+4], lo)
}

type trampolineAllocator struct {
	base uint64
	size uint64
	off  uint64
	data []byte
}

func (t *trampolineAllocator) allocate(n uint64) (stub []byte, addr uint64, err error) {
	if t.off+n > t.size {
		return nil, 0, fmt.Errorf("trampoline region exhausted: %w", ErrRelocationOutOfRange)
	}
	addr = t.base + t.off
	stub = t.data[addr : addr+n]
	t.off += n
	return stub, addr, nil
}

// --- AArch64 ---

const (
	aarch64Abs64           = 257
	aarch64AdrPrelPgHi21   = 275
	aarch64AddAbsLo12Nc    = 277
	aarch64Jump26          = 282
	aarch64Call26          = 283
	aarch64Ldst64AbsLo12Nc = 287
)

func applyAArch64(data []byte, siteOffset, symAddr uint64, r elfimage.Relocation, relocatable bool) (*Fixup, error) {
	switch r.Type {
	case aarch64Abs64:
		write64(data, siteOffset, uint64(int64(symAddr)+r.Addend))
		return &Fixup{FileOffset: siteOffset, Wide: true}, nil

	case aarch64AddAbsLo12Nc:
		v := uint32(int64(symAddr)+r.Addend) & 0xFFF
		insn := read32(data, siteOffset)
		insn = (insn &^ (0xFFF << 10)) | (v << 10)
		write32(data, siteOffset, insn)
		return nil, nil

	case aarch64Ldst64AbsLo12Nc:
		v := (uint32(int64(symAddr)+r.Addend) & 0xFFF) >> 3
		insn := read32(data, siteOffset)
		insn = (insn &^ (0x1FF << 10)) | (v << 10)
		write32(data, siteOffset, insn)
		return nil, nil

	case aarch64AdrPrelPgHi21:
		pc := siteOffset &^ 0xFFF
		target := (uint64(int64(symAddr) + r.Addend)) &^ 0xFFF
		rel := int64(target) - int64(pc)
		pages := rel >> 12
		if pages < -(1<<20) || pages >= (1<<20) {
			return nil, ErrRelocationOutOfRange
		}
		immlo := uint32(pages) & 0x3
		immhi := uint32(pages>>2) & 0x7FFFF
		insn := read32(data, siteOffset)
		insn = (insn &^ ((0x3 << 29) | (0x7FFFF << 5))) | (immlo << 29) | (immhi << 5)
		write32(data, siteOffset, insn)
		return nil, nil

	case aarch64Jump26, aarch64Call26:
		rel := int64(symAddr) + r.Addend - int64(siteOffset)
		if rel < -(1<<27) || rel >= (1<<27) {
			return nil, ErrRelocationOutOfRange
		}
		insn := read32(data, siteOffset)
		insn = (insn &^ 0x03FFFFFF) | (uint32(rel>>2) & 0x03FFFFFF)
		write32(data, siteOffset, insn)
		return nil, nil

	default:
		// No other AArch64 relocation type this core emits produces
		// an absolute, load-address-dependent value.
		return nil, fmt.Errorf("%w: R_AARCH64 type %d", ErrUnsupportedRelocation, r.Type)
	}
}

// --- IA-64 ---

const (
	iaDir64LSB     = 0x27
	iaGPRel22      = 0x2a
	iaGPRel64I     = 0x2b
	iaLTOff22      = 0x32
	iaFPTR64LSB    = 0x47
	iaPCRel21B     = 0x49
	iaPCRel64LSB   = 0x4f
	iaLTOffFPTR22  = 0x52
	iaSegRel64LSB  = 0x5f
	iaLTOff22X     = 0x86
	iaLDXMOV       = 0x87
)

func applyIA64(data []byte, siteOffset, symAddr uint64, r elfimage.Relocation, relocatable bool, tramp *trampolineAllocator, got *iaGOTAllocator) (*Fixup, error) {
	switch r.Type {
	case iaDir64LSB, iaFPTR64LSB:
		write64(data, siteOffset, uint64(int64(symAddr)+r.Addend))
		return &Fixup{FileOffset: siteOffset, Wide: true}, nil

	case iaSegRel64LSB:
		write64(data, siteOffset, uint64(int64(symAddr)+r.Addend))
		return nil, nil

	case iaPCRel64LSB:
		write64(data, siteOffset, uint64(int64(symAddr)+r.Addend-int64(siteOffset)))
		return nil, nil

	case iaPCRel21B:
		target := symAddr
		rel := int64(target) + r.Addend - int64(siteOffset)
		const slotSpan = 16
		if rel < -(1<<23) || rel >= (1<<23) {
			stub, addr, err := tramp.allocate(slotSpan)
			if err != nil {
				return nil, err
			}
			binary.LittleEndian.PutUint64(stub[0:8], target)
			binary.LittleEndian.PutUint64(stub[8:16], 0)
			rel = int64(addr) - int64(siteOffset)
		}
		patchIA64Slot21(data, siteOffset, rel>>4)
		return nil, nil

	case iaLTOff22, iaLTOff22X, iaLTOffFPTR22:
		// GOT-relative load: one slot per distinct symbol was reserved
		// during layout (layout.iaGOTSize); allocate (or reuse) that
		// symbol's slot here, fill it with the symbol's final address,
		// and patch the 22-bit GP-relative immediate at the site. This
		// core's GP points at the start of the GOT region itself.
		slotAddr, err := got.slot(r.Symbol, symAddr)
		if err != nil {
			return nil, err
		}
		gpRel := int64(slotAddr) - int64(got.base)
		if gpRel < -(1<<21) || gpRel >= (1<<21) {
			return nil, ErrRelocationOutOfRange
		}
		patchIA64Slot22(data, siteOffset, gpRel)
		return nil, nil

	case iaGPRel22, iaGPRel64I:
		// Left unpatched: no value relative to the GOT-base GP is
		// computed for these sites.
		return nil, nil

	case iaLDXMOV:
		// LTOFF22X is always lowered to a full LTOFF22 GOT load by
		// this core, so the paired LDXMOV optimization hint is
		// always a no-op.
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: R_IA64 type %d", ErrUnsupportedRelocation, r.Type)
	}
}

// iaGOTAllocator hands out one 8-byte GOT slot per distinct symbol,
// mirroring layout.iaGOTSize's own dedup-by-symbol accounting: a symbol
// referenced by more than one LTOFF22/LTOFF22X/LTOFF_FPTR22 relocation
// shares a single slot.
type iaGOTAllocator struct {
	base  uint64
	size  uint64
	data  []byte
	slots map[uint32]uint64
	next  uint64
}

// slot returns the absolute address of sym's GOT slot, allocating and
// filling it with symAddr on first use.
func (g *iaGOTAllocator) slot(sym uint32, symAddr uint64) (uint64, error) {
	if off, ok := g.slots[sym]; ok {
		return g.base + off, nil
	}
	if g.next+8 > g.size {
		return 0, fmt.Errorf("GOT region exhausted: %w", ErrRelocationOutOfRange)
	}
	off := g.next
	g.slots[sym] = off
	g.next += 8
	write64(g.data, g.base+off, symAddr)
	return g.base + off, nil
}

// IA-64 bundles are 128 bits: a 5-bit template followed by three 41-bit
// instruction slots. patchIA64Slot21 writes a 21-bit signed immediate
// (already shifted into instruction-slot units) into slot 1's branch
// immediate field, which starts at bit 46 of the bundle and therefore
// spans the 64-bit word boundary.
const ia64Slot1ImmBit = 46

func patchIA64Slot21(data []byte, siteOffset uint64, imm21 int64) {
	lo := binary.LittleEndian.Uint64(data[siteOffset : siteOffset+8])
	hi := binary.LittleEndian.Uint64(data[siteOffset+8 : siteOffset+16])

	lo, hi = spliceBits128(lo, hi, ia64Slot1ImmBit, 21, uint64(imm21)&((1<<21)-1))

	binary.LittleEndian.PutUint64(data[siteOffset:siteOffset+8], lo)
	binary.LittleEndian.PutUint64(data[siteOffset+8:siteOffset+16], hi)
}

// patchIA64Slot22 writes a 22-bit signed GP-relative immediate into slot 1's
// GOT-load immediate field, at the same bundle position as the branch
// immediate patchIA64Slot21 writes (this core does not distinguish bundle
// templates beyond slot 1's immediate field offset).
func patchIA64Slot22(data []byte, siteOffset uint64, imm22 int64) {
	lo := binary.LittleEndian.Uint64(data[siteOffset : siteOffset+8])
	hi := binary.LittleEndian.Uint64(data[siteOffset+8 : siteOffset+16])

	lo, hi = spliceBits128(lo, hi, ia64Slot1ImmBit, 22, uint64(imm22)&((1<<22)-1))

	binary.LittleEndian.PutUint64(data[siteOffset:siteOffset+8], lo)
	binary.LittleEndian.PutUint64(data[siteOffset+8:siteOffset+16], hi)
}

// spliceBits128 writes the low `width` bits of value into bit position
// `pos` (counted from lo's LSB) of the 128-bit little-endian pair (lo, hi),
// handling a field that straddles the 64-bit boundary.
func spliceBits128(lo, hi uint64, pos, width uint, value uint64) (newLo, newHi uint64) {
	mask := uint64(1)<<width - 1
	value &= mask

	if pos >= 64 {
		shift := pos - 64
		hi = (hi &^ (mask << shift)) | (value << shift)
		return lo, hi
	}

	loBits := 64 - pos
	if width <= loBits {
		lo = (lo &^ (mask << pos)) | (value << pos)
		return lo, hi
	}

	lo = (lo &^ (mask << pos)) | ((value & (uint64(1)<<loBits - 1)) << pos)
	hiWidth := width - loBits
	hiMask := uint64(1)<<hiWidth - 1
	hi = (hi &^ hiMask) | ((value >> loBits) & hiMask)
	return lo, hi
}

// --- shared byte helpers ---

func read32(data []byte, off uint64) uint32 {
	return binary.LittleEndian.Uint32(data[off : off+4])
}

func write32(data []byte, off uint64, v uint32) {
	binary.LittleEndian.PutUint32(data[off:off+4], v)
}

func write64(data []byte, off uint64, v uint64) {
	binary.LittleEndian.PutUint64(data[off:off+8], v)
}
