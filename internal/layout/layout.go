// Package layout places an input ELF object's allocated sections into the
// address space of the output image: the C3 "section layout" stage. It
// produces a Layout describing where every section, and every
// architecture-specific reservation (ARM interworking trampolines, IA-64
// jumper slots and GOT), ends up.
package layout

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/davejbax/pixie/internal/align"
	"github.com/davejbax/pixie/internal/elfimage"
	"github.com/davejbax/pixie/internal/target"
)

// ErrMiscompiledInput is returned for a non-relocatable target whose input
// section addresses don't already match the target's expected link address
// plus the layout computed here: such an object wasn't linked against the
// constants this target expects.
var ErrMiscompiledInput = errors.New("input object section addresses do not match target link constants")

// Kind classifies a placed region of the output image.
type Kind int

const (
	KindText Kind = iota
	KindData
	KindBSS
	KindTrampoline
	KindJumper
	KindGOT
)

// Placed is one ELF section placed at an address in the output image.
type Placed struct {
	ElfIndex int
	Name     string
	Addr     uint64
	Size     uint64
	Kind     Kind
}

// Layout is the full address-space plan for one build: the C3 output
// consumed by symbol relocation (C4), address relocation (C5), and the
// final image writer.
type Layout struct {
	Placed []Placed

	// AddrOf maps ELF section-header index to its address in the output
	// image: the SectionAddressMap of the data model.
	AddrOf map[int]uint64

	ExecSize uint64 // end of the text region, aligned to SectionAlign
	BSSStart uint64
	End      uint64 // end of all data including BSS, aligned to SectionAlign

	TrampolineOffset uint64
	TrampolineSize   uint64
	JumperOffset     uint64
	JumperSize       uint64
	GOTOffset        uint64
	GOTSize          uint64

	KernelSize uint64
}

// Build computes the layout for img against a chosen target, given the
// number of header bytes the image format (PE32+/ELF container/raw flat)
// reserves before the first section.
func Build(img *elfimage.Image, headerSize uint64) (*Layout, error) {
	desc := img.Desc

	var textSecs, dataSecs, bssSecs []*elf.Section
	for _, s := range img.File.Sections {
		hasAlloc := s.Flags&elf.SHF_ALLOC != 0
		hasExec := s.Flags&elf.SHF_EXECINSTR != 0

		switch {
		case hasExec && hasAlloc:
			textSecs = append(textSecs, s)
		case hasAlloc && s.Type == elf.SHT_NOBITS:
			bssSecs = append(bssSecs, s)
		case hasAlloc:
			dataSecs = append(dataSecs, s)
		default:
			slog.Debug("excluding section from layout", "section", s.Name)
		}
	}

	l := &Layout{AddrOf: make(map[int]uint64)}

	addr := headerSize
	addr, err := placeAll(l, img, textSecs, addr, KindText, desc)
	if err != nil {
		return nil, err
	}
	addr = align.Address(addr, desc.SectionAlign)
	l.ExecSize = addr

	if desc.ElfMachine == elf.EM_ARM {
		trampSize := armTrampolineSize(img, textSecs)
		addr = align.Address(addr, 16)
		l.TrampolineOffset = addr
		l.TrampolineSize = trampSize
		addr += trampSize
	}

	addr, err = placeAll(l, img, dataSecs, addr, KindData, desc)
	if err != nil {
		return nil, err
	}

	l.BSSStart = align.Address(addr, desc.LinkAlign)
	addr, err = placeAll(l, img, bssSecs, l.BSSStart, KindBSS, desc)
	if err != nil {
		return nil, err
	}

	addr = align.Address(addr, desc.SectionAlign)
	l.End = addr

	// Every target but U-Boot keeps the BSS bytes in the file; a U-Boot
	// image ends where BSS starts.
	kernelSize := l.End
	if desc.ID == target.UBOOT {
		kernelSize = l.BSSStart
	}

	if desc.ElfMachine == elf.EM_IA_64 {
		numFuncs, err := countFuncSymbols(img)
		if err != nil {
			return nil, err
		}

		gotSize, err := iaGOTSize(img)
		if err != nil {
			return nil, err
		}

		l.JumperOffset = align.Address(kernelSize, 16)
		l.JumperSize = numFuncs * 16
		l.GOTOffset = align.Address(l.JumperOffset+l.JumperSize, 16)
		l.GOTSize = align.Address(gotSize, 16)
		kernelSize = l.GOTOffset + l.GOTSize
	}

	switch desc.ID {
	case target.SPARC64AOUT, target.SPARC64Raw, target.SPARC64CDCore, target.UBOOT, target.LoongsonELF:
		kernelSize = align.Address(kernelSize, desc.ModAlign)
	}

	l.KernelSize = kernelSize

	return l, nil
}

func placeAll(l *Layout, img *elfimage.Image, secs []*elf.Section, addr uint64, kind Kind, desc *target.Descriptor) (uint64, error) {
	addr = align.Address(addr, desc.LinkAlign)

	for _, s := range secs {
		if s.Addralign > 0 {
			addr = align.Address(addr, s.Addralign)
		}

		if !desc.IsRelocatableOutput() && s.Type != elf.SHT_NOBITS && s.Addr != 0 {
			// Non-relocatable targets were linked against fixed
			// addresses: the input's own sh_addr must already
			// match this same layout, relative to LinkAddr. sh_addr
			// of zero is trusted (sections the linker didn't place).
			if s.Addr-desc.LinkAddr != addr {
				return 0, fmt.Errorf("%w: section %q at 0x%x, expected 0x%x", ErrMiscompiledInput, s.Name, s.Addr, addr)
			}
		}

		idx := sectionIndex(img, s)
		l.AddrOf[idx] = addr
		l.Placed = append(l.Placed, Placed{ElfIndex: idx, Name: s.Name, Addr: addr, Size: s.Size, Kind: kind})

		slog.Debug("placed section", "section", s.Name, "addr", fmt.Sprintf("0x%x", addr), "size", s.Size)

		addr += s.Size
	}

	return addr, nil
}

func sectionIndex(img *elfimage.Image, s *elf.Section) int {
	for i, c := range img.File.Sections {
		if c == s {
			return i
		}
	}
	return -1
}

// armTrampolineSize tallies the extra bytes needed for ARM/Thumb
// interworking trampolines: one per call/jump relocation that crosses the
// ARM/Thumb boundary, sized per whether the call site itself is Thumb (8
// bytes) or ARM (16 bytes). The call target's mode is read from the low bit
// of the referenced symbol's un-relocated value, which the linker preserves
// as the standard ARM/Thumb interworking marker regardless of relocation.
func armTrampolineSize(img *elfimage.Image, textSecs []*elf.Section) uint64 {
	symbs, err := img.File.Symbols()
	if err != nil {
		return 0
	}

	textIdx := make(map[int]bool)
	for _, s := range textSecs {
		textIdx[sectionIndex(img, s)] = true
	}

	var size uint64
	for _, rs := range img.IterRelocationSections() {
		if !textIdx[int(rs.Info)] {
			continue
		}

		relocs, err := img.DecodeRelocations(rs)
		if err != nil {
			continue
		}

		for _, r := range relocs {
			if int(r.Symbol) >= len(symbs)+1 || r.Symbol == 0 {
				continue
			}
			sym := symbs[r.Symbol-1]

			switch armRelocType(r.Type) {
			case armThmCall, armThmJump24, armThmJump19:
				// Call site is Thumb; trampoline needed if
				// target is ARM (even address).
				if sym.Value&1 == 0 {
					size += 8
				}
			case armCall, armJump24:
				// Call site is ARM; trampoline needed if
				// target is Thumb (odd address).
				if sym.Value&1 == 1 {
					size += 16
				}
			}
		}
	}

	return size
}

type armRelocType uint32

const (
	armCall      armRelocType = 28
	armJump24    armRelocType = 29
	armThmCall   armRelocType = 10
	armThmJump24 armRelocType = 30
	armThmJump19 armRelocType = 51
)

func countFuncSymbols(img *elfimage.Image) (uint64, error) {
	symbs, err := img.File.Symbols()
	if err != nil {
		return 0, fmt.Errorf("failed to read symbols: %w", err)
	}

	var n uint64
	for _, s := range symbs {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
			n++
		}
	}
	return n, nil
}

// iaGOTSize estimates the IA-64 global offset table size as one 8-byte slot
// per distinct symbol referenced by a GOT-relative relocation
// (LTOFF22/LTOFF22X/LTOFF_FPTR22) in the object.
// The relocation type numbers are the IA-64 ELF ABI's, per
// https://refspecs.linuxfoundation.org/elf/IA64-SysV-ABI.pdf.
func iaGOTSize(img *elfimage.Image) (uint64, error) {
	const (
		iaLtoff22     = 0x32
		iaLtoff22x    = 0x86
		iaLtoffFptr22 = 0x52
	)

	slots := make(map[uint32]bool)
	for _, rs := range img.IterRelocationSections() {
		relocs, err := img.DecodeRelocations(rs)
		if err != nil {
			return 0, fmt.Errorf("failed to decode relocations in %q: %w", rs.Name, err)
		}

		for _, r := range relocs {
			switch r.Type {
			case iaLtoff22, iaLtoff22x, iaLtoffFptr22:
				slots[r.Symbol] = true
			}
		}
	}

	return uint64(len(slots)) * 8, nil
}
