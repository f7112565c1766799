// Package mkimage wires the full image core together: it opens a
// relocatable ELF object (C2), lays out its sections (C3), resolves its
// symbol table (C4), applies architecture relocations (C5), and finally
// translates any residual relocations and wraps the result in the
// container the chosen target expects (C6/C7).
//
// Build does not assemble the module pack itself: the caller supplies only
// its eventual size, and the returned image reserves (but does not fill)
// that space for a downstream stage to overwrite with the real, compressed
// module data.
package mkimage

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"errors"
	"fmt"
	"io"

	"github.com/davejbax/pixie/internal/addrreloc"
	"github.com/davejbax/pixie/internal/align"
	"github.com/davejbax/pixie/internal/container"
	"github.com/davejbax/pixie/internal/efipe"
	"github.com/davejbax/pixie/internal/elfimage"
	"github.com/davejbax/pixie/internal/iometa"
	"github.com/davejbax/pixie/internal/layout"
	pixiemath "github.com/davejbax/pixie/internal/math"
	"github.com/davejbax/pixie/internal/rawreloc"
	"github.com/davejbax/pixie/internal/symreloc"
	"github.com/davejbax/pixie/internal/target"
)

// containerHeaderReserve is a generous upper bound on the ELF
// header+phdrs+notes an ImageKindELFContainer target writes: enough for a
// 64-bit header, four program headers, and the largest note set (Xen).
const containerHeaderReserve = 4096

// armStackSize is GRUB_KERNEL_ARM_STACK_SIZE: the fixed stack size ARM's
// startup assembly reserves. The .reloc section is walked off that same
// stack during early boot before the stack is otherwise used, so it must
// fit within it.
const armStackSize = 1 << 20

// ErrRelocSectionTooLarge is returned when an ARM EFI image's .reloc
// section would exceed armStackSize: assembly assumptions that walk the
// relocation table off the boot stack would break.
var ErrRelocSectionTooLarge = errors.New("reloc section is bigger than stack size")

// Build produces the bootable image for desc from the relocatable ELF
// object in r, reserving moduleSize bytes at the image's tail for the
// module pack. It returns the computed layout alongside the image bytes.
func Build(r io.ReaderAt, moduleSize uint64, desc *target.Descriptor) (*layout.Layout, []byte, error) {
	desc = effectiveDescriptor(desc)

	img, err := elfimage.Open(r, desc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input object: %w", err)
	}

	headerSize := headerReserve(desc)

	l, err := layout.Build(img, headerSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lay out sections: %w", err)
	}

	data := make([]byte, l.KernelSize)
	if err := copySections(img, l, data); err != nil {
		return nil, nil, err
	}

	resolved, err := symreloc.Resolve(img, l)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve symbols: %w", err)
	}

	fixups, err := addrreloc.Apply(img, l, resolved, data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply relocations: %w", err)
	}

	if desc.ElfMachine == elf.EM_IA_64 {
		writeJumpers(data, desc, l, resolved.Jumpers)
	}

	var out []byte
	switch desc.Kind {
	case target.ImageKindPE32:
		out, err = buildPE32(desc, headerSize, l, resolved, fixups, data)
		if err != nil {
			return nil, nil, err
		}
		out = appendModulePlaceholder(out, desc, moduleSize)
	case target.ImageKindUBootRaw:
		out, err = buildUBootRaw(desc, fixups, data)
		if err != nil {
			return nil, nil, err
		}
		out = appendModulePlaceholder(out, desc, moduleSize)
	case target.ImageKindELFContainer:
		out, err = buildContainer(desc, headerSize, resolved, data, moduleSize)
		if err != nil {
			return nil, nil, err
		}
	case target.ImageKindRawFlat:
		out = appendModulePlaceholder(data, desc, moduleSize)
	default:
		return nil, nil, fmt.Errorf("unhandled image kind %v", desc.Kind)
	}

	return l, out, nil
}

// effectiveDescriptor combines a PE32 target's own natural alignment with
// the PE/COFF loader's requirement that every section's virtual address and
// file offset land on an [efipe.UEFIPageSize] boundary: the two constraints
// must both hold, so the layout alignment becomes their lowest common
// multiple. For EFI targets already aligned to the page size this is a
// no-op; for IA-64 (natural alignment 16) it forces the page size, since
// 4096 is itself a multiple of 16.
func effectiveDescriptor(desc *target.Descriptor) *target.Descriptor {
	if desc.Kind != target.ImageKindPE32 {
		return desc
	}

	linkAlign := uint64(pixiemath.LowestCommonMultiple(int(desc.LinkAlign), efipe.UEFIPageSize))
	sectionAlign := uint64(pixiemath.LowestCommonMultiple(int(desc.SectionAlign), efipe.UEFIPageSize))
	if linkAlign == desc.LinkAlign && sectionAlign == desc.SectionAlign {
		return desc
	}

	d := *desc
	d.LinkAlign = linkAlign
	d.SectionAlign = sectionAlign
	return &d
}

func headerReserve(desc *target.Descriptor) uint64 {
	switch desc.Kind {
	case target.ImageKindPE32:
		return efipe.UEFIPageSize
	case target.ImageKindELFContainer:
		return containerHeaderReserve
	default:
		return 0
	}
}

func copySections(img *elfimage.Image, l *layout.Layout, data []byte) error {
	for _, p := range l.Placed {
		if p.Kind == layout.KindBSS {
			continue
		}

		s, err := img.Section(p.ElfIndex)
		if err != nil {
			return fmt.Errorf("failed to look up placed section %q: %w", p.Name, err)
		}

		b, err := io.ReadAll(s.Open())
		if err != nil {
			return fmt.Errorf("failed to read section %q: %w", p.Name, err)
		}

		copy(data[p.Addr:], b)
	}
	return nil
}

func writeJumpers(data []byte, desc *target.Descriptor, l *layout.Layout, jumpers []symreloc.JumperSlot) {
	for i, j := range jumpers {
		off := l.JumperOffset + uint64(i)*16
		desc.Endianness.PutUint64(data[off:off+8], j.CodeAddr)
		// The paired GP word stays zero: nothing in the core writes
		// a global pointer value into a jumper slot.
	}
}

func firstAddrOfKind(l *layout.Layout, kind layout.Kind) (uint64, bool) {
	for _, p := range l.Placed {
		if p.Kind == kind {
			return p.Addr, true
		}
	}
	return 0, false
}

// appendModulePlaceholder reserves moduleSize zero bytes for the downstream
// module-pack stage, aligned per the target's module gap/alignment
// conventions. It does not build the pack: only its size is accounted for.
func appendModulePlaceholder(out []byte, desc *target.Descriptor, moduleSize uint64) []byte {
	if moduleSize == 0 {
		return out
	}

	aligned := align.Address(uint64(len(out))+desc.ModGap, desc.ModAlign)
	out = append(out, make([]byte, aligned-uint64(len(out)))...)
	out = append(out, make([]byte, moduleSize)...)
	return out
}

// --- PE32 (EFI) ---

type peExecutable struct {
	entry      uint64
	baseOfCode uint64
	size       uint64

	machine     efipe.Machine
	sections    efipe.SectionList
	relocations []*efipe.Relocation
}

var _ efipe.Executable = (*peExecutable)(nil)

func (e *peExecutable) Entrypoint() uint32 { return uint32(e.entry) }
func (e *peExecutable) BaseOfCode() uint32 { return uint32(e.baseOfCode) }
func (e *peExecutable) Size() uint32       { return uint32(e.size) }

func (e *peExecutable) Sections() efipe.SectionList      { return e.sections }
func (e *peExecutable) Machine() efipe.Machine           { return e.machine }
func (e *peExecutable) Relocations() []*efipe.Relocation { return e.relocations }

type peSection struct {
	name            string
	data            []byte
	addr            uint32
	characteristics uint32
}

var _ efipe.Section = (*peSection)(nil)

func (s *peSection) Header() pe.SectionHeader {
	size := align.Address(uint32(len(s.data)), efipe.UEFIPageSize)
	return pe.SectionHeader{
		Name:            s.name,
		VirtualSize:     size,
		VirtualAddress:  s.addr,
		Size:            size,
		Offset:          s.addr,
		Characteristics: s.characteristics,
	}
}

func (s *peSection) Open() io.ReadCloser {
	return &iometa.Closifier{Reader: bytes.NewReader(s.data)}
}

func peMachine(m elf.Machine) (efipe.Machine, error) {
	switch m {
	case elf.EM_X86_64:
		return efipe.Machine(pe.IMAGE_FILE_MACHINE_AMD64), nil
	case elf.EM_ARM:
		return efipe.Machine(pe.IMAGE_FILE_MACHINE_ARM), nil
	case elf.EM_AARCH64:
		return efipe.Machine(pe.IMAGE_FILE_MACHINE_ARM64), nil
	case elf.EM_IA_64:
		return efipe.Machine(pe.IMAGE_FILE_MACHINE_IA64), nil
	default:
		return 0, fmt.Errorf("unsupported PE32 machine %v", m)
	}
}

func buildPE32(desc *target.Descriptor, headerSize uint64, l *layout.Layout, resolved *symreloc.Result, fixups []addrreloc.Fixup, data []byte) ([]byte, error) {
	machine, err := peMachine(desc.ElfMachine)
	if err != nil {
		return nil, err
	}

	textEnd := uint64(len(data))
	if addr, ok := firstAddrOfKind(l, layout.KindData); ok {
		textEnd = addr
	} else if addr, ok := firstAddrOfKind(l, layout.KindBSS); ok {
		textEnd = addr
	}

	sections := efipe.SectionList{
		&peSection{
			name:            efipe.SectionText,
			data:            data[headerSize:textEnd],
			addr:            uint32(headerSize),
			characteristics: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
		},
	}
	if textEnd < uint64(len(data)) {
		sections = append(sections, &peSection{
			name:            efipe.SectionData,
			data:            data[textEnd:],
			addr:            uint32(textEnd),
			characteristics: pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE,
		})
	}

	var relocs []*efipe.Relocation
	for _, f := range fixups {
		kind := efipe.ImageRelBasedHighLow
		if f.Wide {
			kind = efipe.ImageRelBasedDir64
		}
		relocs = append(relocs, &efipe.Relocation{Kind: kind, FileOffset: f.FileOffset})
	}
	if desc.ElfMachine == elf.EM_IA_64 && len(resolved.Jumpers) > 0 {
		relocs = append(relocs, efipe.JumperFixups(l.JumperOffset, len(resolved.Jumpers))...)
	}

	if desc.ElfMachine == elf.EM_ARM && len(relocs) > 0 {
		lastSection := sections[len(sections)-1].Header()
		relocStart := align.Address(lastSection.Offset+lastSection.Size, efipe.UEFIPageSize)
		relocSize := efipe.RelocationSectionSize(relocs, relocStart)
		if uint64(relocSize) > armStackSize {
			return nil, fmt.Errorf("%w: %d bytes exceeds %d-byte stack", ErrRelocSectionTooLarge, relocSize, armStackSize)
		}
	}

	exe := &peExecutable{
		entry:       resolved.Entry,
		baseOfCode:  headerSize,
		size:        uint64(len(data)),
		machine:     machine,
		sections:    sections,
		relocations: relocs,
	}

	img, err := efipe.New(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble PE32 image: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := img.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("failed to write PE32 image: %w", err)
	}
	return buf.Bytes(), nil
}

// --- U-Boot raw ---

func buildUBootRaw(desc *target.Descriptor, fixups []addrreloc.Fixup, data []byte) ([]byte, error) {
	table, err := rawreloc.Build(fixups, desc.Endianness)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw relocation table: %w", err)
	}

	out := make([]byte, 0, len(data)+len(table))
	out = append(out, data...)
	out = append(out, table...)
	return out, nil
}

// --- ELF container ---

func buildContainer(desc *target.Descriptor, headerSize uint64, resolved *symreloc.Result, data []byte, moduleSize uint64) ([]byte, error) {
	if moduleSize == 0 {
		return container.Build(desc, data, headerSize, resolved.Entry, uint64(len(data)), 0)
	}

	modsOffset := align.Address(uint64(len(data))+desc.ModGap, desc.ModAlign)
	padded := make([]byte, modsOffset)
	copy(padded, data)

	out, err := container.Build(desc, padded, headerSize, resolved.Entry, modsOffset, moduleSize)
	if err != nil {
		return nil, err
	}

	return append(out, make([]byte, moduleSize)...), nil
}
