// Package container wraps a flat kernel+module image in an ELF envelope
// for the non-PE32 targets that load a plain ELF executable (CHRP,
// Xen PVH, LoongSon, coreboot): the C7 "container wrapper" stage. The PE32
// container (EFI targets) lives in internal/efipe instead.
package container

import (
	"bytes"
	"fmt"

	"github.com/davejbax/pixie/internal/target"
	"github.com/lunixbochs/struc"
)

const (
	chrpNoteName = "PowerPC\x00"
	chrpNoteType = 0x1275

	xenNoteName = "Xen\x00"

	xenNoteOSType    = 6
	xenNoteLoader    = 8
	xenNoteVersion   = 5
	xenNoteEntry     = 1
	xenNoteVirtBase  = 3
	xenNotePAEMode   = 9
)

// Note is one ELF note (PT_NOTE entry): name, type, and already-encoded
// descriptor bytes.
type Note struct {
	Name string
	Type uint32
	Desc []byte
}

// Build wraps kernel, the image bytes laid out by layout.Build (padded up to
// modsOffset when a module pack follows; the module-pack bytes themselves are
// not part of kernel), in a minimal ELF executable matching
// desc's container conventions. headerSize must equal the byte count
// layout.Build was told to reserve: every section's address already
// accounts for it.
func Build(desc *target.Descriptor, kernel []byte, headerSize uint64, entry uint64, modsOffset, modsSize uint64) ([]byte, error) {
	var notes []Note
	if desc.CHRPNote {
		notes = append(notes, chrpNote(desc))
	}
	if desc.XenNote {
		notes = append(notes, xenNotes(desc, entry)...)
	}

	return assemble(desc, kernel, headerSize, entry, modsOffset, modsSize, notes)
}

func chrpNote(desc *target.Descriptor) Note {
	type chrpDesc struct {
		RealMode uint32
		RealBase uint32
		RealSize uint32
		VirtBase uint32
		VirtSize uint32
		LoadBase uint32
	}

	d := chrpDesc{
		RealMode: 0xFFFFFFFF,
		RealBase: 0x00C00000,
		RealSize: 0xFFFFFFFF,
		VirtBase: 0xFFFFFFFF,
		VirtSize: 0xFFFFFFFF,
		LoadBase: 0x00004000,
	}

	buf := &bytes.Buffer{}
	_ = struc.PackWithOptions(buf, &d, &struc.Options{Order: desc.Endianness})

	return Note{Name: chrpNoteName, Type: chrpNoteType, Desc: buf.Bytes()}
}

// xenNotes builds the Xen PVH sub-notes describing a GRUB-style statically
// linked guest kernel: five notes, plus a sixth PAE-mode note for a 32-bit
// guest.
func xenNotes(desc *target.Descriptor, entry uint64) []Note {
	pad := func(s string) []byte {
		b := []byte(s)
		b = append(b, 0)
		for len(b)%4 != 0 {
			b = append(b, 0)
		}
		return b
	}

	voidp := make([]byte, desc.PointerSize)
	putPointer(voidp, desc, entry)

	virtBase := make([]byte, desc.PointerSize)
	putPointer(virtBase, desc, desc.LinkAddr)

	notes := []Note{
		{Name: xenNoteName, Type: xenNoteOSType, Desc: pad("GRUB")},
		{Name: xenNoteName, Type: xenNoteLoader, Desc: pad("generic")},
		{Name: xenNoteName, Type: xenNoteVersion, Desc: pad("xen-3.0")},
		{Name: xenNoteName, Type: xenNoteEntry, Desc: voidp},
		{Name: xenNoteName, Type: xenNoteVirtBase, Desc: virtBase},
	}

	// PAE mode note is only meaningful for the 32-bit x86 Xen guest.
	if desc.PointerSize == 4 {
		notes = append(notes, Note{Name: xenNoteName, Type: xenNotePAEMode, Desc: pad("yes,bimodal")})
	}

	return notes
}

func putPointer(b []byte, desc *target.Descriptor, v uint64) {
	if desc.PointerSize == 8 {
		desc.Endianness.PutUint64(b, v)
	} else {
		desc.Endianness.PutUint32(b, uint32(v))
	}
}

// assemble writes ELF identification, header, program headers, section
// headers, a string table, and the payload. The program header sequence
// matches the original container's: PT_LOAD(text+data), PT_GNU_STACK,
// PT_LOAD(mods) when modsSize > 0, then one PT_NOTE per note group. Section
// headers are the original container's fixed four (null, strtab, .text,
// mods), plus a fifth (.xen) for the Xen PVH note blob.
func assemble(desc *target.Descriptor, kernel []byte, headerSize, entry, modsOffset, modsSize uint64, notes []Note) ([]byte, error) {
	is64 := desc.PointerSize == 8

	ehdrSize := uint64(52)
	phdrSize := uint64(32)
	shdrSize := uint64(40)
	if is64 {
		ehdrSize = 64
		phdrSize = 56
		shdrSize = 64
	}

	numPhdrs := 2 // text+data, GNU_STACK
	if modsSize > 0 {
		numPhdrs++
	}

	// Notes are concatenated into one PT_NOTE segment, each padded to a
	// 4-byte boundary per the ELF note format: however many Note values
	// the caller passed (a CHRP target has one, a Xen target five or
	// six), they all land in a single phdr.
	if len(notes) > 0 {
		numPhdrs++
	}

	noteBytes := &bytes.Buffer{}
	for _, n := range notes {
		if err := writeNote(noteBytes, desc, n); err != nil {
			return nil, fmt.Errorf("failed to encode note: %w", err)
		}
	}

	shstrtab := []byte{0}
	textNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, append([]byte(".text"), 0)...)
	modsNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, append([]byte("mods"), 0)...)
	var xenNameOff uint32
	numShdrs := uint64(4) // null, strtab, .text, mods
	if desc.XenNote {
		xenNameOff = uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(".xen"), 0)...)
		numShdrs++
	}

	headerTotal := ehdrSize + uint64(numPhdrs)*phdrSize + numShdrs*shdrSize + uint64(len(shstrtab))
	if headerTotal > headerSize {
		return nil, fmt.Errorf("container header (%d bytes) exceeds reserved header size (%d bytes)", headerTotal, headerSize)
	}

	shoff := ehdrSize + uint64(numPhdrs)*phdrSize
	strtabOff := shoff + numShdrs*shdrSize

	out := &bytes.Buffer{}
	if err := writeEhdr(out, desc, is64, entry, uint64(numPhdrs), ehdrSize, phdrSize, shoff, numShdrs, shdrSize); err != nil {
		return nil, fmt.Errorf("failed to write ELF header: %w", err)
	}

	textDataSize := modsOffset
	if modsSize == 0 {
		textDataSize = uint64(len(kernel))
	}

	phdrs := []phdr{
		{Type: ptLoad, Flags: pfR | pfW | pfX, Offset: headerSize, VAddr: desc.LinkAddr + headerSize, FileSize: textDataSize - headerSize, MemSize: textDataSize - headerSize, Align: desc.SectionAlign},
		{Type: ptGNUStack, Flags: pfR | pfW, Offset: 0, VAddr: 0, FileSize: 0, MemSize: 0, Align: 0},
	}

	if modsSize > 0 {
		phdrs = append(phdrs, phdr{Type: ptLoad, Flags: pfR, Offset: modsOffset, VAddr: desc.LinkAddr + modsOffset, FileSize: modsSize, MemSize: modsSize, Align: desc.ModAlign})
	}

	noteOff := headerTotal
	if noteBytes.Len() > 0 {
		phdrs = append(phdrs, phdr{Type: ptNote, Flags: pfR, Offset: noteOff, VAddr: 0, FileSize: uint64(noteBytes.Len()), MemSize: uint64(noteBytes.Len()), Align: 4})
	}

	for _, p := range phdrs {
		if err := writePhdr(out, desc, is64, p); err != nil {
			return nil, fmt.Errorf("failed to write program header: %w", err)
		}
	}

	shdrs := []shdrEnt{
		{}, // null section
		{Name: 0, Type: shtStrtab, Offset: strtabOff, Size: uint64(len(shstrtab)), Addralign: 1},
		{Name: textNameOff, Type: shtProgbits, Flags: shfAlloc | shfExecinstr, Addr: desc.LinkAddr + headerSize, Offset: headerSize, Size: textDataSize - headerSize, Addralign: desc.SectionAlign},
		{Name: modsNameOff, Type: shtProgbits, Flags: shfAlloc, Addr: desc.LinkAddr + modsOffset, Offset: modsOffset, Size: modsSize, Addralign: desc.ModAlign},
	}
	if desc.XenNote {
		shdrs = append(shdrs, shdrEnt{Name: xenNameOff, Type: shtProgbits, Addr: desc.LinkAddr + modsOffset, Offset: noteOff, Size: uint64(noteBytes.Len()), Addralign: desc.PointerSize})
	}

	for _, s := range shdrs {
		if err := writeShdr(out, desc, is64, s); err != nil {
			return nil, fmt.Errorf("failed to write section header: %w", err)
		}
	}

	out.Write(shstrtab)
	out.Write(noteBytes.Bytes())

	for uint64(out.Len()) < headerSize {
		out.WriteByte(0)
	}

	out.Write(kernel[headerSize:])

	return out.Bytes(), nil
}

func writeNote(out *bytes.Buffer, desc *target.Descriptor, n Note) error {
	type noteHeader struct {
		NameSize uint32
		DescSize uint32
		Type     uint32
	}

	nameBytes := []byte(n.Name)
	for len(nameBytes)%4 != 0 {
		nameBytes = append(nameBytes, 0)
	}

	h := noteHeader{NameSize: uint32(len(n.Name)), DescSize: uint32(len(n.Desc)), Type: n.Type}
	if err := struc.PackWithOptions(out, &h, &struc.Options{Order: desc.Endianness}); err != nil {
		return err
	}
	out.Write(nameBytes)
	out.Write(n.Desc)
	for out.Len()%4 != 0 {
		out.WriteByte(0)
	}
	return nil
}

const (
	ptLoad     = 1
	ptNote     = 4
	ptGNUStack = 0x6474e551

	pfX = 1
	pfW = 2
	pfR = 4

	shtProgbits = 1
	shtStrtab   = 3

	shfExecinstr = 4
	shfAlloc     = 2
)

// shdrEnt is one ELF section header's fields, width-independent; writeShdr
// widens them to Elf32_Shdr/Elf64_Shdr on output.
type shdrEnt struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func writeShdr(out *bytes.Buffer, desc *target.Descriptor, is64 bool, s shdrEnt) error {
	opts := &struc.Options{Order: desc.Endianness}

	if is64 {
		type shdr64 struct {
			Name      uint32
			Type      uint32
			Flags     uint64
			Addr      uint64
			Offset    uint64
			Size      uint64
			Link      uint32
			Info      uint32
			Addralign uint64
			Entsize   uint64
		}
		return struc.PackWithOptions(out, &shdr64{
			Name: s.Name, Type: s.Type, Flags: s.Flags, Addr: s.Addr, Offset: s.Offset,
			Size: s.Size, Link: s.Link, Info: s.Info, Addralign: s.Addralign, Entsize: s.Entsize,
		}, opts)
	}

	type shdr32 struct {
		Name      uint32
		Type      uint32
		Flags     uint32
		Addr      uint32
		Offset    uint32
		Size      uint32
		Link      uint32
		Info      uint32
		Addralign uint32
		Entsize   uint32
	}
	return struc.PackWithOptions(out, &shdr32{
		Name: s.Name, Type: s.Type, Flags: uint32(s.Flags), Addr: uint32(s.Addr), Offset: uint32(s.Offset),
		Size: uint32(s.Size), Link: s.Link, Info: s.Info, Addralign: uint32(s.Addralign), Entsize: uint32(s.Entsize),
	}, opts)
}

type phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

func writePhdr(out *bytes.Buffer, desc *target.Descriptor, is64 bool, p phdr) error {
	opts := &struc.Options{Order: desc.Endianness}

	if is64 {
		type phdr64 struct {
			Type   uint32
			Flags  uint32
			Offset uint64
			VAddr  uint64
			PAddr  uint64
			Filesz uint64
			Memsz  uint64
			Align  uint64
		}
		return struc.PackWithOptions(out, &phdr64{
			Type: p.Type, Flags: p.Flags, Offset: p.Offset, VAddr: p.VAddr, PAddr: p.VAddr,
			Filesz: p.FileSize, Memsz: p.MemSize, Align: p.Align,
		}, opts)
	}

	type phdr32 struct {
		Type   uint32
		Offset uint32
		VAddr  uint32
		PAddr  uint32
		Filesz uint32
		Memsz  uint32
		Flags  uint32
		Align  uint32
	}
	return struc.PackWithOptions(out, &phdr32{
		Type: p.Type, Offset: uint32(p.Offset), VAddr: uint32(p.VAddr), PAddr: uint32(p.VAddr),
		Filesz: uint32(p.FileSize), Memsz: uint32(p.MemSize), Flags: p.Flags, Align: uint32(p.Align),
	}, opts)
}

func writeEhdr(out *bytes.Buffer, desc *target.Descriptor, is64 bool, entry, numPhdrs, ehdrSize, phdrSize, shoff, numShdrs, shdrSize uint64) error {
	ident := make([]byte, 16)
	ident[0], ident[1], ident[2], ident[3] = 0x7F, 'E', 'L', 'F'
	if is64 {
		ident[4] = 2
	} else {
		ident[4] = 1
	}
	if desc.Endianness.String() == "BigEndian" {
		ident[5] = 2
	} else {
		ident[5] = 1
	}
	ident[6] = 1 // EV_CURRENT

	out.Write(ident)

	opts := &struc.Options{Order: desc.Endianness}

	type ehdrRest64 struct {
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		Phoff     uint64
		Shoff     uint64
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}

	r := ehdrRest64{
		Type: 2, Machine: uint16(desc.ElfMachine), Version: 1,
		Entry: entry, Phoff: ehdrSize, Shoff: shoff,
		Ehsize: uint16(ehdrSize), Phentsize: uint16(phdrSize), Phnum: uint16(numPhdrs),
		Shentsize: uint16(shdrSize), Shnum: uint16(numShdrs), Shstrndx: 1,
	}

	if is64 {
		return struc.PackWithOptions(out, &r, opts)
	}

	r32 := struct {
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint32
		Phoff     uint32
		Shoff     uint32
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}{
		Type: 2, Machine: uint16(desc.ElfMachine), Version: 1,
		Entry: uint32(entry), Phoff: uint32(ehdrSize), Shoff: uint32(shoff),
		Ehsize: uint16(ehdrSize), Phentsize: uint16(phdrSize), Phnum: uint16(numPhdrs),
		Shentsize: uint16(shdrSize), Shnum: uint16(numShdrs), Shstrndx: 1,
	}
	return struc.PackWithOptions(out, &r32, opts)
}
