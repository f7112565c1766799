// Package elfimage provides validated, endian-aware, typed views over an
// input relocatable ELF object: the C2 "ELF reader" stage of the image
// core. It never mutates the input buffer.
package elfimage

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/davejbax/pixie/internal/target"
	"github.com/lunixbochs/struc"
)

var (
	// ErrBadElf is returned for any header/class/version/endianness
	// mismatch, or a truncated section table.
	ErrBadElf = errors.New("invalid or truncated ELF input")

	errSectionNotFound = errors.New("no section with the given index")
)

// Image is a read-only, validated view over an ELF object matching a
// chosen target.
type Image struct {
	File *elf.File
	Desc *target.Descriptor
}

// Open validates the ELF header against desc and returns a typed view.
// It does not mutate r.
func Open(r io.ReaderAt, desc *target.Descriptor) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadElf, err)
	}

	if f.Class != desc.ElfClass {
		return nil, fmt.Errorf("%w: ELF class %v does not match target class %v", ErrBadElf, f.Class, desc.ElfClass)
	}

	if f.Machine != desc.ElfMachine {
		return nil, fmt.Errorf("%w: ELF machine %v does not match target machine %v", ErrBadElf, f.Machine, desc.ElfMachine)
	}

	if f.ByteOrder.String() != desc.Endianness.String() {
		return nil, fmt.Errorf("%w: ELF byte order does not match target byte order", ErrBadElf)
	}

	return &Image{File: f, Desc: desc}, nil
}

// Section returns the section at the given ELF section-header index.
func (img *Image) Section(index int) (*elf.Section, error) {
	if index < 0 || index >= len(img.File.Sections) {
		return nil, fmt.Errorf("section index %d: %w", index, errSectionNotFound)
	}
	return img.File.Sections[index], nil
}

// SectionName returns the name of the section at the given index.
func (img *Image) SectionName(index int) (string, error) {
	s, err := img.Section(index)
	if err != nil {
		return "", err
	}
	return s.Name, nil
}

// IterRelocationSections returns every SHT_REL/SHT_RELA section; the index
// of the section each applies to is in its Info field.
func (img *Image) IterRelocationSections() []*elf.Section {
	var out []*elf.Section
	for _, s := range img.File.Sections {
		if s.Type == elf.SHT_REL || s.Type == elf.SHT_RELA {
			out = append(out, s)
		}
	}
	return out
}

// Relocation is one decoded REL/RELA entry, endian-corrected and
// normalized (RELA addend, or zero for REL).
type Relocation struct {
	Offset uint64
	Symbol uint32
	Type   uint32
	Addend int64
}

// DecodeRelocations reads every entry of a SHT_REL/SHT_RELA section,
// dispatching on ELF class and section type to pick the right record
// layout, and endian-correcting via the target descriptor.
func (img *Image) DecodeRelocations(s *elf.Section) ([]Relocation, error) {
	hasAddend := s.Type == elf.SHT_RELA

	data, err := io.ReadAll(s.Open())
	if err != nil {
		return nil, fmt.Errorf("failed to read relocation section %q: %w", s.Name, err)
	}

	entsize := int(s.Entsize)
	if entsize == 0 {
		return nil, fmt.Errorf("%w: relocation section %q has zero entsize", ErrBadElf, s.Name)
	}

	count := len(data) / entsize
	relocs := make([]Relocation, 0, count)

	r := bytes.NewReader(data)
	opts := &struc.Options{Order: img.Desc.Endianness}

	for i := 0; i < count; i++ {
		rec, err := img.decodeOne(r, hasAddend, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to decode relocation %d in %q: %w", i, s.Name, err)
		}
		relocs = append(relocs, rec)
	}

	return relocs, nil
}

func (img *Image) decodeOne(r io.Reader, hasAddend bool, opts *struc.Options) (Relocation, error) {
	if img.Desc.ElfClass == elf.ELFCLASS64 {
		if hasAddend {
			var rel elf.Rela64
			if err := struc.UnpackWithOptions(r, &rel, opts); err != nil {
				return Relocation{}, err
			}
			sym, typ := rel.Info>>32, uint32(rel.Info&0xFFFFFFFF)
			return Relocation{Offset: rel.Off, Symbol: uint32(sym), Type: typ, Addend: rel.Addend}, nil
		}
		var rel elf.Rel64
		if err := struc.UnpackWithOptions(r, &rel, opts); err != nil {
			return Relocation{}, err
		}
		sym, typ := rel.Info>>32, uint32(rel.Info&0xFFFFFFFF)
		return Relocation{Offset: rel.Off, Symbol: uint32(sym), Type: typ}, nil
	}

	if hasAddend {
		var rel elf.Rela32
		if err := struc.UnpackWithOptions(r, &rel, opts); err != nil {
			return Relocation{}, err
		}
		sym, typ := rel.Info>>8, uint8(rel.Info&0xFF)
		return Relocation{Offset: uint64(rel.Off), Symbol: sym, Type: uint32(typ), Addend: int64(rel.Addend)}, nil
	}
	var rel elf.Rel32
	if err := struc.UnpackWithOptions(r, &rel, opts); err != nil {
		return Relocation{}, err
	}
	sym, typ := rel.Info>>8, uint8(rel.Info&0xFF)
	return Relocation{Offset: uint64(rel.Off), Symbol: sym, Type: uint32(typ)}, nil
}

// SymbolTableSection returns the first SHT_SYMTAB section, or an error if
// none exists.
func (img *Image) SymbolTableSection() (*elf.Section, error) {
	for _, s := range img.File.Sections {
		if s.Type == elf.SHT_SYMTAB {
			return s, nil
		}
	}
	return nil, errors.New("no symbol table section")
}
