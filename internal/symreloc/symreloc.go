// Package symreloc rewrites an ELF object's symbol table so that every
// value is an absolute address in the output image: the C4 "symbol
// resolution" stage. It runs after layout (C3) has assigned every section
// an address, and before address relocation (C5) patches instructions
// against those values.
package symreloc

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/davejbax/pixie/internal/elfimage"
	"github.com/davejbax/pixie/internal/layout"
)

const (
	symBSSStart = "__bss_start"
	symEnd      = "_end"
)

var (
	// ErrBSSSymbolNoSection is returned when the object references
	// __bss_start and layout recorded a BSS start address of zero.
	ErrBSSSymbolNoSection = errors.New("__bss_start referenced but no BSS section present")

	// ErrUnrecognizedSymbol is returned for any other undefined symbol:
	// the core never links against external symbols.
	ErrUnrecognizedSymbol = errors.New("unrecognized undefined symbol")

	// ErrNoStartSymbol is returned when neither _start nor start is
	// defined: the image would have no entry point.
	ErrNoStartSymbol = errors.New("no _start or start symbol defined")

	errSectionNotPlaced = errors.New("symbol references a section with no placed address")
)

// JumperSlot is one IA-64 function-descriptor slot: {code pointer, global
// pointer}. The core leaves the GP half zero, matching the teacher-adjacent
// original's treatment of statically linked, GP-relative-free kernels.
type JumperSlot struct {
	CodeAddr uint64
}

// Result is the rewritten symbol table plus any IA-64 jumper slots that
// must be materialized into the image at Layout.JumperOffset.
type Result struct {
	Symbols []elf.Symbol
	Jumpers []JumperSlot
	Entry   uint64
}

// Resolve rewrites every symbol's value to its absolute address in the
// output image.
func Resolve(img *elfimage.Image, l *layout.Layout) (*Result, error) {
	symbs, err := img.File.Symbols()
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols: %w", err)
	}

	out := make([]elf.Symbol, 0, len(symbs)+1)
	// elf.File.Symbols omits the null first entry; restore it so symbol
	// table indices keep matching relocation record symbol indices.
	out = append(out, elf.Symbol{})

	var jumpers []JumperSlot
	isIA64 := img.Desc.ElfMachine == elf.EM_IA_64

	for i, sym := range symbs {
		switch sym.Section {
		case elf.SHN_ABS:
			// Already absolute; nothing to do.
		case elf.SHN_UNDEF:
			switch sym.Name {
			case symBSSStart:
				if l.BSSStart == 0 {
					return nil, ErrBSSSymbolNoSection
				}
				sym.Value = l.BSSStart
			case symEnd:
				sym.Value = l.End
			default:
				return nil, fmt.Errorf("symbol %q: %w", sym.Name, ErrUnrecognizedSymbol)
			}
		default:
			addr, ok := l.AddrOf[int(sym.Section)]
			if !ok {
				return nil, fmt.Errorf("symbol %q references section %d: %w", sym.Name, sym.Section, errSectionNotPlaced)
			}

			old := sym.Value
			sym.Value = addr + sym.Value

			slog.Debug("relocating symbol",
				"symbol", sym.Name,
				"index", i+1,
				"from", fmt.Sprintf("0x%x", old),
				"to", fmt.Sprintf("0x%x", sym.Value),
			)
		}

		if isIA64 && elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Section != elf.SHN_UNDEF {
			slot := uint64(len(jumpers))
			jumpers = append(jumpers, JumperSlot{CodeAddr: sym.Value})
			sym.Value = l.JumperOffset + slot*16
		}

		out = append(out, sym)
	}

	entry, err := entrypoint(out)
	if err != nil {
		return nil, err
	}

	return &Result{Symbols: out, Jumpers: jumpers, Entry: entry}, nil
}

// entrypoint returns the value of whichever of "_start" or "start" is
// encountered first in symbol-table order: neither name takes priority over
// the other, matching the single linear scan in the original translator.
func entrypoint(symbs []elf.Symbol) (uint64, error) {
	for i := range symbs {
		if symbs[i].Name == "_start" || symbs[i].Name == "start" {
			return symbs[i].Value, nil
		}
	}
	return 0, ErrNoStartSymbol
}
