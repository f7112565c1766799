// Package rawreloc builds the raw relocation table used by non-EFI
// relocatable targets (U-Boot): the C6b half of the "relocation
// translation" stage. Unlike the PE32 `.reloc` section (internal/efipe),
// the raw table has no page/block structure: it is grouped by relocation
// width and terminated by sentinel words the loader recognizes.
package rawreloc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/davejbax/pixie/internal/addrreloc"
	"github.com/lunixbochs/struc"
)

// Sentinels the U-Boot loader's raw relocator recognizes in the type
// stream: RAW_SEPARATOR marks a change of relocation width, RAW_END_MARKER
// terminates the table.
const (
	RawSeparator = 0xFFFFFFFE
	RawEndMarker = 0xFFFFFFFF
)

// Width classifies a raw relocation entry by the raw_reloc_type enum the
// original translator groups entries by (RAW_RELOC_32 = 0, ...). The core
// only ever emits 32-bit raw relocations: ARM ABS32 is the only relocation
// type any raw (non-EFI-relocatable) target applies, so every entry falls
// into type 0 and no higher type group is ever produced.
type Width uint32

const (
	Width32 Width = 0
)

// Build serializes fixups into the raw relocation table format: entries are
// grouped by type from 0 up to the highest type in use, each group is a run
// of ascending file offsets terminated by RawSeparator, and the final
// separator is overwritten with RawEndMarker rather than followed by one.
// There is no width/type marker word in the stream; the loader infers the
// type purely from group position (mirrors
// finish_reloc_translation_raw/classify_raw_reloc in the original
// translator).
func Build(fixups []addrreloc.Fixup, order binary.ByteOrder) ([]byte, error) {
	byWidth := make(map[Width][]uint32)
	var highest Width
	for _, f := range fixups {
		w := Width32
		if f.Wide {
			// No raw target this core supports emits a 64-bit
			// absolute relocation; ARM (the only raw-relocatable
			// machine) is always 32-bit.
			continue
		}
		byWidth[w] = append(byWidth[w], uint32(f.FileOffset))
		if w > highest {
			highest = w
		}
	}

	opts := &struc.Options{Order: order}

	if len(byWidth) == 0 {
		buf := &bytes.Buffer{}
		if err := struc.PackWithOptions(buf, uint32(RawEndMarker), opts); err != nil {
			return nil, fmt.Errorf("failed to write empty raw relocation table: %w", err)
		}
		return buf.Bytes(), nil
	}

	buf := &bytes.Buffer{}

	for w := Width(0); w <= highest; w++ {
		offs := byWidth[w]
		sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })

		for _, off := range offs {
			if err := struc.PackWithOptions(buf, off, opts); err != nil {
				return nil, fmt.Errorf("failed to write raw relocation offset: %w", err)
			}
		}
		if err := struc.PackWithOptions(buf, uint32(RawSeparator), opts); err != nil {
			return nil, fmt.Errorf("failed to write raw relocation separator: %w", err)
		}
	}

	// Overwrite the last separator word (not append a new one) with the
	// end marker, matching `*--p = RAW_END_MARKER;` in the original.
	out := buf.Bytes()
	order.PutUint32(out[len(out)-4:], uint32(RawEndMarker))

	return out, nil
}
