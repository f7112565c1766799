package container

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/davejbax/pixie/internal/target"
)

func TestXenNotesIncludesPAEOnlyOn386(t *testing.T) {
	desc64 := target.By(target.XEN)
	notes64 := xenNotes(desc64, 0x200000)
	if len(notes64) != 5 {
		t.Fatalf("64-bit Xen notes = %d, want 5 (no PAE note)", len(notes64))
	}

	desc32 := target.By(target.XEN386)
	notes32 := xenNotes(desc32, 0x200000)
	if len(notes32) != 6 {
		t.Fatalf("32-bit Xen notes = %d, want 6 (with PAE note)", len(notes32))
	}

	last := notes32[len(notes32)-1]
	if last.Type != xenNotePAEMode {
		t.Errorf("last 32-bit Xen note type = %d, want %d (PAE)", last.Type, xenNotePAEMode)
	}
}

func TestXenNotesCommonFieldsAreWellFormed(t *testing.T) {
	desc := target.By(target.XEN)
	notes := xenNotes(desc, 0)

	wantTypes := []uint32{xenNoteOSType, xenNoteLoader, xenNoteVersion, xenNoteEntry, xenNoteVirtBase}
	for i, n := range notes {
		if n.Name != xenNoteName {
			t.Errorf("note %d name = %q, want %q", i, n.Name, xenNoteName)
		}
		if n.Type != wantTypes[i] {
			t.Errorf("note %d type = %d, want %d", i, n.Type, wantTypes[i])
		}
		if len(n.Desc)%4 != 0 {
			t.Errorf("note %d descriptor length %d is not 4-byte aligned", i, len(n.Desc))
		}
	}
}

func TestCHRPNoteMatchesFixedMagicWords(t *testing.T) {
	desc := target.By(target.CHRP)
	note := chrpNote(desc)

	if note.Name != chrpNoteName {
		t.Errorf("CHRP note name = %q, want %q", note.Name, chrpNoteName)
	}
	if note.Type != chrpNoteType {
		t.Errorf("CHRP note type = 0x%x, want 0x%x", note.Type, chrpNoteType)
	}
	if len(note.Desc) != 24 {
		t.Fatalf("CHRP note descriptor length = %d, want 24 (six big-endian uint32s)", len(note.Desc))
	}

	realBase := desc.Endianness.Uint32(note.Desc[4:8])
	if realBase != 0x00C00000 {
		t.Errorf("CHRP note real_base = 0x%x, want 0x00C00000", realBase)
	}
	loadBase := desc.Endianness.Uint32(note.Desc[20:24])
	if loadBase != 0x00004000 {
		t.Errorf("CHRP note load_base = 0x%x, want 0x00004000", loadBase)
	}
}

func TestBuildProducesParsableELFWithSectionHeaders(t *testing.T) {
	desc := target.By(target.CHRP)
	headerSize := uint64(1024)
	kernel := make([]byte, headerSize+256)

	out, err := Build(desc, kernel, headerSize, desc.LinkAddr+headerSize, uint64(len(kernel)), 0)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Build output is not a valid ELF file: %v", err)
	}
	defer f.Close()

	names := make(map[string]bool)
	for _, s := range f.Sections {
		names[s.Name] = true
	}
	for _, want := range []string{".text", "mods"} {
		if !names[want] {
			t.Errorf("Build output missing expected section %q; have %v", want, names)
		}
	}
}

func TestBuildIncludesXenSectionForXenTargets(t *testing.T) {
	desc := target.By(target.XEN)
	headerSize := uint64(2048)
	kernel := make([]byte, headerSize+256)

	out, err := Build(desc, kernel, headerSize, desc.LinkAddr+headerSize, uint64(len(kernel)), 0)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Build output is not a valid ELF file: %v", err)
	}
	defer f.Close()

	found := false
	for _, s := range f.Sections {
		if s.Name == ".xen" {
			found = true
		}
	}
	if !found {
		t.Error("Build output for a Xen target is missing a .xen section")
	}
}

func TestPutPointerRespectsPointerSize(t *testing.T) {
	desc32 := target.By(target.COREBOOT)
	b32 := make([]byte, desc32.PointerSize)
	putPointer(b32, desc32, 0x12345678)
	if got := desc32.Endianness.Uint32(b32); got != 0x12345678 {
		t.Errorf("32-bit putPointer = 0x%x, want 0x12345678", got)
	}

	desc64 := target.By(target.XEN)
	b64 := make([]byte, desc64.PointerSize)
	putPointer(b64, desc64, 0x1122334455667788)
	if got := desc64.Endianness.Uint64(b64); got != 0x1122334455667788 {
		t.Errorf("64-bit putPointer = 0x%x, want 0x1122334455667788", got)
	}
}
