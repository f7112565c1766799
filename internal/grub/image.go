package grub

import (
	"debug/pe"
	"errors"
	"fmt"
	"io"

	"github.com/davejbax/pixie/internal/efipe"
	"github.com/davejbax/pixie/internal/mkimage"
	"github.com/davejbax/pixie/internal/target"
)

var errModulePackTooLarge = errors.New("assembled module pack exceeds the space reserved for it")

// Image is the final bootable image: the core's kernel image with the real,
// assembled module pack copied into the space it reserved.
type Image struct {
	data   []byte
	target *target.Descriptor
}

// NewImage builds a bootable image for targetID from the relocatable kernel
// object in r and the resolved module list.
func NewImage(r io.ReaderAt, modules []*Module, targetID target.ID) (*Image, error) {
	desc := target.By(targetID)

	pack, err := newModuleSection(modules, 0, uint32(desc.ModAlign))
	if err != nil {
		return nil, fmt.Errorf("failed to assemble module pack: %w", err)
	}

	_, data, err := mkimage.Build(r, uint64(len(pack.data)), desc)
	if err != nil {
		return nil, fmt.Errorf("failed to build image: %w", err)
	}

	if len(pack.data) > 0 {
		if len(pack.data) > len(data) {
			return nil, errModulePackTooLarge
		}
		copy(data[len(data)-len(pack.data):], pack.data)
	}

	return &Image{data: data, target: desc}, nil
}

// WriteTo writes the complete image, matching the [io.WriterTo] shape the
// ISO and other packaging stages expect of a boot entrypoint.
func (i *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(i.data)
	return int64(n), err
}

// Size returns the total image size in bytes, including the module pack.
func (i *Image) Size() uint32 {
	return uint32(len(i.data))
}

// Machine returns the EFI machine type the image was built for. Only
// meaningful for [target.ImageKindPE32] targets.
func (i *Image) Machine() (efipe.Machine, error) {
	switch i.target.ID {
	case target.EFI:
		return efipe.Machine(pe.IMAGE_FILE_MACHINE_AMD64), nil
	case target.EFIArm:
		return efipe.Machine(pe.IMAGE_FILE_MACHINE_ARM), nil
	case target.EFIAArch64:
		return efipe.Machine(pe.IMAGE_FILE_MACHINE_ARM64), nil
	case target.EFIIA64:
		return efipe.Machine(pe.IMAGE_FILE_MACHINE_IA64), nil
	default:
		return 0, fmt.Errorf("target %q is not a PE32/EFI target", i.target.ID)
	}
}
