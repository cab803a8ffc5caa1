package acpi

import (
	"encoding/binary"
	"fmt"
	"log"
	"unsafe"

	"example.com/ahv/internal/mapper"
	"example.com/ahv/internal/mmu"
)

// HWReader backs every physical-memory read this package performs at boot:
// ACPI MADT/MCFG table bytes, a DSDT _CRS buffer, an FDT blob, and the
// GICD_TYPER register. It is the same mapmem_hphys/unmapmem role
// internal/mmio's directAccess plays for guest-physical access, here
// applied to host-physical firmware tables instead.
type HWReader struct {
	mem *mapper.Mapper
}

// NewHWReader wraps a Mapper for firmware-table and GICD register reads.
func NewHWReader(mem *mapper.Mapper) *HWReader {
	return &HWReader{mem: mem}
}

// readPhys maps length bytes of physical memory uncached, copies them out,
// and unmaps, mirroring mapmem_hphys/unmapmem pairs throughout gic.c and
// acpi.c. It is the one place in this package unsafe.Pointer arithmetic
// happens; everything else operates on the []byte this returns.
func (h *HWReader) readPhys(phys, length uint64) ([]byte, error) {
	va, err := h.mem.MapMem(phys, length, mmu.FlagUC)
	if err != nil {
		return nil, fmt.Errorf("acpi: mapmem(%#x, %#x): %w", phys, length, err)
	}
	defer func() {
		if err := h.mem.UnmapMem(va, length); err != nil {
			log.Printf("acpi: unmapmem(%#x, %#x): %v", va, length, err)
		}
	}()

	buf := make([]byte, length)
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), length))
	return buf, nil
}

// ReadTyper implements GICDTyperReader against real hardware: it maps and
// reads the 32-bit GICD_TYPER register at gicdBase+gicdTyperOffset.
func (h *HWReader) ReadTyper(gicdBase uint64) (uint32, error) {
	buf, err := h.readPhys(gicdBase+gicdTyperOffset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// madtHeaderICOffset is offsetof(struct acpi_madt, ics): the fixed
// local_interrupt_controller_address(4)+flags(4) fields that precede the
// MADT's variable-length interrupt-controller-structure list, following
// the generic ACPI SDT header (signature, length, revision, checksum,
// oem fields, oem_table_id, oem_revision, creator_id, creator_revision --
// 36 bytes).
const madtHeaderICOffset = 36 + 8

// ReadMADTICs reads the MADT table at madtPhys and returns just its
// interrupt-controller-structure list, the slice WalkMADT expects. length
// is the MADT's full table length (the "Length" field of its SDT header),
// known to the caller from wherever it located the table (e.g. the ACPI
// XSDT/RSDT walk, out of this package's scope -- see InitGIC's doc comment
// on what this package does and doesn't own).
func (h *HWReader) ReadMADTICs(madtPhys uint64, length uint32) ([]byte, error) {
	if uint64(length) <= madtHeaderICOffset {
		return nil, fmt.Errorf("acpi: MADT length %d too short for its fixed header", length)
	}
	full, err := h.readPhys(madtPhys, uint64(length))
	if err != nil {
		return nil, err
	}
	return full[madtHeaderICOffset:], nil
}

// ReadBuffer reads an arbitrary host-physical byte range, used for a
// DSDT _CRS buffer once its address and length have been resolved by an
// ACPI namespace search (acpi_dsdt_search_ns's role, out of this
// package's scope) and for an FDT blob once its base and total size have
// been resolved from the firmware-provided pointer (dt_init's role).
func (h *HWReader) ReadBuffer(phys uint64, length uint64) ([]byte, error) {
	return h.readPhys(phys, length)
}
