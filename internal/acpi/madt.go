package acpi

import (
	"encoding/binary"
	"fmt"
	"log"
)

// ACPI interrupt-controller-structure types this package cares about,
// named from original_source/core/aarch64/gic.c's acpi_ic_type_t (the
// full x86-oriented enum is 0-indexed from ACPI_IC_TYPE_PROC_LOCAL_APIC;
// only the two GIC subtypes are relevant here).
const (
	icTypeGICD   = 12
	icTypeGICITS = 15
)

// GICDTyperLPIs, the LPI-support bit, and the ID/LPI bit-count fields of
// GICD_TYPER, named from gic.c.
const (
	gicdTyperOffset    = 0x4
	gicdTyperLPIsBit   = 1 << 17
	gicNInitdWatermark = 1 << 16
)

func gicdTyperLPIBits(v uint32) uint32 { return ((v >> 11) & 0x1F) + 1 }
func gicdTyperIDBits(v uint32) uint32  { return ((v >> 19) & 0x1F) + 1 }

// LPIStart is GIC_LPI_START, the architectural first LPI INTID (GICv3
// reserves 0-8191 for SGIs/PPIs/SPIs/specials).
const LPIStart = 8192

// GICDInfo is what the MADT's first pass learns about the distributor.
type GICDInfo struct {
	BasePhys uint64
	NIDs     uint32 // total INTIDs, 1 << ID_BITS
	NLPIs    uint32
}

// ITSInfo is what the MADT's second pass learns about the ITS.
type ITSInfo struct {
	BasePhys uint64
}

// icRecord is one decoded acpi_ic_header-prefixed entry from the MADT's
// ics list: a 1-byte type, a 1-byte total length, and the raw bytes of
// the type-specific body that follow.
type icRecord struct {
	typ  uint8
	body []byte
}

// walkICs splits ics into length-prefixed records, the same walk
// acpi_madt_walk performs (twice, once per pass). A record with a
// declared length that doesn't fit the remaining bytes ends the walk
// early rather than reading past the table, matching the reference's
// `h->length <= ic_size` guard.
func walkICs(ics []byte, fn func(icRecord)) {
	for len(ics) >= 2 {
		length := int(ics[1])
		if length < 2 || length > len(ics) {
			return
		}
		fn(icRecord{typ: ics[0], body: ics[2:length]})
		ics = ics[length:]
	}
}

// WalkMADT performs the two-pass GICD/GIC-ITS search spec.md section
// 4.K describes, mirroring acpi_madt_walk. readTyper supplies the real
// GICD_TYPER read (a hardware access this package's caller owns, see
// GICDTyperReader); WalkMADT itself is pure over the table bytes.
func WalkMADT(ics []byte, readTyper GICDTyperReader) (*GICDInfo, *ITSInfo, error) {
	var gicd *GICDInfo
	walkICs(ics, func(r icRecord) {
		if gicd != nil || r.typ != icTypeGICD || len(r.body) < 14 {
			return
		}
		gicd = &GICDInfo{BasePhys: binary.LittleEndian.Uint64(r.body[6:14])}
	})
	if gicd == nil {
		return nil, nil, fmt.Errorf("acpi: MADT has no GICD entry")
	}
	if gicd.BasePhys == 0 {
		return nil, nil, fmt.Errorf("acpi: MADT GICD entry has a zero base address")
	}

	typer, err := readTyper(gicd.BasePhys)
	if err != nil {
		return nil, nil, fmt.Errorf("acpi: reading GICD_TYPER: %w", err)
	}
	if typer&gicdTyperLPIsBit == 0 {
		return nil, nil, fmt.Errorf("acpi: GICD does not report LPI support")
	}
	gicd.NIDs = 1 << gicdTyperIDBits(typer)
	if gicdTyperLPIBits(typer) == 1 {
		gicd.NLPIs = gicd.NIDs - LPIStart
	} else {
		gicd.NLPIs = 1 << gicdTyperLPIBits(typer)
	}
	if gicd.NIDs > gicNInitdWatermark {
		log.Printf("acpi: MADT GICD total INTID count %d exceeds watermark %d", gicd.NIDs, gicNInitdWatermark)
	}

	var its *ITSInfo
	walkICs(ics, func(r icRecord) {
		if its != nil || r.typ != icTypeGICITS || len(r.body) < 14 {
			return
		}
		its = &ITSInfo{BasePhys: binary.LittleEndian.Uint64(r.body[6:14])}
	})
	if its == nil {
		return nil, nil, fmt.Errorf("acpi: MADT has no GIC-ITS entry")
	}
	if its.BasePhys == 0 {
		return nil, nil, fmt.Errorf("acpi: MADT GIC-ITS entry has a zero base address")
	}

	return gicd, its, nil
}
