package acpi

import (
	"encoding/binary"
	"testing"
)

// buildICRecord lays out one length-prefixed interrupt-controller
// structure: a 2-byte (type, length) header followed by body, padded out
// to length bytes total.
func buildICRecord(typ uint8, length int, body []byte) []byte {
	rec := make([]byte, length)
	rec[0] = typ
	rec[1] = uint8(length)
	copy(rec[2:], body)
	return rec
}

func gicdBody(base uint64) []byte {
	body := make([]byte, 18) // reserved0(2) gicd_id(4) phys_addr(8) sysvecbase(4)
	binary.LittleEndian.PutUint64(body[6:14], base)
	return body
}

func TestWalkMADTFindsGICDThenITS(t *testing.T) {
	var ics []byte
	ics = append(ics, buildICRecord(icTypeGICD, 24, gicdBody(0x2f000000))...)
	its := make([]byte, 20)
	binary.LittleEndian.PutUint64(its[6:14], 0x2f020000)
	ics = append(ics, buildICRecord(icTypeGICITS, 20, its)...)

	readTyper := func(base uint64) (uint32, error) {
		if base != 0x2f000000 {
			t.Fatalf("readTyper called with base %#x, want 0x2f000000", base)
		}
		// LPIs bit set, ID_BITS=15 (0-based 14 -> nids=1<<15), LPI_BITS=1
		// (raw 0) so n_lpis derives from nids-LPIStart.
		return gicdTyperLPIsBit | (14 << 19), nil
	}

	gicd, itsInfo, err := WalkMADT(ics, readTyper)
	if err != nil {
		t.Fatalf("WalkMADT: %v", err)
	}
	if gicd.BasePhys != 0x2f000000 {
		t.Errorf("GICD base = %#x, want 0x2f000000", gicd.BasePhys)
	}
	if gicd.NIDs != 1<<15 {
		t.Errorf("GICD nids = %d, want %d", gicd.NIDs, 1<<15)
	}
	if gicd.NLPIs != gicd.NIDs-LPIStart {
		t.Errorf("GICD n_lpis = %d, want %d", gicd.NLPIs, gicd.NIDs-LPIStart)
	}
	if itsInfo.BasePhys != 0x2f020000 {
		t.Errorf("ITS base = %#x, want 0x2f020000", itsInfo.BasePhys)
	}
}

func TestWalkMADTMissingGICDFails(t *testing.T) {
	its := make([]byte, 20)
	binary.LittleEndian.PutUint64(its[6:14], 0x2f020000)
	ics := buildICRecord(icTypeGICITS, 20, its)

	if _, _, err := WalkMADT(ics, func(uint64) (uint32, error) { return 0, nil }); err == nil {
		t.Fatal("expected an error when the MADT has no GICD entry")
	}
}

func TestWalkMADTMissingITSFails(t *testing.T) {
	ics := buildICRecord(icTypeGICD, 24, gicdBody(0x2f000000))

	readTyper := func(uint64) (uint32, error) {
		return gicdTyperLPIsBit | (14 << 19), nil
	}
	if _, _, err := WalkMADT(ics, readTyper); err == nil {
		t.Fatal("expected an error when the MADT has no GIC-ITS entry")
	}
}

func TestWalkMADTRejectsNoLPISupport(t *testing.T) {
	ics := buildICRecord(icTypeGICD, 24, gicdBody(0x2f000000))
	readTyper := func(uint64) (uint32, error) { return 0, nil } // LPIs bit clear

	if _, _, err := WalkMADT(ics, readTyper); err == nil {
		t.Fatal("expected an error when GICD_TYPER reports no LPI support")
	}
}

func TestWalkMADTStopsOnTruncatedRecord(t *testing.T) {
	// A record claiming a length longer than the remaining bytes must not
	// be read past the end of ics.
	ics := []byte{icTypeGICD, 30, 0, 0}
	gicd, its, err := WalkMADT(ics, func(uint64) (uint32, error) { return 0, nil })
	if gicd != nil || its != nil || err == nil {
		t.Fatalf("expected a clean failure on a truncated record, got (%v, %v, %v)", gicd, its, err)
	}
}
