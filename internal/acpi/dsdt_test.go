package acpi

import (
	"encoding/binary"
	"testing"
)

// qwordDescriptor builds one QWord Address Space Resource Descriptor
// (tag 0x8A), the shape seen in real _CRS PCI bus resource buffers.
func qwordDescriptor(typ, sflags uint8, rangeMin, rangeMax, tlOffset, length uint64) []byte {
	buf := make([]byte, 46)
	buf[0] = asrdTagQword
	binary.LittleEndian.PutUint16(buf[1:3], 43) // size = total-3
	buf[3] = typ
	buf[4] = 0 // flags (generic/type-specific flag, unused here)
	buf[5] = sflags
	binary.LittleEndian.PutUint64(buf[14:22], rangeMin)
	binary.LittleEndian.PutUint64(buf[22:30], rangeMax)
	binary.LittleEndian.PutUint64(buf[30:38], tlOffset)
	binary.LittleEndian.PutUint64(buf[38:46], length)
	return buf
}

func TestRecordResQwordMM(t *testing.T) {
	buf := qwordDescriptor(asrdTypeMM, 0, 0x10000000, 0x1FFFFFFF, 0x40000000, 0x10000000)
	r, ok := recordRes(buf)
	if !ok {
		t.Fatal("recordRes: expected ok=true")
	}
	if r.RangeMin != 0x10000000 || r.RangeMax != 0x1FFFFFFF || r.TranslationOffset != 0x40000000 {
		t.Errorf("recordRes = %+v, unexpected fields", r)
	}
	if r.IO {
		t.Error("expected IO=false for an MM descriptor")
	}
}

func TestRecordResRejectsMMToIO(t *testing.T) {
	buf := qwordDescriptor(asrdTypeMM, asrdMMSFlagsMMToIO, 0x10000000, 0x1FFFFFFF, 0, 0x10000000)
	if _, ok := recordRes(buf); ok {
		t.Fatal("recordRes: MM-to-IO descriptors must be rejected")
	}
}

func TestRecordResIOSparse(t *testing.T) {
	buf := qwordDescriptor(asrdTypeIO, asrdIOSFlagsIOToMM|asrdIOSFlagsSparseTL, 0, 0xFFFF, 0x3EFF0000, 0x10000)
	r, ok := recordRes(buf)
	if !ok {
		t.Fatal("recordRes: expected ok=true")
	}
	if !r.IO || !r.IOToMM || !r.IOSparse {
		t.Errorf("recordRes = %+v, want IO/IOToMM/IOSparse all true", r)
	}
}

func TestRecordResUnknownTagRejected(t *testing.T) {
	buf := make([]byte, 16)
	buf[0] = 0xFF // not a recognized ASRD tag
	if _, ok := recordRes(buf); ok {
		t.Fatal("recordRes: unknown tag must be rejected")
	}
}

func TestSparseIOAddr(t *testing.T) {
	// ASDR_IO_SPARSE_ADDR((base&0xFFFC)<<10) | (base&0xFFF)
	got := sparseIOAddr(0x1234)
	want := ((uint64(0x1234) & 0xFFFC) << 10) | (uint64(0x1234) & 0xFFF)
	if got != want {
		t.Errorf("sparseIOAddr(0x1234) = %#x, want %#x", got, want)
	}
}

// buildCRSBuffer wraps one resource descriptor in the BufferOp/PkgLength/
// ByteConst AML framing acpi_record_pci_crs expects, then appends the
// End Tag.
func buildCRSBuffer(desc []byte) []byte {
	payload := append(append([]byte{}, desc...), asrdTagEnd, 0x00)
	// ByteConst (0x0A) + buffer size byte, then the payload.
	body := append([]byte{0x0A, byte(len(payload))}, payload...)
	pkglen := len(body) + 1 // +1 for the PkgLength lead byte itself
	return append([]byte{0x11, byte(pkglen)}, body...)
}

func TestRecordPCICRSFindsQwordRange(t *testing.T) {
	desc := qwordDescriptor(asrdTypeMM, 0, 0x10000000, 0x1FFFFFFF, 0x40000000, 0x10000000)
	buf := buildCRSBuffer(desc)

	ranges := recordPCICRS(buf)
	if len(ranges) != 1 {
		t.Fatalf("recordPCICRS returned %d ranges, want 1", len(ranges))
	}
	if ranges[0].RangeMin != 0x10000000 {
		t.Errorf("range min = %#x, want 0x10000000", ranges[0].RangeMin)
	}
}

func TestRecordPCICRSNotABufferReturnsEmpty(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x02}
	if ranges := recordPCICRS(buf); len(ranges) != 0 {
		t.Fatalf("recordPCICRS = %v, want empty for a non-Buffer blob", ranges)
	}
}

func TestRecordPCICRSTwoDescriptors(t *testing.T) {
	mm := qwordDescriptor(asrdTypeMM, 0, 0x10000000, 0x1FFFFFFF, 0x40000000, 0x10000000)
	io := qwordDescriptor(asrdTypeIO, 0, 0, 0xFFFF, 0x3EFF0000, 0x10000)
	payload := append(append([]byte{}, mm...), io...)
	payload = append(payload, asrdTagEnd, 0x00)
	body := append([]byte{0x0A, byte(len(payload))}, payload...)
	// The body is longer than a one-byte PkgLength can hold (max 63), so
	// use the two-byte form: lead byte 0x40 | len[3:0], then len[11:4].
	pkglen := len(body) + 2
	buf := append([]byte{0x11, byte(0x40 | (pkglen & 0xF)), byte(pkglen >> 4)}, body...)

	ranges := recordPCICRS(buf)
	if len(ranges) != 2 {
		t.Fatalf("recordPCICRS returned %d ranges, want 2", len(ranges))
	}
	if ranges[0].IO || !ranges[1].IO {
		t.Errorf("ranges = %+v, want [MM, IO] in source order", ranges)
	}
}
