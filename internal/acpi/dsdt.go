package acpi

import (
	"encoding/binary"
	"log"
)

// Address Space Resource Descriptor type/flag bits and large-resource
// tags, named from original_source/core/aarch64/acpi.c.
const (
	asrdTypeMM = 0x0
	asrdTypeIO = 0x1

	asrdMMSFlagsMMToIO   = 1 << 5
	asrdIOSFlagsIOToMM   = 1 << 4
	asrdIOSFlagsSparseTL = 1 << 5

	asrdTagEnd   = 0x79
	asrdTagWord  = 0x88
	asrdTagDword = 0x87
	asrdTagQword = 0x8A
	asrdTagExt   = 0x8B
)

func asrdTagIsLargeRes(tag uint8) bool { return tag&0x80 != 0 }

// sparseIOAddr implements ASDR_IO_SPARSE_ADDR's bit scramble for the
// sparse I/O-to-MM translation some bridges use.
func sparseIOAddr(base uint64) uint64 {
	return ((base & 0xFFFC) << 10) | (base & 0xFFF)
}

// recordRes decodes one large-resource Address Space Resource Descriptor
// (Word/DWord/QWord/Extended Address Space) at buf[0], mirroring
// acpi_record_res. buf must hold at least the descriptor's fixed fields;
// trailing "extra" resource-source bytes aren't needed here and aren't
// read.
func recordRes(buf []byte) (PCIRange, bool) {
	if len(buf) < 6 {
		return PCIRange{}, false
	}
	tag := buf[0]

	var rangeMin, rangeMax, tlOffset, length uint64
	switch tag {
	case asrdTagWord:
		if len(buf) < 16 {
			return PCIRange{}, false
		}
		rangeMin = uint64(binary.LittleEndian.Uint16(buf[8:10]))
		rangeMax = uint64(binary.LittleEndian.Uint16(buf[10:12]))
		tlOffset = uint64(binary.LittleEndian.Uint16(buf[12:14]))
		length = uint64(binary.LittleEndian.Uint16(buf[14:16]))
	case asrdTagDword:
		if len(buf) < 26 {
			return PCIRange{}, false
		}
		rangeMin = uint64(binary.LittleEndian.Uint32(buf[10:14]))
		rangeMax = uint64(binary.LittleEndian.Uint32(buf[14:18]))
		tlOffset = uint64(binary.LittleEndian.Uint32(buf[18:22]))
		length = uint64(binary.LittleEndian.Uint32(buf[22:26]))
	case asrdTagQword:
		if len(buf) < 46 {
			return PCIRange{}, false
		}
		rangeMin = binary.LittleEndian.Uint64(buf[14:22])
		rangeMax = binary.LittleEndian.Uint64(buf[22:30])
		tlOffset = binary.LittleEndian.Uint64(buf[30:38])
		length = binary.LittleEndian.Uint64(buf[38:46])
	case asrdTagExt:
		// Extended Address Space Descriptor inserts revision_id/rsvd
		// before the same granularity/range_min/range_max/translation_
		// offset/length layout as QWord; acpi_record_res delegates to
		// the qword extractor for it.
		if len(buf) < 48 {
			return PCIRange{}, false
		}
		rangeMin = binary.LittleEndian.Uint64(buf[16:24])
		rangeMax = binary.LittleEndian.Uint64(buf[24:32])
		tlOffset = binary.LittleEndian.Uint64(buf[32:40])
		length = binary.LittleEndian.Uint64(buf[40:48])
	default:
		log.Printf("acpi: unknown Address Space Resource 0x%X, skip record", tag)
		return PCIRange{}, false
	}

	typ := buf[3]
	sflags := buf[5]
	if typ == asrdTypeMM && sflags&asrdMMSFlagsMMToIO != 0 {
		log.Printf("acpi: MM to IO on %#x-%#x? skip record", rangeMin, rangeMax)
		return PCIRange{}, false
	}

	r := PCIRange{RangeMin: rangeMin, RangeMax: rangeMax, TranslationOffset: tlOffset, Length: length}
	r.IO = typ == asrdTypeIO
	r.IOToMM = r.IO && sflags&asrdIOSFlagsIOToMM != 0
	r.IOSparse = r.IOToMM && sflags&asrdIOSFlagsSparseTL != 0
	return r, true
}

// tryRecordRes filters to IO/MM descriptor types before decoding,
// mirroring acpi_try_record_res.
func tryRecordRes(buf []byte) (PCIRange, bool) {
	if len(buf) < 6 {
		return PCIRange{}, false
	}
	typ := buf[3]
	if typ != asrdTypeIO && typ != asrdTypeMM {
		return PCIRange{}, false
	}
	return recordRes(buf)
}

// recordPCICRS walks an AML Buffer object as produced by _CRS, collecting
// every Address Space Resource Descriptor it contains. Mirrors
// acpi_record_pci_crs's small state machine over the BufferOp/PkgLength/
// ByteConst framing AML wraps a resource-template buffer in.
func recordPCICRS(buf []byte) []PCIRange {
	var ranges []PCIRange
	c, end := 0, len(buf)
	stage := 0
	remaining := 0

	for c < end {
		switch stage {
		case 0: // expect BufferOp
			if buf[c] != 0x11 {
				return ranges
			}
			c++
			stage = 1
		case 1: // PkgLength
			bytecount := int((buf[c] >> 6) & 0x3)
			var mask byte = 0x3F
			if bytecount != 0 {
				mask = 0x0F
			}
			pkglen := int(buf[c] & mask)
			c++
			for i := 0; c < end && i < bytecount; i++ {
				pkglen |= int(buf[c]) << (4 + 8*i)
				c++
			}
			if newEnd := c + pkglen - 1 - bytecount; newEnd <= end {
				end = newEnd
			}
			stage = 2
		case 2: // expect ByteConst (buffer size operand)
			if c+1 >= end {
				return ranges
			}
			if buf[c] != 0x0A {
				return ranges
			}
			remaining = int(buf[c+1])
			c += 2
			stage = 3
		case 3:
			if remaining == 0 {
				return ranges
			}
			tag := buf[c]
			if tag == asrdTagEnd {
				return ranges
			}
			var size int
			if asrdTagIsLargeRes(tag) {
				if c+3 > end {
					return ranges
				}
				size = int(binary.LittleEndian.Uint16(buf[c+1:c+3])) + 3
				if size >= 6 && c+size <= end {
					if r, ok := tryRecordRes(buf[c : c+size]); ok {
						ranges = append(ranges, r)
					}
				}
			} else {
				size = int(tag&0x7) + 1
			}
			if size <= 0 || c+size > end {
				return ranges
			}
			c += size
			remaining -= size
		default:
			return ranges
		}
	}
	return ranges
}
