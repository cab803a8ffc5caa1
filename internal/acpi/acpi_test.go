package acpi

import (
	"errors"
	"testing"
)

func TestPCIAddrTranslateMM(t *testing.T) {
	resetForTest()
	defer resetForTest()

	InitMCFG(0, 0x3f000000, 0x10000000, 0, 0xff)
	InitDSDTPCI(0, buildCRSBuffer(qwordDescriptor(asrdTypeMM, 0, 0x10000000, 0x1FFFFFFF, 0x40000000, 0x10000000)))

	cpuAddr, ioToMM, ok := PCIAddrTranslate(0, 0x10001000, 4, false)
	if !ok {
		t.Fatal("PCIAddrTranslate: expected ok=true")
	}
	if ioToMM {
		t.Error("expected ioToMM=false for an MM range")
	}
	if want := uint64(0x10001000 + 0x40000000); cpuAddr != want {
		t.Errorf("cpuAddr = %#x, want %#x", cpuAddr, want)
	}
}

func TestPCIAddrTranslateNoMatch(t *testing.T) {
	resetForTest()
	defer resetForTest()

	InitDSDTPCI(0, buildCRSBuffer(qwordDescriptor(asrdTypeMM, 0, 0x10000000, 0x1FFFFFFF, 0x40000000, 0x10000000)))

	if _, _, ok := PCIAddrTranslate(0, 0x20000000, 4, false); ok {
		t.Fatal("PCIAddrTranslate: expected ok=false for an address outside every range")
	}
	if _, _, ok := PCIAddrTranslate(1, 0x10001000, 4, false); ok {
		t.Fatal("PCIAddrTranslate: expected ok=false for an unknown segment")
	}
}

func TestPCIAddrTranslateIOSparse(t *testing.T) {
	resetForTest()
	defer resetForTest()

	InitDSDTPCI(0, buildCRSBuffer(qwordDescriptor(asrdTypeIO,
		asrdIOSFlagsIOToMM|asrdIOSFlagsSparseTL, 0, 0xFFFF, 0x3EFF0000, 0x10000)))

	cpuAddr, ioToMM, ok := PCIAddrTranslate(0, 0x1234, 1, true)
	if !ok {
		t.Fatal("PCIAddrTranslate: expected ok=true")
	}
	if !ioToMM {
		t.Error("expected ioToMM=true for a sparse IO range")
	}
	want := sparseIOAddr(0x1234) + 0 + 0x3EFF0000
	if cpuAddr != want {
		t.Errorf("cpuAddr = %#x, want %#x", cpuAddr, want)
	}
}

func TestInitFDTPCIFeedsRegistry(t *testing.T) {
	resetForTest()
	defer resetForTest()

	blob := buildPCIHostBlob(t, nil)
	if err := InitFDTPCI(blob); err != nil {
		t.Fatalf("InitFDTPCI: %v", err)
	}

	cpuAddr, _, ok := PCIAddrTranslate(0, 0x1000, 4, false)
	if !ok {
		t.Fatal("PCIAddrTranslate: expected ok=true after InitFDTPCI")
	}
	if want := uint64(0x1000 + 0x50000000); cpuAddr != want {
		t.Errorf("cpuAddr = %#x, want %#x", cpuAddr, want)
	}

	it := NewMCFGIterator()
	base, seg, busStart, busEnd, ok := it.Next()
	if !ok {
		t.Fatal("MCFGIterator.Next: expected one bridge")
	}
	if base != 0x3f000000 || seg != 0 || busStart != 0 || busEnd != 0xff {
		t.Errorf("bridge = base %#x seg %d bus %d-%d, want 0x3f000000 0 0-255", base, seg, busStart, busEnd)
	}
	if _, _, _, _, ok := it.Next(); ok {
		t.Fatal("MCFGIterator.Next: expected no second bridge")
	}
}

func TestMCFGIteratorEmpty(t *testing.T) {
	resetForTest()
	defer resetForTest()

	it := NewMCFGIterator()
	if _, _, _, _, ok := it.Next(); ok {
		t.Fatal("MCFGIterator.Next: expected ok=false with no bridges registered")
	}
}

func TestInitGICPopulatesRegistryAndGetters(t *testing.T) {
	resetForTest()
	defer resetForTest()

	var ics []byte
	ics = append(ics, buildICRecord(icTypeGICD, 24, gicdBody(0x2f000000))...)
	ics = append(ics, buildICRecord(icTypeGICITS, 20, its8(0x2f020000))...)

	readTyper := func(uint64) (uint32, error) { return gicdTyperLPIsBit | (14 << 19), nil }

	gicd, its, err := InitGIC(ics, readTyper)
	if err != nil {
		t.Fatalf("InitGIC: %v", err)
	}
	if GICD() != gicd || ITS() != its {
		t.Error("GICD()/ITS() did not return the values InitGIC computed")
	}
}

func TestInitGICPropagatesWalkError(t *testing.T) {
	resetForTest()
	defer resetForTest()

	readErr := errors.New("mapping failed")
	ics := buildICRecord(icTypeGICD, 24, gicdBody(0x2f000000))

	if _, _, err := InitGIC(ics, func(uint64) (uint32, error) { return 0, readErr }); err == nil {
		t.Fatal("InitGIC: expected an error to propagate from a failing GICD_TYPER read")
	}
	if GICD() != nil {
		t.Error("GICD() should stay nil after a failed InitGIC call")
	}
}

// its8 builds the 18-byte body (the 2-byte type/length header excluded)
// of a 20-byte GIC-ITS interrupt-controller structure, with phys_addr at
// the same byte-6 offset acpi_gic_its uses.
func its8(base uint64) []byte {
	body := make([]byte, 18)
	body[6] = byte(base)
	body[7] = byte(base >> 8)
	body[8] = byte(base >> 16)
	body[9] = byte(base >> 24)
	body[10] = byte(base >> 32)
	body[11] = byte(base >> 40)
	body[12] = byte(base >> 48)
	body[13] = byte(base >> 56)
	return body
}
