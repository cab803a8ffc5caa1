package emu

import (
	"encoding/binary"
	"testing"

	"example.com/ahv/internal/arch/aarch64"
	"example.com/ahv/internal/mmu"
)

type fakeRegs struct {
	gpr          [31]uint64
	spel0, spel1 uint64
	elr          uint64
}

func (f *fakeRegs) GPR(n int) uint64       { return f.gpr[n] }
func (f *fakeRegs) SetGPR(n int, v uint64) { f.gpr[n] = v }
func (f *fakeRegs) SPEL0() uint64          { return f.spel0 }
func (f *fakeRegs) SetSPEL0(v uint64)      { f.spel0 = v }
func (f *fakeRegs) SPEL1() uint64          { return f.spel1 }
func (f *fakeRegs) SetSPEL1(v uint64)      { f.spel1 = v }
func (f *fakeRegs) ELR() uint64            { return f.elr }
func (f *fakeRegs) SetELR(v uint64)        { f.elr = v }

// fakeGuestMemory backs both the instruction fetch and the data access
// fallback with a plain byte map, and doubles as the identity
// guest-virtual-to-IPA translator: real tests can't drive the AT
// instruction path without a live translation regime.
type fakeGuestMemory struct {
	bytes map[uint64]byte
}

func newFakeGuestMemory() *fakeGuestMemory {
	return &fakeGuestMemory{bytes: make(map[uint64]byte)}
}

func (m *fakeGuestMemory) putU32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for i, c := range b {
		m.bytes[addr+uint64(i)] = c
	}
}

func (m *fakeGuestMemory) putU64(addr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	for i, c := range b {
		m.bytes[addr+uint64(i)] = c
	}
}

func (m *fakeGuestMemory) translate(va uint64, el int, write bool) (uint64, mmu.Flag, error) {
	return va, 0, nil
}

func (m *fakeGuestMemory) raw(ipa uint64, write bool, buf []byte, flags mmu.Flag) error {
	for i := range buf {
		addr := ipa + uint64(i)
		if write {
			m.bytes[addr] = buf[i]
		} else {
			buf[i] = m.bytes[addr]
		}
	}
	return nil
}

func newTestEmulator(mem *fakeGuestMemory) *Emulator {
	e := &Emulator{}
	e.raw = mem.raw
	e.translate = mem.translate
	return e
}

// Concrete scenario 1: LDR X0,[X1, X2, UXTW #3].
func TestEmulateRegisterOffsetLoad(t *testing.T) {
	mem := newFakeGuestMemory()
	e := newTestEmulator(mem)

	const elr = 0x1000
	mem.putU32(elr, 0xf8625820) // LDR X0, [X1, X2, UXTW #3]
	mem.putU64(0x80000040, 0xAABBCCDDEEFF0011)

	regs := &fakeRegs{}
	regs.gpr[1] = 0x80000000
	regs.gpr[2] = 0x8

	if err := e.Emulate(regs, elr, false, 1); err != nil {
		t.Fatalf("Emulate: %v", err)
	}
	if regs.gpr[0] != 0xAABBCCDDEEFF0011 {
		t.Errorf("X0 = %#x, want 0xAABBCCDDEEFF0011", regs.gpr[0])
	}
	if regs.elr != elr+4 {
		t.Errorf("ELR = %#x, want %#x", regs.elr, elr+4)
	}
}

// Concrete scenario 2: STR X3,[X4, #8]! (pre-index).
func TestEmulatePreIndexStore(t *testing.T) {
	mem := newFakeGuestMemory()
	e := newTestEmulator(mem)

	const elr = 0x1100
	mem.putU32(elr, 0xf8008c83) // STR X3, [X4, #8]!

	regs := &fakeRegs{}
	regs.gpr[4] = 0x81000000
	regs.gpr[3] = 0x1122334455667788

	if err := e.Emulate(regs, elr, true, 1); err != nil {
		t.Fatalf("Emulate: %v", err)
	}
	if regs.gpr[4] != 0x81000008 {
		t.Errorf("X4 = %#x, want 0x81000008", regs.gpr[4])
	}
	var got [8]byte
	for i := range got {
		got[i] = mem.bytes[0x81000008+uint64(i)]
	}
	if v := binary.LittleEndian.Uint64(got[:]); v != 0x1122334455667788 {
		t.Errorf("stored value = %#x, want 0x1122334455667788", v)
	}
	if regs.elr != elr+4 {
		t.Errorf("ELR = %#x, want %#x", regs.elr, elr+4)
	}
}

// Concrete scenario 3: LDR X5,[X6], #-16 (post-index).
func TestEmulatePostIndexLoad(t *testing.T) {
	mem := newFakeGuestMemory()
	e := newTestEmulator(mem)

	const elr = 0x1200
	mem.putU32(elr, 0xf85f04c5) // LDR X5, [X6], #-16
	mem.putU64(0x82000000, 0xCAFEBABECAFEBABE)

	regs := &fakeRegs{}
	regs.gpr[6] = 0x82000000

	if err := e.Emulate(regs, elr, false, 1); err != nil {
		t.Fatalf("Emulate: %v", err)
	}
	if regs.gpr[5] != 0xCAFEBABECAFEBABE {
		t.Errorf("X5 = %#x, want 0xCAFEBABECAFEBABE", regs.gpr[5])
	}
	if want := uint64(0x82000000 - 16); regs.gpr[6] != want {
		t.Errorf("X6 = %#x, want %#x", regs.gpr[6], want)
	}
	if regs.elr != elr+4 {
		t.Errorf("ELR = %#x, want %#x", regs.elr, elr+4)
	}
}

// Concrete scenario 5: prefetch is a no-op.
func TestEmulatePrefetchIsNoOp(t *testing.T) {
	mem := newFakeGuestMemory()
	e := newTestEmulator(mem)

	const elr = 0x1300
	mem.putU32(elr, 0xf9800000) // PRFM PLDL1KEEP, [X0, #0]

	regs := &fakeRegs{}
	regs.gpr[0] = 0x12345
	before := regs.gpr[0]

	if err := e.Emulate(regs, elr, false, 1); err != nil {
		t.Fatalf("Emulate: %v", err)
	}
	if regs.gpr[0] != before {
		t.Errorf("prefetch mutated X0: %#x -> %#x", before, regs.gpr[0])
	}
	if regs.elr != elr+4 {
		t.Errorf("ELR = %#x, want %#x", regs.elr, elr+4)
	}
}

// Concrete scenario 4: LDR Q0, <literal> — 16-byte SIMD load.
func TestEmulateVectorLiteralLoad(t *testing.T) {
	mem := newFakeGuestMemory()
	e := newTestEmulator(mem)

	const elr = 0x1500
	mem.putU32(elr, 0x9c000040) // LDR Q0, #8 (literal, SIMD&FP, opc=10 V=1)
	mem.putU64(elr+8, 0x1122334455667788)
	mem.putU64(elr+16, 0x99aabbccddeeff00)

	regs := &fakeRegs{}
	if err := e.Emulate(regs, elr, false, 1); err != nil {
		t.Fatalf("Emulate: %v", err)
	}
	if regs.elr != elr+4 {
		t.Errorf("ELR = %#x, want %#x", regs.elr, elr+4)
	}

	var fp aarch64.FPRegs
	aarch64.SaveFPRegs(&fp)
	if fp[0][0] != 0x1122334455667788 || fp[0][1] != 0x99aabbccddeeff00 {
		t.Errorf("Q0 = %#x:%#x, want 0x99aabbccddeeff00:0x1122334455667788", fp[0][1], fp[0][0])
	}
}

func TestEmulateUnhandledEncodingReturnsError(t *testing.T) {
	mem := newFakeGuestMemory()
	e := newTestEmulator(mem)

	const elr = 0x1400
	mem.putU32(elr, 0x00000000) // matches none of the five signatures

	regs := &fakeRegs{}
	if err := e.Emulate(regs, elr, false, 1); err == nil {
		t.Fatal("expected an error for an unrecognized encoding")
	}
}
