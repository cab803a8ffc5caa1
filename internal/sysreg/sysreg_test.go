package sysreg

import (
	"testing"

	"example.com/ahv/internal/trap"
)

// iss encodes one MSR/MRS trap ISS field the way trap_msr_mrs expects:
// op0 bits[21:20], op2 bits[19:17]... matching decode's extraction.
func iss(op0, op1, crn, crm, op2 uint8, rt uint, write bool) uint32 {
	v := uint32(op0&0x3)<<20 | uint32(op2&0x7)<<17 | uint32(op1&0x7)<<14 |
		uint32(crn&0xF)<<10 | uint32(rt&0x1F)<<5 | uint32(crm&0xF)<<1
	if !write {
		v |= 1
	}
	return v
}

func TestHandleWriteToIDRegisterIsSwallowed(t *testing.T) {
	g := &Interposer{}
	f := &trap.Frame{}
	f.SetGPR(0, 0xDEADBEEF)

	// A write (wr bit clear) to ID_AA64PFR0_EL1 (crm=4, op2=0).
	if err := g.Handle(f, iss(3, 0, 0, 4, 0, 0, true)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.GPR(0) != 0xDEADBEEF {
		t.Error("write to a read-only ID register should leave GPRs untouched")
	}
}

func TestHandleReadConcealsIDAA64PFR0EL3AArch32(t *testing.T) {
	g := &Interposer{}
	f := &trap.Frame{}

	if err := g.Handle(f, iss(3, 0, 0, 4, 0, 3, false)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	val := f.GPR(3)
	el0 := val & 0xF
	el1 := (val >> 4) & 0xF
	el2 := (val >> 8) & 0xF
	el3 := (val >> 12) & 0xF
	if el0 != idAA64PFR0AA64Only || el1 != idAA64PFR0AA64Only || el2 != idAA64PFR0AA64Only {
		t.Errorf("EL0/EL1/EL2 = %d/%d/%d, want all %d", el0, el1, el2, idAA64PFR0AA64Only)
	}
	if el3 == idAA64PFR0AA64AA32 {
		t.Error("EL3 AArch32 support not concealed")
	}
}

func TestHandleReadConcealsIDAA64MMFR0PASize(t *testing.T) {
	g := &Interposer{}
	f := &trap.Frame{}

	if err := g.Handle(f, iss(3, 0, 0, 7, 0, 5, false)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	pa := f.GPR(5) & 0xF
	if pa > idAA64MMFR0PA48 {
		t.Errorf("PA size field = %d, want <= %d", pa, idAA64MMFR0PA48)
	}
}

func TestHandleForwardsSGIRegisterToGIC(t *testing.T) {
	var gotWhich int
	var gotWrite bool
	var gotVal uint64
	g := &Interposer{
		GICSGI: func(which int, val *uint64, write bool) error {
			gotWhich, gotWrite, gotVal = which, write, *val
			*val = 0 // reads of SGI registers return zero
			return nil
		},
	}
	f := &trap.Frame{}
	f.SetGPR(2, 0x1234)

	// ICC_SGI1R_EL1 write: op0=3 op1=0 crn=12 crm=11 op2=5.
	if err := g.Handle(f, iss(3, 0, 12, 11, 5, 2, true)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gotWhich != SGI1 || !gotWrite || gotVal != 0x1234 {
		t.Errorf("forwarded (which=%d write=%v val=%#x), want (SGI1 true 0x1234)", gotWhich, gotWrite, gotVal)
	}
}

func TestHandleUnknownSysregReturnsError(t *testing.T) {
	g := &Interposer{}
	f := &trap.Frame{}

	// Some arbitrary op/crn/crm/op2 combination outside the ID block and
	// outside the SGI set.
	err := g.Handle(f, iss(2, 3, 9, 9, 3, 0, false))
	if err == nil {
		t.Fatal("expected an error for an unhandled sysreg")
	}
}
