// Package sysreg implements component G, the trapped MSR/MRS interposer.
// It decodes the ISS of an ESR_EC_MSR_MRS exception into its five operand
// fields plus the destination/source register number, serves the ID
// feature-register block from the real CPU with two concealments, passes
// the GIC software-generated-interrupt registers through to the physical
// registers, and reports everything else as unhandled.
//
// Grounded on original_source/core/aarch64/exception.c's trap_msr_mrs,
// conceal_id_aa64pfr0_el1 and conceal_id_aa64mmfr0_el1, and sys_reg.h's
// sys_reg_encode layout (reused verbatim as aarch64.EncodeSysReg).
package sysreg

import (
	"fmt"

	"example.com/ahv/internal/arch/aarch64"
	"example.com/ahv/internal/trap"
)

// Fields, decoded from ESR_EL2.ISS for EC == MSR/MRS, matching
// trap_msr_mrs's bit positions exactly.
type decoded struct {
	op0, op1, op2, crn, crm uint8
	rt                      uint
	write                   bool
}

func decode(iss uint32) decoded {
	return decoded{
		op0:   uint8((iss >> 20) & 0x3),
		op2:   uint8((iss >> 17) & 0x7),
		op1:   uint8((iss >> 14) & 0x7),
		crn:   uint8((iss >> 10) & 0xF),
		rt:    uint((iss >> 5) & 0x1F),
		crm:   uint8((iss >> 1) & 0xF),
		write: iss&0x1 == 0,
	}
}

// idFeatureRegEncode is ID_FEATURE_REG_ENCODE: the op0/op1/crn=0/crm=0/
// op2=0 key trap_msr_mrs tests with crm and op2 zeroed out, since it only
// uses the result to recognize "this falls in the ID-register block",
// then dispatches on the real crm/op2 itself.
var idFeatureRegEncode = aarch64.EncodeSysReg(3, 0, 0, 0, 0)

// Interposer is component G.
type Interposer struct {
	// GICSGI forwards a trapped SGI/ASGI register access to the real
	// GIC CPU interface, component I's concern. val points at the
	// trapped general register's value: the source on a write, the
	// destination on a read; the error return matches
	// gic_sgi_handle/gic_asgi_handle's error return.
	GICSGI func(which int, val *uint64, write bool) error
}

// which values passed to GICSGI, mirroring gic_sgi_handle(0, ...),
// gic_sgi_handle(1, ...) and gic_asgi_handle's implicit third form.
const (
	SGI0 = iota
	SGI1
	ASGI1
)

// Handle decodes and services one trapped MSR/MRS instruction. The
// caller (the trap dispatcher) advances PC on a nil return.
func (g *Interposer) Handle(f *trap.Frame, iss uint32) error {
	d := decode(iss)

	if aarch64.EncodeSysReg(d.op0, d.op1, d.crn, 0, 0) == idFeatureRegEncode {
		return g.handleIDRegister(f, d)
	}

	enc := aarch64.EncodeSysReg(d.op0, d.op1, d.crn, d.crm, d.op2)
	switch enc {
	case aarch64.EncICCSGI0REL1:
		return g.forwardSGI(f, d, SGI0)
	case aarch64.EncICCSGI1REL1:
		return g.forwardSGI(f, d, SGI1)
	case aarch64.EncICCASGI1REL1:
		return g.forwardSGI(f, d, ASGI1)
	default:
		return fmt.Errorf("sysreg: unhandled %d_%d_%d_%d_%d wr=%v", d.op0, d.op1, d.crn, d.crm, d.op2, d.write)
	}
}

func (g *Interposer) forwardSGI(f *trap.Frame, d decoded, which int) error {
	if g.GICSGI == nil {
		return fmt.Errorf("sysreg: SGI register trapped with no GIC forwarder installed")
	}
	val := f.GPR(int(d.rt))
	if err := g.GICSGI(which, &val, d.write); err != nil {
		return err
	}
	if !d.write {
		f.SetGPR(int(d.rt), val)
	}
	return nil
}

func (g *Interposer) handleIDRegister(f *trap.Frame, d decoded) error {
	if d.write {
		// ID registers are read-only; a write is silently swallowed,
		// matching trap_msr_mrs's "if (wr) goto end" (error stays 0).
		return nil
	}

	var val uint64
	switch d.crm {
	case 0:
		switch d.op2 {
		case 0:
			val = aarch64.MIDR()
		case 5:
			val = aarch64.MPIDR()
		case 6:
			val = aarch64.REVIDR()
		}
	case 1, 2, 3:
		val = 0 // AArch32-related registers concealed entirely
	case 4:
		switch d.op2 {
		case 0:
			val = concealIDAA64PFR0()
		case 1:
			val = aarch64.IDAA64PFR1()
		case 4:
			val = aarch64.IDAA64ZFR0()
		}
	case 5:
		switch d.op2 {
		case 0:
			val = aarch64.IDAA64DFR0()
		case 1:
			val = aarch64.IDAA64DFR1()
		case 4:
			val = aarch64.IDAA64AFR0()
		case 5:
			val = aarch64.IDAA64AFR1()
		}
	case 6:
		switch d.op2 {
		case 0:
			val = aarch64.IDAA64ISAR0()
		case 1:
			val = aarch64.IDAA64ISAR1()
		case 2:
			val = aarch64.IDAA64ISAR2()
		}
	case 7:
		switch d.op2 {
		case 0:
			val = concealIDAA64MMFR0()
		case 1:
			val = aarch64.IDAA64MMFR1()
		case 2:
			val = aarch64.IDAA64MMFR2()
		}
	default:
		val = 0
	}
	f.SetGPR(int(d.rt), val)
	return nil
}

// ID_AA64PFR0_EL1 field layout, matching arm_std_regs.h.
const (
	idAA64PFR0AA64Only = 0x1
	idAA64PFR0AA64AA32 = 0x2
)

// concealIDAA64PFR0 clamps every ELx AArch32-support field to
// AArch64-only, verbatim conceal_id_aa64pfr0_el1.
func concealIDAA64PFR0() uint64 {
	val := aarch64.IDAA64PFR0()
	el0 := uint64(idAA64PFR0AA64Only)
	el1 := uint64(idAA64PFR0AA64Only)
	el2 := uint64(idAA64PFR0AA64Only)
	el3 := (val >> 12) & 0xF
	if el3 == idAA64PFR0AA64AA32 {
		el3 = idAA64PFR0AA64Only
	}
	return (val &^ 0xFFFF) | (el3 << 12) | (el2 << 8) | (el1 << 4) | el0
}

// ID_AA64MMFR0_EL1 field layout, matching arm_std_regs.h.
const (
	idAA64MMFR0PA48            = 0x5
	idAA64MMFR0TG16Support     = 0x1
	idAA64MMFR0TG16Support52   = 0x2
	idAA64MMFR0TG4Support      = 0x0
	idAA64MMFR0TG4Support52    = 0x1
	idAA64MMFR0TG16_2Support   = 0x2
	idAA64MMFR0TG16_2Support52 = 0x3
	idAA64MMFR0TG4_2Support    = 0x2
	idAA64MMFR0TG4_2Support52  = 0x3
)

// concealIDAA64MMFR0 clamps the PA size to 48 bits and every translation
// granule field's 52-bit variant down to its 48-bit one, verbatim
// conceal_id_aa64mmfr0_el1.
func concealIDAA64MMFR0() uint64 {
	val := aarch64.IDAA64MMFR0()

	pa := val & 0xF
	if pa > idAA64MMFR0PA48 {
		pa = idAA64MMFR0PA48
	}
	tg16 := (val >> 20) & 0xF
	if tg16 == idAA64MMFR0TG16Support52 {
		tg16 = idAA64MMFR0TG16Support
	}
	tg4 := (val >> 28) & 0xF
	if tg4 == idAA64MMFR0TG4Support52 {
		tg4 = idAA64MMFR0TG4Support
	}
	tg16_2 := (val >> 32) & 0xF
	if tg16_2 == idAA64MMFR0TG16_2Support52 {
		tg16_2 = idAA64MMFR0TG16_2Support
	}
	tg4_2 := (val >> 40) & 0xF
	if tg4_2 == idAA64MMFR0TG4_2Support52 {
		tg4_2 = idAA64MMFR0TG4_2Support
	}

	mask := uint64(0xF)<<0 | uint64(0xF)<<20 | uint64(0xF)<<28 | uint64(0xF)<<32 | uint64(0xF)<<40
	return (val &^ mask) | pa<<0 | tg16<<20 | tg4<<28 | tg16_2<<32 | tg4_2<<40
}
