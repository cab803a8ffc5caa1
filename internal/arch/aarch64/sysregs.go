package aarch64

// EncodeSysReg packs the five MSR/MRS operand fields (op0, op1, crn, crm,
// op2) into the 16-bit encoding the architecture uses internally for
// trapped system-register accesses, following the same bit layout as the
// reference implementation's sys_reg_encode() macro:
//
//	op0[1:0] | op1[2:0]<<2 | crn[3:0]<<5 | crm[3:0]<<9 | op2[2:0]<<13
func EncodeSysReg(op0, op1, crn, crm, op2 uint8) uint32 {
	return uint32(op0&0x3) |
		uint32(op1&0x7)<<2 |
		uint32(crn&0xF)<<5 |
		uint32(crm&0xF)<<9 |
		uint32(op2&0x7)<<13
}

// Known encodings for the registers the sysreg interposer (component G)
// and trap dispatcher (component F) care about, precomputed with
// EncodeSysReg so ESR_EL2.ISS values can be compared directly against a
// constant rather than recomputed on every trap.
var (
	EncIDAA64PFR0EL1  = EncodeSysReg(3, 0, 0, 4, 0)
	EncIDAA64MMFR0EL1 = EncodeSysReg(3, 0, 0, 7, 0)
	EncICCSGI0REL1    = EncodeSysReg(3, 0, 12, 11, 7)
	EncICCSGI1REL1    = EncodeSysReg(3, 0, 12, 11, 5)
	EncICCASGI1REL1   = EncodeSysReg(3, 0, 12, 11, 6)
)

// MPIDR returns the raw value of MPIDR_EL1.
func MPIDR() uint64 { return readMPIDREL1() }

// HCR reads HCR_EL2, the hypervisor configuration register whose fields
// (VM, FMO, IMO, TSC, RW, E2H, APK, API, TID3, TGE) gate every trap class
// the dispatcher sees.
func HCR() uint64 { return readHCREL2() }

// SetHCR writes HCR_EL2.
func SetHCR(v uint64) { writeHCREL2(v) }

// HCR_EL2 field bits relevant to this core, named the way vm.c composes
// them for vm_start.
const (
	HCRVM   = 1 << 0  // stage-2 translation enable
	HCRFMO  = 1 << 3  // virtual FIQ enable (routes physical FIQ to EL2)
	HCRIMO  = 1 << 4  // virtual IRQ enable (routes physical IRQ to EL2)
	HCRTSC  = 1 << 19 // trap SMC to EL2
	HCRRW   = 1 << 31 // guest EL1 is AArch64
	HCRTGE  = 1 << 27 // trap general exceptions to EL2 (process-fault path)
	HCRE2H  = 1 << 34 // VHE: EL2 host mode
	HCRAPK  = 1 << 40 // don't trap pointer-auth key registers
	HCRAPI  = 1 << 41 // don't trap pointer-auth instructions
	HCRTID3 = 1 << 18 // trap ID-group-3 register reads (handled by sysreg interposer)
)

// HCRGuestFlags is the HCR_EL2 value vm_start and vm_start_at both program
// before dropping into the guest. Deliberately excludes HCRTGE: with VHE
// (E2H) set and TGE clear, EL1/EL0 exceptions route to the guest's own
// vectors rather than unconditionally trapping to EL2.
const HCRGuestFlags = HCRVM | HCRFMO | HCRIMO | HCRTSC | HCRRW | HCRE2H | HCRAPK | HCRAPI | HCRTID3

func ESR() uint64     { return readESREL2() }
func ELR() uint64     { return readELREL2() }
func SetELR(v uint64) { writeELREL2(v) }
func SPSR() uint64    { return readSPSREL2() }
func SetSPSR(v uint64) { writeSPSREL2(v) }
func FAR() uint64     { return readFAREL2() }

// SPEL1 and SetSPEL1 access the guest EL1 stack pointer live rather than
// through the saved trap frame: EL2 never needs to bank it itself, so
// the real value is always current, the same assumption
// acc_emu.c's vaddr_from_rn makes by calling mrs(SP_EL1) directly.
func SPEL1() uint64     { return readSPEL1() }
func SetSPEL1(v uint64) { writeSPEL1(v) }

// SPSR_EL2 EL1h mode bits, written by vm_start before eret.
const SPSREL1h uint64 = 0x3c5

// SPSREL1hModeField is just the mode-field bits of EL1h (M[3:0]), the value
// vm_start ORs into the firmware's captured SPSR_EL2 after masking out its
// low nibble, and vm_start_at writes outright on the secondary-core path
// (which has no captured firmware SPSR to preserve the DAIF bits of).
const SPSREL1hModeField uint64 = 0x5

// SCTLREL1GuestDefault is the SCTLR_EL12 value vm_start composes: MMU,
// D-cache and I-cache on, SP alignment checked at EL1 and EL0, exception
// entry/exit are context-synchronization events, WFI/WFE untrapped, PAN
// unchanged across exception entry.
const SCTLREL1GuestDefault = SCTLRM | SCTLRC | SCTLRSA | SCTLRSA0 | SCTLREOS |
	SCTLRI | SCTLRnTWI | SCTLRnTWE | SCTLREIS | SCTLRSPAN

// TPIDR returns the per-CPU context anchor register, TPIDR_EL2, the
// "register that the CPU switches automatically on trap entry" spec.md
// section 4.A describes current_cpu() as reading.
func TPIDR() uint64     { return readTPIDREL2() }
func SetTPIDR(v uint64) { writeTPIDREL2(v) }

func VBAR() uint64     { return readVBAREL2() }
func SetVBAR(v uint64) { writeVBAREL2(v) }

func SCTLR1() uint64      { return readSCTLREL1() }
func SetSCTLR1(v uint64)  { writeSCTLREL1(v) }
func TCR1() uint64        { return readTCREL1() }
func SetTCR1(v uint64)    { writeTCREL1(v) }
func TTBR0EL1() uint64    { return readTTBR0EL1() }
func SetTTBR0EL1(v uint64) { writeTTBR0EL1(v) }
func MAIR1() uint64       { return readMAIREL1() }
func SetMAIR1(v uint64)   { writeMAIREL1(v) }
func ESR1() uint64        { return readESREL1() }
func SetESR1(v uint64)    { writeESREL1(v) }
func SetFAR1(v uint64)    { writeFAREL1(v) }
func CPACR1() uint64      { return readCPACREL1() }
func SetCPACR1(v uint64)  { writeCPACREL1(v) }

// TPIDREL1 and VBAREL1 are the guest's own banked registers (distinct from
// TPIDR()/VBAR(), which are the hypervisor's EL2 copies), written by
// vm_start's msr(TPIDR_EL1, ...) / msr(VBAR_EL12, ...) under VHE redirect.
func TPIDREL1() uint64     { return readTPIDREL1() }
func SetTPIDREL1(v uint64) { writeTPIDREL1(v) }
func VBAREL1() uint64      { return readVBAREL1() }
func SetVBAREL1(v uint64)  { writeVBAREL1(v) }

// SCTLR_EL1 bits vm_start composes for the guest's initial SCTLR_EL12,
// named from arm_std_regs.h.
const (
	SCTLRM    = 1 << 0  // MMU enable
	SCTLRC    = 1 << 2  // data cache enable
	SCTLRSA   = 1 << 3  // SP alignment check, EL1
	SCTLRSA0  = 1 << 4  // SP alignment check, EL0
	SCTLREOS  = 1 << 11 // exception exit is a context synchronization event
	SCTLRI    = 1 << 12 // instruction cache enable
	SCTLRnTWI = 1 << 16 // WFI is not trapped
	SCTLRnTWE = 1 << 18 // WFE is not trapped
	SCTLREIS  = 1 << 22 // exception entry is a context synchronization event
	SCTLRSPAN = 1 << 23 // PSTATE.PAN unchanged on exception entry to EL1
)

// CPACR_EL1 (CPTR_EL1 when HCR_EL2.E2H=1) trap-control fields, named from
// arm_std_regs.h's CPTR_ZEN/CPTR_FPEN/CPTR_SMEN macros. A field value of 3
// ("don't trap") leaves SVE, FP/SIMD and SME fully accessible to the guest.
func CPACRZen(v uint64) uint64  { return (v & 0x3) << 16 }
func CPACRFPEn(v uint64) uint64 { return (v & 0x3) << 20 }
func CPACRSMEn(v uint64) uint64 { return (v & 0x3) << 24 }

const cpacrTrapNone = 0x3

// CPACREL1GuestDefault is the CPACR_EL12 value vm_start writes: SVE, FP/SIMD
// and SME all left untrapped.
var CPACREL1GuestDefault = CPACRZen(cpacrTrapNone) | CPACRFPEn(cpacrTrapNone) | CPACRSMEn(cpacrTrapNone)

// tcrField describes one bitfield move from a UEFI-EL2 TCR_EL2 layout
// (shift within the firmware's captured register) to the corresponding
// TCR_EL1 bit position the guest observes, following vm_start's inline
// register surgery.
type tcrField struct {
	mask     uint64
	el2Shift int
	el1Shift int
}

var tcrFields = []tcrField{
	{0x7, 16, 32},  // PS -> IPS
	{0x1, 20, 37},  // TBI -> TBI0
	{0x1, 21, 39},  // HA
	{0x1, 22, 40},  // HB
	{0x1, 24, 41},  // HPD
	{0xF, 25, 43},  // HWU
	{0x1, 29, 51},  // TBID
	{0x1, 30, 57},  // TCMA
	{0x1, 32, 59},  // DS
}

// TranslateTCR derives a guest TCR_EL1 value from the firmware's EL2-mode
// TCR_EL2 snapshot: the low 16 bits (T0SZ, EPD0, IRGN0, ORGN0, SH0, TG0, ...)
// carry over unchanged, and the remaining fields vm_start moves are applied
// from tcrFields.
func TranslateTCR(origTCR uint64) uint64 {
	val := origTCR & 0xFFFF
	for _, f := range tcrFields {
		val |= ((origTCR >> uint(f.el2Shift)) & f.mask) << uint(f.el1Shift)
	}
	return val
}

// IDAA64PFR0 and IDAA64MMFR0 return the real CPU's ID-register values,
// before the sysreg interposer's concealment clamp is applied.
func IDAA64PFR0() uint64  { return readIDAA64PFR0EL1() }
func IDAA64MMFR0() uint64 { return readIDAA64MMFR0EL1() }

func MIDR() uint64        { return readMIDREL1() }
func REVIDR() uint64      { return readREVIDREL1() }
func IDAA64PFR1() uint64  { return readIDAA64PFR1EL1() }
func IDAA64ZFR0() uint64  { return readIDAA64ZFR0EL1() }
func IDAA64DFR0() uint64  { return readIDAA64DFR0EL1() }
func IDAA64DFR1() uint64  { return readIDAA64DFR1EL1() }
func IDAA64AFR0() uint64  { return readIDAA64AFR0EL1() }
func IDAA64AFR1() uint64  { return readIDAA64AFR1EL1() }
func IDAA64ISAR0() uint64 { return readIDAA64ISAR0EL1() }
func IDAA64ISAR1() uint64 { return readIDAA64ISAR1EL1() }
func IDAA64ISAR2() uint64 { return readIDAA64ISAR2EL1() }
func IDAA64MMFR1() uint64 { return readIDAA64MMFR1EL1() }
func IDAA64MMFR2() uint64 { return readIDAA64MMFR2EL1() }

func CNTHCTL() uint64     { return readCNTHCTLEL2() }
func SetCNTHCTL(v uint64) { writeCNTHCTLEL2(v) }

func ICCSRE() uint64     { return readICCSREEL2() }
func SetICCSRE(v uint64) { writeICCSREEL2(v) }
func ICHVTR() uint64     { return readICHVTREL2() }
func ICHHCR() uint64     { return readICHHCREL2() }
func SetICHHCR(v uint64) { writeICHHCREL2(v) }
func ICHMISR() uint64    { return readICHMISREL2() }

// GIC CPU interface (EL1) accessors the virtual GIC's bring-up and
// interrupt-acknowledge path uses directly, mirroring gic.c's mrs/msr
// calls on GIC_ICC_*_EL1.
func ICCPMR() uint64        { return readICCPMREL1() }
func SetICCPMR(v uint64)    { writeICCPMREL1(v) }
func ICCBPR0() uint64       { return readICCBPR0EL1() }
func SetICCBPR0(v uint64)   { writeICCBPR0EL1(v) }
func ICCBPR1() uint64       { return readICCBPR1EL1() }
func SetICCBPR1(v uint64)   { writeICCBPR1EL1(v) }
func ICCCTLR() uint64       { return readICCCTLREL1() }
func SetICCCTLR(v uint64)   { writeICCCTLREL1(v) }
func ICCIGRPEN0() uint64    { return readICCIGRPEN0EL1() }
func SetICCIGRPEN0(v uint64) { writeICCIGRPEN0EL1(v) }
func ICCIGRPEN1() uint64    { return readICCIGRPEN1EL1() }
func SetICCIGRPEN1(v uint64) { writeICCIGRPEN1EL1(v) }
func ICCIAR0() uint64       { return readICCIAR0EL1() }
func ICCIAR1() uint64       { return readICCIAR1EL1() }
func SetICCEOIR0(v uint64)  { writeICCEOIR0EL1(v) }
func SetICCEOIR1(v uint64)  { writeICCEOIR1EL1(v) }
func SetICCDIR(v uint64)    { writeICCDIREL1(v) }
func ICCRPR() uint64        { return readICCRPREL1() }
func ICHVMCR() uint64       { return readICHVMCREL2() }
func SetICHVMCR(v uint64)   { writeICHVMCREL2(v) }

// SGI-generation registers, written by the SGI/ASGI forwarding path when
// a guest's trapped ICC_SGI*R_EL1 write is passed through to hardware.
func SetICCSGI0R(v uint64)  { writeICCSGI0REL1(v) }
func SetICCSGI1R(v uint64)  { writeICCSGI1REL1(v) }
func SetICCASGI1R(v uint64) { writeICCASGI1REL1(v) }

// ICC_CTLR_EL1.EOImode, switching EOIR writes to priority-drop-only so the
// hypervisor retains the deactivate step via ICC_DIR_EL1.
const ICCCTLREOIMode = 1 << 1

// ICH_HCR_EL2.En, enabling the virtual CPU interface.
const ICHHCREn = 1 << 0

// ICC_SRE_EL2.SRE, selecting the system-register GIC interface over the
// legacy MMIO one.
const ICCSRESysRegEnable = 1 << 0

// ICH_VTR_EL2 list-register-count field.
const (
	ICHVTRShift = 0
	ICHVTRMask  = 0x1F
)
