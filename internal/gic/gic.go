// Package gic implements component I, the virtual GIC and ITS shadow:
// per-CPU list-register management for injected virtual interrupts, the
// physical IRQ/FIQ short handlers that acknowledge, prioritize and either
// inject or deactivate a physical interrupt, one-time virtual-GIC bring-up
// on the BSP and every secondary core, and (in its.go) the ITS command-ring
// shadow.
//
// Grounded on original_source/core/aarch64/gic.c: enqueue_lr, dequeue_lr,
// set_lr, try_inject_vint, gic_handle_fiq, gic_handle_irq,
// gic_setup_virtual_gic, gic_sgi_handle, gic_asgi_handle. List-register
// access and ICC_* system registers are already wrapped in package aarch64
// (ReadListRegister/WriteListRegister/EmptyListRegisters and the ICC/ICH
// accessors added alongside this package).
package gic

import (
	"fmt"
	"log"

	"example.com/ahv/internal/arch/aarch64"
	"example.com/ahv/internal/pcpu"
	"example.com/ahv/internal/trap"
)

// Reserved special INTIDs the handler ignores outright, matching gic.c's
// INTR_RSVD_NUM_1020..INTR_RSVD_NUM_1024.
const (
	intrRsvdNum1020   = 1020
	intrRsvdNum1024   = 1024
	intrMaintenanceNum = 25
)

// ICH_LR_* field packers, matching gic_regs.h's ICH_LR_VINTID/PINTID/
// PRIORITY/GROUP/HW/STATE bit layout (the vINTID and pINTID fields carry
// the same value since this core never remaps an injected INTID).
const (
	lrVINTIDShift   = 0
	lrPINTIDShift   = 32
	lrPriorityShift = 48
	lrGroupShift    = 60
	lrHW            = 1 << 61
	lrStateShift    = 62

	lrStatePending = 1
)

func lrValue(intid uint64, priority uint64, group uint64) uint64 {
	return (intid << lrVINTIDShift) |
		(intid << lrPINTIDShift) |
		((priority & 0xFF) << lrPriorityShift) |
		((group & 0x1) << lrGroupShift) |
		lrHW |
		(uint64(lrStatePending) << lrStateShift)
}

// PassThrough resolves a physical INTID to the pass-through driver index
// that owns it, mirroring exint_pass_intr_call: a non-negative result
// means the interrupt belongs to a device passed through to the guest and
// should be injected as a virtual interrupt; -1 means the hypervisor owns
// it directly and it is simply deactivated.
type PassThrough interface {
	IntrCall(intid uint32) int
}

// Interposer is component I's physical-interrupt and vGIC-bring-up half;
// the ITS shadow lives in its.go's Shadow type.
type Interposer struct {
	PassThrough PassThrough
	Logger      *log.Logger

	// savedICC is the BSP's "initial ICC" snapshot (init_icc in the
	// reference), copied once on CPU 0 and replayed verbatim on every
	// secondary core's bring-up.
	savedICC initICC
	saved    bool
}

type initICC struct {
	bpr0, bpr1, ctlr, pmr, sre, ichHCR, ichVMCR uint64
}

// New returns an Interposer forwarding pass-through lookups to pt.
func New(pt PassThrough) *Interposer {
	return &Interposer{PassThrough: pt, Logger: log.Default()}
}

func (g *Interposer) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}

// enqueueLR pops a free slot (or allocates one) from cpu's free-list, sets
// its value, and pushes it on the pending-list. Mirrors enqueue_lr.
func enqueueLR(cpu *pcpu.Context, val uint64) {
	s := cpu.IntFreelist
	if s != nil {
		cpu.IntFreelist = s.Next
	} else {
		s = &pcpu.IntSlot{}
	}
	s.Value = val
	s.Next = cpu.IntPending
	cpu.IntPending = s
}

// dequeueLR pops one slot off cpu's pending-list, returning its value, and
// recycles the slot onto the free-list. Mirrors dequeue_lr.
func dequeueLR(cpu *pcpu.Context) (val uint64, ok bool) {
	s := cpu.IntPending
	if s == nil {
		return 0, false
	}
	cpu.IntPending = s.Next
	val = s.Value
	s.Next = cpu.IntFreelist
	cpu.IntFreelist = s
	return val, true
}

// tryInjectVint enqueues a pending-state list-register value for intid and
// immediately drains as many pending slots as there are empty physical
// list registers, mirroring try_inject_vint exactly (vINTID == pINTID:
// this core never remaps an injected interrupt's number).
func tryInjectVint(cpu *pcpu.Context, intid, runningPriority uint64, group uint64) {
	enqueueLR(cpu, lrValue(intid, runningPriority, group))
	drainPendingToListRegisters(cpu)
}

// drainPendingToListRegisters writes pending slots into every empty list
// register ELRSR reports, stopping when either runs out. Called after
// every EOIR write whenever ELRSR shows an empty slot (gic.c's comment on
// the state machine), and right after enqueueing a freshly injected
// interrupt.
func drainPendingToListRegisters(cpu *pcpu.Context) {
	elrsr := aarch64.EmptyListRegisters()
	for i := 0; elrsr != 0 && i < cpu.MaxIntSlot; i++ {
		if elrsr&0x1 != 0 {
			val, ok := dequeueLR(cpu)
			if !ok {
				break
			}
			aarch64.WriteListRegister(i, val)
		}
		elrsr >>= 1
	}
}

// handleMint is the maintenance-interrupt stub: the reference doesn't
// implement it yet either, and this core's Open Question decision is to
// mask it entirely rather than guess at a policy (see DESIGN.md).
func (g *Interposer) handleMint(intid uint32) {
	g.logger().Printf("gic: maintenance interrupt %d ignored (unhandled)", intid)
}

// HandleFIQ is the physical FIQ short handler (group 0), registered with
// trap.Dispatcher.SetFIQHandler. It acknowledges via ICC_IAR0, drops
// priority via ICC_EOIR0, and either injects a virtual interrupt for a
// pass-through device or deactivates directly. Mirrors gic_handle_fiq.
func (g *Interposer) HandleFIQ(f *trap.Frame) {
	g.handleGroup(aarch64.ICCIAR0(), aarch64.SetICCEOIR0, 0)
}

// HandleIRQ is the physical IRQ short handler (group 1), registered with
// trap.Dispatcher.SetIRQHandler. Mirrors gic_handle_irq.
func (g *Interposer) HandleIRQ(f *trap.Frame) {
	g.handleGroup(aarch64.ICCIAR1(), aarch64.SetICCEOIR1, 1)
}

func (g *Interposer) handleGroup(iar uint64, eoir func(uint64), group uint64) {
	const iccIARMask = 0xFFFFFF
	intid := iar & iccIARMask
	rpr := aarch64.ICCRPR()

	if intid >= intrRsvdNum1020 && intid <= intrRsvdNum1024 {
		return
	}

	num := -1
	if g.PassThrough != nil {
		num = g.PassThrough.IntrCall(uint32(intid))
	}

	eoir(intid)
	aarch64.InstructionBarrier()

	cpu := pcpu.Current()
	if intid == intrMaintenanceNum {
		g.handleMint(uint32(intid))
		aarch64.SetICCDIR(intid)
		drainPendingToListRegisters(cpu)
		return
	}

	if num != -1 {
		tryInjectVint(cpu, intid, rpr, group)
	} else {
		aarch64.SetICCDIR(intid)
		drainPendingToListRegisters(cpu)
	}
}

// which values accepted by SGIHandle, matching sysreg.SGI0/SGI1/ASGI1
// (package sysreg owns the canonical constants; gic only needs to agree
// on the numbering, not import sysreg, to avoid a cycle).
const (
	sgi0  = 0
	sgi1  = 1
	asgi1 = 2
)

// SGIHandle forwards a trapped SGI/ASGI register access to the real GIC
// CPU interface. Installed as sysreg.Interposer.GICSGI. Mirrors
// gic_sgi_handle and gic_asgi_handle: a read always yields zero (these
// are write-only generation registers), a write issues the real MSR.
func (g *Interposer) SGIHandle(which int, val *uint64, write bool) error {
	if !write {
		*val = 0
		return nil
	}
	switch which {
	case sgi0:
		aarch64.SetICCSGI0R(*val)
	case sgi1:
		aarch64.SetICCSGI1R(*val)
	case asgi1:
		aarch64.SetICCASGI1R(*val)
	default:
		return fmt.Errorf("gic: unknown SGI group %d", which)
	}
	return nil
}

// SetupVirtualGIC brings up this CPU's vGIC CPU interface: it reads the
// implemented list-register count from ICH_VTR_EL2, clears every list
// register (their value is architecturally unknown on warm reset), and
// either captures the "initial ICC" snapshot (bsp == true, CPU 0) or
// replays a previously captured one (every secondary). Mirrors
// gic_setup_virtual_gic.
func (g *Interposer) SetupVirtualGIC(cpu *pcpu.Context, bsp bool) {
	maxSlot := int((aarch64.ICHVTR()>>aarch64.ICHVTRShift)&aarch64.ICHVTRMask) + 1
	if maxSlot > 16 {
		maxSlot = 16
	}
	cpu.MaxIntSlot = maxSlot

	for i := 0; i < maxSlot; i++ {
		aarch64.WriteListRegister(i, 0)
	}

	if bsp {
		g.captureInitICC()
	} else {
		g.replayInitICC()
	}
}

func (g *Interposer) captureInitICC() {
	aarch64.SetICHHCR(aarch64.ICHHCREn)
	aarch64.SetICHVMCR(composeVMCR())
	aarch64.SetICCCTLR(aarch64.ICCCTLR() | aarch64.ICCCTLREOIMode)
	aarch64.SetICCIGRPEN0(0x1)
	aarch64.SetICCIGRPEN1(0x1)
	aarch64.SetICCSRE(aarch64.ICCSRE() | aarch64.ICCSRESysRegEnable)

	g.savedICC = initICC{
		bpr0:    aarch64.ICCBPR0(),
		bpr1:    aarch64.ICCBPR1(),
		ctlr:    aarch64.ICCCTLR(),
		pmr:     aarch64.ICCPMR(),
		sre:     aarch64.ICCSRE(),
		ichHCR:  aarch64.ICHHCR(),
		ichVMCR: aarch64.ICHVMCR(),
	}
	g.saved = true
}

func (g *Interposer) replayInitICC() {
	if !g.saved {
		g.logger().Print("gic: secondary bring-up before BSP captured initial ICC state")
		return
	}
	aarch64.SetICCBPR0(g.savedICC.bpr0)
	aarch64.SetICCBPR1(g.savedICC.bpr1)
	aarch64.SetICCCTLR(g.savedICC.ctlr)
	aarch64.SetICCPMR(g.savedICC.pmr)
	aarch64.SetICCSRE(g.savedICC.sre)
	aarch64.SetICHHCR(g.savedICC.ichHCR)
	aarch64.SetICHVMCR(g.savedICC.ichVMCR)
	aarch64.SetICCIGRPEN0(0x1)
	aarch64.SetICCIGRPEN1(0x1)
}

// ICH_VMCR_EL2 field packers, matching gic_regs.h's ICH_VMCR_V*  macros.
const (
	ichVMCRVPMRShift    = 24
	ichVMCRVBPR0Shift   = 18
	ichVMCRVBPR1Shift   = 21
	ichVMCRVEOIM        = 1 << 9
	ichVMCRVCBPR        = 1 << 4
	ichVMCRVFIQEn       = 1 << 3
	ichVMCRVENG1        = 1 << 1
	ichVMCRVENG0        = 1 << 0
	iccCTLREOIModeShift = 1
	iccCTLRCBPRShift    = 0
)

// composeVMCR copies the firmware's current ICC_* state into an
// ICH_VMCR_EL2 value, mirroring gic_setup_virtual_gic's vmcr assembly
// (the "-val is masking trick" lines translate to a plain boolean branch
// here).
func composeVMCR() uint64 {
	vmcr := uint64(0)
	vmcr |= (aarch64.ICCPMR() & 0xFF) << ichVMCRVPMRShift
	vmcr |= (aarch64.ICCBPR0() & 0x7) << ichVMCRVBPR0Shift
	vmcr |= (aarch64.ICCBPR1() & 0x7) << ichVMCRVBPR1Shift
	if (aarch64.ICCCTLR()>>iccCTLREOIModeShift)&0x1 != 0 {
		vmcr |= ichVMCRVEOIM
	}
	if (aarch64.ICCCTLR()>>iccCTLRCBPRShift)&0x1 != 0 {
		vmcr |= ichVMCRVCBPR
	}
	vmcr |= ichVMCRVFIQEn
	if aarch64.ICCIGRPEN1()&0x1 != 0 {
		vmcr |= ichVMCRVENG1
	}
	if aarch64.ICCIGRPEN0()&0x1 != 0 {
		vmcr |= ichVMCRVENG0
	}
	return vmcr
}
