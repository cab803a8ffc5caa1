// Package psci implements component H, the SMC interposer. Every SMC
// trap is routed here; only PSCI CPU_ON is actually intercepted, every
// other SMC #0 call is forwarded to real firmware unchanged and its
// result copied back into the guest's registers. An SMC with a nonzero
// immediate is not forwarded: the guest gets PSCI_ERR_NOT_SUPPORTED.
//
// Grounded on original_source/core/aarch64/smc.c (smc_call_hook,
// smc_std_handle, handle_psci_cpu_on, struct entry_data) and psci.h's
// PSCI_CPU_ON_32BIT/64BIT/PSCI_ERR_* constants.
package psci

import (
	"log"

	"example.com/ahv/internal/arch/aarch64"
	"example.com/ahv/internal/trap"
)

// PSCI function identifiers relevant to this interposer, built the way
// psci.h composes HC_FAST_SM_{32,64}BIT | HC_FUNC_ID(n).
const (
	hcFuncFastcall = 1 << 31
	hcFunc64Bit    = 1 << 30
	hcFuncServSM   = 4 << 24 // HC_FUNC_SM == 4, shifted by BITFIELD(v,0x3F,24); see below
)

// hcFastSM is HC_FAST_SM: fastcall | service(HC_FUNC_SM). HC_FUNC_SM is 4
// in the reference enum (ARM, CPU, SiP, OEM, SM, HV, VEN_H).
const hcFastSM = hcFuncFastcall | (4 << 24)

const (
	psciCPUOn32 = hcFastSM | 0x3
	psciCPUOn64 = hcFastSM | hcFunc64Bit | 0x3
)

const psciErrNotSupported = -1

// StackAllocator supplies the stack a newly-started secondary core boots
// on, the heap-allocator external interface spec.md section 6 lists as
// alloc(size).
type StackAllocator interface {
	AllocStack(size int) []byte
}

// vmmStackSize is the secondary-core bring-up stack size; the reference
// project's VMM_STACKSIZE is defined outside the files this core's
// design was distilled from, so this is a reasonable fixed default
// rather than a transcribed constant.
const vmmStackSize = 16 * 1024

// Interposer is component H.
type Interposer struct {
	// Alloc backs handleCPUOn's stack allocation.
	Alloc StackAllocator

	// CurrentVM returns the opaque VM context handle to stash in the
	// entry-data block, vm_get_current_ctx() in the reference. Typed as
	// interface{} (component J's concrete type) to avoid an import
	// cycle, the same device pcpu.TrapFrame uses for trap.Frame.
	CurrentVM func() interface{}

	// SecondaryEntry is the physical address of the hypervisor's own
	// secondary-CPU entry trampoline (sym_to_phys(entry_secondary)),
	// substituted for the guest's requested firmware entry so the
	// hypervisor regains control before the guest does.
	SecondaryEntry uint64

	// PABase and VABase are this hypervisor image's physical and
	// virtual load bases (vmm_mem_start_phys/vmm_mem_start_virt),
	// threaded through entryData for the trampoline to rebase itself.
	PABase, VABase uint64

	// call issues the real SMC instruction; overridable in tests.
	// Defaults to aarch64.SMCCall.
	call func(args *[8]uint64)
}

func New(alloc StackAllocator, currentVM func() interface{}, secondaryEntry, paBase, vaBase uint64) *Interposer {
	return &Interposer{
		Alloc:          alloc,
		CurrentVM:      currentVM,
		SecondaryEntry: secondaryEntry,
		PABase:         paBase,
		VABase:         vaBase,
	}
}

func (h *Interposer) doCall(args *[8]uint64) {
	if h.call != nil {
		h.call(args)
		return
	}
	aarch64.SMCCall(args)
}

// Handle services one trapped SMC instruction. smc_call_hook in the
// reference always returns 0 regardless of what smcNum turns out to be,
// so the dispatcher always skips past the instruction; the interposer
// only logs and synthesizes PSCI_ERR_NOT_SUPPORTED for an smcNum other
// than the standard 0, matching "all reserved per the SMC call
// convention" from the original comment.
func (h *Interposer) Handle(f *trap.Frame, smcNum uint32) (skip bool, err error) {
	switch smcNum {
	case 0:
		h.stdHandle(f)
	default:
		f.SetGPR(0, uint64(int64(psciErrNotSupported)))
		log.Printf("psci: ignoring SMC call %d", smcNum)
	}
	return true, nil
}

func (h *Interposer) stdHandle(f *trap.Frame) {
	funcID := uint32(f.GPR(0))
	switch funcID {
	case psciCPUOn32, psciCPUOn64:
		h.handleCPUOn(f)
	default:
		h.passthrough(f)
	}
}

// entryData is the block handed to the secondary core's entry
// trampoline through the SMC's context-id argument, field-for-field the
// reference's struct entry_data.
type entryData struct {
	VM     interface{}
	MPIDR  uint64
	Entry  uint64
	CtxID  uint64
	PABase uint64
	VABase uint64
}

func (h *Interposer) handleCPUOn(f *trap.Frame) {
	funcID := f.GPR(0)
	mpidr := f.GPR(1)
	entry := f.GPR(2)
	ctxID := f.GPR(3)

	stack := h.Alloc.AllocStack(vmmStackSize)
	g := entryData{
		VM:     h.CurrentVM(),
		MPIDR:  mpidr,
		Entry:  entry,
		CtxID:  ctxID,
		PABase: h.PABase,
		VABase: h.VABase,
	}
	gPtr := placeEntryData(stack, g)

	args := [8]uint64{funcID, mpidr, h.SecondaryEntry, gPtr}
	h.doCall(&args)

	errCode := int64(args[0])
	if errCode != 0 {
		log.Printf("psci: failed to start core %#x, error %d", mpidr, errCode)
	}
	f.SetGPR(0, uint64(errCode))
}

// passthrough forwards the full SMCCC64 fast-call register set (x0-x7)
// unchanged, smc_asm_passthrough_call's job.
func (h *Interposer) passthrough(f *trap.Frame) {
	var args [8]uint64
	for i := range args {
		args[i] = f.GPR(i)
	}
	h.doCall(&args)
	for i := range args {
		f.SetGPR(i, args[i])
	}
}
