// Package pcpu implements component A, the per-CPU context spec.md
// section 4.A describes: a struct reached through a CPU-anchored register
// the hardware switches automatically on trap entry, holding the current
// CPU's identity, its saved trap-frame pointer, the two recovery flags E
// and F use for speculative hypervisor probes, and the vGIC free/pending
// interrupt lists I owns per CPU.
//
// Grounded on original_source/core/aarch64/pcpu.h's struct pcpu field list
// and the reference project's small-struct-plus-constructor translation
// style (vcpu.go's VCPU type).
package pcpu

import (
	"sync/atomic"

	"example.com/ahv/internal/arch/aarch64"
)

// TrapFrame is the opaque type trap.Frame satisfies; pcpu only needs to
// hold a pointer to it, not interpret its contents, so it is declared as
// an interface here to avoid an import cycle with package trap (which
// needs Context to store the frame it builds).
type TrapFrame interface{}

// IntSlot is one free-listed or pending virtual-interrupt-slot record
// owned by the vGIC (component I); pcpu only threads the lists, gic.go
// defines the payload.
type IntSlot struct {
	Next  *IntSlot
	Value uint64 // raw ICH_LRn_EL2 value this slot represents
}

// Context is one physical CPU's per-CPU state.
type Context struct {
	// ID is the dense CPU index derived from MPIDR_EL1, stable for the
	// lifetime of the CPU.
	ID int

	// Frame points at the saved trap frame while a trap is being
	// serviced by this CPU, nil otherwise. Only the thread running on
	// this CPU ever sets it — no atomic needed, per spec.md section
	// 4.A's "implicitly serialized" rule for trap-context-only fields.
	Frame TrapFrame

	// RecoveryArmed and RecoveryTriggered are the two-boolean
	// speculative-probe pattern spec.md section 9 insists be kept as a
	// pair rather than folded into a probe's return value, because a
	// probe may fault arbitrarily deep inside nested helpers that don't
	// know they could fault.
	RecoveryArmed     bool
	RecoveryTriggered bool

	// IntFreelist and IntPending are this CPU's vGIC slot lists
	// (spec.md section 3, "singly linked free-list and pending-list of
	// virtual interrupt slot records"). Touched only from this CPU
	// (spec.md section 5), so plain fields, not atomics.
	IntFreelist *IntSlot
	IntPending  *IntSlot

	// MaxIntSlot is this CPU's list-register count, read from
	// ICH_VTR_EL2 once at vGIC bring-up (component I); zero until then.
	MaxIntSlot int

	// panicPending is the one field in this struct mutated from a
	// remote CPU (a panic on one core must be observable by all others
	// so they can stop too), hence the atomic per spec.md section 4.A.
	panicPending atomic.Bool
}

var contexts []*Context

// IndexFromMPIDR derives a dense, zero-based CPU index from the sparse
// affinity fields of MPIDR_EL1, the way pcpu.c computes cpunum: Aff0 in
// bits [7:0] is taken as the index on the common case of a single
// affinity-1 cluster, which is all QEMU virt and the vast majority of
// embedded AArch64 platforms this core targets present. Platforms with a
// populated Aff1/Aff2/Aff3 would need a topology table; none of this
// core's target platforms do, so it is not modeled (out of spec.md's
// declared scope: ACPI/DT topology discovery beyond GIC/PCIe is an
// external collaborator).
func IndexFromMPIDR(mpidr uint64) int {
	return int(mpidr & 0xFF)
}

// Init allocates contexts for n physical CPUs and programs this CPU's
// TPIDR_EL2 to point at context 0 (the BSP). Called once at boot before
// any other component runs.
func Init(n int) {
	contexts = make([]*Context, n)
	for i := range contexts {
		contexts[i] = &Context{ID: i}
	}
	aarch64.SetTPIDR(uint64(uintptrOf(contexts[0])))
}

// InitSecondary is called once on an AP brought up via PSCI CPU_ON
// (pcpu_secondary_init in the reference): it finds this CPU's
// pre-allocated context by MPIDR-derived index and anchors TPIDR_EL2 to
// it.
func InitSecondary() *Context {
	idx := IndexFromMPIDR(aarch64.MPIDR())
	ctx := contexts[idx]
	aarch64.SetTPIDR(uint64(uintptrOf(ctx)))
	return ctx
}

// HardwareCurrent is the real implementation Current calls through,
// exposed as a package variable so other packages' tests can substitute a
// fixed *Context instead of reading live TPIDR_EL2, which is only
// meaningful from bare-metal EL2 and traps when a hosted test binary
// reads it. The same swappable-real-by-default seam the mmio registry
// and access emulator use, lifted to package scope since Current has no
// receiver to hang a field on.
var HardwareCurrent = func() *Context {
	return contextAt(uintptrVal(aarch64.TPIDR()))
}

// Current returns the calling CPU's context, read through TPIDR_EL2.
func Current() *Context {
	return HardwareCurrent()
}

// ArmRecovery sets RecoveryArmed on the calling CPU's context, so that a
// same-EL data abort encountered before the matching DisarmRecovery call
// is treated as an instrumented fault (PC skipped, RecoveryTriggered set)
// rather than fatal. Mirrors exception_el2_enable_try_recovery.
func ArmRecovery() {
	Current().RecoveryArmed = true
	Current().RecoveryTriggered = false
}

// DisarmRecovery clears RecoveryArmed and returns whether a recovery was
// triggered since the matching ArmRecovery call. Mirrors
// exception_el2_recover_from_error followed by
// exception_el2_disable_try_recovery.
func DisarmRecovery() (triggered bool) {
	ctx := Current()
	triggered = ctx.RecoveryTriggered
	ctx.RecoveryArmed = false
	ctx.RecoveryTriggered = false
	return triggered
}

// RequestPanic marks every CPU's context as having a pending panic, so
// the trap dispatcher's per-trap check (spec.md section 4.F, "checks for
// a pending panic") observes it on the next trap taken on any core.
func RequestPanic() {
	for _, c := range contexts {
		c.panicPending.Store(true)
	}
}

// PanicPending reports whether this CPU has a pending panic to act on.
func (c *Context) PanicPending() bool {
	return c.panicPending.Load()
}

// SetPanicPending marks or clears the pending panic on this CPU only,
// without broadcasting to the rest of contexts. RequestPanic is the
// broadcasting entry point production code uses; this exists for tests
// exercising a single substituted Context (see HardwareCurrent).
func (c *Context) SetPanicPending(v bool) {
	c.panicPending.Store(v)
}
