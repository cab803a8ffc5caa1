package psci

import (
	"testing"
	"unsafe"

	"example.com/ahv/internal/trap"
)

type fakeAllocator struct {
	stacks [][]byte
}

func (a *fakeAllocator) AllocStack(size int) []byte {
	s := make([]byte, size)
	a.stacks = append(a.stacks, s)
	return s
}

func newTestInterposer(t *testing.T, call func(args *[8]uint64)) (*Interposer, *fakeAllocator) {
	t.Helper()
	alloc := &fakeAllocator{}
	h := New(alloc, func() interface{} { return "vm-ctx" }, 0xDEAD0000, 0x40000000, 0xFFFF000000000000)
	h.call = call
	return h, alloc
}

// Any SMC number other than 0 is answered with PSCI_ERR_NOT_SUPPORTED and
// always reports skip=true, matching smc_call_hook's unconditional
// success return.
func TestHandleUnknownSMCNumberIsRecoverable(t *testing.T) {
	h, _ := newTestInterposer(t, func(args *[8]uint64) { t.Fatal("real SMC should not be issued for smcNum != 0") })
	f := &trap.Frame{}

	skip, err := h.Handle(f, 7)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !skip {
		t.Error("expected skip=true")
	}
	if int64(f.GPR(0)) != psciErrNotSupported {
		t.Errorf("X0 = %d, want %d", int64(f.GPR(0)), psciErrNotSupported)
	}
}

// A non-CPU_ON SMC (smcNum 0) is forwarded unchanged and the real
// result copied back into the guest's registers.
func TestHandlePassthroughForwardsAndReturnsResult(t *testing.T) {
	var gotArgs [8]uint64
	h, _ := newTestInterposer(t, func(args *[8]uint64) {
		gotArgs = *args
		args[0] = 0x1111 // pretend firmware answered in x0
	})
	f := &trap.Frame{}
	f.SetGPR(0, 0x84000001) // arbitrary non-PSCI-CPU_ON function id
	f.SetGPR(1, 0xAA)

	skip, err := h.Handle(f, 0)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !skip {
		t.Error("expected skip=true")
	}
	if gotArgs[0] != 0x84000001 || gotArgs[1] != 0xAA {
		t.Errorf("forwarded args = %v, want x0=0x84000001 x1=0xAA", gotArgs)
	}
	if f.GPR(0) != 0x1111 {
		t.Errorf("X0 = %#x, want 0x1111", f.GPR(0))
	}
}

// PSCI CPU_ON allocates a stack, places an entry-data block at its top,
// and reissues the SMC with the secondary entry substituted.
func TestHandleCPUOnBuildsEntryDataAndSubstitutesEntry(t *testing.T) {
	var gotArgs [8]uint64
	h, alloc := newTestInterposer(t, func(args *[8]uint64) {
		gotArgs = *args
		args[0] = 0 // success
	})
	f := &trap.Frame{}
	f.SetGPR(0, psciCPUOn64)
	f.SetGPR(1, 0x101) // target MPIDR
	f.SetGPR(2, 0x80001000) // guest entry
	f.SetGPR(3, 0x42) // guest context id

	skip, err := h.Handle(f, 0)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !skip {
		t.Error("expected skip=true")
	}
	if len(alloc.stacks) != 1 {
		t.Fatalf("stacks allocated = %d, want 1", len(alloc.stacks))
	}
	if gotArgs[0] != psciCPUOn64 || gotArgs[1] != 0x101 {
		t.Errorf("SMC reissued with x0=%#x x1=%#x, want psciCPUOn64/0x101", gotArgs[0], gotArgs[1])
	}
	if gotArgs[2] != h.SecondaryEntry {
		t.Errorf("x2 (entry) = %#x, want hypervisor secondary entry %#x", gotArgs[2], h.SecondaryEntry)
	}
	if f.GPR(0) != 0 {
		t.Errorf("X0 = %d, want 0 (success)", f.GPR(0))
	}

	stack := alloc.stacks[0]
	off := (len(stack) - int(unsafe.Sizeof(entryData{}))) &^ 0xF
	g := (*entryData)(unsafe.Pointer(&stack[off]))
	if g.MPIDR != 0x101 || g.Entry != 0x80001000 || g.CtxID != 0x42 {
		t.Errorf("entryData = %+v, want MPIDR=0x101 Entry=0x80001000 CtxID=0x42", g)
	}
}
