package trap

import (
	"testing"

	"example.com/ahv/internal/emu"
	"example.com/ahv/internal/pcpu"
)

func withTestCPU(t *testing.T) *pcpu.Context {
	t.Helper()
	ctx := &pcpu.Context{ID: 0}
	prev := pcpu.HardwareCurrent
	pcpu.HardwareCurrent = func() *pcpu.Context { return ctx }
	t.Cleanup(func() { pcpu.HardwareCurrent = prev })
	return ctx
}

func esr(ec uint64, iss uint32) uint64 {
	return (ec << 26) | (1 << 25) | uint64(iss&0x1FFFFFF)
}

type fakeEmulator struct {
	called bool
	err    error
}

func (e *fakeEmulator) Emulate(regs emu.RegisterFile, elr uint64, write bool, el int) error {
	e.called = true
	if e.err == nil {
		regs.SetELR(elr + 4)
	}
	return e.err
}

type fakeSysreg struct {
	called bool
	err    error
}

func (s *fakeSysreg) Handle(f *Frame, iss uint32) error {
	s.called = true
	return s.err
}

type fakeSMC struct {
	skip bool
	err  error
}

func (s *fakeSMC) Handle(f *Frame, iss uint32) (bool, error) {
	return s.skip, s.err
}

func newTestDispatcher(e *fakeEmulator, s *fakeSysreg, m *fakeSMC) *Dispatcher {
	return New(e, s, m)
}

// WFx always advances ELR by 4, the instruction-skip invariant.
func TestHandleSyncWFxAdvancesELR(t *testing.T) {
	withTestCPU(t)
	d := newTestDispatcher(&fakeEmulator{}, &fakeSysreg{}, &fakeSMC{})
	f := &Frame{Elr: 0x2000, Esr: esr(ecWFxFamily, 0)}

	if err := d.Enter(f, KindSync); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if f.Elr != 0x2004 {
		t.Errorf("ELR = %#x, want %#x", f.Elr, 0x2004)
	}
}

// A data abort from a lower EL that the emulator resolves advances ELR
// through the emulator's own SetELR call, not a second one in the
// dispatcher.
func TestHandleSyncDataAbortLowerDelegatesToEmulator(t *testing.T) {
	withTestCPU(t)
	fe := &fakeEmulator{}
	d := newTestDispatcher(fe, &fakeSysreg{}, &fakeSMC{})
	iss := uint32(0b000100) // translation fault level 0
	f := &Frame{Elr: 0x3000, Esr: esr(ecDataAbortLower, iss)}

	if err := d.Enter(f, KindSync); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !fe.called {
		t.Fatal("emulator was not invoked")
	}
	if f.Elr != 0x3004 {
		t.Errorf("ELR = %#x, want %#x", f.Elr, 0x3004)
	}
}

// A permission fault from a lower EL is always fatal, regardless of
// recovery state: it means the guest wrote into hypervisor memory.
func TestHandleSyncDataAbortPermissionFaultIsFatal(t *testing.T) {
	withTestCPU(t)
	d := newTestDispatcher(&fakeEmulator{}, &fakeSysreg{}, &fakeSMC{})
	iss := uint32(0b001100) // permission fault level 0
	f := &Frame{Elr: 0x4000, Esr: esr(ecDataAbortLower, iss)}

	err := d.Enter(f, KindSync)
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Errorf("err = %T, want *FatalError", err)
	}
}

// A same-EL data abort with recovery armed sets RecoveryTriggered and
// advances ELR instead of panicking (section 7, class 2).
func TestHandleSyncRecoveryArmedSkipsAndMarksTriggered(t *testing.T) {
	cpu := withTestCPU(t)
	cpu.RecoveryArmed = true
	d := newTestDispatcher(&fakeEmulator{}, &fakeSysreg{}, &fakeSMC{})
	f := &Frame{Elr: 0x5000, Esr: esr(ecDataAbortCurrent, 0)}

	if err := d.Enter(f, KindSync); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !cpu.RecoveryTriggered {
		t.Error("RecoveryTriggered not set")
	}
	if f.Elr != 0x5004 {
		t.Errorf("ELR = %#x, want %#x", f.Elr, 0x5004)
	}
}

// The same same-EL data abort with no recovery armed is fatal.
func TestHandleSyncRecoveryNotArmedIsFatal(t *testing.T) {
	withTestCPU(t)
	d := newTestDispatcher(&fakeEmulator{}, &fakeSysreg{}, &fakeSMC{})
	f := &Frame{Elr: 0x6000, Esr: esr(ecDataAbortCurrent, 0)}

	err := d.Enter(f, KindSync)
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Errorf("err = %T, want *FatalError", err)
	}
}

// An unknown HVC number is recoverable: logged, PC advanced, plain error
// returned, no panic.
func TestHandleSyncUnknownHVCIsRecoverable(t *testing.T) {
	withTestCPU(t)
	d := newTestDispatcher(&fakeEmulator{}, &fakeSysreg{}, &fakeSMC{})
	f := &Frame{Elr: 0x7000, Esr: esr(ecHVCA64, 42)}

	err := d.Enter(f, KindSync)
	if err == nil {
		t.Fatal("expected a recoverable error")
	}
	if _, ok := err.(*FatalError); ok {
		t.Fatal("unknown HVC number should not be fatal")
	}
	if f.Elr != 0x7004 {
		t.Errorf("ELR = %#x, want %#x", f.Elr, 0x7004)
	}
}

// MSR/MRS traps route to the sysreg interposer and advance PC on
// success.
func TestHandleSyncSysregSuccess(t *testing.T) {
	withTestCPU(t)
	sr := &fakeSysreg{}
	d := newTestDispatcher(&fakeEmulator{}, sr, &fakeSMC{})
	f := &Frame{Elr: 0x8000, Esr: esr(ecMSRMRS, 0)}

	if err := d.Enter(f, KindSync); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !sr.called {
		t.Fatal("sysreg handler was not invoked")
	}
	if f.Elr != 0x8004 {
		t.Errorf("ELR = %#x, want %#x", f.Elr, 0x8004)
	}
}

// SMC forwarding that the interposer reports as "skip" advances PC.
func TestHandleSyncSMCSkipAdvancesELR(t *testing.T) {
	withTestCPU(t)
	d := newTestDispatcher(&fakeEmulator{}, &fakeSysreg{}, &fakeSMC{skip: true})
	f := &Frame{Elr: 0x9000, Esr: esr(ecSMCA64, 0)}

	if err := d.Enter(f, KindSync); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if f.Elr != 0x9004 {
		t.Errorf("ELR = %#x, want %#x", f.Elr, 0x9004)
	}
}

// An exception class with no handler is fatal.
func TestHandleSyncUnknownClassIsFatal(t *testing.T) {
	withTestCPU(t)
	d := newTestDispatcher(&fakeEmulator{}, &fakeSysreg{}, &fakeSMC{})
	f := &Frame{Elr: 0xA000, Esr: esr(0b111111, 0)}

	err := d.Enter(f, KindSync)
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Errorf("err = %T, want *FatalError", err)
	}
}

// A pending panic observed at trap entry is fatal before any
// classification happens.
func TestEnterFatalOnPendingPanic(t *testing.T) {
	cpu := withTestCPU(t)
	cpu.SetPanicPending(true)
	d := newTestDispatcher(&fakeEmulator{}, &fakeSysreg{}, &fakeSMC{})
	f := &Frame{Elr: 0xB000, Esr: esr(ecWFxFamily, 0)}

	err := d.Enter(f, KindSync)
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Errorf("err = %T, want *FatalError", err)
	}
}
