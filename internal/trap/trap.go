// Package trap implements component F: the single entry point for every
// synchronous, IRQ, FIQ, and SError exception taken at EL2. It classifies
// the exception by ESR_EL2.EC, dispatches to the class-specific handler
// (WFx, SVC, HVC, SMC, MSR/MRS, data/instruction abort), and yields to
// the scheduler once the handler returns.
//
// Grounded on original_source/core/aarch64/exception.c (exception_common,
// handle_sync_fn's EC switch, trap_data_abort, try_data_abort_recovery,
// the skip_inst/exception_error_check pattern) and iansmith-mazarin's
// exceptions.go (EC_* constant naming and ExceptionInfo-style struct,
// the nearest on-domain Go translation of the same dispatch idea).
package trap

import (
	"fmt"
	"log"

	"example.com/ahv/internal/arch/aarch64"
	"example.com/ahv/internal/emu"
	"example.com/ahv/internal/pcpu"
)

// Exception class values relevant to this dispatcher (ESR_EL2.EC), named
// the way arm_std_regs.h's ESR_EC_* macros are, translated to Go
// constants per iansmith-mazarin's EC_* convention.
const (
	ecWFxFamily        = 0b000001
	ecSVCA64           = 0b010101
	ecHVCA64           = 0b010110
	ecSMCA64           = 0b010111
	ecMSRMRS           = 0b011000
	ecInstAbortLower   = 0b100000
	ecDataAbortLower   = 0b100100
	ecDataAbortCurrent = 0b100101
)

// Data Fault Status Code values within ESR_EL2.ISS[4:0], the DFSC(iss)
// macro in exception.c.
const (
	dfscTranslationFault0 = 0b000100
	dfscTranslationFault3 = 0b000111
	dfscPermFault0        = 0b001100
	dfscPermFault3        = 0b001111
)

// Frame is the full saved register state for one trapped exception: the
// 31 general registers plus the handful of EL2 system registers
// exception.c's union exception_saved_regs captures. Built by the
// assembly exception-vector entry stub (out of this package's scope;
// this type documents the stack layout it must produce) before F's
// Go-level handler runs.
type Frame struct {
	X     [31]uint64
	Elr   uint64
	Spsr  uint64
	Far   uint64
	Esr   uint64
	Hcr   uint64
	SpEl0 uint64
	Tpidr uint64
}

// Frame satisfies emu.RegisterFile so the data-abort path can forward
// directly to component E without an adapter type.
var _ emu.RegisterFile = (*Frame)(nil)

func (f *Frame) GPR(n int) uint64       { return f.X[n] }
func (f *Frame) SetGPR(n int, v uint64) { f.X[n] = v }
func (f *Frame) SPEL0() uint64          { return f.SpEl0 }
func (f *Frame) SetSPEL0(v uint64)      { f.SpEl0 = v }
func (f *Frame) ELR() uint64            { return f.Elr }
func (f *Frame) SetELR(v uint64)        { f.Elr = v }

// SPEL1 and SetSPEL1 read the guest's banked stack pointer live rather
// than from the frame: exception.c's vaddr_from_rn calls mrs(SP_EL1)
// directly for the same reason (EL2 never saves it, since it is never
// EL2's own stack).
func (f *Frame) SPEL1() uint64     { return aarch64.SPEL1() }
func (f *Frame) SetSPEL1(v uint64) { aarch64.SetSPEL1(v) }

// EL returns the exception level the trap was taken from, decoded from
// SPSR_EL2.M, the same SPSR_M(spsr) >> 2 exception.c uses.
func (f *Frame) EL() int {
	m := f.Spsr & 0xF
	return int(m >> 2)
}

// FatalError is the value a trap handler panics with on an unrecoverable
// condition (spec.md section 7, class 3): a permission fault into
// hypervisor memory, a same-EL data abort with no recovery armed, an
// exception class with no handler, or an impossible decode. Recovered
// exactly once, at Dispatcher.Enter, and handed to PanicHandler.
type FatalError struct {
	Msg string
	Esr uint64
	Elr uint64
	Far uint64
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("trap: fatal: %s (esr=%#x elr=%#x far=%#x)", e.Msg, e.Esr, e.Elr, e.Far)
}

// PanicHandler receives every FatalError recovered at Dispatcher.Enter.
// The boot shim installs this; when it is nil, Enter logs the error and
// returns it to its caller.
var PanicHandler func(err *FatalError)

func fatal(f *Frame, msg string) {
	pcpu.RequestPanic()
	panic(&FatalError{Msg: msg, Esr: f.Esr, Elr: f.Elr, Far: f.Far})
}

// emulator is the subset of *emu.Emulator the dispatcher calls, narrowed
// to an interface so tests can substitute a fake without wiring a real
// mapper/registry.
type emulator interface {
	Emulate(regs emu.RegisterFile, elr uint64, write bool, el int) error
}

// sysregHandler is satisfied by component G.
type sysregHandler interface {
	Handle(f *Frame, iss uint32) error
}

// smcHandler is satisfied by component H. skip reports whether the
// guest's PC should advance past the trapping SMC instruction; H issues
// the real SMC itself (forwarded or CPU_ON-intercepted) before
// returning, per spec.md section 4.H.
type smcHandler interface {
	Handle(f *Frame, iss uint32) (skip bool, err error)
}

// Kind identifies which of the four AArch64 exception vectors a trap
// entered through.
type Kind int

const (
	KindSync Kind = iota
	KindIRQ
	KindFIQ
	KindSError
)

// Dispatcher is component F.
type Dispatcher struct {
	emulate emulator
	sysreg  sysregHandler
	smc     smcHandler

	// Syscall and VMMCall cover the SVC-number-0 and HVC-number-0 routes
	// spec.md section 4.F names ("in-VMM process syscall dispatcher",
	// "VMM-call multiplexer"); neither has a concrete collaborator in
	// this core's scope, so both default to nil and any trapped call
	// is fatal, matching exception.c's handle_svc/handle_hvc default
	// case (a nonzero return is NOT_HANDLED, which panics via
	// exception_error_check).
	Syscall func(f *Frame) error
	VMMCall func(f *Frame) error

	// ProcessFault services HCR.TGE-routed lower-EL aborts. vm.go never
	// sets HCR_EL2.TGE (spec.md section 4.J's HCR composition omits it),
	// so this path is unreachable in this core's actual configuration;
	// it is still wired so the dispatch table spec.md section 4.F names
	// is complete.
	ProcessFault func(f *Frame) error

	irq func(f *Frame)
	fiq func(f *Frame)

	// Yield gives other hypervisor threads a chance to run after every
	// trap (exception_common's schedule() call). Defaults to a no-op;
	// the scheduler is an external collaborator spec.md places out of
	// scope.
	Yield func()

	Logger *log.Logger
}

// New returns a Dispatcher with default (no-op) IRQ/FIQ handlers,
// mirroring exception_init's default_irq_exception/default_fiq_exception.
func New(e emulator, sysreg sysregHandler, smc smcHandler) *Dispatcher {
	return &Dispatcher{
		emulate: e,
		sysreg:  sysreg,
		smc:     smc,
		irq:     func(*Frame) {},
		fiq:     func(*Frame) {},
		Yield:   func() {},
		Logger:  log.Default(),
	}
}

// SetIRQHandler and SetFIQHandler register component I's short physical
// handlers, mirroring exception_set_handler's "only replace if non-nil"
// semantics.
func (d *Dispatcher) SetIRQHandler(h func(f *Frame)) {
	if h != nil {
		d.irq = h
	}
}

func (d *Dispatcher) SetFIQHandler(h func(f *Frame)) {
	if h != nil {
		d.fiq = h
	}
}

// Enter is the single point every exception vector calls into, after the
// assembly stub has built Frame on the current EL2 stack. It recovers
// exactly one FatalError panic per spec.md's error-handling design,
// handing it to PanicHandler.
func (d *Dispatcher) Enter(f *Frame, kind Kind) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fe, ok := r.(*FatalError)
		if !ok {
			fe = &FatalError{Msg: fmt.Sprint(r), Esr: f.Esr, Elr: f.Elr, Far: f.Far}
		}
		if PanicHandler != nil {
			PanicHandler(fe)
		} else {
			d.logger().Printf("%v", fe)
		}
		err = fe
	}()

	pcpu.Current().Frame = f
	if pcpu.Current().PanicPending() {
		fatal(f, "panic pending on this CPU")
	}

	switch kind {
	case KindSync:
		err = d.handleSync(f)
	case KindIRQ:
		d.irq(f)
	case KindFIQ:
		d.fiq(f)
	case KindSError:
		fatal(f, "SError taken, no handler")
	default:
		fatal(f, fmt.Sprintf("unknown trap kind %d", kind))
	}

	d.Yield()
	return err
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

func (d *Dispatcher) handleSync(f *Frame) error {
	il := (f.Esr >> 25) & 1
	if il == 0 {
		fatal(f, "32-bit instruction length in ESR, AArch64-only guest expected")
	}
	ec := (f.Esr >> 26) & 0x3F
	iss := uint32(f.Esr & 0x1FFFFFF)

	switch ec {
	case ecWFxFamily:
		// TODO: no more sophisticated handling than skip-and-continue,
		// matching exception.c's own TODO at trap_wfx_family.
		f.SetELR(f.ELR() + 4)
		return nil

	case ecSVCA64:
		if d.Syscall == nil {
			fatal(f, "SVC trapped with no syscall dispatcher installed")
		}
		if err := d.Syscall(f); err != nil {
			fatal(f, fmt.Sprintf("syscall dispatch failed: %v", err))
		}
		return nil

	case ecHVCA64:
		imm := iss
		if imm != 0 {
			// A bad HVC number is a recoverable guest fault (section 7,
			// class 1): log it, advance past the instruction, return
			// the error rather than panicking.
			d.logger().Printf("trap: unknown HVC number %d at ELR %#x", imm, f.Elr)
			f.SetELR(f.ELR() + 4)
			return fmt.Errorf("trap: unknown HVC number %d", imm)
		}
		if d.VMMCall == nil {
			fatal(f, "HVC 0 trapped with no VMM-call multiplexer installed")
		}
		if err := d.VMMCall(f); err != nil {
			return fmt.Errorf("trap: VMM call: %w", err)
		}
		f.SetELR(f.ELR() + 4)
		return nil

	case ecSMCA64:
		skip, err := d.smc.Handle(f, iss)
		if err != nil {
			return fmt.Errorf("trap: SMC interposer: %w", err)
		}
		if skip {
			f.SetELR(f.ELR() + 4)
		}
		return nil

	case ecMSRMRS:
		if err := d.sysreg.Handle(f, iss); err != nil {
			return fmt.Errorf("trap: sysreg interposer: %w", err)
		}
		f.SetELR(f.ELR() + 4)
		return nil

	case ecDataAbortLower:
		if f.Hcr&aarch64.HCRTGE != 0 {
			return d.processFault(f)
		}
		return d.handleDataAbort(f, iss)

	case ecDataAbortCurrent:
		return d.handleRecovery(f)

	case ecInstAbortLower:
		if f.Hcr&aarch64.HCRTGE != 0 {
			return d.processFault(f)
		}
		fatal(f, "instruction abort from lower EL, TGE clear")
		return nil

	default:
		fatal(f, fmt.Sprintf("unhandled exception class %#x", ec))
		return nil
	}
}

func (d *Dispatcher) processFault(f *Frame) error {
	if d.ProcessFault == nil {
		fatal(f, "HCR.TGE fault with no process-fault handler installed")
	}
	return d.ProcessFault(f)
}

func (d *Dispatcher) handleDataAbort(f *Frame, iss uint32) error {
	dfsc := iss & 0x1F
	wr := (iss>>6)&1 != 0

	if dfsc >= dfscPermFault0 && dfsc <= dfscPermFault3 {
		fatal(f, fmt.Sprintf("permission fault iss %#x from EL %d, likely a guest write into hypervisor memory", iss, f.EL()))
	}
	if dfsc < dfscTranslationFault0 || dfsc > dfscTranslationFault3 {
		fatal(f, fmt.Sprintf("unexpected data abort dfsc %#x from lower EL", dfsc))
	}

	if err := d.emulate.Emulate(f, f.Elr, wr, f.EL()); err != nil {
		return fmt.Errorf("trap: data abort emulation: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleRecovery(f *Frame) error {
	cpu := pcpu.Current()
	if !cpu.RecoveryArmed {
		fatal(f, fmt.Sprintf("same-EL data abort at %#x with no recovery armed", f.Elr))
	}
	cpu.RecoveryTriggered = true
	d.logger().Printf("trap: recovering ELR %#x FAR %#x", f.Elr, f.Far)
	f.SetELR(f.ELR() + 4)
	return nil
}
