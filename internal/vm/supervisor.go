package vm

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Supervisor coordinates bringing every physical core's guest up in
// parallel. The teacher's virtual_machine.go spawns one goroutine per
// VCPU and fans their completion in over a channel
// (vcpusRunning/stopChan); that shape doesn't survive the move to bare
// metal unchanged, because a KVM VCPU's run loop is a re-enterable ioctl
// while this core's "run a VCPU" ends in aarch64.ERET -- a one-way
// instruction that never returns control to the calling goroutine. What
// Supervisor keeps from the teacher is the goroutine-per-VCPU shape
// applied to the part of bring-up that *can* fail and report back: the
// setup phase before ERET (translating firmware state, programming HCR,
// standing up the vGIC). An errgroup.Group gives that phase the teacher's
// fan-in behavior for free -- the first core's setup error cancels the
// shared context so sibling cores waiting on Wait observe it -- without
// inventing a channel protocol for a return path that, post-ERET,
// structurally cannot exist.
type Supervisor struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewSupervisor creates a Supervisor whose context is canceled the
// moment any launched core's setup phase returns a non-nil error.
func NewSupervisor(parent context.Context) *Supervisor {
	g, ctx := errgroup.WithContext(parent)
	return &Supervisor{g: g, ctx: ctx}
}

// Launch runs setup(ctx) on its own goroutine; if it succeeds, enter is
// called next and is expected never to return (it ends in ERET on real
// hardware). If setup fails, its error is reported via Wait and enter is
// never called, leaving that core parked rather than dropping into a
// half-configured guest.
func (s *Supervisor) Launch(setup func(ctx context.Context) error, enter func()) {
	s.g.Go(func() error {
		if err := setup(s.ctx); err != nil {
			return err
		}
		enter()
		return nil
	})
}

// Wait blocks until every launched goroutine has returned -- a failed
// setup, or an enter call that came back -- and then reports the first
// setup error, if any. A failed setup does not make Wait return early: it
// cancels the shared context, and Wait still waits for the siblings. A
// core that enters its guest never returns, so while one is running Wait
// does not return either.
func (s *Supervisor) Wait() error { return s.g.Wait() }
