package vm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"example.com/ahv/internal/pcpu"
)

func TestCurrentContextAndASTrackSetCurrentVCPU(t *testing.T) {
	cpu := &pcpu.Context{ID: 3}
	as := "fake-address-space-handle"
	c := NewContext(as)
	v := &VCPU{MPIDR: 0x81000003, VM: c}
	c.addVCPU(v)
	setCurrentVCPU(cpu, v)

	if got := CurrentContext(cpu); got != c {
		t.Fatalf("CurrentContext = %v, want %v", got, c)
	}
	if got := CurrentAS(cpu); got != as {
		t.Fatalf("CurrentAS = %v, want %v", got, as)
	}
}

func TestCurrentContextNilBeforeAnyStart(t *testing.T) {
	cpu := &pcpu.Context{ID: 999}
	if got := CurrentContext(cpu); got != nil {
		t.Fatalf("CurrentContext on a never-started cpu = %v, want nil", got)
	}
	if got := CurrentAS(cpu); got != nil {
		t.Fatalf("CurrentAS on a never-started cpu = %v, want nil", got)
	}
}

func TestContextAddVCPUIsConcurrencySafe(t *testing.T) {
	c := NewContext(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.addVCPU(&VCPU{MPIDR: uint64(i), VM: c})
		}(i)
	}
	wg.Wait()

	c.mu.Lock()
	n := len(c.vcpus)
	c.mu.Unlock()
	if n != 16 {
		t.Fatalf("vcpus = %d, want 16", n)
	}
}

// Supervisor.Wait must return the first setup failure, and enter must
// never run for the core whose setup failed.
func TestSupervisorWaitReportsSetupError(t *testing.T) {
	s := NewSupervisor(context.Background())
	wantErr := errors.New("boom")
	entered := false

	s.Launch(func(ctx context.Context) error {
		return wantErr
	}, func() {
		entered = true
	})

	if err := s.Wait(); !errors.Is(err, wantErr) {
		t.Fatalf("Wait() = %v, want %v", err, wantErr)
	}
	if entered {
		t.Fatal("enter must not run after a failed setup")
	}
}

// A surviving core's setup must observe cancellation once a sibling
// fails, the fan-in behavior that replaces the teacher's stopChan.
func TestSupervisorCancelsSiblingsOnFailure(t *testing.T) {
	s := NewSupervisor(context.Background())
	wantErr := errors.New("sibling failed")

	s.Launch(func(ctx context.Context) error {
		<-ctx.Done() // blocks until the sibling below fails
		return nil
	}, func() {})

	s.Launch(func(ctx context.Context) error {
		return wantErr
	}, func() {})

	if err := s.Wait(); !errors.Is(err, wantErr) {
		t.Fatalf("Wait() = %v, want %v", err, wantErr)
	}
}
