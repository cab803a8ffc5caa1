package mmio

import (
	"testing"

	"example.com/ahv/internal/mapper"
	"example.com/ahv/internal/mmu"
)

// fakeBackingStore lets tests observe direct-access fallback without
// dereferencing a mapper VA that isn't backed by real memory.
type fakeBackingStore struct {
	data map[uint64]byte
}

func (f *fakeBackingStore) access(gphys uint64, write bool, buf []byte, flags uint32) {
	for i := range buf {
		addr := gphys + uint64(i)
		if write {
			f.data[addr] = buf[i]
		} else {
			buf[i] = f.data[addr]
		}
	}
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBackingStore) {
	t.Helper()
	mem := mmu.NewFakeMemory(0x1000_0000)
	st2 := mmu.NewDescriptor(mem, mmu.Stage2, 0)
	m := mapper.New(st2, 0x4000_0000, 64*mmu.PageSize, 0x8000_0000, 8*mmu.BlockSize2M, 0, 0)

	r := New(st2, m)
	store := &fakeBackingStore{data: make(map[uint64]byte)}
	r.access = store.access
	return r, store
}

func TestRegisterAndDispatchHandled(t *testing.T) {
	r, _ := newTestRegistry(t)

	var gotGphys uint64
	var gotWrite bool
	_, err := r.Register(0x1000_0000, 4, func(data any, gphys uint64, write bool, buf []byte, flags uint32) bool {
		gotGphys, gotWrite = gphys, write
		for i := range buf {
			buf[i] = 0xAB
		}
		return true
	}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := make([]byte, 4)
	handled := r.Call(0x1000_0000, true, buf, 0)
	if !handled {
		t.Fatal("Call reported not handled")
	}
	if gotGphys != 0x1000_0000 || !gotWrite {
		t.Errorf("handler saw (gphys=%#x, write=%v), want (0x10000000, true)", gotGphys, gotWrite)
	}
}

func TestDispatchFillsGapsWithDirectAccess(t *testing.T) {
	r, store := newTestRegistry(t)
	store.data[0x1000_0000] = 0x11
	store.data[0x1000_0001] = 0x22
	store.data[0x1000_0004] = 0x33

	// Handler only covers [0x1000_0002, 0x1000_0004).
	_, err := r.Register(0x1000_0002, 2, func(data any, gphys uint64, write bool, buf []byte, flags uint32) bool {
		for i := range buf {
			buf[i] = 0x99
		}
		return true
	}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := make([]byte, 5) // covers 0x1000_0000 .. 0x1000_0004 inclusive
	if !r.Call(0x1000_0000, false, buf, 0) {
		t.Fatal("Call reported not handled")
	}
	want := []byte{0x11, 0x22, 0x99, 0x99, 0x33}
	for i := range want {
		if buf[i] != want[i] {
			t.Errorf("buf[%d] = %#x, want %#x", i, buf[i], want[i])
		}
	}
}

func TestDispatchFallsThroughWhenHandlerDeclines(t *testing.T) {
	r, store := newTestRegistry(t)
	store.data[0x1000_0000] = 0x7E

	_, err := r.Register(0x1000_0000, 1, func(data any, gphys uint64, write bool, buf []byte, flags uint32) bool {
		return false // not handled
	}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := make([]byte, 1)
	r.Call(0x1000_0000, false, buf, 0)
	if buf[0] != 0x7E {
		t.Errorf("buf[0] = %#x, want 0x7E (direct-access fallback)", buf[0])
	}
}

func TestRegisterOverlapRejected(t *testing.T) {
	r, _ := newTestRegistry(t)

	h := func(data any, gphys uint64, write bool, buf []byte, flags uint32) bool { return true }
	if _, err := r.Register(0x1000_0000, 8, h, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register(0x1000_0004, 8, h, nil); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestUnregisterReleasesBlock(t *testing.T) {
	r, _ := newTestRegistry(t)

	h := func(data any, gphys uint64, write bool, buf []byte, flags uint32) bool { return true }
	handle, err := r.Register(0x1000_0000, 8, h, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister(handle)

	if r.blocks.Len() != 0 {
		t.Errorf("blocks tree has %d entries after unregistering the only handler, want 0", r.blocks.Len())
	}

	// Re-registering the same range must succeed now that the block is gone.
	if _, err := r.Register(0x1000_0000, 8, h, nil); err != nil {
		t.Fatalf("re-Register after Unregister: %v", err)
	}
}

func TestCallWithNoBlockReturnsNotHandled(t *testing.T) {
	r, _ := newTestRegistry(t)
	buf := make([]byte, 4)
	if r.Call(0x2000_0000, false, buf, 0) {
		t.Fatal("Call reported handled with no registered block")
	}
}
