// Package mmio implements component D: the MMIO interposition registry.
// A two-level structure — an outer tree of page-aligned blocks, each
// holding its own tree of byte-range handlers — lets many non-adjacent
// guest-physical ranges share one stage-2 IPA hook per block while still
// resolving individual handler lookups in range order.
//
// Grounded on original_source/core/aarch64/mmio.c (mmio_register,
// mmio_do_register/unregister, mmio_call_handler's gap-filling walk, the
// rw_spinlock + running-counter + pending-action-list discipline under
// concurrent dispatch) and the teacher's devices/iobus.go for the
// registry-as-a-struct, fmt.Errorf/log.Printf error-reporting style.
package mmio

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"example.com/ahv/internal/bplustree"
	"example.com/ahv/internal/mapper"
	"example.com/ahv/internal/mmu"
)

// Handler services an access to the byte range it was registered for. It
// returns false to signal "not handled", falling through to a direct
// memory access for that sub-range, per spec.md section 4.D.
type Handler func(data any, gphys uint64, write bool, buf []byte, flags uint32) bool

// Handle identifies a registered handler for Unregister.
type Handle struct {
	gphys, length uint64
}

type handlerEntry struct {
	gphys, length uint64
	fn            Handler
	data          any
}

type block struct {
	start, length uint64
	hook          *mmu.Hook
	handlers      *bplustree.Tree
	numHandlers   int
}

// Registry owns the block tree, the stage-2 descriptor it hooks blocks
// through, and the mapper used for gap-filling direct access.
type Registry struct {
	st2 *mmu.Descriptor
	mem *mapper.Mapper

	mu      sync.RWMutex
	running atomic.Int32

	pendMu  sync.Mutex
	pending []func()

	blocks *bplustree.Tree // keyed by page-aligned block start, Value *block

	// access performs the gap-filling direct memory access; a field
	// rather than a hardcoded call to directAccess so tests can swap in
	// a buffer-backed stub instead of dereferencing a mapper VA that
	// isn't backed by real memory under a FakeMemory stage-2.
	access func(gphys uint64, write bool, buf []byte, flags uint32)
}

// New returns an empty Registry, hooking blocks into st2 and resolving
// gap accesses through mem.
func New(st2 *mmu.Descriptor, mem *mapper.Mapper) *Registry {
	r := &Registry{st2: st2, mem: mem, blocks: bplustree.New()}
	r.access = r.directAccess
	return r
}

var (
	errZeroLength = errors.New("mmio: zero-length registration")
	errOverlap    = errors.New("mmio: range overlaps an existing registration")
)

func blockRange(gphys, length uint64) (start, end uint64) {
	start = gphys &^ (mmu.PageSize - 1)
	end = (gphys+length-1)&^(mmu.PageSize-1) + mmu.PageSize
	return
}

// Register installs fn to handle accesses to [gphys, gphys+length),
// building a new page-aligned block if none currently covers the range.
// If a dispatch is in flight, the registration is deferred and applied
// when that dispatch finishes draining (see Call); Register still
// returns a usable Handle immediately either way, matching the teacher's
// mmio_register always handing back a handle before the registration is
// guaranteed to have landed.
func (r *Registry) Register(gphys, length uint64, fn Handler, data any) (*Handle, error) {
	if length == 0 {
		return nil, errZeroLength
	}
	h := &Handle{gphys: gphys, length: length}

	var regErr error
	applied := r.tryDirect(func() {
		regErr = r.doRegister(gphys, length, fn, data)
	})
	if applied {
		return h, regErr
	}

	r.deferAction(func() {
		if err := r.doRegister(gphys, length, fn, data); err != nil {
			panic(fmt.Sprintf("mmio: deferred registration of %#x/%#x failed: %v", gphys, length, err))
		}
	})
	return h, nil
}

// Unregister removes the handler h identifies, releasing the block's
// stage-2 hook once its last handler is gone. Deferred under the same
// discipline as Register.
func (r *Registry) Unregister(h *Handle) {
	applied := r.tryDirect(func() {
		r.doUnregister(h)
	})
	if !applied {
		r.deferAction(func() { r.doUnregister(h) })
	}
}

func (r *Registry) doRegister(gphys, length uint64, fn Handler, data any) error {
	blkStart, blkEnd := blockRange(gphys, length)

	var b *block
	if item, ok := r.blocks.FindCovering(blkStart); ok {
		if item.End < blkEnd {
			return fmt.Errorf("%w: existing block [%#x,%#x) too small for [%#x,%#x)",
				errOverlap, item.Start, item.End, blkStart, blkEnd)
		}
		b = item.Value.(*block)
	} else {
		if r.blocks.Overlaps(blkStart, blkEnd) {
			return errOverlap
		}
		hook, err := r.st2.HookIPA(blkStart, blkEnd-blkStart)
		if err != nil {
			return fmt.Errorf("mmio: hook ipa [%#x,%#x): %w", blkStart, blkEnd, err)
		}
		b = &block{start: blkStart, length: blkEnd - blkStart, hook: hook, handlers: bplustree.New()}
		r.blocks.Insert(bplustree.Item{Start: blkStart, End: blkEnd, Value: b})
	}

	if b.handlers.Overlaps(gphys, gphys+length) {
		return errOverlap
	}
	b.handlers.Insert(bplustree.Item{
		Start: gphys, End: gphys + length,
		Value: &handlerEntry{gphys: gphys, length: length, fn: fn, data: data},
	})
	b.numHandlers++
	return nil
}

func (r *Registry) doUnregister(h *Handle) {
	blkStart, blkEnd := blockRange(h.gphys, h.length)
	item, ok := r.blocks.FindCovering(blkStart)
	if !ok || item.End < blkEnd {
		log.Printf("mmio: unregister %#x/%#x: block not found", h.gphys, h.length)
		return
	}
	b := item.Value.(*block)
	if _, ok := b.handlers.Delete(h.gphys); !ok {
		log.Printf("mmio: unregister %#x/%#x: handler not found", h.gphys, h.length)
		return
	}
	b.numHandlers--
	if b.numHandlers == 0 {
		r.blocks.Delete(b.start)
		r.st2.UnhookIPA(b.hook)
	}
}

// tryDirect attempts to apply a mutation without blocking a dispatch
// that may currently hold the read side of mu. It mirrors the teacher's
// rw_spinlock_trylock_ex loop: keep trying for the uncontended case, but
// the moment a dispatch is actually running, give up immediately instead
// of waiting, so mutation never blocks handler code.
func (r *Registry) tryDirect(apply func()) bool {
	for {
		if r.mu.TryLock() {
			apply()
			r.mu.Unlock()
			return true
		}
		if r.running.Load() > 0 {
			return false
		}
		runtime.Gosched()
	}
}

func (r *Registry) deferAction(action func()) {
	r.pendMu.Lock()
	r.pending = append(r.pending, action)
	r.pendMu.Unlock()
}

// drainPending applies queued mutations in the order they were deferred.
// Callers must hold mu for writing.
func (r *Registry) drainPending() {
	r.pendMu.Lock()
	actions := r.pending
	r.pending = nil
	r.pendMu.Unlock()

	for _, a := range actions {
		a()
	}
}

// Call dispatches a read or write of len(buf) bytes at guest-physical
// gphys, per spec.md section 4.D's access pattern: handlers are invoked
// for their overlapping sub-range, gaps and "not handled" sub-ranges
// fall through to a direct access. Returns whether a registered block
// covered gphys at all (not whether every byte was handler-serviced).
func (r *Registry) Call(gphys uint64, write bool, buf []byte, flags uint32) bool {
	r.mu.RLock()
	r.running.Add(1)

	handled := r.dispatch(gphys, write, buf, flags)

	r.running.Add(-1)
	r.mu.RUnlock()

	r.mu.Lock()
	r.drainPending()
	r.mu.Unlock()

	return handled
}

func (r *Registry) dispatch(gphys uint64, write bool, buf []byte, flags uint32) bool {
	length := uint64(len(buf))
	item, ok := r.blocks.FindCovering(gphys)
	if !ok {
		return false
	}
	b := item.Value.(*block)

	start := gphys
	off := uint64(0)
	remaining := length

	b.handlers.AscendFrom(0, func(it bplustree.Item) bool {
		if remaining == 0 {
			return false
		}
		he := it.Value.(*handlerEntry)
		hStart, hEnd := he.gphys, he.gphys+he.length

		if start < hStart {
			gap := hStart - start
			if gap > remaining {
				gap = remaining
			}
			r.access(start, write, buf[off:off+gap], flags)
			start += gap
			off += gap
			remaining -= gap
			if remaining == 0 {
				return false
			}
		}

		if start >= hEnd {
			return true // this handler ends before our cursor; keep scanning
		}

		segment := hEnd - start
		if segment > remaining {
			segment = remaining
		}
		sub := buf[off : off+segment]
		if !he.fn(he.data, start, write, sub, flags) {
			r.access(start, write, sub, flags)
		}
		start += segment
		off += segment
		remaining -= segment
		return remaining > 0
	})

	if remaining > 0 {
		r.access(start, write, buf[off:off+remaining], flags)
	}
	return true
}

// directAccess performs an unregistered read or write against the
// hypervisor's own mapping of guest-physical memory, the bypass path
// spec.md section 4.D calls "direct access through C".
func (r *Registry) directAccess(gphys uint64, write bool, buf []byte, flags uint32) {
	if len(buf) == 0 {
		return
	}
	var f mmu.Flag
	if write {
		f |= mmu.Write
	}
	va, err := r.mem.MapMem(gphys, uint64(len(buf)), f)
	if err != nil {
		panic(fmt.Sprintf("mmio: direct access mapmem(%#x, %#x) failed: %v", gphys, len(buf), err))
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), len(buf))
	if write {
		copy(mem, buf)
	} else {
		copy(buf, mem)
	}
	if err := r.mem.UnmapMem(va, uint64(len(buf))); err != nil {
		log.Printf("mmio: unmapmem(%#x, %#x): %v", va, len(buf), err)
	}
}
