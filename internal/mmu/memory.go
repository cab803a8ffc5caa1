package mmu

// Memory is the backing store a Descriptor walks and mutates: the actual
// page-table content, addressed by physical frame address. Real hardware
// tables live in guest/hypervisor physical memory reached through
// internal/mapper's windows; tests supply a flat in-process fake so the
// round-trip/idempotence/attribute-clamp properties spec.md section 8
// names are independently verifiable "under a mock TLB" without any
// actual hardware.
type Memory interface {
	// ReadEntry returns the 8-byte descriptor at phys.
	ReadEntry(phys uint64) uint64
	// WriteEntry stores v at phys.
	WriteEntry(phys uint64, v uint64)
	// AllocTable returns the physical address of a freshly zeroed,
	// page-sized table, and marks it as hypervisor-owned so it is safe
	// to free later without risking a static (non-hypervisor-owned)
	// table — the "software bit" spec.md section 3 describes.
	AllocTable() uint64
	// FreeTable releases a table previously returned by AllocTable. It
	// is only ever called on tables the engine itself allocated.
	FreeTable(phys uint64)
}

// FakeMemory is an in-process Memory backed by a Go map, for unit tests
// that exercise Descriptor without any real physical memory or hardware
// TLB. Not used by the production boot path.
type FakeMemory struct {
	pages map[uint64][entriesPerTable]uint64
	next  uint64
}

// NewFakeMemory returns an empty FakeMemory; table physical addresses are
// handed out starting at base, page-aligned.
func NewFakeMemory(base uint64) *FakeMemory {
	return &FakeMemory{pages: make(map[uint64][entriesPerTable]uint64), next: base}
}

func (m *FakeMemory) pageFor(phys uint64) ([entriesPerTable]uint64, uint64) {
	base := phys &^ (pageSize - 1)
	return m.pages[base], base
}

func (m *FakeMemory) ReadEntry(phys uint64) uint64 {
	page, base := m.pageFor(phys)
	idx := (phys - base) / 8
	return page[idx]
}

func (m *FakeMemory) WriteEntry(phys uint64, v uint64) {
	base := phys &^ (pageSize - 1)
	page := m.pages[base]
	idx := (phys - base) / 8
	page[idx] = v
	m.pages[base] = page
}

func (m *FakeMemory) AllocTable() uint64 {
	addr := m.next
	m.next += pageSize
	m.pages[addr] = [entriesPerTable]uint64{}
	return addr
}

func (m *FakeMemory) FreeTable(phys uint64) {
	delete(m.pages, phys)
}
