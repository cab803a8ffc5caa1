package mmu

import (
	"sync"

	"example.com/ahv/internal/arch/aarch64"
)

// Stage distinguishes the two regimes spec.md section 4.B names.
type Stage int

const (
	Stage1User   Stage = iota // in-VMM process, 48-bit VA
	Stage1Kernel              // hypervisor's own VA
	Stage2                    // guest IPA -> host PA
)

// Descriptor owns one root table and the mutex serializing every
// operation on it, per spec.md section 3's "Page-table descriptor"
// data-model entry and invariant 1 in section 4.B ("the mutex of the
// descriptor is held for the whole traversal").
type Descriptor struct {
	mu         sync.Mutex
	Root       uint64
	Stage      Stage
	StartLevel int
	mem        Memory
}

// NewDescriptor allocates a root table for the given stage and starting
// level (0, 1, or 2, per spec.md section 3 — stage-2 start level depends
// on the guest IPA size reported by the CPU, chosen by the caller).
func NewDescriptor(mem Memory, stage Stage, startLevel int) *Descriptor {
	return &Descriptor{Root: mem.AllocTable(), Stage: stage, StartLevel: startLevel, mem: mem}
}

func (d *Descriptor) invalidateTLB(addr uint64) {
	if d.Stage == Stage2 {
		aarch64.TLBInvalidateStage2ByIPAInnerShareable(addr)
	} else {
		aarch64.TLBInvalidateStage1ByVAInnerShareable(addr)
	}
}

// breakBeforeMake implements invariant 2 of spec.md section 4.B: if the
// entry at phys currently holds a valid descriptor, invalidate it first,
// broadcast the matching TLB invalidate, dsb ish, only then write value,
// then dsb ish + isb again.
func (d *Descriptor) breakBeforeMake(entryPhys uint64, addrCovered uint64, value uint64) {
	old := d.mem.ReadEntry(entryPhys)
	if entryIsValid(old) {
		d.mem.WriteEntry(entryPhys, 0)
		d.invalidateTLB(addrCovered)
		aarch64.DataBarrierInnerShareable()
	}
	d.mem.WriteEntry(entryPhys, value)
	aarch64.DataBarrierInnerShareable()
	aarch64.InstructionBarrier()
}

// walkCreate descends from the root to the table at level-1 that holds
// the leaf entry for addr, allocating any missing intermediate tables
// along the way. Returns the physical address of the leaf entry slot.
func (d *Descriptor) walkCreate(addr uint64) uint64 {
	table := d.Root
	for level := d.StartLevel; level < 3; level++ {
		idx := levelIndex(addr, level)
		entryPhys := table + uint64(idx)*8
		e := d.mem.ReadEntry(entryPhys)
		if !entryIsValid(e) {
			child := d.mem.AllocTable()
			d.mem.WriteEntry(entryPhys, buildTableEntry(child))
			table = child
			continue
		}
		if !entryIsTable(e, level) {
			// A block occupies this slot; splitting is handled by the
			// caller (Map) before walkCreate is invoked on a range that
			// needs finer granularity, so reaching this means the
			// existing block already satisfies the request at a
			// coarser level than asked — walkCreate is only called
			// when the caller has already decided it needs the finer
			// level, so treat this as a programming error made visible
			// rather than corrupting the block silently.
			panic("mmu: walkCreate found a block where a table was expected")
		}
		table = entryOutputAddr(e)
	}
	idx := levelIndex(addr, 3)
	return table + uint64(idx)*8
}

// splitBlock demotes the block entry at entryPhys (covering blockSize
// bytes starting at blockBase, at the given level) into a newly
// allocated child table of 512 finer entries preserving the same output
// mapping, then writes the table entry over the block. spec.md section
// 4.B invariant 3: "the 512 finer entries must be constructed before the
// upper entry is demoted from block to table."
func (d *Descriptor) splitBlock(entryPhys, blockBase uint64, level int) {
	old := d.mem.ReadEntry(entryPhys)
	outAddr := entryOutputAddr(old)
	attrBits := old &^ outputAddrMask &^ descTable

	child := d.mem.AllocTable()
	childEntrySize := uint64(1) << levelShift(level + 1)
	for i := 0; i < entriesPerTable; i++ {
		childOut := outAddr + uint64(i)*childEntrySize
		isPage := level+1 == 3
		var childBits uint64
		if isPage {
			childBits = attrBits | descTable
		} else {
			childBits = attrBits
		}
		d.mem.WriteEntry(child+uint64(i)*8, childBits|(childOut&outputAddrMask))
	}

	d.breakBeforeMake(entryPhys, blockBase, buildTableEntry(child))
}

// Map makes [from, from+length) translate to [to, to+length) with attrs,
// per spec.md section 4.B: greedily uses 2MiB blocks when from, to, and
// length are all 2MiB-aligned, otherwise 4KiB pages, splitting any
// existing block that straddles a requested finer region.
func (d *Descriptor) Map(from, to, length uint64, attrs Flag) error {
	if from%pageSize != 0 || to%pageSize != 0 || length%pageSize != 0 {
		return errMisaligned
	}
	if _, err := mairIndexFor(attrs); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	useBlocks := from%blockSize2M == 0 && to%blockSize2M == 0 && length%blockSize2M == 0
	step := uint64(pageSize)
	if useBlocks {
		step = blockSize2M
	}

	for off := uint64(0); off < length; off += step {
		va, pa := from+off, to+off
		if useBlocks {
			d.mapOneBlock(va, pa, attrs)
		} else {
			d.mapOnePage(va, pa, attrs)
		}
	}
	return nil
}

func (d *Descriptor) mapOneBlock(va, pa uint64, attrs Flag) {
	table := d.Root
	for level := d.StartLevel; level < 2; level++ {
		idx := levelIndex(va, level)
		entryPhys := table + uint64(idx)*8
		e := d.mem.ReadEntry(entryPhys)
		if !entryIsValid(e) {
			child := d.mem.AllocTable()
			d.mem.WriteEntry(entryPhys, buildTableEntry(child))
			table = child
			continue
		}
		if !entryIsTable(e, level) {
			blockBase := va &^ (blockSize1G - 1)
			d.splitBlock(entryPhys, blockBase, level)
			e = d.mem.ReadEntry(entryPhys)
		}
		table = entryOutputAddr(e)
	}
	idx := levelIndex(va, 2)
	entryPhys := table + uint64(idx)*8
	e := d.mem.ReadEntry(entryPhys)
	if entryIsValid(e) && entryIsTable(e, 2) {
		// A finer table already exists here; fall back to page-granular
		// mapping of this one block's range rather than discarding the
		// existing table wholesale.
		for p := uint64(0); p < blockSize2M; p += pageSize {
			d.mapOnePage(va+p, pa+p, attrs)
		}
		return
	}
	leaf, err := buildLeafEntry(pa, attrs, false)
	if err != nil {
		return
	}
	d.breakBeforeMake(entryPhys, va, leaf)
}

func (d *Descriptor) mapOnePage(va, pa uint64, attrs Flag) {
	// If an existing block covers va at level 1 or 2, split it first so
	// the finer entry can be created (spec.md: "may split an existing
	// block into its constituent granules to preserve the rest of the
	// block's mapping").
	table := d.Root
	for level := d.StartLevel; level < 3; level++ {
		idx := levelIndex(va, level)
		entryPhys := table + uint64(idx)*8
		e := d.mem.ReadEntry(entryPhys)
		if !entryIsValid(e) {
			child := d.mem.AllocTable()
			d.mem.WriteEntry(entryPhys, buildTableEntry(child))
			table = child
			continue
		}
		if !entryIsTable(e, level) {
			blockBase := va &^ ((uint64(1) << levelShift(level)) - 1)
			d.splitBlock(entryPhys, blockBase, level)
			e = d.mem.ReadEntry(entryPhys)
		}
		table = entryOutputAddr(e)
	}
	idx := levelIndex(va, 3)
	entryPhys := table + uint64(idx)*8
	leaf, err := buildLeafEntry(pa, attrs, true)
	if err != nil {
		return
	}
	d.breakBeforeMake(entryPhys, va, leaf)
}

// Unmap writes invalid entries over [from, from+length), freeing any
// intermediate table that becomes entirely empty and was hypervisor
// allocated (every table this engine allocates is, since it never adopts
// a static firmware-built table as a child).
func (d *Descriptor) Unmap(from, length uint64) error {
	if from%pageSize != 0 || length%pageSize != 0 {
		return errMisaligned
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for off := uint64(0); off < length; off += pageSize {
		va := from + off
		d.unmapOne(va)
	}
	return nil
}

func (d *Descriptor) unmapOne(va uint64) {
	var path [3]uint64 // entryPhys at levels StartLevel..2
	table := d.Root
	for level := d.StartLevel; level < 3; level++ {
		idx := levelIndex(va, level)
		entryPhys := table + uint64(idx)*8
		path[level] = entryPhys
		e := d.mem.ReadEntry(entryPhys)
		if !entryIsValid(e) {
			return // already unmapped
		}
		if !entryIsTable(e, level) {
			// A block covers va; invalidating the whole block would
			// unmap more than [va, va+pageSize). Split it down to
			// pages first so only the requested page is affected.
			blockBase := va &^ ((uint64(1) << levelShift(level)) - 1)
			d.splitBlock(entryPhys, blockBase, level)
			e = d.mem.ReadEntry(entryPhys)
		}
		table = entryOutputAddr(e)
	}
	idx := levelIndex(va, 3)
	leafPhys := table + uint64(idx)*8
	if !entryIsValid(d.mem.ReadEntry(leafPhys)) {
		return
	}
	d.mem.WriteEntry(leafPhys, 0)
	d.invalidateTLB(va)
	aarch64.DataBarrierInnerShareable()
	aarch64.InstructionBarrier()

	d.freeEmptyTables(va)
}

// freeEmptyTables walks back up from level 2 to StartLevel, freeing any
// table that has become entirely empty after the unmap above.
func (d *Descriptor) freeEmptyTables(va uint64) {
	table := d.Root
	var parents []uint64
	for level := d.StartLevel; level < 3; level++ {
		idx := levelIndex(va, level)
		entryPhys := table + uint64(idx)*8
		e := d.mem.ReadEntry(entryPhys)
		if !entryIsValid(e) || !entryIsTable(e, level) {
			return
		}
		parents = append(parents, entryPhys)
		table = entryOutputAddr(e)
	}
	for i := len(parents) - 1; i >= 0; i-- {
		if !tableEmpty(d.mem, table) {
			return
		}
		d.mem.FreeTable(table)
		d.mem.WriteEntry(parents[i], 0)
		parentTable := d.Root
		if i > 0 {
			parentTable = entryOutputAddr(d.mem.ReadEntry(parents[i-1]))
		}
		table = parentTable
	}
}

func tableEmpty(mem Memory, table uint64) bool {
	for i := 0; i < entriesPerTable; i++ {
		if entryIsValid(mem.ReadEntry(table + uint64(i)*8)) {
			return false
		}
	}
	return true
}

// CheckExisting returns whether a current stage-1 mapping exists for va.
func (d *Descriptor) CheckExisting(va uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	table := d.Root
	for level := d.StartLevel; level < 3; level++ {
		idx := levelIndex(va, level)
		e := d.mem.ReadEntry(table + uint64(idx)*8)
		if !entryIsValid(e) {
			return false
		}
		if !entryIsTable(e, level) {
			return true // block covers va
		}
		table = entryOutputAddr(e)
	}
	idx := levelIndex(va, 3)
	return entryIsValid(d.mem.ReadEntry(table + uint64(idx)*8))
}

// lookup walks the table purely for testing/introspection, returning
// the output address and MAIR index the live mapping for va currently
// carries. Used by the round-trip and attribute-clamp tests in spec.md
// section 8; production code translates guest addresses through
// TranslateGuestVirtToIPA in translate.go instead, which issues the real
// hardware address-translation instruction.
func (d *Descriptor) lookup(va uint64) (outAddr uint64, mi MairIndex, ok bool) {
	table := d.Root
	for level := d.StartLevel; level < 3; level++ {
		idx := levelIndex(va, level)
		e := d.mem.ReadEntry(table + uint64(idx)*8)
		if !entryIsValid(e) {
			return 0, 0, false
		}
		if !entryIsTable(e, level) {
			blockBase := va &^ ((uint64(1) << levelShift(level)) - 1)
			return entryOutputAddr(e) + (va - blockBase), entryMairIndex(e), true
		}
		table = entryOutputAddr(e)
	}
	idx := levelIndex(va, 3)
	e := d.mem.ReadEntry(table + uint64(idx)*8)
	if !entryIsValid(e) {
		return 0, 0, false
	}
	pageBase := va &^ (pageSize - 1)
	return entryOutputAddr(e) + (va - pageBase), entryMairIndex(e), true
}

// Lookup exposes lookup for tests in this package's _test.go files that
// need to verify the round-trip / idempotence / attribute-clamp
// properties directly against the table rather than through a hardware
// AT instruction.
func (d *Descriptor) Lookup(va uint64) (outAddr uint64, mi MairIndex, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookup(va)
}
