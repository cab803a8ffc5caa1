package mmu

// Hook is the cookie HookIPA returns and UnhookIPA consumes: the range
// that was hooked and the saved entries so unhooking restores the exact
// prior mapping rather than re-deriving it. spec.md section 3 calls this
// "an IPA-hook cookie returned by B when the stage-2 mapping of that
// range is re-targeted to fault" — component D (internal/mmio) is the
// only caller.
type Hook struct {
	addr, length uint64
	saved        []savedEntry
}

type savedEntry struct {
	va, leafPhys, value uint64
}

// HookIPA toggles validity of the stage-2 entries covering
// [addr, addr+length) so any access faults, without disturbing the
// output address or attributes recorded in the entry (they are restored
// verbatim on UnhookIPA). addr and length must already be mapped as
// 4KiB pages; HookIPA does not split blocks itself — a page reached only
// through a block entry, or with no table path at all, makes it return
// errNotMapped. Callers that need a hole inside a block-mapped stage-2
// region must map that region at page granularity up front.
func (d *Descriptor) HookIPA(addr, length uint64) (*Hook, error) {
	if addr%pageSize != 0 || length%pageSize != 0 {
		return nil, errMisaligned
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	h := &Hook{addr: addr, length: length}
	for off := uint64(0); off < length; off += pageSize {
		va := addr + off
		leafPhys, ok := d.leafEntryPhys(va)
		if !ok {
			return nil, errNotMapped
		}
		e := d.mem.ReadEntry(leafPhys)
		h.saved = append(h.saved, savedEntry{va: va, leafPhys: leafPhys, value: e})
		d.breakBeforeMake(leafPhys, va, 0)
	}
	return h, nil
}

// UnhookIPA restores the entries HookIPA saved, making the range
// translate exactly as it did before hooking.
func (d *Descriptor) UnhookIPA(h *Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range h.saved {
		d.breakBeforeMake(s.leafPhys, s.va, s.value)
	}
}

// leafEntryPhys returns the physical address of the level-3 entry slot
// for va, without allocating anything, or false if no table reaches that
// far (a block entry higher up already covers va at coarser granularity,
// which HookIPA's caller is required to have avoided).
func (d *Descriptor) leafEntryPhys(va uint64) (uint64, bool) {
	table := d.Root
	for level := d.StartLevel; level < 3; level++ {
		idx := levelIndex(va, level)
		e := d.mem.ReadEntry(table + uint64(idx)*8)
		if !entryIsValid(e) || !entryIsTable(e, level) {
			return 0, false
		}
		table = entryOutputAddr(e)
	}
	idx := levelIndex(va, 3)
	return table + uint64(idx)*8, true
}
