// Package bplustree gives the MMIO interposition registry (component D)
// and the ITS device/event tables (component I) an ordered, range-aware
// map keyed by an unsigned 64-bit start address. spec.md section 9 calls
// for B+ trees explicitly ("the registry's block tree and per-block
// handler tree are both B+ trees of gphys -> opaque"); no B+ tree
// implementation exists anywhere in the reference corpus or its
// dependency graph, but github.com/google/btree — already pulled in
// transitively by tinyrange-cc — gives the same asymptotic and ordering
// guarantees for this workload (point lookup, range-covering lookup,
// ordered iteration, no need for on-disk paging) and is the closest
// ecosystem match, so the node width is irrelevant to correctness here
// and a B-tree serves as the grounded substitute.
package bplustree

import "github.com/google/btree"

// Item is one entry: a half-open byte range [Start, End) carrying an
// opaque value. Two items with overlapping ranges may not both be present
// in the same Tree; callers check Overlaps before Insert.
type Item struct {
	Start uint64
	End   uint64
	Value any
}

func less(a, b Item) bool { return a.Start < b.Start }

// Tree is an ordered map from byte range to value, degree-32 (the
// default google/btree uses for its non-generic constructor), safe for
// concurrent readers but not for concurrent writers — callers serialize
// writes themselves (the MMIO registry's reader-writer lock, the ITS
// shadow's single spinlock).
type Tree struct {
	t *btree.BTreeG[Item]
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{t: btree.NewG(32, less)}
}

// Len returns the number of items in the tree.
func (t *Tree) Len() int { return t.t.Len() }

// Insert adds it, replacing and returning any previous item with the same
// Start. Callers must have already checked Overlaps; Insert itself only
// enforces exact-Start replacement, matching how btree.ReplaceOrInsert
// behaves.
func (t *Tree) Insert(it Item) (previous Item, replaced bool) {
	return t.t.ReplaceOrInsert(it)
}

// Delete removes the item starting at start, if present.
func (t *Tree) Delete(start uint64) (Item, bool) {
	return t.t.Delete(Item{Start: start})
}

// Get returns the item starting exactly at start, if present.
func (t *Tree) Get(start uint64) (Item, bool) {
	return t.t.Get(Item{Start: start})
}

// FindCovering returns the item whose range [Start, End) contains addr,
// scanning backward from the first item with Start <= addr. Returns
// false if no item covers addr (the gap is served by direct access, per
// spec.md section 4.D's "bypassing the registry" fallback).
func (t *Tree) FindCovering(addr uint64) (Item, bool) {
	var found Item
	ok := false
	t.t.DescendLessOrEqual(Item{Start: addr}, func(it Item) bool {
		if addr < it.End {
			found, ok = it, true
		}
		return false
	})
	return found, ok
}

// Overlaps reports whether any existing item intersects the half-open
// range [start, end). Used to reject double-registration, per spec.md's
// "handlers within a block never overlap byte-wise" invariant.
func (t *Tree) Overlaps(start, end uint64) bool {
	overlap := false
	t.t.DescendLessOrEqual(Item{Start: start}, func(it Item) bool {
		if start < it.End {
			overlap = true
		}
		return false
	})
	if overlap {
		return true
	}
	t.t.AscendRange(Item{Start: start}, Item{Start: end}, func(it Item) bool {
		overlap = true
		return false
	})
	return overlap
}

// AscendFrom walks items in increasing Start order beginning at or after
// start, until fn returns false.
func (t *Tree) AscendFrom(start uint64, fn func(Item) bool) {
	t.t.AscendGreaterOrEqual(Item{Start: start}, fn)
}

// Ascend walks every item in increasing Start order.
func (t *Tree) Ascend(fn func(Item) bool) {
	t.t.Ascend(fn)
}
