package psci

import "unsafe"

// placeEntryData writes g into the top of stack, 16-byte aligned, and
// returns the address the secondary core's entry trampoline will find it
// at (passed through as the SMC context-id argument). Isolated in its
// own file, the same convention pcpu/unsafe.go uses for its own
// unsafe.Pointer casts.
//
// "We want this data to be 16-byte aligned... data on the stack... so we
// can use ldp instruction in assembly easily" from the reference's own
// comment on struct entry_data.
func placeEntryData(stack []byte, g entryData) uint64 {
	sz := int(unsafe.Sizeof(entryData{}))
	off := (len(stack) - sz) &^ 0xF
	p := (*entryData)(unsafe.Pointer(&stack[off]))
	*p = g
	return uint64(uintptr(unsafe.Pointer(p)))
}
