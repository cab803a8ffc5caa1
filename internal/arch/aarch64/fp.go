package aarch64

// FPRegs is the raw save area for all 32 128-bit vector/FP registers, the
// stack buffer spec.md section 4.E calls for around emulated accesses to
// a V-register destination.
type FPRegs [32][2]uint64

// SaveFPRegs and RestoreFPRegs move the full V0-V31 register file to and
// from buf using paired VST1/VLD1 post-indexed loads, four registers at
// a time — the same instruction pair golang.org/x/crypto's arm64
// AES/SHA assembly uses to spill the vector file around a call, applied
// here for the same reason: the Go arm64 assembler has no single
// "save everything" instruction, so this is the idiomatic way to move
// 512 bytes through SIMD registers in bulk.
//
// defined in asm_arm64.s
func SaveFPRegs(buf *FPRegs)
func RestoreFPRegs(buf *FPRegs)
