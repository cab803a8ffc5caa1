package emu

import (
	"encoding/binary"
	"fmt"
	"log"
	"unsafe"

	"example.com/ahv/internal/arch/aarch64"
	"example.com/ahv/internal/mapper"
	"example.com/ahv/internal/mmio"
	"example.com/ahv/internal/mmu"
)

// rawAccess moves raw bytes to or from a guest-physical address, with no
// MMIO dispatch involved: used for the instruction fetch, the debug
// context dump, and as the final fallback once the registry has
// declined an access.
type rawAccess func(ipa uint64, write bool, buf []byte, flags mmu.Flag) error

// translateFunc resolves a guest-virtual address to an IPA plus memory
// attributes, the signature of mmu.TranslateGuestVirtToIPA. A field
// rather than a direct call so tests can substitute a table lookup for
// the real AT-instruction path, which needs a live translation regime
// no host process has.
type translateFunc func(va uint64, el int, write bool) (ipa uint64, attrs mmu.Flag, err error)

// Emulator is component E.
type Emulator struct {
	mem       *mapper.Mapper
	registry  *mmio.Registry
	raw       rawAccess
	translate translateFunc
}

// New returns an Emulator that fetches instructions and falls back on
// unhandled accesses through mem, dispatching data accesses through
// registry first.
func New(mem *mapper.Mapper, registry *mmio.Registry) *Emulator {
	e := &Emulator{mem: mem, registry: registry}
	e.raw = e.rawMapperAccess
	e.translate = mmu.TranslateGuestVirtToIPA
	return e
}

func (e *Emulator) rawMapperAccess(ipa uint64, write bool, buf []byte, flags mmu.Flag) error {
	va, err := e.mem.MapMem(ipa, uint64(len(buf)), flags)
	if err != nil {
		return err
	}
	defer e.mem.UnmapMem(va, uint64(len(buf)))
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), len(buf))
	if write {
		copy(mem, buf)
	} else {
		copy(buf, mem)
	}
	return nil
}

func (e *Emulator) doAccess(ipa uint64, write bool, buf []byte, flags mmu.Flag) {
	handled := false
	if e.registry != nil {
		handled = e.registry.Call(ipa, write, buf, uint32(flags))
	}
	if !handled {
		if err := e.raw(ipa, write, buf, flags); err != nil {
			panic(fmt.Sprintf("emu: direct access at ipa %#x failed: %v", ipa, err))
		}
	}
}

func putIntBytes(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

func getIntBytes(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}

// Emulate decodes the one load/store instruction at the guest's ELR,
// computes its effective guest-virtual address, and forwards the
// resulting access, per spec.md section 4.E. el is the exception level
// the fault was taken from (1 or 0); write is the direction stage-2
// reported for the original fault.
func (e *Emulator) Emulate(regs RegisterFile, elr uint64, write bool, el int) error {
	instIPA, instFlags, err := e.translate(elr, el, false)
	if err != nil {
		return fmt.Errorf("emu: ELR translation fault at %#x el %d: %w", elr, el, err)
	}

	instBuf := make([]byte, 4)
	if err := e.raw(instIPA, false, instBuf, instFlags); err != nil {
		return fmt.Errorf("emu: instruction fetch at ipa %#x: %w", instIPA, err)
	}
	inst := binary.LittleEndian.Uint32(instBuf)

	var rt, rn, opc, vbit, s, size uint32
	var vaddr uint64
	prefetch := false

	switch {
	case inst&sigRegOffset == sigRegOffset:
		rt, rn, opc, vbit, s = decodeCommon(inst)
		if isPrefetch(s, opc, vbit) {
			prefetch = true
			break
		}
		size = sizeCommon(s, opc, vbit)
		regShift := uint32(0)
		if (inst>>12)&1 != 0 {
			regShift = s
		}
		option := (inst >> 13) & 7
		rm := (inst >> 16) & 0x1F
		regOffset := regs.GPR(int(rm)) << regShift
		switch option {
		case optUXTW, optLSL:
			// unsigned extension: nothing further to do.
		case optSXTW, optSXTX:
			regOffset = uint64(signExt64(regOffset, uint(size)*8))
		default:
			panic(fmt.Sprintf("emu: unhandled register-offset option %#x", option))
		}
		vaddr = vaddrFromRn(regs, rn, el) + regOffset

	case inst&sigImmUnsigned == sigImmUnsigned:
		rt, rn, opc, vbit, s = decodeCommon(inst)
		if isPrefetch(s, opc, vbit) {
			prefetch = true
			break
		}
		size = sizeCommon(s, opc, vbit)
		imm := (inst >> 10) & 0xFFF
		vaddr = vaddrFromRn(regs, rn, el) + uint64(imm)<<s

	case inst&sigImmPre == sigImmPre || inst&sigImmPost == sigImmPost:
		rt, rn, opc, vbit, s = decodeCommon(inst)
		size = sizeCommon(s, opc, vbit)
		imm := (inst >> 12) & 0x1FF
		base := vaddrFromRn(regs, rn, el)
		updated := uint64(int64(base) + signExt64(uint64(imm), 9))
		// Commit the base-register update before re-translating, for
		// both pre- and post-indexed forms.
		if rn == 31 {
			if el == 1 {
				regs.SetSPEL1(updated)
			} else {
				regs.SetSPEL0(updated)
			}
		} else {
			regs.SetGPR(int(rn), updated)
		}
		vaddr = base
		if inst&sigImmPre == sigImmPre {
			vaddr = updated
		}

	case inst&sigImmUnscale == sigImmUnscale:
		rt, rn, opc, vbit, s = decodeCommon(inst)
		if isPrefetch(s, opc, vbit) {
			prefetch = true
			break
		}
		size = sizeCommon(s, opc, vbit)
		imm := (inst >> 12) & 0x1FF
		vaddr = uint64(int64(vaddrFromRn(regs, rn, el)) + signExt64(uint64(imm), 9))

	case inst&sigLDRLit == sigLDRLit:
		if write {
			return fmt.Errorf("emu: literal encoding %#08x used on a write access", inst)
		}
		litOpc := (inst >> 30) & 0x3
		if litOpc == 0x3 {
			prefetch = true
			break
		}
		rt = inst & 0x1F
		imm := (inst >> 5) & 0x7FFFF // imm19
		vbit = (inst >> 26) & 0x1
		if vbit != 0 {
			size = 4 << litOpc
		} else {
			size = 1 << (2 + (litOpc & 0x1))
		}
		vaddr = uint64(int64(elr) + signExt64(uint64(imm)<<2, 19+2))

	default:
		e.dumpContext(elr, instIPA, instFlags)
		return fmt.Errorf("emu: unhandled load/store encoding %#08x at %#x", inst, elr)
	}

	if prefetch {
		regs.SetELR(elr + 4)
		return nil
	}

	ipaAddr, flags, err := e.translate(vaddr, el, write)
	if err != nil {
		e.dumpContext(elr, instIPA, instFlags)
		return fmt.Errorf("emu: vaddr %#x translation fault: %w", vaddr, err)
	}

	if vbit != 0 {
		e.emulateVector(regs, rt, size, write, ipaAddr, flags)
		regs.SetELR(elr + 4)
		return nil
	}

	buf := make([]byte, size)
	signedExt := opc&0x2 != 0
	if write {
		putIntBytes(buf, regs.GPR(int(rt)))
	}
	e.doAccess(ipaAddr, write, buf, flags)
	if !write {
		val := getIntBytes(buf)
		if signedExt {
			val = uint64(signExt64(val, uint(size)*8))
		}
		regs.SetGPR(int(rt), val)
	}
	regs.SetELR(elr + 4)
	return nil
}

// emulateVector handles a V-register source/destination access. Stores
// of the full 16-byte form are not supported (neither is the original
// this core is grounded on); loads of it are, and are never
// sign-extended.
func (e *Emulator) emulateVector(regs RegisterFile, rt, size uint32, write bool, ipaAddr uint64, flags mmu.Flag) {
	var fp aarch64.FPRegs
	aarch64.SaveFPRegs(&fp)
	defer aarch64.RestoreFPRegs(&fp)

	buf := make([]byte, size)
	if write {
		if size == 16 {
			panic("emu: 16-byte vector store is not supported")
		}
		putIntBytes(buf, fp[rt][0])
	} else {
		fp[rt][1] = 0
	}

	e.doAccess(ipaAddr, write, buf, flags)

	if !write {
		if size == 16 {
			fp[rt][0] = getIntBytes(buf[0:8])
			fp[rt][1] = getIntBytes(buf[8:16])
		} else {
			fp[rt][0] = getIntBytes(buf)
		}
	}
}

// dumpContext logs +-8 instructions of guest code around the fault, the
// debugging aid spec.md section 4.E calls for on translation failure.
func (e *Emulator) dumpContext(elr, instIPA uint64, flags mmu.Flag) {
	start := instIPA - 32
	buf := make([]byte, 16*4)
	if err := e.raw(start, false, buf, flags); err != nil {
		log.Printf("emu: dumpContext: could not read guest code at %#x: %v", start, err)
		return
	}
	for i := 0; i < 16; i++ {
		marker := ""
		if i == 8 {
			marker = ">>> "
		}
		word := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		log.Printf("%s%#x %#x: %#08x", marker, elr-32+uint64(i*4), start+uint64(i*4), word)
	}
}
