package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"unsafe"

	"example.com/ahv/internal/gic"
	"example.com/ahv/internal/mapper"
	"example.com/ahv/internal/mmio"
	"example.com/ahv/internal/mmu"
)

// Virtual GITS control-frame register offsets this wiring intercepts,
// matching gic.c's GITS_CBASER/GITS_CWRITER/GITS_CREADR (GITS_CTLR_BASE
// + 0x80/0x88/0x90).
const (
	gitsCBASEROff  = 0x80
	gitsCWRITEROff = 0x88
	gitsCREADROff  = 0x90

	gitsCBASERAddrMask  = 0xFFFFFFFFFF000
	gitsCBASERValid     = uint64(1) << 63
	gitsCWRITERIdxMask  = 0x7FFF
	gitsCWRITERIdxShift = 5
	itsPageSize         = 4096
	itsCmdSize          = 32
)

// itsRegWiring bridges the guest-facing virtual GITS control-register
// block to gic.Shadow. Shadow's HandleCBASER/HandleCREADR already speak
// the (write bool, val *uint64) shape an mmio.Handler needs; HandleCWRITER
// instead wants an already-decoded []gic.Cmd batch, since it has no
// guest-ring-walk of its own (a deliberate scope decision, see
// DESIGN.md's component I entry) -- this type supplies that walk, the
// one piece of glue the split leaves for whoever wires the registers up.
//
// Simplifying assumption: the guest's CBASER ring address is read as a
// host-physical address directly through mapper.MapMem, the same
// "currently we run only one VM" identity-style assumption vm.go's own
// doc comment already carries for this core's scope.
type itsRegWiring struct {
	mem    *mapper.Mapper
	shadow *gic.Shadow

	ringPhys    uint64
	ringDepth   uint64 // in command slots
	nextGuestIX uint64 // next unread guest command-ring index
}

func newITSRegWiring(mem *mapper.Mapper, shadow *gic.Shadow) *itsRegWiring {
	return &itsRegWiring{mem: mem, shadow: shadow}
}

// registerAll installs the three intercepted registers into registry at
// itsGPhysBase, the guest-visible virtual GITS control frame address.
func (w *itsRegWiring) registerAll(registry *mmio.Registry, itsGPhysBase uint64) error {
	regs := []struct {
		off uint64
		fn  func(write bool, buf []byte) error
	}{
		{gitsCBASEROff, w.handleCBASER},
		{gitsCWRITEROff, w.handleCWRITER},
		{gitsCREADROff, w.handleCREADR},
	}
	for _, r := range regs {
		off := r.off
		fn := r.fn
		_, err := registry.Register(itsGPhysBase+off, 8,
			func(_ any, gphys uint64, write bool, buf []byte, flags uint32) bool {
				if err := fn(write, buf); err != nil {
					log.Printf("ahv: GITS register access at %#x: %v", gphys, err)
					return false
				}
				return true
			}, nil)
		if err != nil {
			return fmt.Errorf("ahv: registering GITS register at offset %#x: %w", off, err)
		}
	}
	return nil
}

func (w *itsRegWiring) handleCBASER(write bool, buf []byte) error {
	var v uint64
	if write {
		v = binary.LittleEndian.Uint64(buf)
	}
	if err := w.shadow.HandleCBASER(write, &v); err != nil {
		return err
	}
	if !write {
		binary.LittleEndian.PutUint64(buf, v)
		return nil
	}
	if v&gitsCBASERValid != 0 {
		w.ringPhys = v & gitsCBASERAddrMask
		w.ringDepth = (((v & 0xFF) + 1) * itsPageSize) / itsCmdSize
		w.nextGuestIX = 0
	}
	return nil
}

func (w *itsRegWiring) handleCREADR(write bool, buf []byte) error {
	var v uint64
	if write {
		v = binary.LittleEndian.Uint64(buf)
	}
	if err := w.shadow.HandleCREADR(write, &v); err != nil {
		return err
	}
	if !write {
		binary.LittleEndian.PutUint64(buf, v)
	}
	return nil
}

// handleCWRITER decodes every command between the last index it read and
// the guest's new CWRITER index, reading them straight out of the guest
// ring mapped at w.ringPhys, then hands the batch to Shadow.HandleCWRITER.
func (w *itsRegWiring) handleCWRITER(write bool, buf []byte) error {
	if !write {
		// GITS_CWRITER has no defined read side effect in this shadow;
		// the guest's own last write value is simply echoed back.
		binary.LittleEndian.PutUint64(buf, w.nextGuestIX<<gitsCWRITERIdxShift)
		return nil
	}
	if w.ringDepth == 0 {
		return fmt.Errorf("ahv: GITS_CWRITER write before a valid CBASER installed a ring")
	}

	newIdx := (binary.LittleEndian.Uint64(buf) >> gitsCWRITERIdxShift) & gitsCWRITERIdxMask
	n := (newIdx + w.ringDepth - w.nextGuestIX) % w.ringDepth
	if n == 0 {
		return nil
	}

	cmds := make([]gic.Cmd, 0, n)
	for i := uint64(0); i < n; i++ {
		idx := (w.nextGuestIX + i) % w.ringDepth
		cmd, err := w.readCmd(idx)
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}

	if _, err := w.shadow.HandleCWRITER(cmds); err != nil {
		return err
	}
	w.nextGuestIX = newIdx
	return nil
}

func (w *itsRegWiring) readCmd(idx uint64) (gic.Cmd, error) {
	phys := w.ringPhys + idx*itsCmdSize
	va, err := w.mem.MapMem(phys, itsCmdSize, mmu.Flag(0))
	if err != nil {
		return gic.Cmd{}, fmt.Errorf("ahv: mapping guest ITS command at %#x: %w", phys, err)
	}
	defer func() {
		if err := w.mem.UnmapMem(va, itsCmdSize); err != nil {
			log.Printf("ahv: unmapping guest ITS command at %#x: %v", va, err)
		}
	}()

	raw := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), itsCmdSize)
	var cmd gic.Cmd
	for i := range cmd {
		cmd[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}
	return cmd, nil
}
