package gic

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"example.com/ahv/internal/bplustree"
)

// ITSPollLimit and ITSPollInterval are its_wait_cmd's bounded-polling
// discipline: CREADR is sampled at most ITSPollLimit times, sleeping
// ITSPollInterval between samples, before giving up. Exported as named
// constants (rather than folded into a single polling loop) so the
// discipline is independently testable with a fake Clock.
const (
	ITSPollLimit    = 5000
	ITSPollInterval = time.Microsecond
)

// Clock abstracts the wait between CREADR samples so tests don't actually
// sleep 5000 times. Defaults to realClock, which sleeps for real.
type Clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Cmd is one 32-byte ITS command, its first byte always the opcode
// (GITS_CMD_*), matching struct its_cmd's packed 4-qword layout.
type Cmd [4]uint64

// GITS command opcodes this shadow hooks, matching gic.c's GITS_CMD_*.
const (
	cmdMAPD    = 0x8
	cmdMAPTI   = 0xA
	cmdMAPI    = 0xB
	cmdDISCARD = 0xF
)

// gitsMAPDValid is GITS_MAPD_VALID, bit 63 of a MAPD command's third
// qword.
const gitsMAPDValid = uint64(1) << 63

// GITS_CBASER/CWRITER/CREADR bit layouts, matching gic.c's macros.
const (
	cbaserAddrMask = 0xFFFFFFFFFF000
	cbaserValid    = uint64(1) << 63

	cwriterIdxMask  = 0x7FFF
	cwriterIdxShift = 5
	cwriterRetry    = uint64(1)

	creadrIdxMask  = 0x7FFF
	creadrIdxShift = 5
	creadrStall    = uint64(1)
)

const pageSize = 4096

// cmdSize is sizeof(struct its_cmd): 4 qwords.
const cmdSize = 32

func cbaserAddr(v uint64) uint64    { return v & cbaserAddrMask }
func cbaserNPages(v uint64) uint64  { return (v & 0xFF) + 1 }
func cwriterIdx(v uint64) uint64    { return (v >> cwriterIdxShift) & cwriterIdxMask }

// eventRecord is one mapped LPI within a device's ITT, matching
// struct event_data.
type eventRecord struct {
	eventID uint32
	pintID  uint32
	valid   bool
}

// devRecord is one mapped device, matching struct dev_data.
type devRecord struct {
	devID   uint32
	ittBase uint64
	valid   bool
	events  map[uint32]*eventRecord
}

// pintEntry is the reverse physical-LPI index, matching struct pint_map.
type pintEntry struct {
	devID, eventID uint32
	mapped         bool
}

// HostRing is the real ITS control-register and command-ring interface
// this shadow drives — the seam to the physical GITS_CTLR MMIO block,
// analogous to the reference's dres_reg_read64/write64 on the real
// register window. Production wiring backs this with the MMIO-mapped
// GITS control frame; tests substitute a fake.
type HostRing interface {
	// AllocRing allocates (or reallocates) a host-owned command ring of
	// nbytes and returns its physical address, mirroring alloc2 +
	// its->h_cbase/h_cbase_phys.
	AllocRing(nbytes uint64) (hostPhys uint64, err error)
	// WriteCBASER installs raw (with the host ring's physical address
	// substituted for the guest's) into the real GITS_CBASER.
	WriteCBASER(raw uint64)
	// Submit appends cmds to the real command ring and advances the real
	// CWRITER, returning the number of commands actually queued.
	Submit(cmds []Cmd) (queued int, err error)
	// ReadCREADR returns the real GITS_CREADR's current command index and
	// stall flag, mirroring dres_reg_read64(its->r, GITS_CREADR, &v).
	ReadCREADR() (idx uint64, stall bool, err error)
}

// Shadow is component I's ITS command-ring shadow: it mirrors the guest's
// MAPD/MAPTI/MAPI/DISCARD commands into a device/event table while the
// commands themselves are forwarded to the real ITS through HostRing.
//
// Grounded on original_source/core/aarch64/gic.c: its_host, its_handle_
// cbaser/cwriter/creadr, gits_cmd_*_hook, gic_its_pintd_match.
type Shadow struct {
	mu sync.Mutex

	devices *bplustree.Tree // keyed by dev_id, Item.Value is *devRecord
	pimap   []pintEntry     // indexed by (physical LPI - lpiStart)

	lpiStart    uint32
	nids        uint32
	devIDMask   uint32
	eventIDMask uint32

	host  HostRing
	clock Clock

	// batch gates ITS command submission so at most one batch of guest
	// commands is in flight at a time (spec.md §4.I), the same role
	// its->lock's running-count check plays in the reference, expressed
	// as a weight-1 semaphore rather than a hand-rolled spinlock+flag.
	batch *semaphore.Weighted

	cbaseRaw    uint64
	cbaseNBytes uint64

	// ringDepth, cmdHead and cmdTail track the host ring's logical index
	// space in command-slot units, matching its->nidx / h_cmd_cur_head /
	// h_cmd_cur_tail merged into one since this shadow serializes guest
	// batches rather than staging host- and guest-originated commands in
	// separate pending lists (see DESIGN.md).
	ringDepth uint64
	cmdHead   uint64
	cmdTail   uint64
}

// NewShadow returns an empty Shadow. nids and lpiStart come from the
// GICD TYPER walk (component K); devIDMask/eventIDMask bound the ID space
// the configured ITT indirection tables support.
func NewShadow(host HostRing, lpiStart, nids uint32, devIDMask, eventIDMask uint32) *Shadow {
	return &Shadow{
		devices:     bplustree.New(),
		pimap:       make([]pintEntry, nids-lpiStart),
		lpiStart:    lpiStart,
		nids:        nids,
		devIDMask:   devIDMask,
		eventIDMask: eventIDMask,
		host:        host,
		clock:       realClock{},
		batch:       semaphore.NewWeighted(1),
	}
}

func (s *Shadow) checkIDRange(devID, eventID uint32) bool {
	return devID&^s.devIDMask == 0 && eventID&^s.eventIDMask == 0
}

func (s *Shadow) findDev(devID uint32) (*devRecord, bool) {
	it, ok := s.devices.Get(uint64(devID))
	if !ok {
		return nil, false
	}
	return it.Value.(*devRecord), true
}

// HandleCBASER services a trapped access to GITS_CBASER. On a write with
// the VALID bit set, it allocates a host-owned ring of the same size as
// the guest's, installs the host physical address into the real register,
// and resets logical ring state. Mirrors its_handle_cbaser.
func (s *Shadow) HandleCBASER(wr bool, val *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !wr {
		*val = s.cbaseRaw
		return nil
	}

	raw := *val
	s.cbaseRaw = raw
	if raw&cbaserValid == 0 {
		return nil
	}

	base := cbaserAddr(raw)
	nbytes := cbaserNPages(raw) * pageSize
	if base == 0 || nbytes == 0 {
		return fmt.Errorf("gic: NULL CBASER or zero queue size while VALID")
	}

	hostPhys, err := s.host.AllocRing(nbytes)
	if err != nil {
		return fmt.Errorf("gic: allocating host ITS ring: %w", err)
	}
	s.cbaseNBytes = nbytes
	s.ringDepth = nbytes / cmdSize
	s.cmdHead, s.cmdTail = 0, 0

	raw = (raw &^ uint64(cbaserAddrMask)) | cbaserAddr(hostPhys)
	s.host.WriteCBASER(raw)
	return nil
}

// HandleCWRITER services a trapped access to GITS_CWRITER. On a write it
// decodes each newly queued guest command (from cmds, the guest commands
// the caller has already translated from guest memory in submission
// order), hooks it by opcode against the device/event table, forwards the
// batch to the real ITS, then blocks until the real ring has drained it —
// gated so only one guest batch is ever in flight (spec.md §4.I). Mirrors
// its_handle_cwriter, its_submit_cmds's GUEST_CMD path, and its_wait_cmd.
func (s *Shadow) HandleCWRITER(cmds []Cmd) (queued int, err error) {
	if !s.batch.TryAcquire(1) {
		return 0, fmt.Errorf("gic: ITS batch already in flight")
	}
	defer s.batch.Release(1)

	s.mu.Lock()
	for _, cmd := range cmds {
		s.hook(cmd)
	}
	s.mu.Unlock()

	queued, err = s.host.Submit(cmds)
	if err != nil || queued == 0 {
		return queued, err
	}

	s.mu.Lock()
	if s.ringDepth == 0 {
		// CBASER hasn't installed a host ring yet (or reports zero
		// depth): track the tail as a plain monotonic count rather than
		// wrapping modulo zero.
		s.cmdTail += uint64(queued)
	} else {
		s.cmdTail = (s.cmdTail + uint64(queued)) % s.ringDepth
	}
	target := s.cmdTail
	s.mu.Unlock()

	s.waitCmd(target)
	return queued, nil
}

// waitCmd polls GITS_CREADR until the real ring's head catches up to
// target, or gives up after ITSPollLimit samples. A reported stall, or a
// timeout, is unrecoverable in the reference (its_wait_cmd panics rather
// than returning an error) since the command ring is the only channel for
// draining LPI mapping changes the guest is waiting on.
func (s *Shadow) waitCmd(target uint64) {
	var stall bool
	i := 0
	for ; i < ITSPollLimit; i++ {
		head, st, err := s.host.ReadCREADR()
		if err != nil {
			panic(fmt.Sprintf("gic: reading CREADR: %v", err))
		}
		stall = st
		if stall {
			break
		}
		s.mu.Lock()
		s.cmdHead = head
		s.mu.Unlock()
		if head == target {
			return
		}
		s.clock.Sleep(ITSPollInterval)
	}
	if stall {
		panic("gic: its command ring stalled")
	}
	panic("gic: its command ring wait timed out")
}

// HandleCREADR services a trapped read of GITS_CREADR. Writes are ignored,
// mirroring its_handle_creadr's `if (wr) return`. Mirrors the read path's
// stall check and head bookkeeping; the host/guest running-command
// reconciliation and host-originated command interleaving of the full
// reference are not reproduced (see DESIGN.md).
func (s *Shadow) HandleCREADR(wr bool, val *uint64) error {
	if wr {
		return nil
	}

	idx, stall, err := s.host.ReadCREADR()
	if err != nil {
		return fmt.Errorf("gic: reading CREADR: %w", err)
	}
	if stall {
		panic("gic: unexpected CREADR stall bit")
	}

	s.mu.Lock()
	s.cmdHead = idx
	s.mu.Unlock()

	*val = idx << creadrIdxShift
	return nil
}

func (s *Shadow) hook(cmd Cmd) {
	switch cmd[0] & 0xFF {
	case cmdMAPD:
		s.hookMAPD(cmd)
	case cmdMAPTI:
		s.hookMAPTI(cmd)
	case cmdMAPI:
		s.hookMAPI(cmd)
	case cmdDISCARD:
		s.hookDISCARD(cmd)
	}
}

func (s *Shadow) hookMAPD(cmd Cmd) {
	devID := uint32(cmd[0] >> 32)
	ittBase := (cmd[2] >> 8) & ((1 << 48) - 1)
	valid := cmd[2]&gitsMAPDValid != 0

	if !s.checkIDRange(devID, 0) {
		return
	}
	s.updateDev(devID, ittBase, valid)
}

// updateDev creates or updates a device record. An ITT base change drops
// every mapped event on the device (their mapping becomes undefined) and
// clears the reverse LPI index, mirroring update_dev_data.
func (s *Shadow) updateDev(devID uint32, ittBase uint64, valid bool) {
	dd, ok := s.findDev(devID)
	if ok {
		if ittBase != dd.ittBase {
			dd.events = make(map[uint32]*eventRecord)
			dd.ittBase = ittBase
			for i := range s.pimap {
				s.pimap[i] = pintEntry{}
			}
		}
	} else {
		dd = &devRecord{devID: devID, ittBase: ittBase, events: make(map[uint32]*eventRecord)}
		s.devices.Insert(bplustree.Item{Start: uint64(devID), End: uint64(devID) + 1, Value: dd})
	}
	dd.valid = valid
}

func (s *Shadow) hookMAPTI(cmd Cmd) {
	devID := uint32(cmd[0] >> 32)
	eventID := uint32(cmd[1])
	pintID := uint32(cmd[1] >> 32)
	s.mapEvent(devID, eventID, pintID)
}

func (s *Shadow) hookMAPI(cmd Cmd) {
	devID := uint32(cmd[0] >> 32)
	eventID := uint32(cmd[1])
	s.mapEvent(devID, eventID, eventID)
}

// mapEvent creates or updates an event record and its reverse LPI->
// (dev,event) index entry. Mirrors do_map_event_hook.
func (s *Shadow) mapEvent(devID, eventID, pintID uint32) {
	if !s.checkIDRange(devID, eventID) {
		return
	}
	if pintID < s.lpiStart || pintID >= s.nids {
		return
	}
	dd, ok := s.findDev(devID)
	if !ok {
		return
	}
	s.updateEvent(dd, eventID, pintID)
	s.pimap[pintID-s.lpiStart] = pintEntry{devID: devID, eventID: eventID, mapped: true}
}

func (s *Shadow) updateEvent(dd *devRecord, eventID, pintID uint32) {
	ed, ok := dd.events[eventID]
	if ok {
		ed.pintID = pintID
	} else {
		ed = &eventRecord{eventID: eventID, pintID: pintID}
		dd.events[eventID] = ed
	}
	ed.valid = true
}

func (s *Shadow) hookDISCARD(cmd Cmd) {
	devID := uint32(cmd[0] >> 32)
	eventID := uint32(cmd[1])
	if !s.checkIDRange(devID, eventID) {
		return
	}
	dd, ok := s.findDev(devID)
	if !ok {
		return
	}
	if ed, ok := dd.events[eventID]; ok {
		ed.valid = false
	}
}

// PintdMatch reports whether the physical LPI pint is currently mapped to
// (devID, eventID), and if so whether that mapping (device and event) is
// still valid. Mirrors gic_its_pintd_match.
func (s *Shadow) PintdMatch(pint, devID, eventID uint32) (match, valid bool) {
	if pint < s.lpiStart || pint >= s.nids {
		return false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pimap[pint-s.lpiStart]
	match = p.mapped && p.devID == devID && p.eventID == eventID
	if match {
		valid = s.checkValidMap(devID, eventID)
	}
	return match, valid
}

// checkValidMap reports whether devID is known and valid and its eventID
// is known and valid, mirroring its_check_valid_map.
func (s *Shadow) checkValidMap(devID, eventID uint32) bool {
	if !s.checkIDRange(devID, eventID) {
		return false
	}
	dd, ok := s.findDev(devID)
	if !ok || !dd.valid {
		return false
	}
	ed, ok := dd.events[eventID]
	return ok && ed.valid
}
