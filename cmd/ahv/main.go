// Command ahv is the EL2 entry point: the thin bring-up glue that turns
// the hand-off state a UEFI-to-EL2 assembly stub captures into a running
// guest. Every internal/* package already does its own job (trap
// dispatch, stage-1/stage-2 tables, MMIO interposition, the PSCI and
// sysreg interposers, the ITS command-ring shadow, firmware-topology
// discovery); main's only job is constructing each one in the right
// order and wiring their few cross-package callbacks together, the same
// role the reference's vm_start plus its EL2 startup assembly plays, translated
// into the one place in this core a concrete main belongs: spec.md
// section 6 draws the boundary at "alloc_page/free_page/alloc(size)",
// "vm_get_current_as()", "panic/printf/snprintf/memcpy/memset", and "no
// CLI/environment owned by the core" -- everything on the other side of
// that boundary (a real physical memory allocator, the assembly entry
// stub, the firmware table location) is exactly what BootParams below
// stands in for.
package main

import (
	"fmt"
	"log"

	"example.com/ahv/internal/acpi"
	"example.com/ahv/internal/config"
	"example.com/ahv/internal/emu"
	"example.com/ahv/internal/gic"
	"example.com/ahv/internal/mapper"
	"example.com/ahv/internal/mmio"
	"example.com/ahv/internal/mmu"
	"example.com/ahv/internal/pcpu"
	"example.com/ahv/internal/psci"
	"example.com/ahv/internal/sysreg"
	"example.com/ahv/internal/trap"
	"example.com/ahv/internal/vm"
)

// Fixed guest-visible device layout for the virtual GICv3 ITS control
// frame this core presents. Matches the placement QEMU's virt machine
// already uses for GICv3 ITS, so an unmodified guest's devicetree/ACPI
// description of "where the ITS lives" needs no bespoke adjustment.
const virtualITSGPhysBase = 0x08080000

// defaultDevIDBits/defaultEventIDBits size the device/event ID space
// gic.NewShadow's devIDMask/eventIDMask bound; 16 bits each comfortably
// covers a handful of passed-through PCI devices without the large
// static table a full 32-bit space would imply.
const (
	defaultDevIDBits   = 16
	defaultEventIDBits = 16
)

// BootParams is everything the out-of-scope EL2 entry assembly stub hands
// off for the BSP's boot: the firmware register snapshot, the bounds of
// a physical memory region main may use for its own page tables and ITS
// command rings, the firmware-table pointer/length pair (ACPI or
// devicetree, per Config.Firmware), the boot configuration document's
// raw bytes, and the physical address of the real GITS control frame.
// Each additional physical core brings itself up independently once the
// guest issues PSCI CPU_ON against it (handled entirely by the psci
// interposer Run wires below); there is no separate per-VCPU entry point
// for main itself to drive.
type BootParams struct {
	Entry vm.EntryCtx

	// PageTableMemBase/PageTableMemBytes bound the physical region
	// bumpMemory allocates hypervisor page tables from.
	PageTableMemBase, PageTableMemBytes uint64

	// ITSRingMemBase/ITSRingMemBytes bound the physical region the real
	// ITS command ring is allocated from.
	ITSRingMemBase, ITSRingMemBytes uint64

	// HVPhysStart/HVPhysEnd bound the hypervisor's own loaded image, the
	// range mapper.MapMem refuses to map writable. HVVABase is that same
	// image's virtual load address, threaded through the PSCI interposer
	// for the secondary-entry trampoline to rebase itself against.
	HVPhysStart, HVPhysEnd uint64
	HVVABase               uint64

	// PageWindowBase/PageWindowSize and BlockWindowBase/BlockWindowSize
	// bound the two rolling VA windows mapper.New needs: a 4KiB-granule
	// and a 2MiB-granule window, each base+size.
	PageWindowBase, PageWindowSize   uint64
	BlockWindowBase, BlockWindowSize uint64

	// GuestIPABits sizes the stage-2 descriptor's starting level.
	GuestIPABits int

	// GITSCtrlPhys is the real GITS control frame's physical address.
	GITSCtrlPhys uint64

	// SecondaryEntryPhys is the physical address of this hypervisor's
	// own secondary-core entry trampoline (sym_to_phys(entry_secondary)
	// in the reference), substituted for whatever entry point the guest
	// requests via PSCI CPU_ON so the hypervisor regains control first.
	// Built by the same assembly boot stub that produces Entry.
	SecondaryEntryPhys uint64

	// FirmwareTablePhys/FirmwareTableLen locate the MADT (ACPI path) or
	// the FDT blob (devicetree path); FirmwareDSDTCRS, if non-empty, is
	// an already-extracted _SB.PCI0._CRS buffer (ACPI path only).
	FirmwareTablePhys, FirmwareTableLen uint64
	FirmwareDSDTCRS                     []byte

	// ConfigYAML is the raw boot-configuration document; nil/empty uses
	// config.Default().
	ConfigYAML []byte
}

func main() {
	panic("ahv: main is invoked by the EL2 entry stub with a populated BootParams, not run standalone")
}

// Run constructs every component and starts the guest on the BSP. It
// never returns: vm.Start ERETs into the guest directly, the same
// one-way transition its own doc comment describes.
func Run(p BootParams) {
	cfg, err := config.Load(p.ConfigYAML)
	if err != nil {
		log.Fatalf("ahv: loading boot configuration: %v", err)
	}
	configureLogger(cfg.LogLevel)

	pcpu.Init(int(cfg.VCPUCount))
	cpu := pcpu.Current()

	ptMem, err := newBumpMemory(p.PageTableMemBase, p.PageTableMemBytes)
	if err != nil {
		log.Fatalf("ahv: %v", err)
	}
	st1 := mmu.NewDescriptor(ptMem, mmu.Stage1Kernel, 0)
	mem := mapper.New(st1, p.PageWindowBase, p.PageWindowSize, p.BlockWindowBase, p.BlockWindowSize, p.HVPhysStart, p.HVPhysEnd)

	st2 := mmu.NewDescriptor(ptMem, mmu.Stage2, stage2StartLevel(p.GuestIPABits))
	registry := mmio.New(st2, mem)
	emulator := emu.New(mem, registry)

	hw := acpi.NewHWReader(mem)
	if err := discoverFirmware(cfg, hw, p); err != nil {
		log.Fatalf("ahv: firmware topology discovery: %v", err)
	}

	gicd, its := acpi.GICD(), acpi.ITS()
	if gicd == nil {
		log.Fatalf("ahv: no GICv3 distributor found in firmware tables")
	}

	ring := newMMIOHostRing(mem, p.GITSCtrlPhys, p.ITSRingMemBase, p.ITSRingMemBytes)
	var shadow *gic.Shadow
	if its != nil {
		devMask := uint32(1<<defaultDevIDBits) - 1
		evtMask := uint32(1<<defaultEventIDBits) - 1
		shadow = gic.NewShadow(ring, acpi.LPIStart, gicd.NIDs, devMask, evtMask)
		wiring := newITSRegWiring(mem, shadow)
		if err := wiring.registerAll(registry, virtualITSGPhysBase); err != nil {
			log.Fatalf("ahv: %v", err)
		}
	}

	gi := gic.New(directPassThrough{})

	sysregIntp := &sysreg.Interposer{GICSGI: gi.SGIHandle}

	alloc := &bumpStackAllocator{mem: ptMem}
	psciIntp := psci.New(alloc, func() interface{} { return vm.CurrentAS(cpu) },
		p.SecondaryEntryPhys, p.HVPhysStart, p.HVVABase)

	dispatcher := trap.New(emulator, sysregIntp, psciIntp)
	dispatcher.SetIRQHandler(gi.HandleIRQ)
	dispatcher.SetFIQHandler(gi.HandleFIQ)

	as := vm.NewContext(registry)
	vm.Start(cpu, gi, as, p.Entry)
}

// bumpStackAllocator satisfies psci.StackAllocator by bump-allocating
// secondary-core bring-up stacks out of the same page-table physical
// region main reserved -- a reasonable reuse given both are small,
// infrequent, boot-time-only allocations this core's scope never frees.
type bumpStackAllocator struct {
	mem *bumpMemory
}

func (a *bumpStackAllocator) AllocStack(size int) []byte {
	base := a.mem.allocContiguous(uint64(size))
	return unsafeByteSlice(base, size)
}

func stage2StartLevel(ipaBits int) int {
	switch {
	case ipaBits > 42:
		return 0
	case ipaBits > 33:
		return 1
	default:
		return 2
	}
}

func discoverFirmware(cfg *config.Config, hw *acpi.HWReader, p BootParams) error {
	switch cfg.Firmware {
	case config.FirmwareFDT:
		blob, err := hw.ReadBuffer(p.FirmwareTablePhys, p.FirmwareTableLen)
		if err != nil {
			return err
		}
		return acpi.InitFDTPCI(blob)
	case config.FirmwareACPI:
		ics, err := hw.ReadMADTICs(p.FirmwareTablePhys, uint32(p.FirmwareTableLen))
		if err != nil {
			return err
		}
		if _, _, err := acpi.InitGIC(ics, hw.ReadTyper); err != nil {
			return err
		}
		if len(p.FirmwareDSDTCRS) > 0 {
			acpi.InitDSDTPCI(0, p.FirmwareDSDTCRS)
		}
		return nil
	default:
		return fmt.Errorf("ahv: unknown firmware discovery path %q", cfg.Firmware)
	}
}

func configureLogger(level string) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.SetPrefix(fmt.Sprintf("ahv[%s] ", level))
}
