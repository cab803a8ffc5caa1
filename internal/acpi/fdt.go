package acpi

import (
	"encoding/binary"
	"fmt"
	"log"
)

// Flattened devicetree blob format constants (the devicetree
// specification's wire format, big-endian throughout -- the same layout
// the pack's tinyrange-cc/internal/fdt package builds blobs in, read
// here instead of written).
const (
	fdtMagic = 0xd00dfeed

	fdtBeginNodeToken = 1
	fdtEndNodeToken   = 2
	fdtPropToken      = 3
	fdtNopToken       = 4
	fdtEndToken       = 9
)

// fdtNode is one devicetree node's properties plus a parent link, enough
// to resolve a property value and the #address-cells/#size-cells that
// apply to reg/ranges without reconstructing the whole tree shape.
type fdtNode struct {
	parent *fdtNode
	props  map[string][]byte
}

func align4(n int) int { return (n + 3) &^ 3 }

func cString(buf []byte, offset int) string {
	if offset < 0 || offset >= len(buf) {
		return ""
	}
	end := offset
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[offset:end])
}

func splitCStrings(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			out = append(out, string(buf[start:i]))
			start = i + 1
		}
	}
	return out
}

// parseFDT walks an FDT blob's struct block and returns every node in
// depth-first order, each carrying its decoded properties and a pointer
// to its parent.
func parseFDT(fdt []byte) ([]*fdtNode, error) {
	if len(fdt) < 40 {
		return nil, fmt.Errorf("acpi: fdt blob too short for header")
	}
	magic := binary.BigEndian.Uint32(fdt[0:4])
	if magic != fdtMagic {
		return nil, fmt.Errorf("acpi: fdt bad magic %#x", magic)
	}
	offStruct := int(binary.BigEndian.Uint32(fdt[8:12]))
	offStrings := int(binary.BigEndian.Uint32(fdt[12:16]))
	if offStruct > len(fdt) || offStrings > len(fdt) {
		return nil, fmt.Errorf("acpi: fdt header offsets out of range")
	}

	strBlock := fdt[offStrings:]
	structBlock := fdt[offStruct:]

	var nodes []*fdtNode
	var stack []*fdtNode
	pos := 0
	for pos+4 <= len(structBlock) {
		token := binary.BigEndian.Uint32(structBlock[pos : pos+4])
		pos += 4
		switch token {
		case fdtBeginNodeToken:
			nameEnd := pos
			for nameEnd < len(structBlock) && structBlock[nameEnd] != 0 {
				nameEnd++
			}
			pos = align4(nameEnd + 1)
			var parent *fdtNode
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			n := &fdtNode{parent: parent, props: map[string][]byte{}}
			nodes = append(nodes, n)
			stack = append(stack, n)
		case fdtEndNodeToken:
			if len(stack) == 0 {
				return nil, fmt.Errorf("acpi: fdt unbalanced END_NODE")
			}
			stack = stack[:len(stack)-1]
		case fdtPropToken:
			if pos+8 > len(structBlock) {
				return nil, fmt.Errorf("acpi: fdt truncated property header")
			}
			plen := int(binary.BigEndian.Uint32(structBlock[pos : pos+4]))
			nameoff := int(binary.BigEndian.Uint32(structBlock[pos+4 : pos+8]))
			pos += 8
			if plen < 0 || pos+plen > len(structBlock) {
				return nil, fmt.Errorf("acpi: fdt truncated property value")
			}
			val := structBlock[pos : pos+plen]
			pos = align4(pos + plen)
			if len(stack) > 0 {
				stack[len(stack)-1].props[cString(strBlock, nameoff)] = val
			}
		case fdtNopToken:
		case fdtEndToken:
			return nodes, nil
		default:
			return nil, fmt.Errorf("acpi: fdt unknown token %#x at struct offset %d", token, pos-4)
		}
	}
	return nodes, nil
}

func addressCells(n *fdtNode) int {
	if n == nil {
		return 2
	}
	if v, ok := n.props["#address-cells"]; ok && len(v) >= 4 {
		return int(binary.BigEndian.Uint32(v))
	}
	return 2
}

func sizeCells(n *fdtNode) int {
	if n == nil {
		return 1
	}
	if v, ok := n.props["#size-cells"]; ok && len(v) >= 4 {
		return int(binary.BigEndian.Uint32(v))
	}
	return 1
}

func compatibleHas(n *fdtNode, want string) bool {
	v, ok := n.props["compatible"]
	if !ok {
		return false
	}
	for _, s := range splitCStrings(v) {
		if s == want {
			return true
		}
	}
	return false
}

// statusOkay mirrors dt_extract_pcie_info's status check: a node with no
// status property is implicitly "okay"; one with a status property must
// have "okay" as its first string.
func statusOkay(n *fdtNode) bool {
	v, ok := n.props["status"]
	if !ok {
		return true
	}
	strs := splitCStrings(v)
	if len(strs) == 0 {
		return true
	}
	return strs[0] == "okay"
}

// extractReg decodes the first (address, length) pair of a "reg"
// property under the given address/size cell counts, mirroring
// dt_helper_reg_extract called with n_dr=1.
func extractReg(buf []byte, addressCells, sizeCells int) (addr, length uint64, ok bool) {
	if addressCells < 1 || addressCells > 2 {
		return 0, 0, false
	}
	need := addressCells*4 + sizeCells*4
	if len(buf) < need {
		return 0, 0, false
	}
	pos := 0
	if addressCells == 1 {
		addr = uint64(binary.BigEndian.Uint32(buf[pos : pos+4]))
		pos += 4
	} else {
		addr = binary.BigEndian.Uint64(buf[pos : pos+8])
		pos += 8
	}
	switch sizeCells {
	case 0:
	case 1:
		length = uint64(binary.BigEndian.Uint32(buf[pos : pos+4]))
	case 2:
		length = binary.BigEndian.Uint64(buf[pos : pos+8])
	default:
		return 0, 0, false
	}
	return addr, length, true
}

// fdtPCIBridge is one pci-host-ecam-generic node's extracted topology,
// folded into a PCIHostBridge by InitFDTPCI.
type fdtPCIBridge struct {
	Segment           uint32
	ECAMBase, ECAMLen uint64
	BusStart, BusEnd  uint8
	Ranges            []PCIRange
}

// Devicetree PCI address "flags" cell's space-code field, named from
// dt.c's DT_PCI_RANGE_GET_SPACE_CODE/DT_PCI_CODE_IS_IO.
func dtSpaceCode(flags uint32) uint32 { return (flags >> 24) & 0x3 }

// parseFDTPCI scans every pci-host-ecam-generic node in fdt, mirroring
// dt_extract_pcie_info. A node missing a required property or failing
// the #address-cells/#size-cells sanity check is logged and skipped,
// same as the reference; it is not an error for the blob to contain no
// matching node at all.
func parseFDTPCI(fdt []byte) ([]fdtPCIBridge, error) {
	nodes, err := parseFDT(fdt)
	if err != nil {
		return nil, err
	}

	var out []fdtPCIBridge
	for _, n := range nodes {
		if !compatibleHas(n, "pci-host-ecam-generic") || !statusOkay(n) {
			continue
		}

		reg, ok := n.props["reg"]
		if !ok {
			log.Printf("acpi: devicetree PCI node missing reg property")
			continue
		}
		busRange, ok := n.props["bus-range"]
		if !ok || len(busRange) < 8 {
			log.Printf("acpi: devicetree PCI node missing bus-range property")
			continue
		}
		domain, ok := n.props["linux,pci-domain"]
		if !ok || len(domain) < 4 {
			log.Printf("acpi: devicetree PCI node missing linux,pci-domain property")
			continue
		}

		regAC, regSZ := addressCells(n.parent), sizeCells(n.parent)
		ecamBase, ecamLen, ok := extractReg(reg, regAC, regSZ)
		if !ok {
			log.Printf("acpi: devicetree PCI node reg property malformed")
			continue
		}

		selfAC, selfSZ := addressCells(n), sizeCells(n)
		if selfAC != 3 || selfSZ != 2 {
			log.Printf("acpi: devicetree PCI node expects #address-cells 3 #size-cells 2"+
				" but #address-cells %d #size-cells %d", selfAC, selfSZ)
			continue
		}

		ranges, ok := n.props["ranges"]
		if !ok {
			log.Printf("acpi: devicetree PCI node missing ranges property")
			continue
		}

		b := fdtPCIBridge{
			Segment:  binary.BigEndian.Uint32(domain),
			ECAMBase: ecamBase,
			ECAMLen:  ecamLen,
			BusStart: uint8(binary.BigEndian.Uint32(busRange[0:4])),
			BusEnd:   uint8(binary.BigEndian.Uint32(busRange[4:8])),
		}

		log.Printf("acpi: scanning PCI segment %d resources", b.Segment)

		rp := ranges
		recSize := 4 + 8 + regAC*4 + 8
		for len(rp) >= recSize {
			flags := binary.BigEndian.Uint32(rp[0:4])
			rp = rp[4:]
			cAddr := binary.BigEndian.Uint64(rp[0:8])
			rp = rp[8:]
			var pAddr uint64
			if regAC == 1 {
				pAddr = uint64(binary.BigEndian.Uint32(rp[0:4]))
				rp = rp[4:]
			} else {
				pAddr = binary.BigEndian.Uint64(rp[0:8])
				rp = rp[8:]
			}
			length := binary.BigEndian.Uint64(rp[0:8])
			rp = rp[8:]

			code := dtSpaceCode(flags)
			b.Ranges = append(b.Ranges, PCIRange{
				RangeMin:          cAddr,
				RangeMax:          cAddr + length - 1,
				Length:            length,
				TranslationOffset: pAddr - cAddr,
				IO:                code == 0x1,
			})
			log.Printf("acpi: devicetree res %#x->%#x code %#x", cAddr, pAddr, code)
		}

		out = append(out, b)
	}
	return out, nil
}
