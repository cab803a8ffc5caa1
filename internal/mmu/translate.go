package mmu

import "example.com/ahv/internal/arch/aarch64"

// TranslateGuestVirtToIPA issues the architectural address-translation
// instruction at the requested exception level and direction and returns
// the resulting IPA plus the memory-attribute flags extracted from the
// translation result, per spec.md section 4.B. Returns errTranslation if
// the translation faults.
func TranslateGuestVirtToIPA(va uint64, el int, write bool) (ipa uint64, attrs Flag, err error) {
	res := aarch64.TranslateGuestVirt(va, el, write)
	if res.Fault {
		return 0, 0, errTranslation
	}
	return res.OutputAddr | (va & (pageSize - 1)), attrFromMAIRByte(res.Attr), nil
}

// attrFromMAIRByte maps a MAIR-style attribute encoding byte back to the
// Flag bits this package's Map callers use, so a caller re-registering a
// mapping it just translated can round-trip the access type it observed.
func attrFromMAIRByte(b uint8) Flag {
	switch b {
	case 0x00:
		return FlagUC
	case 0x44:
		return FlagWC
	case 0xBB:
		return FlagWT
	case 0x04:
		return FlagNGnRE
	case 0xF0:
		return FlagTag
	default:
		return 0 // write-back, the default memory type
	}
}
