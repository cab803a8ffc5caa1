package mmu

import "errors"

var (
	errInvalidFlags  = errors.New("mmu: map flags select zero or multiple memory types")
	errMisaligned    = errors.New("mmu: address or length not page-aligned")
	errNotMapped     = errors.New("mmu: address has no existing mapping")
	errTranslation   = errors.New("mmu: address translation fault")
)
