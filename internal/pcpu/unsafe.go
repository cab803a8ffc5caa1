package pcpu

import "unsafe"

// uintptrOf and contextAt convert between a *Context and the raw value
// stored in TPIDR_EL2. Isolated in their own file, same as the reference
// project isolates its unsafe.Pointer casts to the KVM exit-handling
// switch in vcpu.go, so the rest of the package reads as ordinary Go.

func uintptrOf(c *Context) uintptr {
	return uintptr(unsafe.Pointer(c))
}

func uintptrVal(v uint64) uintptr {
	return uintptr(v)
}

func contextAt(p uintptr) *Context {
	return (*Context)(unsafe.Pointer(p))
}
