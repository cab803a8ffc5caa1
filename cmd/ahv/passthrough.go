package main

// directPassThrough is the gic.PassThrough this core installs by default:
// no physical interrupt is configured for guest pass-through, so every
// IntrCall returns -1, the reference's "hypervisor owns it directly"
// convention (on a negative return the IRQ/FIQ handler deactivates the
// interrupt itself rather than injecting it into the guest).
type directPassThrough struct{}

func (directPassThrough) IntrCall(intid uint32) int { return -1 }
