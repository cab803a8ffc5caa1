package aarch64

// TLBInvalidateStage1ByVAInnerShareable invalidates the stage-1 TLB entry
// covering va, broadcast inner shareable. Part of the break-before-make
// sequence spec.md section 4.B requires on every stage-1 entry overwrite.
func TLBInvalidateStage1ByVAInnerShareable(va uint64) {
	tlbiVAE2IS(va >> 12)
}

// TLBInvalidateStage2ByIPAInnerShareable invalidates the stage-2 TLB entry
// covering ipa for the currently loaded VMID, broadcast inner shareable
// (tlbi ipas2e1is), as named in spec.md section 5.
func TLBInvalidateStage2ByIPAInnerShareable(ipa uint64) {
	tlbiIPAS2E1IS(ipa >> 12)
}

// TLBInvalidateAllStage1InnerShareable invalidates every stage-1 entry for
// the current VMID, used when tearing down a page-table descriptor wholesale
// rather than entry by entry.
func TLBInvalidateAllStage1InnerShareable() {
	tlbiVMALLE1IS()
}

// TLBInvalidateAllInnerShareable invalidates all stage-1 and stage-2
// entries for the current VMID.
func TLBInvalidateAllInnerShareable() {
	tlbiALLE1IS()
}
