package mapper

import "errors"

var (
	errZeroLength                = errors.New("mapper: zero-length mapping requested")
	errWindowTooSmall             = errors.New("mapper: request larger than the target window")
	errWriteIntoHypervisorMemory  = errors.New("mapper: write mapping of hypervisor memory refused (CANFAIL)")
)
