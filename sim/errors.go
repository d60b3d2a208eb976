package sim

import "errors"

var (
	// ErrCapacityExceeded is returned when a hypervisor cannot admit a machine
	// because its multiplexers have too few free inputs.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidState is returned when operating on a machine or hypervisor
	// that is not in a state allowing the operation, such as starting a
	// removed virtual machine.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnsupportedSnapshot is returned by workloads that cannot be
	// snapshotted.
	ErrUnsupportedSnapshot = errors.New("snapshot not supported")

	// ErrInvalidTrace is returned when trace columns are shorter than the
	// declared size or the size is negative.
	ErrInvalidTrace = errors.New("invalid trace")
)
