// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements the error taxonomy of the library. Every public
// operation returns either a typed result or one of these errors; the
// underlying OS error is preserved for diagnostics.

package hwio

import "fmt"

// DeviceError reports that the driver device node could not be opened,
// commonly because the driver is not loaded or the caller lacks
// privilege.
type DeviceError struct {
	Path string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("hwio: cannot open device %s (driver not loaded or insufficient privilege): %v", e.Path, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IoctlError reports a failed control call. It carries the opcode and
// the OS error so callers can decide whether to log and continue.
type IoctlError struct {
	Op    Opcode
	Errno error
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("hwio: ioctl %s failed: %v", e.Op, e.Errno)
}

func (e *IoctlError) Unwrap() error { return e.Errno }

// ProtocolError reports an exchange that cannot be represented in the
// wire protocol: a driver size claim larger than the supplied buffer,
// or a request field too large for its wire encoding.
type ProtocolError struct {
	Op     Opcode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("hwio: driver protocol violation on %s: %s", e.Op, e.Reason)
}

// StatusError reports a well-formed failure status returned by the
// driver for an EFI variable operation.
type StatusError struct {
	Status EfiStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hwio: driver returned %v", e.Status)
}

// UnsupportedError reports an operation that is intentionally not
// implemented on this platform. Callers must treat it as a capability
// gap, not a bug.
type UnsupportedError struct {
	API string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("hwio: %s is not supported on this platform", e.API)
}
