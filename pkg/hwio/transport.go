// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements the multiplexed control-call transport to the
// kernel-resident driver. All operations share one device handle and
// one ioctl base code; only the opcode offset distinguishes requests.

package hwio

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"
)

// Opcode identifies one driver operation. The numeric values are part
// of the driver wire contract and must not be reordered.
type Opcode uintptr

const (
	IOCTL_BASE                     Opcode = 0x0
	IOCTL_RDIO                     Opcode = 0x1
	IOCTL_WRIO                     Opcode = 0x2
	IOCTL_RDPCI                    Opcode = 0x3
	IOCTL_WRPCI                    Opcode = 0x4
	IOCTL_RDMSR                    Opcode = 0x5
	IOCTL_WRMSR                    Opcode = 0x6
	IOCTL_CPUID                    Opcode = 0x7
	IOCTL_GET_CPU_DESCRIPTOR_TABLE Opcode = 0x8
	IOCTL_HYPERCALL                Opcode = 0x9
	IOCTL_SWSMI                    Opcode = 0xA
	IOCTL_LOAD_UCODE_PATCH         Opcode = 0xB
	IOCTL_ALLOC_PHYSMEM            Opcode = 0xC
	IOCTL_GET_EFIVAR               Opcode = 0xD
	IOCTL_SET_EFIVAR               Opcode = 0xE
	IOCTL_RDCR                     Opcode = 0x10
	IOCTL_WRCR                     Opcode = 0x11
	IOCTL_RDMMIO                   Opcode = 0x12
	IOCTL_WRMMIO                   Opcode = 0x13
	IOCTL_VA2PA                    Opcode = 0x14
	IOCTL_MSGBUS_SEND_MESSAGE      Opcode = 0x15
	IOCTL_FREE_PHYSMEM             Opcode = 0x16
)

var opcodeNames = map[Opcode]string{
	IOCTL_BASE:                     "BASE",
	IOCTL_RDIO:                     "RDIO",
	IOCTL_WRIO:                     "WRIO",
	IOCTL_RDPCI:                    "RDPCI",
	IOCTL_WRPCI:                    "WRPCI",
	IOCTL_RDMSR:                    "RDMSR",
	IOCTL_WRMSR:                    "WRMSR",
	IOCTL_CPUID:                    "CPUID",
	IOCTL_GET_CPU_DESCRIPTOR_TABLE: "GET_CPU_DESCRIPTOR_TABLE",
	IOCTL_HYPERCALL:                "HYPERCALL",
	IOCTL_SWSMI:                    "SWSMI",
	IOCTL_LOAD_UCODE_PATCH:         "LOAD_UCODE_PATCH",
	IOCTL_ALLOC_PHYSMEM:            "ALLOC_PHYSMEM",
	IOCTL_GET_EFIVAR:               "GET_EFIVAR",
	IOCTL_SET_EFIVAR:               "SET_EFIVAR",
	IOCTL_RDCR:                     "RDCR",
	IOCTL_WRCR:                     "WRCR",
	IOCTL_RDMMIO:                   "RDMMIO",
	IOCTL_WRMMIO:                   "WRMMIO",
	IOCTL_VA2PA:                    "VA2PA",
	IOCTL_MSGBUS_SEND_MESSAGE:      "MSGBUS_SEND_MESSAGE",
	IOCTL_FREE_PHYSMEM:             "FREE_PHYSMEM",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%X)", uintptr(op))
}

// All driver ioctls are _IOWR with type tag 'C' and a pointer-sized
// argument, so the base is a pure function of the word width:
//
//	(_IOC_READ|_IOC_WRITE) << _IOC_DIRSHIFT(30)
//	| type << _IOC_TYPESHIFT(8)
//	| size << _IOC_SIZESHIFT(16)
//
// with nr left 0. The per-call identifier is base + opcode.
func computeIoctlBase(word int) uintptr {
	return (3 << 30) | (uintptr('C') << 8) | (uintptr(word) << 16)
}

// Transport performs the blocking request/response exchange with the
// driver. Issue overwrites buf in place; the response always has the
// same length as the request. The ReadWriteSeeker surface carries the
// raw physical memory path, which streams on the handle itself rather
// than going through the ioctl multiplexer.
type Transport interface {
	io.ReadWriteSeeker
	io.Closer
	Issue(op Opcode, buf []byte) error
}

// devTransport owns the driver device node for the lifetime of a
// session.
type devTransport struct {
	f    *os.File
	base uintptr
}

func openDevTransport(path string, word int) (*devTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, &DeviceError{Path: path, Err: err}
	}
	t := &devTransport{f: f, base: computeIoctlBase(word)}
	klog.V(DBG_LVL_INFO).Infof("hwio.transport: opened %s, ioctl base 0x%X", path, t.base)
	return t, nil
}

func (t *devTransport) Issue(op Opcode, buf []byte) error {
	var arg unsafe.Pointer
	if len(buf) > 0 {
		arg = unsafe.Pointer(&buf[0])
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), t.base+uintptr(op), uintptr(arg))
	if errno != 0 {
		return &IoctlError{Op: op, Errno: errno}
	}
	return nil
}

func (t *devTransport) Read(p []byte) (int, error)  { return t.f.Read(p) }
func (t *devTransport) Write(p []byte) (int, error) { return t.f.Write(p) }

func (t *devTransport) Seek(offset int64, whence int) (int64, error) {
	return t.f.Seek(offset, whence)
}

// Close is idempotent; closing an already-closed transport is a no-op.
func (t *devTransport) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
