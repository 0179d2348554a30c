// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements the hardware register and memory access
// operations. Each operation is a fixed word-tuple layout exchanged
// through the control-call transport; the driver overwrites the
// request buffer with the response in place.

package hwio

import (
	"fmt"
	"io"

	"k8s.io/klog/v2"
)

const (
	MSGBUS_MDR_IN_MASK  = 0x1
	MSGBUS_MDR_OUT_MASK = 0x2
)

// PCI domain is fixed to 0. Change here if there is more than one.
const pciDomain = 0

// CPUIDRegs holds the four registers returned by a CPUID leaf query.
type CPUIDRegs struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
}

// SMIRegisters is the register file exchanged with a software SMI.
// CodeData carries the SMI command port value; the remaining registers
// are passed to and returned from the SMI handler.
type SMIRegisters struct {
	CodeData uint64
	RAX      uint64
	RBX      uint64
	RCX      uint64
	RDX      uint64
	RSI      uint64
	RDI      uint64
}

// PhysMemBlock describes a driver-allocated physical memory region.
type PhysMemBlock struct {
	VirtualAddress  uint64
	PhysicalAddress uint64
}

// ReadIOPort reads a 1, 2 or 4 byte value from an x86 IO port. The
// driver returns a full word; the value is masked to the access size.
func (s *Session) ReadIOPort(port uint16, size int) (uint32, error) {
	buf := packWords(s.word, uint64(port), uint64(size), 0)
	if err := s.t.Issue(IOCTL_RDIO, buf); err != nil {
		return 0, err
	}
	w := unpackWords(s.word, buf)
	return uint32(maskToSize(w[2], size)), nil
}

// WriteIOPort writes a 1, 2 or 4 byte value to an x86 IO port.
func (s *Session) WriteIOPort(port uint16, value uint32, size int) error {
	buf := packWords(s.word, uint64(port), uint64(size), uint64(value))
	return s.t.Issue(IOCTL_WRIO, buf)
}

// ReadPCIReg reads a register from PCI configuration space. The domain
// is packed into the high word of the bus field.
func (s *Session) ReadPCIReg(bus, device, function uint8, offset uint32, size int) (uint32, error) {
	buf := packWords(s.word,
		uint64(pciDomain)<<16|uint64(bus),
		uint64(device)<<16|uint64(function),
		uint64(offset), uint64(size), 0)
	if err := s.t.Issue(IOCTL_RDPCI, buf); err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio.ReadPCIReg %02X:%02X.%X +0x%X: %v", bus, device, function, offset, err)
		return 0, err
	}
	return uint32(unpackWords(s.word, buf)[4]), nil
}

// WritePCIReg writes a register in PCI configuration space and returns
// the value echoed by the driver.
func (s *Session) WritePCIReg(bus, device, function uint8, offset uint32, value uint32, size int) (uint32, error) {
	buf := packWords(s.word,
		uint64(pciDomain)<<16|uint64(bus),
		uint64(device)<<16|uint64(function),
		uint64(offset), uint64(size), uint64(value))
	if err := s.t.Issue(IOCTL_WRPCI, buf); err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio.WritePCIReg %02X:%02X.%X +0x%X: %v", bus, device, function, offset, err)
		return 0, err
	}
	return uint32(unpackWords(s.word, buf)[4]), nil
}

// ReadMSR reads a model-specific register on the given logical CPU.
// The process is pinned to the target core first; the request layout
// is (thread, msr, edx, eax).
func (s *Session) ReadMSR(thread int, msr uint32) (eax, edx uint32, err error) {
	s.pinThread(thread)
	buf := packWords(s.word, uint64(thread), uint64(msr), 0, 0)
	if err := s.t.Issue(IOCTL_RDMSR, buf); err != nil {
		return 0, 0, err
	}
	w := unpackWords(s.word, buf)
	return uint32(w[3]), uint32(w[2]), nil
}

// WriteMSR writes a model-specific register on the given logical CPU.
func (s *Session) WriteMSR(thread int, msr, eax, edx uint32) error {
	s.pinThread(thread)
	buf := packWords(s.word, uint64(thread), uint64(msr), uint64(edx), uint64(eax))
	return s.t.Issue(IOCTL_WRMSR, buf)
}

// ReadCR reads a control register on the given logical CPU.
func (s *Session) ReadCR(thread int, cr int) (uint64, error) {
	s.pinThread(thread)
	buf := packWords(s.word, uint64(thread), uint64(cr), 0)
	if err := s.t.Issue(IOCTL_RDCR, buf); err != nil {
		return 0, err
	}
	return unpackWords(s.word, buf)[2], nil
}

// WriteCR writes a control register on the given logical CPU.
func (s *Session) WriteCR(thread int, cr int, value uint64) error {
	s.pinThread(thread)
	buf := packWords(s.word, uint64(thread), uint64(cr), value)
	return s.t.Issue(IOCTL_WRCR, buf)
}

// CPUID executes the CPUID instruction for the given leaf and subleaf.
func (s *Session) CPUID(eax, ecx uint32) (CPUIDRegs, error) {
	buf := packWords(s.word, uint64(eax), 0, uint64(ecx), 0)
	if err := s.t.Issue(IOCTL_CPUID, buf); err != nil {
		return CPUIDRegs{}, err
	}
	w := unpackWords(s.word, buf)
	return CPUIDRegs{EAX: uint32(w[0]), EBX: uint32(w[1]), ECX: uint32(w[2]), EDX: uint32(w[3])}, nil
}

// DescriptorTable returns the limit, linear base and physical address
// of a CPU descriptor table (GDT/LDT/IDT selected by tableCode) on the
// given logical CPU. The driver splits base and physical address into
// 32-bit halves; they are reassembled here.
func (s *Session) DescriptorTable(thread int, tableCode uint8) (limit, base, pa uint64, err error) {
	s.pinThread(thread)
	buf := packWords(s.word, uint64(thread), uint64(tableCode), 0, 0, 0)
	if err := s.t.Issue(IOCTL_GET_CPU_DESCRIPTOR_TABLE, buf); err != nil {
		return 0, 0, 0, err
	}
	w := unpackWords(s.word, buf)
	limit = w[0]
	base = w[1]<<32 + w[2]
	pa = w[3]<<32 + w[4]
	return limit, base, pa, nil
}

// ReadMMIOReg reads a 1, 2, 4 or 8 byte register at barBase+offset in
// the physical address space. The driver returns the raw register
// bytes at the start of the response buffer.
func (s *Session) ReadMMIOReg(barBase, offset uint64, size int) (uint64, error) {
	buf := packWords(s.word, barBase+offset, uint64(size))
	if err := s.t.Issue(IOCTL_RDMMIO, buf); err != nil {
		return 0, err
	}
	if size > len(buf) {
		klog.V(DBG_LVL_BASIC).Infof("hwio.ReadMMIOReg: response holds %d bytes, %d requested", len(buf), size)
		size = len(buf)
	}
	return leBytesToUint(buf[:size]), nil
}

// WriteMMIOReg writes a register at barBase+offset in the physical
// address space.
func (s *Session) WriteMMIOReg(barBase, offset uint64, value uint64, size int) error {
	buf := packWords(s.word, barBase+offset, uint64(size), value)
	return s.t.Issue(IOCTL_WRMMIO, buf)
}

// ReadPhysMem reads length bytes of physical memory starting at addr.
// Physical memory does not go through the ioctl multiplexer: it is a
// seek-then-stream pair on the device handle itself, which is why a
// session must not be shared between goroutines.
func (s *Session) ReadPhysMem(addr uint64, length int) ([]byte, error) {
	if _, err := s.t.Seek(int64(addr), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(s.t, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePhysMem writes data to physical memory starting at addr.
func (s *Session) WritePhysMem(addr uint64, data []byte) (int, error) {
	if _, err := s.t.Seek(int64(addr), io.SeekStart); err != nil {
		return 0, err
	}
	return s.t.Write(data)
}

// VirtToPhys translates a virtual address of the calling process to a
// physical address. A result beyond the CPU's reported physical
// address width indicates a translation failure; translated is false
// in that case but the raw value is still returned for diagnostics.
func (s *Session) VirtToPhys(va uint64) (pa uint64, translated bool, err error) {
	buf := packWords(s.word, va)
	if err := s.t.Issue(IOCTL_VA2PA, buf); err != nil {
		return 0, false, err
	}
	pa = unpackWords(s.word, buf)[0]

	translated = true
	if regs, err := s.CPUID(0x80000008, 0); err == nil {
		maxPA := uint(regs.EAX & 0xFF)
		if maxPA > 0 && maxPA < 64 && pa > uint64(1)<<maxPA {
			klog.V(DBG_LVL_BASIC).Infof("hwio.VirtToPhys: PA beyond max physical address: VA 0x%016X -> PA 0x%016X", va, pa)
			translated = false
		}
	}
	return pa, translated, nil
}

// AllocPhysMem asks the driver to allocate size bytes of physical
// memory below maxAddr.
func (s *Session) AllocPhysMem(size, maxAddr uint64) (PhysMemBlock, error) {
	buf := packWords(s.word, size, maxAddr)
	if err := s.t.Issue(IOCTL_ALLOC_PHYSMEM, buf); err != nil {
		return PhysMemBlock{}, err
	}
	w := unpackWords(s.word, buf)
	return PhysMemBlock{VirtualAddress: w[0], PhysicalAddress: w[1]}, nil
}

// FreePhysMem releases a driver allocation by its virtual address
// handle and returns the driver's result word.
func (s *Session) FreePhysMem(handle uint64) (uint64, error) {
	buf := packWords(s.word, handle)
	if err := s.t.Issue(IOCTL_FREE_PHYSMEM, buf); err != nil {
		return 0, err
	}
	return unpackWords(s.word, buf)[0], nil
}

// MsgBusRead sends a read message on the platform message bus through
// the command register pair (mcr, mcrx) and returns the data register.
func (s *Session) MsgBusRead(mcr, mcrx uint32) (uint32, error) {
	buf := packWords(s.word, MSGBUS_MDR_OUT_MASK, uint64(mcr), uint64(mcrx), 0, 0)
	if err := s.t.Issue(IOCTL_MSGBUS_SEND_MESSAGE, buf); err != nil {
		return 0, err
	}
	return uint32(unpackWords(s.word, buf)[4]), nil
}

// MsgBusWrite sends a write message on the platform message bus.
func (s *Session) MsgBusWrite(mcr, mcrx, mdr uint32) error {
	buf := packWords(s.word, MSGBUS_MDR_IN_MASK, uint64(mcr), uint64(mcrx), uint64(mdr), 0)
	return s.t.Issue(IOCTL_MSGBUS_SEND_MESSAGE, buf)
}

// MsgBusSend sends a combined write+read message and returns the data
// register written back by the bus.
func (s *Session) MsgBusSend(mcr, mcrx, mdr uint32) (uint32, error) {
	buf := packWords(s.word, MSGBUS_MDR_IN_MASK|MSGBUS_MDR_OUT_MASK, uint64(mcr), uint64(mcrx), uint64(mdr), 0)
	if err := s.t.Issue(IOCTL_MSGBUS_SEND_MESSAGE, buf); err != nil {
		return 0, err
	}
	return uint32(unpackWords(s.word, buf)[4]), nil
}

// Hypercall issues a hypervisor call with the full register file. The
// first word of the response is the hypervisor result.
func (s *Session) Hypercall(rcx, rdx, r8, r9, r10, r11, rax, rbx, rdi, rsi, xmmBuffer uint64) (uint64, error) {
	buf := packWords(s.word, rcx, rdx, r8, r9, r10, r11, rax, rbx, rdi, rsi, xmmBuffer)
	if err := s.t.Issue(IOCTL_HYPERCALL, buf); err != nil {
		return 0, err
	}
	return unpackWords(s.word, buf)[0], nil
}

// SendSWSMI triggers a software SMI on the given logical CPU and
// returns the register file after the SMI handler ran.
func (s *Session) SendSWSMI(thread int, regs SMIRegisters) (SMIRegisters, error) {
	s.pinThread(thread)
	buf := packWords(s.word, regs.CodeData, regs.RAX, regs.RBX, regs.RCX, regs.RDX, regs.RSI, regs.RDI)
	if err := s.t.Issue(IOCTL_SWSMI, buf); err != nil {
		return SMIRegisters{}, err
	}
	w := unpackWords(s.word, buf)
	return SMIRegisters{
		CodeData: w[0],
		RAX:      w[1], RBX: w[2], RCX: w[3],
		RDX: w[4], RSI: w[5], RDI: w[6],
	}, nil
}

// LoadMicrocodePatch applies a microcode update on the given logical
// CPU. This is the one packed request that is not word aligned. The
// wire format carries the patch length in 16 bits; longer patches are
// rejected rather than sent with a wrapped-around length field.
func (s *Session) LoadMicrocodePatch(thread uint8, patch []byte) error {
	if len(patch) > microcodePatchMaxLen {
		return &ProtocolError{
			Op:     IOCTL_LOAD_UCODE_PATCH,
			Reason: fmt.Sprintf("patch is %d bytes, limit of the 16-bit length field is %d", len(patch), microcodePatchMaxLen),
		}
	}
	buf := packMicrocodeUpdate(thread, patch)
	if err := s.t.Issue(IOCTL_LOAD_UCODE_PATCH, buf); err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio.LoadMicrocodePatch thread %d: %v", thread, err)
		return err
	}
	return nil
}
