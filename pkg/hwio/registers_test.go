// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

package hwio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIOPortMasking(t *testing.T) {
	cases := []struct {
		size int
		want uint32
	}{
		{1, 0xCD},
		{2, 0xABCD},
		{4, 0x1234ABCD},
	}
	for _, c := range cases {
		f := &fakeTransport{
			respond: func(op Opcode, buf []byte) error {
				putWord(wordSize, buf[2*wordSize:], 0x1234ABCD)
				return nil
			},
		}
		s, _ := newTestSession(f)

		value, err := s.ReadIOPort(0x80, c.size)
		require.NoError(t, err)
		assert.Equal(t, IOCTL_RDIO, f.lastOp)
		assert.Equal(t, c.want, value, "size %d", c.size)

		req := unpackWords(wordSize, f.lastReq)
		require.Len(t, req, 3)
		assert.Equal(t, uint64(0x80), req[0])
		assert.Equal(t, uint64(c.size), req[1])
	}
}

func TestWriteIOPortLayout(t *testing.T) {
	f := &fakeTransport{}
	s, _ := newTestSession(f)

	require.NoError(t, s.WriteIOPort(0xCF8, 0x80000000, 4))
	assert.Equal(t, IOCTL_WRIO, f.lastOp)
	assert.Equal(t, []uint64{0xCF8, 4, 0x80000000}, unpackWords(wordSize, f.lastReq))
}

func TestReadMSRUsesPinnedThread(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			putWord(wordSize, buf[2*wordSize:], 0x11112222) // edx
			putWord(wordSize, buf[3*wordSize:], 0x33334444) // eax
			return nil
		},
	}
	s, pinned := newTestSession(f)

	eax, edx, err := s.ReadMSR(3, 0x1B)
	require.NoError(t, err)
	assert.Equal(t, IOCTL_RDMSR, f.lastOp)
	assert.Equal(t, 3, *pinned, "per-core read must pin first")

	req := unpackWords(wordSize, f.lastReq)
	require.Len(t, req, 4)
	assert.Equal(t, uint64(3), req[0], "request must carry the pinned thread")
	assert.Equal(t, uint64(0x1B), req[1])
	assert.Equal(t, uint32(0x33334444), eax)
	assert.Equal(t, uint32(0x11112222), edx)
}

func TestWriteMSRLayout(t *testing.T) {
	f := &fakeTransport{}
	s, pinned := newTestSession(f)

	require.NoError(t, s.WriteMSR(1, 0x1B, 0xAAAA, 0xBBBB))
	assert.Equal(t, IOCTL_WRMSR, f.lastOp)
	assert.Equal(t, 1, *pinned)
	// layout is (thread, msr, edx, eax)
	assert.Equal(t, []uint64{1, 0x1B, 0xBBBB, 0xAAAA}, unpackWords(wordSize, f.lastReq))
}

func TestReadPCIRegLayout(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			putWord(wordSize, buf[4*wordSize:], 0x12348086)
			return nil
		},
	}
	s, _ := newTestSession(f)

	value, err := s.ReadPCIReg(0x3A, 0x1F, 0x3, 0x40, 4)
	require.NoError(t, err)
	assert.Equal(t, IOCTL_RDPCI, f.lastOp)
	assert.Equal(t, uint32(0x12348086), value, "value comes back at index 4")

	req := unpackWords(wordSize, f.lastReq)
	require.Len(t, req, 5)
	assert.Equal(t, uint64(0x3A), req[0], "domain 0 packed into the high word of bus")
	assert.Equal(t, uint64(0x1F)<<16|0x3, req[1])
	assert.Equal(t, uint64(0x40), req[2])
	assert.Equal(t, uint64(4), req[3])
	assert.Equal(t, uint64(0), req[4])
}

func TestWritePCIRegEchoesValue(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			return nil // driver echoes the request in place
		},
	}
	s, _ := newTestSession(f)

	value, err := s.WritePCIReg(0, 0x2, 0x0, 0x4, 0xCAFE, 2)
	require.NoError(t, err)
	assert.Equal(t, IOCTL_WRPCI, f.lastOp)
	assert.Equal(t, uint32(0xCAFE), value)
}

func TestReadWriteCR(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			if op == IOCTL_RDCR {
				putWord(wordSize, buf[2*wordSize:], 0x80050033)
			}
			return nil
		},
	}
	s, pinned := newTestSession(f)

	value, err := s.ReadCR(2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, *pinned)
	assert.Equal(t, uint64(0x80050033), value)
	assert.Equal(t, []uint64{2, 0, 0}, unpackWords(wordSize, f.lastReq))

	require.NoError(t, s.WriteCR(1, 4, 0x668))
	assert.Equal(t, 1, *pinned)
	assert.Equal(t, IOCTL_WRCR, f.lastOp)
	assert.Equal(t, []uint64{1, 4, 0x668}, unpackWords(wordSize, f.lastReq))
}

func TestCPUID(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			putWord(wordSize, buf[0*wordSize:], 0x000306A9)
			putWord(wordSize, buf[1*wordSize:], 0x02100800)
			putWord(wordSize, buf[2*wordSize:], 0x7FBAE3FF)
			putWord(wordSize, buf[3*wordSize:], 0xBFEBFBFF)
			return nil
		},
	}
	s, _ := newTestSession(f)

	regs, err := s.CPUID(1, 0)
	require.NoError(t, err)
	assert.Equal(t, IOCTL_CPUID, f.lastOp)
	assert.Equal(t, CPUIDRegs{EAX: 0x000306A9, EBX: 0x02100800, ECX: 0x7FBAE3FF, EDX: 0xBFEBFBFF}, regs)

	// request layout is (eax, 0, ecx, 0)
	f.respond = nil
	_, err = s.CPUID(7, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 0, 2, 0}, unpackWords(wordSize, f.lastReq))
}

func TestDescriptorTableReassembly(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			putWord(wordSize, buf[0*wordSize:], 0x3FF)      // limit
			putWord(wordSize, buf[1*wordSize:], 0xFFFFF800) // base hi
			putWord(wordSize, buf[2*wordSize:], 0x12340000) // base lo
			putWord(wordSize, buf[3*wordSize:], 0x1)        // pa hi
			putWord(wordSize, buf[4*wordSize:], 0x56780000) // pa lo
			return nil
		},
	}
	s, pinned := newTestSession(f)

	limit, base, pa, err := s.DescriptorTable(0, 0x1)
	require.NoError(t, err)
	assert.Equal(t, 0, *pinned)
	assert.Equal(t, uint64(0x3FF), limit)
	assert.Equal(t, uint64(0xFFFFF800)<<32|0x12340000, base)
	assert.Equal(t, uint64(0x1)<<32|0x56780000, pa)
}

func TestReadMMIOReg(t *testing.T) {
	cases := []struct {
		size int
		want uint64
	}{
		{1, 0xCD},
		{2, 0xABCD},
		{4, 0x1234ABCD},
	}
	for _, c := range cases {
		f := &fakeTransport{
			respond: func(op Opcode, buf []byte) error {
				copy(buf, []byte{0xCD, 0xAB, 0x34, 0x12})
				return nil
			},
		}
		s, _ := newTestSession(f)

		value, err := s.ReadMMIOReg(0xFED40000, 0x30, c.size)
		require.NoError(t, err)
		assert.Equal(t, c.want, value, "size %d", c.size)

		req := unpackWords(wordSize, f.lastReq)
		require.Len(t, req, 2)
		assert.Equal(t, uint64(0xFED40030), req[0], "physical address is bar+offset")
		assert.Equal(t, uint64(c.size), req[1])
	}
}

func TestWriteMMIORegLayout(t *testing.T) {
	f := &fakeTransport{}
	s, _ := newTestSession(f)

	require.NoError(t, s.WriteMMIOReg(0xFED40000, 0x8, 0xFF, 1))
	assert.Equal(t, IOCTL_WRMMIO, f.lastOp)
	assert.Equal(t, []uint64{0xFED40008, 1, 0xFF}, unpackWords(wordSize, f.lastReq))
}

func TestPhysMemSeekThenStream(t *testing.T) {
	f := &fakeTransport{mem: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}}
	s, _ := newTestSession(f)

	data, err := s.ReadPhysMem(4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6, 7}, data)

	n, err := s.WritePhysMem(0, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xAA, 0xBB, 2, 3}, f.mem[:4])

	// physical memory never goes through the ioctl multiplexer
	assert.Equal(t, 0, f.calls)
}

func TestVirtToPhys(t *testing.T) {
	const maxPABits = 36

	newFake := func(pa uint64) *fakeTransport {
		return &fakeTransport{
			respond: func(op Opcode, buf []byte) error {
				switch op {
				case IOCTL_VA2PA:
					putWord(wordSize, buf, pa)
				case IOCTL_CPUID:
					putWord(wordSize, buf, maxPABits)
				}
				return nil
			},
		}
	}

	s, _ := newTestSession(newFake(0x1234000))
	pa, translated, err := s.VirtToPhys(0x7FFF12340000)
	require.NoError(t, err)
	assert.True(t, translated)
	assert.Equal(t, uint64(0x1234000), pa)

	// beyond the CPU's physical address width: reported, not fatal
	s, _ = newTestSession(newFake(1 << 40))
	pa, translated, err = s.VirtToPhys(0x7FFF12340000)
	require.NoError(t, err)
	assert.False(t, translated)
	assert.Equal(t, uint64(1)<<40, pa)
}

func TestAllocFreePhysMem(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			if op == IOCTL_ALLOC_PHYSMEM {
				putWord(wordSize, buf[0*wordSize:], 0xFFFF888000000000)
				putWord(wordSize, buf[1*wordSize:], 0x1000000)
			}
			return nil
		},
	}
	s, _ := newTestSession(f)

	block, err := s.AllocPhysMem(0x1000, 0xFFFFFFFF)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1000, 0xFFFFFFFF}, unpackWords(wordSize, f.lastReq))
	assert.Equal(t, uint64(0xFFFF888000000000), block.VirtualAddress)
	assert.Equal(t, uint64(0x1000000), block.PhysicalAddress)

	_, err = s.FreePhysMem(block.VirtualAddress)
	require.NoError(t, err)
	assert.Equal(t, IOCTL_FREE_PHYSMEM, f.lastOp)
	assert.Equal(t, []uint64{0xFFFF888000000000}, unpackWords(wordSize, f.lastReq))
}

func TestMsgBusDirectionMasks(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			putWord(wordSize, buf[4*wordSize:], 0xDADA)
			return nil
		},
	}
	s, _ := newTestSession(f)

	mdr, err := s.MsgBusRead(0xD0, 0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDADA), mdr)
	req := unpackWords(wordSize, f.lastReq)
	assert.Equal(t, uint64(MSGBUS_MDR_OUT_MASK), req[0])
	assert.Equal(t, []uint64{0xD0, 0x10, 0, 0}, req[1:])

	require.NoError(t, s.MsgBusWrite(0xE0, 0x20, 0xBEEF))
	req = unpackWords(wordSize, f.lastReq)
	assert.Equal(t, uint64(MSGBUS_MDR_IN_MASK), req[0])
	assert.Equal(t, []uint64{0xE0, 0x20, 0xBEEF, 0}, req[1:])

	mdr, err = s.MsgBusSend(0xF0, 0x30, 0xC0DE)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDADA), mdr)
	req = unpackWords(wordSize, f.lastReq)
	assert.Equal(t, uint64(MSGBUS_MDR_IN_MASK|MSGBUS_MDR_OUT_MASK), req[0])
}

func TestHypercall(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			putWord(wordSize, buf, 0x42)
			return nil
		},
	}
	s, _ := newTestSession(f)

	result, err := s.Hypercall(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11)
	require.NoError(t, err)
	assert.Equal(t, IOCTL_HYPERCALL, f.lastOp)
	assert.Equal(t, uint64(0x42), result, "first word of the response is the result")
	assert.Len(t, unpackWords(wordSize, f.lastReq), 11)
}

func TestSendSWSMI(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			putWord(wordSize, buf[1*wordSize:], 0x99) // rax after the handler ran
			return nil
		},
	}
	s, pinned := newTestSession(f)

	in := SMIRegisters{CodeData: 0xDE01, RAX: 1, RBX: 2, RCX: 3, RDX: 4, RSI: 5, RDI: 6}
	out, err := s.SendSWSMI(2, in)
	require.NoError(t, err)
	assert.Equal(t, 2, *pinned)
	assert.Equal(t, []uint64{0xDE01, 1, 2, 3, 4, 5, 6}, unpackWords(wordSize, f.lastReq))
	assert.Equal(t, uint64(0x99), out.RAX)
	assert.Equal(t, uint64(0xDE01), out.CodeData)
	assert.Equal(t, uint64(6), out.RDI)
}

func TestLoadMicrocodePatch(t *testing.T) {
	f := &fakeTransport{}
	s, _ := newTestSession(f)

	patch := []byte{1, 2, 3, 4, 5}
	require.NoError(t, s.LoadMicrocodePatch(1, patch))
	assert.Equal(t, IOCTL_LOAD_UCODE_PATCH, f.lastOp)
	require.Len(t, f.lastReq, 3+len(patch))
	assert.Equal(t, byte(1), f.lastReq[0])
	assert.Equal(t, byte(5), f.lastReq[1])
	assert.Equal(t, byte(0), f.lastReq[2])
	assert.Equal(t, patch, f.lastReq[3:])
}

func TestLoadMicrocodePatchRejectsOversized(t *testing.T) {
	f := &fakeTransport{}
	s, _ := newTestSession(f)

	// one byte past the 16-bit length field; must fail before any
	// request reaches the driver instead of wrapping the length around
	patch := make([]byte, 0x10000)
	err := s.LoadMicrocodePatch(0, patch)
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, IOCTL_LOAD_UCODE_PATCH, pe.Op)
	assert.Equal(t, 0, f.calls)

	// the limit itself is still accepted
	require.NoError(t, s.LoadMicrocodePatch(0, patch[:0xFFFF]))
	assert.Equal(t, []byte{0xFF, 0xFF}, f.lastReq[1:3])
}

func TestIoctlErrorCarriesOpcode(t *testing.T) {
	f := &fakeTransport{
		respond: func(op Opcode, buf []byte) error {
			return &IoctlError{Op: op, Errno: assert.AnError}
		},
	}
	s, _ := newTestSession(f)

	_, _, err := s.ReadMSR(0, 0x1B)
	require.Error(t, err)
	var ie *IoctlError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, IOCTL_RDMSR, ie.Op)
	assert.ErrorIs(t, err, assert.AnError)
}
