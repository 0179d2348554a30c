// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

package hwio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeIoctlBase(t *testing.T) {
	cases := []struct {
		word int
		want uintptr
	}{
		{4, 0xC0044300},
		{8, 0xC0084300},
	}
	for _, c := range cases {
		got := computeIoctlBase(c.word)
		assert.Equal(t, c.want, got, "word size %d", c.word)
		// pure function, stable across repeated computation
		assert.Equal(t, got, computeIoctlBase(c.word))
	}
}

func TestIoctlBaseSharedAcrossOpcodes(t *testing.T) {
	base := computeIoctlBase(8)
	seen := map[uintptr]Opcode{}
	for op := range opcodeNames {
		code := base + uintptr(op)
		// only the opcode offset distinguishes requests
		assert.Equal(t, base, code&^uintptr(0xFF))
		prev, dup := seen[code]
		assert.False(t, dup, "opcode %s collides with %s", op, prev)
		seen[code] = op
	}
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "RDMSR", IOCTL_RDMSR.String())
	assert.Equal(t, "GET_EFIVAR", IOCTL_GET_EFIVAR.String())
	assert.Equal(t, "Opcode(0xF)", Opcode(0xF).String())
}
