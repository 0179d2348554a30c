// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements the fixed-width word codec used by the driver
// wire protocol. Requests and responses are ordered tuples of machine
// words (4 bytes on 32-bit builds, 8 bytes on 64-bit builds) encoded
// little endian, built on top of the "encoding/binary" library.

package hwio

import (
	"encoding/binary"
	"unsafe"

	"k8s.io/klog/v2"
)

// Machine word width in bytes. Fixed for the lifetime of the process.
const wordSize = int(unsafe.Sizeof(uintptr(0)))

// packWords encodes the fields as consecutive little-endian words of
// the given width. Every field occupies a full word regardless of its
// logical size; on 32-bit builds values are truncated to the low word.
func packWords(word int, fields ...uint64) []byte {
	buf := make([]byte, word*len(fields))
	for i, f := range fields {
		putWord(word, buf[i*word:], f)
	}
	return buf
}

// unpackWords decodes the buffer as a tuple of little-endian words.
// Trailing bytes that do not fill a whole word are ignored.
func unpackWords(word int, buf []byte) []uint64 {
	fields := make([]uint64, len(buf)/word)
	for i := range fields {
		fields[i] = getWord(word, buf[i*word:])
	}
	return fields
}

func putWord(word int, buf []byte, v uint64) {
	if word == 8 {
		binary.LittleEndian.PutUint64(buf, v)
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	}
}

func getWord(word int, buf []byte) uint64 {
	if word == 8 {
		return binary.LittleEndian.Uint64(buf)
	}
	return uint64(binary.LittleEndian.Uint32(buf))
}

// putU32s encodes fixed 32-bit fields at the start of buf. The EFI
// variable headers use 32-bit fields independent of the word width.
func putU32s(buf []byte, fields ...uint32) {
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], f)
	}
}

func getU32(buf []byte, index int) uint32 {
	return binary.LittleEndian.Uint32(buf[index*4:])
}

// maskToSize reduces a register value to its declared access size.
// IO and MMIO reads return a full word; only the low 1, 2 or 4 bytes
// carry the register content.
func maskToSize(v uint64, size int) uint64 {
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	default:
		return v & 0xFFFFFFFF
	}
}

// leBytesToUint decodes up to 8 little-endian bytes into an integer.
// Used for MMIO reads where the driver returns raw register bytes.
func leBytesToUint(b []byte) uint64 {
	if len(b) > 8 {
		klog.V(DBG_LVL_BASIC).Infof("hwio.leBytesToUint: truncating %d byte value to 8", len(b))
		b = b[:8]
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// microcodePatchMaxLen is the largest patch representable in the
// 16-bit length field of the microcode update request.
const microcodePatchMaxLen = 0xFFFF

// packMicrocodeUpdate builds the one request that is not word-tuple
// based: thread id as a single byte, patch length as a 16-bit little
// endian count, then the raw patch bytes. Callers must reject patches
// longer than microcodePatchMaxLen first.
func packMicrocodeUpdate(thread uint8, patch []byte) []byte {
	buf := make([]byte, 3+len(patch))
	buf[0] = thread
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(patch)))
	copy(buf[3:], patch)
	return buf
}
