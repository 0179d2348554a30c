// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements UEFI variable access through the driver. Reads
// use a two-phase size discovery: a probe sized for headers and name
// only, then at most one retrieve with the data size the driver
// reported. Header fields are always 32 bits wide, independent of the
// machine word width used by the register operations.

package hwio

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"
)

// EfiStatus is the driver-reported status of a variable operation.
type EfiStatus uint32

const (
	EFI_SUCCESS            EfiStatus = 0
	EFI_LOAD_ERROR         EfiStatus = 1
	EFI_INVALID_PARAMETER  EfiStatus = 2
	EFI_UNSUPPORTED        EfiStatus = 3
	EFI_BAD_BUFFER_SIZE    EfiStatus = 4
	EFI_BUFFER_TOO_SMALL   EfiStatus = 5
	EFI_NOT_READY          EfiStatus = 6
	EFI_DEVICE_ERROR       EfiStatus = 7
	EFI_WRITE_PROTECTED    EfiStatus = 8
	EFI_OUT_OF_RESOURCES   EfiStatus = 9
	EFI_NOT_FOUND          EfiStatus = 14
	EFI_SECURITY_VIOLATION EfiStatus = 26
)

var efiStatusNames = map[EfiStatus]string{
	EFI_SUCCESS:            "EFI_SUCCESS",
	EFI_LOAD_ERROR:         "EFI_LOAD_ERROR",
	EFI_INVALID_PARAMETER:  "EFI_INVALID_PARAMETER",
	EFI_UNSUPPORTED:        "EFI_UNSUPPORTED",
	EFI_BAD_BUFFER_SIZE:    "EFI_BAD_BUFFER_SIZE",
	EFI_BUFFER_TOO_SMALL:   "EFI_BUFFER_TOO_SMALL",
	EFI_NOT_READY:          "EFI_NOT_READY",
	EFI_DEVICE_ERROR:       "EFI_DEVICE_ERROR",
	EFI_WRITE_PROTECTED:    "EFI_WRITE_PROTECTED",
	EFI_OUT_OF_RESOURCES:   "EFI_OUT_OF_RESOURCES",
	EFI_NOT_FOUND:          "EFI_NOT_FOUND",
	EFI_SECURITY_VIOLATION: "EFI_SECURITY_VIOLATION",
}

// Known reports whether the status code belongs to the closed
// enumeration; unknown codes keep their numeric value for diagnostics.
func (s EfiStatus) Known() bool {
	_, ok := efiStatusNames[s]
	return ok
}

func (s EfiStatus) String() string {
	if name, ok := efiStatusNames[s]; ok {
		return fmt.Sprintf("%s (%d)", name, uint32(s))
	}
	return fmt.Sprintf("EFI_UNKNOWN_STATUS (%d)", uint32(s))
}

// VariableGUID is a UEFI vendor GUID decomposed into the eleven
// integer fields of the driver wire layout. Field boundaries matter:
// 8, 4, 4, then eight 2-hex-digit fields.
type VariableGUID [11]uint32

// ParseGUID parses the canonical 36-character GUID string form. The
// split happens at fixed character offsets matching the driver's field
// order; this is deliberately not a flat hex-to-bytes conversion.
func ParseGUID(s string) (VariableGUID, error) {
	var g VariableGUID
	if len(s) != 36 {
		return g, fmt.Errorf("hwio: malformed GUID %q", s)
	}
	if _, err := uuid.Parse(s); err != nil {
		return g, fmt.Errorf("hwio: malformed GUID %q: %w", s, err)
	}
	bounds := [11][2]int{
		{0, 8}, {9, 13}, {14, 18},
		{19, 21}, {21, 23},
		{24, 26}, {26, 28}, {28, 30}, {30, 32}, {32, 34}, {34, 36},
	}
	for i, b := range bounds {
		v, err := strconv.ParseUint(s[b[0]:b[1]], 16, 32)
		if err != nil {
			return VariableGUID{}, fmt.Errorf("hwio: malformed GUID %q: %w", s, err)
		}
		g[i] = uint32(v)
	}
	return g, nil
}

// String formats the GUID back into its canonical form.
func (g VariableGUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g[0], g[1], g[2], g[3], g[4], g[5], g[6], g[7], g[8], g[9], g[10])
}

// EfiVariable is one materialized UEFI variable record. Constructed
// fresh per query, never cached.
type EfiVariable struct {
	Name       string
	GUID       VariableGUID
	Attributes uint32
	Data       []byte
	Status     EfiStatus
}

const (
	// GET request: 13 u32 fields (total size, 11 GUID fields, name
	// length), then the name, then the data region on the retrieve
	// pass. The response reuses the buffer: size, status, attributes
	// as u32, data from offset 12.
	efiGetHeaderSize = 52
	// SET request adds attribute and data length fields: 15 u32.
	efiSetHeaderSize = 60
	efiVarAttrOffset = 8
	efiVarDataOffset = 12

	// Runtime+boot service, non-volatile.
	efiVarDefaultAttrs = 0x7

	// Directory entries are <name>-<guid>; the GUID plus its
	// separating hyphen occupy the fixed trailing 37 characters.
	guidEntryTailLen = 37
)

func packEfiGetRequest(g VariableGUID, name string, dataLen int) []byte {
	buf := make([]byte, efiGetHeaderSize+len(name)+dataLen)
	fields := make([]uint32, 0, 13)
	fields = append(fields, uint32(len(buf)))
	fields = append(fields, g[:]...)
	fields = append(fields, uint32(len(name)))
	putU32s(buf, fields...)
	copy(buf[efiGetHeaderSize:], name)
	return buf
}

func packEfiSetRequest(g VariableGUID, name string, value []byte, attrs uint32) []byte {
	dataLen := len(value)
	if dataLen == 0 {
		// Deletion-style writes still carry one zero byte; the
		// declared data length stays 0.
		value = []byte{0}
	}
	buf := make([]byte, efiSetHeaderSize+len(name)+len(value))
	fields := make([]uint32, 0, 15)
	fields = append(fields, uint32(efiSetHeaderSize+len(name)+dataLen))
	fields = append(fields, g[:]...)
	fields = append(fields, attrs, uint32(len(name)), uint32(dataLen))
	putU32s(buf, fields...)
	copy(buf[efiSetHeaderSize:], name)
	copy(buf[efiSetHeaderSize+len(name):], value)
	return buf
}

// getEfiVariableFull runs the probe/retrieve machine for one variable.
// The returned record always carries the final driver status.
func (s *Session) getEfiVariableFull(name string, g VariableGUID) (*EfiVariable, error) {
	rec := &EfiVariable{Name: name, GUID: g}

	// Probe: headers and name only, no data region. The driver
	// answers with the real data size.
	buf := packEfiGetRequest(g, name, 0)
	if err := s.t.Issue(IOCTL_GET_EFIVAR, buf); err != nil {
		return rec, err
	}
	newSize := int(getU32(buf, 0))
	status := EfiStatus(getU32(buf, 1))

	// Retrieve: exactly one resize. If the driver reports
	// BufferTooSmall again after getting the size it asked for, the
	// call fails instead of growing without bound.
	if status == EFI_BUFFER_TOO_SMALL {
		buf = packEfiGetRequest(g, name, newSize)
		if err := s.t.Issue(IOCTL_GET_EFIVAR, buf); err != nil {
			klog.V(DBG_LVL_BASIC).Infof("hwio: GET_EFIVAR retrieve for %s failed: %v", name, err)
			return rec, err
		}
		newSize = int(getU32(buf, 0))
		status = EfiStatus(getU32(buf, 1))
	}
	rec.Status = status

	if newSize > len(buf) {
		return rec, &ProtocolError{
			Op:     IOCTL_GET_EFIVAR,
			Reason: fmt.Sprintf("driver claims %d bytes for a %d byte buffer", newSize, len(buf)),
		}
	}
	if status != EFI_SUCCESS {
		klog.V(DBG_LVL_BASIC).Infof("hwio: reading variable %s did not succeed: %v", name, status)
		return rec, &StatusError{Status: status}
	}
	if efiVarDataOffset+newSize > len(buf) {
		return rec, &ProtocolError{
			Op:     IOCTL_GET_EFIVAR,
			Reason: fmt.Sprintf("data region %d..%d exceeds %d byte buffer", efiVarDataOffset, efiVarDataOffset+newSize, len(buf)),
		}
	}
	rec.Attributes = getU32(buf, efiVarAttrOffset/4)
	rec.Data = append([]byte(nil), buf[efiVarDataOffset:efiVarDataOffset+newSize]...)
	return rec, nil
}

// GetEfiVariable reads the raw data of one UEFI variable.
func (s *Session) GetEfiVariable(name, guid string) ([]byte, error) {
	rec, err := s.GetEfiVariableFull(name, guid)
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// GetEfiVariableFull reads one UEFI variable including its attribute
// bitmask and final driver status.
func (s *Session) GetEfiVariableFull(name, guid string) (*EfiVariable, error) {
	g, err := ParseGUID(guid)
	if err != nil {
		return nil, err
	}
	return s.getEfiVariableFull(name, g)
}

// SetEfiVariable writes a UEFI variable with the default attribute
// bitmask (non-volatile, boot service, runtime service). An empty data
// slice deletes the variable.
func (s *Session) SetEfiVariable(name, guid string, data []byte) error {
	return s.SetEfiVariableAttrs(name, guid, data, efiVarDefaultAttrs)
}

// SetEfiVariableAttrs writes a UEFI variable with explicit attributes.
// A successful write remounts the variable filesystem so the change
// becomes visible there; this is a consistency workaround, not error
// handling.
func (s *Session) SetEfiVariableAttrs(name, guid string, data []byte, attrs uint32) error {
	g, err := ParseGUID(guid)
	if err != nil {
		return err
	}
	buf := packEfiSetRequest(g, name, data, attrs)
	if err := s.t.Issue(IOCTL_SET_EFIVAR, buf); err != nil {
		return err
	}
	status := EfiStatus(getU32(buf, 1))
	if status != EFI_SUCCESS {
		klog.V(DBG_LVL_BASIC).Infof("hwio: setting variable %s did not succeed: %v", name, status)
		return &StatusError{Status: status}
	}
	s.remountEfiVarFS()
	return nil
}

// DeleteEfiVariable removes a UEFI variable. Deletion is a set with an
// empty payload.
func (s *Session) DeleteEfiVariable(name, guid string) error {
	return s.SetEfiVariable(name, guid, nil)
}

// ListEfiVariables enumerates the variable filesystem and materializes
// every entry through the driver. A platform without a variable
// filesystem yields an UnsupportedError, not an empty set.
func (s *Session) ListEfiVariables() ([]EfiVariable, error) {
	var dir string
	for _, d := range s.efiVarDirs {
		if fi, err := os.Stat(d); err == nil && fi.IsDir() {
			dir = d
			break
		}
	}
	if dir == "" {
		return nil, &UnsupportedError{API: "ListEfiVariables"}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var vars []EfiVariable
	for _, ent := range entries {
		name, g, ok := splitVarEntry(ent.Name())
		if !ok {
			klog.V(DBG_LVL_DETAIL).Infof("hwio: skipping variable entry %q", ent.Name())
			continue
		}
		rec, err := s.getEfiVariableFull(name, g)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Status == EFI_NOT_FOUND {
				// Deleted under us; the filesystem entry is stale.
				continue
			}
			klog.V(DBG_LVL_BASIC).Infof("hwio: cannot read variable %s: %v", name, err)
		}
		vars = append(vars, *rec)
	}
	return vars, nil
}

// splitVarEntry separates a variable filesystem entry into name and
// GUID. The GUID occupies the fixed trailing characters; the variable
// name itself may contain hyphens.
func splitVarEntry(entry string) (string, VariableGUID, bool) {
	if len(entry) <= guidEntryTailLen {
		return "", VariableGUID{}, false
	}
	name := entry[:len(entry)-guidEntryTailLen]
	g, err := ParseGUID(entry[len(name)+1:])
	if err != nil {
		return "", VariableGUID{}, false
	}
	return name, g, true
}

// remountEfiVarFS cycles the efivarfs mount after a successful write.
// Without it the kernel keeps serving the stale variable through the
// filesystem. Best effort; failures are only logged.
func remountEfiVarFS() {
	const target = "/sys/firmware/efi/efivars"
	if err := unix.Unmount(target, 0); err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio: unmount %s: %v", target, err)
		return
	}
	if err := unix.Mount("efivarfs", target, "efivarfs", 0, ""); err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio: remount %s: %v", target, err)
	}
}
