// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements the session object of the hwio library. A
// session exclusively owns one driver device handle; every hardware
// access operation borrows it for the duration of a single control
// call.
//
// A Session is not safe for concurrent use. Physical memory access is
// a non-atomic seek-then-stream pair on the shared handle, and the
// per-core operations depend on the process-wide affinity mask set
// immediately beforehand. Callers that need concurrency must serialize
// all session operations or open one session per goroutine.

package hwio

import (
	"os"
	"runtime"

	"k8s.io/klog/v2"
)

const (
	DBG_LVL_DEFAULT     = iota //0
	DBG_LVL_BASIC              //1
	DBG_LVL_INFO               //2
	DBG_LVL_DETAIL             //3
	DBG_LVL_DEEP_DETAIL        //4
)

// DefaultDevice is the driver device node opened by Open.
const DefaultDevice = "/dev/hwio"

const devMemPath = "/dev/mem"

// Session owns the device handle and the per-process protocol
// parameters (word width, ioctl base). Open on start, Close exactly
// once on stop.
type Session struct {
	t    Transport
	word int

	// pin is the affinity hook used before per-core operations.
	pin func(thread int) (int, error)

	// efiVarDirs are the variable filesystem enumeration paths,
	// primary first, legacy fallback second.
	efiVarDirs []string

	// remountEfiVarFS is invoked after a successful variable write to
	// make the change visible through the variable filesystem.
	remountEfiVarFS func()
}

// Open opens the default device node and starts a session.
func Open() (*Session, error) {
	return OpenDevice(DefaultDevice)
}

// OpenDevice opens the given driver device node. It fails with a
// DeviceError when the node cannot be opened, commonly because the
// driver is not loaded or the caller is not root.
func OpenDevice(path string) (*Session, error) {
	t, err := openDevTransport(path, wordSize)
	if err != nil {
		return nil, err
	}
	return NewSession(t), nil
}

// NewSession builds a session around an existing transport. Intended
// for alternate transports, for example a simulated driver.
func NewSession(t Transport) *Session {
	return &Session{
		t:               t,
		word:            wordSize,
		pin:             PinThread,
		efiVarDirs:      []string{"/sys/firmware/efi/efivars", "/sys/firmware/efi/vars"},
		remountEfiVarFS: remountEfiVarFS,
	}
}

// Close releases the device handle. Safe to call more than once and on
// a session that never opened successfully.
func (s *Session) Close() error {
	if s.t == nil {
		return nil
	}
	err := s.t.Close()
	s.t = nil
	return err
}

// pinThread pins the process to the target core before a per-core
// control call. Pin failures degrade to executing on the current core;
// the driver runs the privileged instruction on whatever core runs the
// calling context, so the result may be from the wrong core. Reported
// at debug level only, matching the best-effort pin contract.
func (s *Session) pinThread(thread int) {
	if _, err := s.pin(thread); err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio.Session: cannot pin to thread %d: %v", thread, err)
	}
}

// EFISupported reports whether the platform exposes a UEFI variable
// filesystem.
func (s *Session) EFISupported() bool {
	for _, dir := range s.efiVarDirs {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}

// ThreadCount returns the number of logical CPUs available to the
// process.
func ThreadCount() int {
	return runtime.NumCPU()
}

// DevMemAvailable reports whether /dev/mem is usable as a fallback for
// physical memory access when the driver is not loaded.
func DevMemAvailable() bool {
	f, err := os.OpenFile(devMemPath, os.O_RDWR, 0)
	if err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio: /dev/mem not accessible: %v", err)
		return false
	}
	f.Close()
	return true
}

// MapIOSpace is intentionally not implemented on this platform.
func (s *Session) MapIOSpace(base, size uint64, cacheType int) error {
	return &UnsupportedError{API: "MapIOSpace"}
}

// ACPITable access goes through the firmware table layer, not the
// driver.
func (s *Session) ACPITable(name string) ([]byte, error) {
	return nil, &UnsupportedError{API: "ACPITable"}
}

// RetpolineEnabled is intentionally not implemented on this platform.
func (s *Session) RetpolineEnabled() (bool, error) {
	return false, &UnsupportedError{API: "RetpolineEnabled"}
}
