// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements CPU affinity control for per-core operations.
// The driver executes privileged instructions on whatever core runs
// the calling context, so MSR, CR, SMI and descriptor table requests
// are preceded by a pin to the target logical CPU.

package hwio

import (
	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"
)

// PinThread sets the scheduling affinity mask to the single given
// logical CPU and returns it. The mask is process wide: it affects
// every thread of the calling process, not only the caller. The prior
// mask is not restored; use WithThread when isolation is required.
func PinThread(thread int) (int, error) {
	var set unix.CPUSet
	set.Zero()
	set.Set(thread)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return -1, err
	}
	return thread, nil
}

// CurrentThread returns the lowest logical CPU in the current affinity
// mask, or -1 when the mask cannot be read.
func CurrentThread() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio.CurrentThread: %v", err)
		return -1
	}
	for cpu := 0; cpu < len(set)*64; cpu++ {
		if set.IsSet(cpu) {
			return cpu
		}
	}
	return -1
}

// WithThread runs fn pinned to the given logical CPU and restores the
// prior affinity mask on all exit paths.
func WithThread(thread int, fn func() error) error {
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return err
	}
	if _, err := PinThread(thread); err != nil {
		return err
	}
	defer func() {
		if err := unix.SchedSetaffinity(0, &prev); err != nil {
			klog.V(DBG_LVL_BASIC).Infof("hwio.WithThread: cannot restore affinity: %v", err)
		}
	}()
	return fn()
}
