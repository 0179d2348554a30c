// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements best-effort kernel symbol lookup. The driver
// lifecycle manager passes some symbol addresses as module parameters
// on old kernels; a missing symbol degrades to not-found and never
// fails the session.

package hwio

import (
	"bufio"
	"os"
	"strings"

	"k8s.io/klog/v2"
)

const kallsymsPath = "/proc/kallsyms"

// KernelSymbolAddress returns the address of an exported kernel symbol
// as a hex string without prefix, as printed by /proc/kallsyms. On
// kernels that hide addresses from unprivileged readers the returned
// address may be all zeros.
func KernelSymbolAddress(symbol string) (string, bool) {
	f, err := os.Open(kallsymsPath)
	if err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio: cannot read %s: %v", kallsymsPath, err)
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[2] == symbol {
			return fields[0], true
		}
	}
	return "", false
}
