// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

// This file implements PCI device discovery from sysfs. Discovery is
// the front end for the configuration space register operations: it
// yields the bus/device/function coordinates that ReadPCIReg and
// WritePCIReg take, with vendor and product names resolved from the
// pci.ids database.

package hwio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jaypipes/pcidb"

	"k8s.io/klog/v2"
)

const pciSysfsPath = "/sys/bus/pci/devices"

// PCIDevice is one discovered PCI function.
type PCIDevice struct {
	Domain   uint16 `json:"Domain"`
	Bus      uint8  `json:"Bus"`
	Device   uint8  `json:"Device"`
	Function uint8  `json:"Function"`

	VendorID  uint16 `json:"VendorID"`
	DeviceID  uint16 `json:"DeviceID"`
	ClassCode uint32 `json:"ClassCode"`

	VendorName  string `json:"VendorName,omitempty"`
	ProductName string `json:"ProductName,omitempty"`
}

// BDFString returns the device address as BUS:DEV.FUN.
func (d PCIDevice) BDFString() string {
	return fmt.Sprintf("%02X:%02X.%1X", d.Bus, d.Device, d.Function)
}

// ListPCIDevices enumerates every PCI function known to sysfs. Name
// resolution is best effort: when no pci.ids database is found the
// devices come back with empty name fields.
func ListPCIDevices() ([]PCIDevice, error) {
	db, err := pcidb.New()
	if err != nil {
		klog.V(DBG_LVL_BASIC).Infof("hwio: pci.ids database unavailable: %v", err)
		db = nil
	}

	links, err := os.ReadDir(pciSysfsPath)
	if err != nil {
		return nil, err
	}

	var devs []PCIDevice
	for _, link := range links {
		dev, err := pciDeviceFromSysfs(link.Name())
		if err != nil {
			klog.V(DBG_LVL_BASIC).Infof("hwio: skipping PCI entry %s: %v", link.Name(), err)
			continue
		}
		if db != nil {
			vendorKey := fmt.Sprintf("%04x", dev.VendorID)
			if vendor, ok := db.Vendors[vendorKey]; ok {
				dev.VendorName = vendor.Name
			}
			if product, ok := db.Products[vendorKey+fmt.Sprintf("%04x", dev.DeviceID)]; ok {
				dev.ProductName = product.Name
			}
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

func pciDeviceFromSysfs(addr string) (PCIDevice, error) {
	var dev PCIDevice
	var err error
	if dev.Domain, dev.Bus, dev.Device, dev.Function, err = parseBDFAddr(addr); err != nil {
		return dev, err
	}

	base := filepath.Join(pciSysfsPath, addr)
	vendor, err := readSysfsHex(filepath.Join(base, "vendor"))
	if err != nil {
		return dev, err
	}
	device, err := readSysfsHex(filepath.Join(base, "device"))
	if err != nil {
		return dev, err
	}
	class, err := readSysfsHex(filepath.Join(base, "class"))
	if err != nil {
		return dev, err
	}
	dev.VendorID = uint16(vendor)
	dev.DeviceID = uint16(device)
	dev.ClassCode = uint32(class)
	return dev, nil
}

// parseBDFAddr splits the sysfs address format dddd:bb:dd.f.
func parseBDFAddr(addr string) (domain uint16, bus, device, function uint8, err error) {
	parts := strings.Split(strings.ToLower(addr), ":")
	if len(parts) != 3 {
		return 0, 0, 0, 0, fmt.Errorf("address format error, expect $domain:$bus:$dev.$func: %q", addr)
	}
	df := strings.Split(parts[2], ".")
	if len(df) != 2 {
		return 0, 0, 0, 0, fmt.Errorf("address format error, expect $domain:$bus:$dev.$func: %q", addr)
	}
	dom, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	b, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	d, err := strconv.ParseUint(df[0], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	f, err := strconv.ParseUint(df[1], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return uint16(dom), uint8(b), uint8(d), uint8(f), nil
}

func readSysfsHex(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	return strconv.ParseUint(text, 16, 64)
}
