// Copyright (c) 2024 Platsec Technologies and/or its Affiliates

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/platsec/hwio-lib/pkg/hwio"

	"k8s.io/klog/v2"
)

var Version = "1.0.0"

// This variable is filled in during the linker step - -ldflags "-X main.buildTime=`date -u '+%Y-%m-%dT%H:%M:%S'`"
var buildTime = ""

var helptxt = `
hwio-util is a command line tool to inspect platform hardware state through the
hwio kernel driver.

Usage:
./hwio-util [--version] [--help] [--list] [--msr=ADDR] [--cpuid=EAX[:ECX]]
            [--io=PORT] [--pci=BUS:DEV.FUN] [--efi-list] [--efi-get=NAME]
            [--verbosity=0]

Which:
	version            : Print the version of this application and exit
	help               : Print the help text and exit
	list               : List all PCI devices on the host with resolved names
	device             : Driver device node (default /dev/hwio)
	thread             : Logical CPU for per-core operations (default 0)
	msr=ADDR           : Read the MSR at ADDR (hex) on the selected thread
	cpuid=EAX[:ECX]    : Execute CPUID for the leaf/subleaf (hex)
	io=PORT            : Read an IO port (hex). Use with --size
	pci=BUS:DEV.FUN    : Read PCI config space (hex fields). Use with --offset and --size
	offset             : Register offset for --pci (hex, default 0)
	size               : Access size in bytes for --io and --pci (default 4)
	efi-list           : List UEFI variables with attributes and sizes
	efi-get=NAME       : Read one UEFI variable. Use with --guid
	guid               : Vendor GUID for --efi-get
	verbosity          : Set the log level verbosity, where 0 is no logging and 4 is very verbose
`

const (
	DefaultVerbosity = "0" // Default log level
)

type Settings struct {
	Version   bool   // Print the version of this application and exit if true
	Verbosity string // The log level verbosity, where 0 is no logging and 4 is very verbose
	Help      bool   // Print the help text and exit
	List      bool   // List all PCI devices on the host
	Device    string // Driver device node
	Thread    int    // Logical CPU for per-core operations
	MSR       string // MSR address to read
	CPUID     string // CPUID leaf (and optional subleaf)
	IO        string // IO port to read
	PCI       string // PCI address BUS:DEV.FUN
	Offset    string // PCI register offset
	Size      int    // Access size for IO/PCI reads
	EfiList   bool   // List UEFI variables
	EfiGet    string // UEFI variable name to read
	GUID      string // Vendor GUID for EfiGet
}

// InitContext: initialize the configuration data using command line args
func (s *Settings) InitContext(args []string, ctx context.Context) (error, context.Context) {

	newContext := ctx

	flags := flag.NewFlagSet(args[0], flag.ExitOnError)

	var (
		version   = flags.Bool("version", false, "Display version and exit")
		verbosity = flags.String("verbosity", DefaultVerbosity, "Log level verbosity")
		help      = flags.Bool("help", false, "Print the help text")
		list      = flags.Bool("list", false, "List all PCI devices on the host")
		device    = flags.String("device", hwio.DefaultDevice, "Driver device node")
		thread    = flags.Int("thread", 0, "Logical CPU for per-core operations")
		msr       = flags.String("msr", "", "Read the MSR at this hex address")
		cpuid     = flags.String("cpuid", "", "Execute CPUID for hex leaf EAX[:ECX]")
		ioPort    = flags.String("io", "", "Read this IO port (hex)")
		pci       = flags.String("pci", "", "Read PCI config space at BUS:DEV.FUN (hex fields)")
		offset    = flags.String("offset", "0", "Register offset for --pci (hex)")
		size      = flags.Int("size", 4, "Access size in bytes for --io and --pci")
		efiList   = flags.Bool("efi-list", false, "List UEFI variables")
		efiGet    = flags.String("efi-get", "", "Read this UEFI variable")
		guid      = flags.String("guid", "", "Vendor GUID for --efi-get")
	)

	err := flags.Parse(args[1:])
	if err != nil {
		return err, newContext
	}

	s.Version = *version
	s.Verbosity = *verbosity
	s.Help = *help
	s.List = *list
	s.Device = *device
	s.Thread = *thread
	s.MSR = *msr
	s.CPUID = *cpuid
	s.IO = *ioPort
	s.PCI = *pci
	s.Offset = *offset
	s.Size = *size
	s.EfiList = *efiList
	s.EfiGet = *efiGet
	s.GUID = *guid

	if len(args) == 1 {
		s.Help = true
	}

	return nil, newContext
}

func PrintTableToStdout(table any, prefix, indent string) {
	s, _ := json.MarshalIndent(table, prefix, indent)
	fmt.Print(string(s), "\n")
}

func needsDriver(s Settings) bool {
	return s.MSR != "" || s.CPUID != "" || s.IO != "" || s.PCI != "" || s.EfiList || s.EfiGet != ""
}

func parseHex(field, value string, bits int) uint64 {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(value), "0x"), 16, bits)
	if err != nil {
		fmt.Printf("ERROR: bad hex value for --%s: %q\n", field, value)
		os.Exit(1)
	}
	return v
}

func main() {

	// Extract settings using command line args or defaults
	settings := Settings{}
	ctx := context.Background()
	var err error
	err, ctx = settings.InitContext(os.Args, ctx)
	_ = ctx

	if err != nil {
		fmt.Printf("ERROR: parsing parameters, err=%v\n", err)
		os.Exit(1)
	}

	// Set verbosity level according to the 'verbosity' flag
	var l klog.Level
	l.Set(settings.Verbosity)

	// hwio-util banner
	args := strings.Join(os.Args[1:], " ")
	klog.V(1).InfoS("hwio-util", "args", args)
	klog.V(2).InfoS("hwio-util", "settings", settings)

	if settings.Version {
		fmt.Println("[] hwio-util", "version", Version, "build", buildTime)
		os.Exit(0)
	}

	if settings.Help {
		fmt.Print(helptxt)
		os.Exit(0)
	}

	if settings.List {
		devs, err := hwio.ListPCIDevices()
		if err != nil {
			fmt.Printf("ERROR: cannot enumerate PCI devices, err=%v\n", err)
			os.Exit(1)
		}
		prFmt := "%12s | %6s | %6s | %8s | %30s | %30s \n"
		fmt.Printf("Print the list of PCI devices. Total devices found: %d\n", len(devs))
		fmt.Printf(prFmt, "BUS:DEV.FUN", "Vendor", "Device", "Class", "Vendor Name", "Product Name")
		for _, dev := range devs {
			vendorName := dev.VendorName
			if len(vendorName) > 27 {
				vendorName = vendorName[:27] + "..."
			}
			productName := dev.ProductName
			if len(productName) > 27 {
				productName = productName[:27] + "..."
			}
			fmt.Printf(prFmt, dev.BDFString(),
				fmt.Sprintf("0x%04X", dev.VendorID), fmt.Sprintf("0x%04X", dev.DeviceID),
				fmt.Sprintf("0x%06X", dev.ClassCode), vendorName, productName)
		}
	}

	if !needsDriver(settings) {
		return
	}

	session, err := hwio.OpenDevice(settings.Device)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	if settings.MSR != "" {
		addr := parseHex("msr", settings.MSR, 32)
		eax, edx, err := session.ReadMSR(settings.Thread, uint32(addr))
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("MSR 0x%X (thread %d): EAX=0x%08X EDX=0x%08X value=0x%016X\n",
			addr, settings.Thread, eax, edx, uint64(edx)<<32|uint64(eax))
	}

	if settings.CPUID != "" {
		leaf := settings.CPUID
		subleaf := "0"
		if cut := strings.SplitN(settings.CPUID, ":", 2); len(cut) == 2 {
			leaf, subleaf = cut[0], cut[1]
		}
		regs, err := session.CPUID(uint32(parseHex("cpuid", leaf, 32)), uint32(parseHex("cpuid", subleaf, 32)))
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CPUID(0x%s, 0x%s):\n", leaf, subleaf)
		PrintTableToStdout(regs, "   ", "   ")
	}

	if settings.IO != "" {
		port := parseHex("io", settings.IO, 16)
		value, err := session.ReadIOPort(uint16(port), settings.Size)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("IO port 0x%X (%d bytes): 0x%X\n", port, settings.Size, value)
	}

	if settings.PCI != "" {
		bdfStringList := strings.Split(settings.PCI, ":")
		if len(bdfStringList) == 1 {
			settings.PCI = settings.PCI + ":00.0"
			bdfStringList = strings.Split(settings.PCI, ":")
		}
		dfStringList := strings.Split(bdfStringList[1], ".")
		if len(dfStringList) != 2 {
			fmt.Printf("ERROR: bad PCI address %q, expect BUS:DEV.FUN\n", settings.PCI)
			os.Exit(1)
		}
		bus := parseHex("pci", bdfStringList[0], 8)
		dev := parseHex("pci", dfStringList[0], 8)
		fun := parseHex("pci", dfStringList[1], 8)
		off := parseHex("offset", settings.Offset, 32)
		value, err := session.ReadPCIReg(uint8(bus), uint8(dev), uint8(fun), uint32(off), settings.Size)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PCI %02X:%02X.%X +0x%X (%d bytes): 0x%X\n", bus, dev, fun, off, settings.Size, value)
	}

	if settings.EfiList {
		vars, err := session.ListEfiVariables()
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		prFmt := "%40s | %36s | %10s | %8s \n"
		fmt.Printf("Print the list of UEFI variables. Total variables found: %d\n", len(vars))
		fmt.Printf(prFmt, "Name", "GUID", "Attributes", "Size")
		for _, v := range vars {
			name := v.Name
			if len(name) > 37 {
				name = name[:37] + "..."
			}
			fmt.Printf(prFmt, name, v.GUID, fmt.Sprintf("0x%X", v.Attributes), strconv.Itoa(len(v.Data)))
		}
	}

	if settings.EfiGet != "" {
		if settings.GUID == "" {
			fmt.Printf("ERROR: --efi-get needs --guid\n")
			os.Exit(1)
		}
		rec, err := session.GetEfiVariableFull(settings.EfiGet, settings.GUID)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("UEFI variable %s-%s, attributes 0x%X, %d bytes:\n",
			rec.Name, rec.GUID, rec.Attributes, len(rec.Data))
		for i := 0; i < len(rec.Data); i += 16 {
			end := i + 16
			if end > len(rec.Data) {
				end = len(rec.Data)
			}
			fmt.Printf("   %04X: % X\n", i, rec.Data[i:end])
		}
	}
}
