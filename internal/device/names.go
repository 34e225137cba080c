package device

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// pciLoader is swapped in tests.
var pciLoader = func() (*pcidb.PCIDB, error) { return pcidb.New() }

// PCIIdentity is the packed vendor/device pair drivers report, device in the
// high 16 bits and vendor in the low 16 bits (e.g. 0x20B010DE).
type PCIIdentity struct {
	Device    uint32
	Subsystem uint32
}

// ParsePCIIdentity reads the hex strings nvidia-smi prints ("0x20B010DE").
func ParsePCIIdentity(deviceID, subsystemID string) PCIIdentity {
	return PCIIdentity{Device: parseHex32(deviceID), Subsystem: parseHex32(subsystemID)}
}

func parseHex32(raw string) uint32 {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return 0
	}
	n, err := strconv.ParseUint(value, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func (id PCIIdentity) split(packed uint32) (string, string) {
	if packed == 0 {
		return "", ""
	}
	return fmt.Sprintf("%04x", packed&0xffff), fmt.Sprintf("%04x", packed>>16)
}

// ResolveName returns current unless it is empty or generic, in which case the
// product name from the PCI ID database is used when one is known.
func ResolveName(current string, id PCIIdentity) string {
	if !isGenericName(current) {
		return current
	}
	vendorID, deviceID := id.split(id.Device)
	subVendorID, subDeviceID := id.split(id.Subsystem)
	if resolved := lookupProductName(vendorID, deviceID, subVendorID, subDeviceID); resolved != "" {
		return resolved
	}
	return current
}

func lookupProductName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) && subsystem.Name != "" {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pciLoader()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

func isGenericName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	switch lower {
	case "", "unknown", "n/a", "[n/a]", "nvidia", "graphics device":
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}
