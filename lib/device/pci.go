package device

import (
	"strconv"
	"strings"

	"github.com/tiiuae/vhotplug/lib/udevsrc"
)

// NormalizePCI lifts a raw PCI udev device into a PciDevice, grounded on
// original_source/vhotplug/pci.py's get_pci_info.
func NormalizePCI(raw *udevsrc.RawDevice) PciDevice {
	props := raw.Properties

	d := PciDevice{
		Address: lastPathSegment(raw.SysPath),
		Driver:  props["DRIVER"],
	}

	if id := props["PCI_ID"]; id != "" {
		if vid, did, ok := strings.Cut(id, ":"); ok {
			d.VID = strings.ToLower(vid)
			d.DID = strings.ToLower(did)
		}
	}

	vendorName := firstNonEmpty(props["ID_VENDOR_FROM_DATABASE"], props["ID_VENDOR"])
	deviceName := firstNonEmpty(props["ID_MODEL_FROM_DATABASE"], props["ID_MODEL"])
	switch {
	case vendorName != "" && deviceName != "":
		d.Description = vendorName + " " + deviceName
	case vendorName != "":
		d.Description = vendorName
	case deviceName != "":
		d.Description = deviceName
	}

	if classHex := props["PCI_CLASS"]; classHex != "" {
		if val, err := strconv.ParseUint(classHex, 16, 32); err == nil {
			d.Class = uint8((val >> 16) & 0xFF)
			d.Subclass = uint8((val >> 8) & 0xFF)
			d.ProgIf = uint8(val & 0xFF)
		}
	}

	return d
}

func lastPathSegment(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// IsBootDevicePCI always reports false: original_source/vhotplug/pci.py's
// is_boot_device is a stub that never treats a PCI device as boot-critical.
func IsBootDevicePCI(_ PciDevice) bool {
	return false
}
