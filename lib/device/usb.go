package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	udev "github.com/jochenvg/go-udev"
	"github.com/tiiuae/vhotplug/lib/udevsrc"
	"github.com/tiiuae/vhotplug/lib/usbids"
)

// IsUSBDevice reports whether raw is a whole USB device (DEVTYPE
// "usb_device") rather than one of its interfaces, matching the check
// the original performs before calling get_usb_info.
func IsUSBDevice(raw *udevsrc.RawDevice) bool {
	return raw.Properties["DEVTYPE"] == "usb_device"
}

// NormalizeUSB lifts a raw USB udev device into a UsbDevice, grounded on
// original_source/vhotplug/usb.py's get_usb_info and parse_usb_interfaces.
// db may be nil, in which case vendor/product names fall back to udev's
// own properties only.
func NormalizeUSB(src *udevsrc.Source, db *usbids.Database, raw *udevsrc.RawDevice) (UsbDevice, error) {
	props := raw.Properties

	bus, addr, err := readBusAddress(raw.SysPath)
	if err != nil {
		return UsbDevice{}, fmt.Errorf("read bus/address: %w", err)
	}

	class, subclass, protocol := readUSBDeviceClass(raw.SysPath)

	d := UsbDevice{
		Bus:            bus,
		Address:        addr,
		Port:           portFromSysPath(raw.SysPath),
		VID:            strings.ToLower(props["ID_VENDOR_ID"]),
		PID:            strings.ToLower(props["ID_MODEL_ID"]),
		VendorName:     firstNonEmpty(props["ID_VENDOR_FROM_DATABASE"], props["ID_VENDOR"]),
		ProductName:    firstNonEmpty(props["ID_MODEL_FROM_DATABASE"], props["ID_MODEL"]),
		DeviceClass:    class,
		DeviceSubclass: subclass,
		DeviceProtocol: protocol,
		BootDevice:     IsBootDeviceUSB(raw.SysPath),
	}

	if packed := props["ID_USB_INTERFACES"]; packed != "" {
		d.Interfaces = ParseUSBInterfaces(packed)
	} else if src != nil && raw.Raw != nil {
		if children, err := src.Children(raw.Raw); err == nil {
			d.Interfaces = interfacesFromChildren(children)
		}
	}

	if db != nil {
		if d.VendorName == "" {
			d.VendorName = db.Vendor(d.VID)
		}
		if d.ProductName == "" {
			d.ProductName = db.Product(d.VID, d.PID)
		}
	}

	return d, nil
}

// ParseUSBInterfaces parses udev's colon-packed ID_USB_INTERFACES
// property (e.g. ":080650:e00101:") into interface tuples, matching
// parse_usb_interfaces in the original.
func ParseUSBInterfaces(packed string) []Interface {
	packed = strings.Trim(packed, ":")
	if packed == "" {
		return nil
	}
	var result []Interface
	for _, tok := range strings.Split(packed, ":") {
		if len(tok) < 6 {
			continue
		}
		class, err1 := strconv.ParseUint(tok[0:2], 16, 8)
		subclass, err2 := strconv.ParseUint(tok[2:4], 16, 8)
		protocol, err3 := strconv.ParseUint(tok[4:6], 16, 8)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		result = append(result, Interface{
			Class:    uint8(class),
			Subclass: uint8(subclass),
			Protocol: uint8(protocol),
		})
	}
	return result
}

// IsUSBHub reports whether any interface declares class 9 (hub), matching
// is_usb_hub in the original, used to skip hubs during --attach-connected.
func IsUSBHub(interfaces []Interface) bool {
	for _, i := range interfaces {
		if i.Class == 9 {
			return true
		}
	}
	return false
}

// interfacesFromChildren builds the interface list by reading each child
// interface node's bInterfaceClass/SubClass/Protocol sysfs attributes
// directly, a fallback for udev builds that don't compute
// ID_USB_INTERFACES.
func interfacesFromChildren(children []*udev.Device) []Interface {
	var result []Interface
	for _, c := range children {
		if c == nil {
			continue
		}
		sysPath := c.SysPath()
		if _, err := readSysAttr(sysPath, "bInterfaceClass"); err != nil {
			continue
		}
		result = append(result, Interface{
			Class:    readHexSysAttr(sysPath, "bInterfaceClass"),
			Subclass: readHexSysAttr(sysPath, "bInterfaceSubClass"),
			Protocol: readHexSysAttr(sysPath, "bInterfaceProtocol"),
		})
	}
	return result
}

func readBusAddress(sysPath string) (bus, address int, err error) {
	busStr, err := readSysAttr(sysPath, "busnum")
	if err != nil {
		return 0, 0, err
	}
	addrStr, err := readSysAttr(sysPath, "devnum")
	if err != nil {
		return 0, 0, err
	}
	busF, err := strconv.ParseFloat(busStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse busnum %q: %w", busStr, err)
	}
	addrF, err := strconv.ParseFloat(addrStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse devnum %q: %w", addrStr, err)
	}
	return int(busF), int(addrF), nil
}

func readUSBDeviceClass(sysPath string) (class, subclass, protocol uint8) {
	class = readHexSysAttr(sysPath, "bDeviceClass")
	subclass = readHexSysAttr(sysPath, "bDeviceSubClass")
	protocol = readHexSysAttr(sysPath, "bDeviceProtocol")
	return
}

func readHexSysAttr(sysPath, attr string) uint8 {
	v, err := readSysAttr(sysPath, attr)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 16, 8)
	if err != nil {
		return 0
	}
	return uint8(n)
}

func readSysAttr(sysPath, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(sysPath, attr))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// portFromSysPath extracts the root-port path from a USB sys_name like
// "1-4.2" (bus 1, port 4.2) -> "4.2".
func portFromSysPath(sysPath string) string {
	name := filepath.Base(sysPath)
	idx := strings.Index(name, "-")
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
