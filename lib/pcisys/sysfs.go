// Package pcisys reads and manipulates PCI device state under /sys/bus/pci,
// the same sysfs surface the teacher's VFIO binder drives directly with
// os.WriteFile rather than a library (there is no ecosystem wrapper for
// Linux's sysfs driver-bind protocol).
package pcisys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	devicesPath    = "/sys/bus/pci/devices"
	driversPath    = "/sys/bus/pci/drivers"
	vfioDriverPath = driversPath + "/vfio-pci"
	probePath      = "/sys/bus/pci/drivers_probe"
)

// DevicePath returns the sysfs directory for a PCI device address.
func DevicePath(address string) string {
	return filepath.Join(devicesPath, address)
}

// CurrentDriver returns the kernel driver bound to address, or "" if none.
func CurrentDriver(address string) string {
	link, err := os.Readlink(filepath.Join(DevicePath(address), "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// ClassCode returns the raw "class" sysfs attribute (e.g. "0x060400").
func ClassCode(address string) (string, error) {
	data, err := os.ReadFile(filepath.Join(DevicePath(address), "class"))
	if err != nil {
		return "", fmt.Errorf("read class: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// IsBridge reports whether address's PCI base class is 0x06 (bridge).
func IsBridge(address string) bool {
	class, err := ClassCode(address)
	if err != nil {
		return false
	}
	class = strings.TrimPrefix(class, "0x")
	return len(class) >= 2 && class[:2] == "06"
}

// VendorDevice returns the (vendor, device) hex id pair for address.
func VendorDevice(address string) (vendor, device string, err error) {
	vendor, err = readHexAttr(address, "vendor")
	if err != nil {
		return "", "", err
	}
	device, err = readHexAttr(address, "device")
	if err != nil {
		return "", "", err
	}
	return vendor, device, nil
}

func readHexAttr(address, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(DevicePath(address), attr))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", attr, err)
	}
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")), nil
}

// IOMMUGroup returns the IOMMU group number for address.
func IOMMUGroup(address string) (int, error) {
	link, err := os.Readlink(filepath.Join(DevicePath(address), "iommu_group"))
	if err != nil {
		return 0, fmt.Errorf("read iommu_group: %w", err)
	}
	n, err := strconv.Atoi(filepath.Base(link))
	if err != nil {
		return 0, fmt.Errorf("parse iommu group: %w", err)
	}
	return n, nil
}

// VFIOAvailable reports whether the vfio-pci driver is registered.
func VFIOAvailable() bool {
	_, err := os.Stat(vfioDriverPath)
	return err == nil
}

// BindVFIO unbinds address from its current driver (if any) and binds it
// to vfio-pci via driver_override + bind, mirroring the original's
// setup_vfio and the teacher's BindToVFIO.
func BindVFIO(address string) error {
	if !VFIOAvailable() {
		return fmt.Errorf("vfio-pci driver not available")
	}
	if CurrentDriver(address) == "vfio-pci" {
		return nil
	}

	if current := CurrentDriver(address); current != "" {
		unbindPath := filepath.Join(driversPath, current, "unbind")
		if err := os.WriteFile(unbindPath, []byte(address), 0200); err != nil {
			return fmt.Errorf("unbind from %s: %w", current, err)
		}
	}

	overridePath := filepath.Join(DevicePath(address), "driver_override")
	if err := os.WriteFile(overridePath, []byte("vfio-pci"), 0200); err != nil {
		return fmt.Errorf("set driver_override: %w", err)
	}

	bindPath := filepath.Join(vfioDriverPath, "bind")
	if err := os.WriteFile(bindPath, []byte(address), 0200); err != nil {
		return fmt.Errorf("bind to vfio-pci: %w", err)
	}
	return nil
}

// GroupMembers returns every PCI address sharing address's IOMMU group.
func GroupMembers(address string) ([]string, error) {
	group, err := IOMMUGroup(address)
	if err != nil {
		return nil, err
	}
	groupDevicesPath := fmt.Sprintf("/sys/kernel/iommu_groups/%d/devices", group)
	entries, err := os.ReadDir(groupDevicesPath)
	if err != nil {
		return nil, fmt.Errorf("read iommu group %d devices: %w", group, err)
	}
	members := make([]string, 0, len(entries))
	for _, e := range entries {
		members = append(members, e.Name())
	}
	return members, nil
}

// TriggerProbe asks the kernel to re-probe address for a driver, used
// after unbinding from vfio-pci to let the original driver rebind.
func TriggerProbe(address string) error {
	return os.WriteFile(probePath, []byte(address), 0200)
}
