package device

import (
	"fmt"
	"strings"
)

// fmtHypervisorUSBID builds "vhp-usb-<bus>-<addr>" per spec.md §9, so that
// a reconnecting adapter can reissue device_del against the same id it
// used for device_add.
func fmtHypervisorUSBID(bus, address int) string {
	return fmt.Sprintf("vhp-usb-%d-%d", bus, address)
}

// fmtHypervisorPCIID builds "vhp-pci-<address>" with colons replaced by
// dashes, per spec.md §9 ("Colons in PCI addresses are replaced with dashes").
func fmtHypervisorPCIID(address string) string {
	return "vhp-pci-" + strings.ReplaceAll(address, ":", "-")
}
