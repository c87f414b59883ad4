// Package usbids loads the usb.ids flat-file database (vendor/product
// name lookup by hex id) used to fill in UsbDevice.VendorName/ProductName
// when udev's own ID_VENDOR_FROM_DATABASE/ID_MODEL_FROM_DATABASE
// properties are absent. No library in the retrieval pack parses this
// format; this is a documented stdlib (bufio/os) exception (DESIGN.md).
package usbids

import (
	"bufio"
	"os"
	"strings"
	"sync"
)

// Database is a loaded usb.ids table, safe for concurrent reads.
type Database struct {
	mu       sync.RWMutex
	vendors  map[string]string
	products map[string]string // key: "<vid>:<pid>"
}

// Load parses a usb.ids file from the first candidate path that exists.
// An empty Database (all lookups miss) is returned, not an error, if no
// candidate path is readable — a missing database degrades vendor/product
// names to empty strings rather than failing startup.
func Load(candidates []string) (*Database, error) {
	db := &Database{
		vendors:  make(map[string]string),
		products: make(map[string]string),
	}
	for _, path := range candidates {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.parse(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return db, nil
}

// parse reads the usb.ids format: vendor lines start in column 0
// ("<vid>  <name>"), product lines are tab-indented under their vendor
// ("\t<pid>  <name>"). Lines starting with "#" or "C " (device class
// table) are ignored; vhotplug only needs vendor/product names.
func (db *Database) parse(f *os.File) error {
	scanner := bufio.NewScanner(f)
	var currentVID string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "\t\t") {
			continue // interface-subtype lines, not needed
		}
		if strings.HasPrefix(line, "\t") {
			if currentVID == "" {
				continue
			}
			rest := strings.TrimPrefix(line, "\t")
			pid, name, ok := splitIDLine(rest)
			if !ok {
				continue
			}
			db.products[currentVID+":"+pid] = name
			continue
		}
		// Top-level sections like "C " (class), "AT" (audio terminal), etc.
		// are multi-char codes; a vendor id is always exactly 4 hex digits.
		vid, name, ok := splitIDLine(line)
		if !ok || len(vid) != 4 || strings.Trim(vid, "0123456789abcdefABCDEF") != "" {
			currentVID = ""
			continue
		}
		currentVID = strings.ToLower(vid)
		db.vendors[currentVID] = name
	}
	return scanner.Err()
}

func splitIDLine(line string) (id, name string, ok bool) {
	parts := strings.SplitN(line, "  ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(parts[0])), strings.TrimSpace(parts[1]), true
}

// Vendor returns the vendor name for a 4-hex-digit vendor id, or "" if
// unknown.
func (db *Database) Vendor(vid string) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[strings.ToLower(vid)]
}

// Product returns the product name for a vendor:product id pair, or ""
// if unknown.
func (db *Database) Product(vid, pid string) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[strings.ToLower(vid)+":"+strings.ToLower(pid)]
}
