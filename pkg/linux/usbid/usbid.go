//go:build linux

package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Built-in names for hardware this repository drives.
var builtin = map[uint32][2]string{
	key(0x09e8, 0x0010): {"AKAI Professional M.I. Corp.", "EIE pro"},
}

func key(vid, pid uint16) uint32 { return uint32(vid)<<16 | uint32(pid) }

// Database caches vendor and product names from the USB ID database.
type Database struct {
	mu       sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string
	loaded   bool
	paths    []string
}

// New creates a database that searches DefaultPaths.
func New() *Database {
	return NewWithPaths(DefaultPaths)
}

// NewWithPaths creates a database that searches the given paths in order.
func NewWithPaths(paths []string) *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
		paths:    paths,
	}
}

// Load parses the first readable database file. Only the first call does
// any work. It reports whether a file was found.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return len(db.vendors) > 0
	}
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.parse(f)
		f.Close()
		if err == nil {
			return true
		}
	}
	return false
}

// LoadFrom parses database text from r, merging into any loaded entries.
func (db *Database) LoadFrom(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	return db.parse(r)
}

// parse reads "vvvv  Vendor" lines followed by tab-indented "pppp  Product"
// lines. Class and language sections reset the current vendor.
func (db *Database) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var vid uint16
	haveVendor := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		indented := line[0] == '\t'
		if indented {
			line = line[1:]
		}
		id, name, ok := splitEntry(line)
		if !ok {
			if !indented {
				haveVendor = false
			}
			continue
		}

		if indented {
			if haveVendor {
				db.products[key(vid, id)] = name
			}
			continue
		}
		vid, haveVendor = id, true
		db.vendors[vid] = name
	}
	return scanner.Err()
}

// splitEntry parses "xxxx  name". Nested lines (double tab) fail because
// their first four bytes are not hex.
func splitEntry(line string) (uint16, string, bool) {
	if len(line) < 7 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(line[5:]), true
}

// LookupVendor returns the vendor name for vid, or "".
func (db *Database) LookupVendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if name, ok := db.vendors[vid]; ok {
		return name
	}
	for k, names := range builtin {
		if uint16(k>>16) == vid {
			return names[0]
		}
	}
	return ""
}

// LookupProduct returns the product name for vid:pid, or "".
func (db *Database) LookupProduct(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if name, ok := db.products[key(vid, pid)]; ok {
		return name
	}
	return builtin[key(vid, pid)][1]
}

// Describe formats a device label such as
// "AKAI Professional M.I. Corp. EIE pro (09e8:0010)".
func (db *Database) Describe(vid, pid uint16) string {
	id := fmt.Sprintf("%04x:%04x", vid, pid)
	vendor, product := db.LookupVendor(vid), db.LookupProduct(vid, pid)
	switch {
	case vendor != "" && product != "":
		return vendor + " " + product + " (" + id + ")"
	case vendor != "":
		return vendor + " (" + id + ")"
	}
	return id
}

// IsLoaded reports whether Load or LoadFrom has run.
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}
