// Package pe extracts CodeView debug identifiers from Portable Executable
// images. An identifier (PDB name, reordered GUID, age) is everything needed
// to address the matching debug-symbol file on a symbol server.
package pe

import "fmt"

// Identifier is the debug identity embedded in a PE image's CodeView record.
// Values are immutable once constructed and carry no reference to the file
// they were extracted from.
type Identifier struct {
	// Name is the base name of the matching PDB, e.g. "kernel32.pdb".
	Name string
	// GUID is the 32-character uppercase hex form used in symbol server
	// paths, already byte-reordered from the on-disk representation.
	GUID string
	// Age is the linker revision counter for this GUID.
	Age uint32
}

// PathSegment returns the "{guid}{age}" directory component of the symbol
// server path. GUID and age are concatenated with no separator and the age
// is rendered in decimal, matching the server's naming convention.
func (id Identifier) PathSegment() string {
	return fmt.Sprintf("%s%d", id.GUID, id.Age)
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s/%s", id.Name, id.PathSegment())
}
