package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"
)

// Extraction failures are all recoverable: a binary without usable debug
// info is expected (not every image carries a CodeView record) and callers
// are supposed to skip the file and continue the batch.
var (
	// ErrNotPE marks files that cannot be parsed as a PE image.
	ErrNotPE = errors.New("not a valid PE image")
	// ErrNoDebugDirectory marks images without a CodeView debug entry.
	ErrNoDebugDirectory = errors.New("no CodeView debug directory entry")
	// ErrRecordOutOfBounds marks debug records whose file offset points
	// outside the image.
	ErrRecordOutOfBounds = errors.New("debug record offset out of bounds")
	// ErrBadSignature marks debug records without the RSDS magic.
	ErrBadSignature = errors.New("debug record signature is not RSDS")
	// ErrNameInvalid marks records whose name field is unterminated or not
	// valid UTF-8.
	ErrNameInvalid = errors.New("debug record name is not a valid string")
	// ErrNameTooShort marks records whose name is below the minimum length,
	// which guards against truncated or garbage records.
	ErrNameTooShort = errors.New("debug record name too short")
)

const (
	// debugTypeCodeView is IMAGE_DEBUG_TYPE_CODEVIEW.
	debugTypeCodeView = 2
	// debugDirEntrySize is the size of one IMAGE_DEBUG_DIRECTORY entry.
	debugDirEntrySize = 28
	// maxNameBytes bounds the null-terminated name field of the record.
	maxNameBytes = 255
	// minNameLen rejects spurious empty or truncated debug names.
	minNameLen = 4
)

// codeViewSignature is the PDB 7.0 ("RSDS") record magic.
var codeViewSignature = [4]byte{'R', 'S', 'D', 'S'}

// debugDirEntry mirrors IMAGE_DEBUG_DIRECTORY as stored in the image.
type debugDirEntry struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// codeViewHeader is the fixed prefix of the CodeView record; the
// null-terminated name field follows immediately after.
type codeViewHeader struct {
	Magic [4]byte
	GUID  [16]byte
	Age   uint32
}

const codeViewHeaderSize = 24

// ExtractFile reads a binary from disk and extracts its debug identifier.
// Every failure is recoverable; see Extract.
func ExtractFile(path string) (*Identifier, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return Extract(image)
}

// Extract locates the CodeView debug record inside a PE image held in memory
// and decodes it into an Identifier. The image buffer is only read for the
// duration of the call.
func Extract(image []byte) (*Identifier, error) {
	f, err := dpe.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}
	defer f.Close()

	dir, err := debugDataDirectory(f)
	if err != nil {
		return nil, err
	}

	tableOff, err := fileOffset(f, dir.VirtualAddress)
	if err != nil {
		return nil, err
	}

	entry, err := findCodeViewEntry(image, tableOff, dir.Size)
	if err != nil {
		return nil, err
	}

	return parseCodeViewRecord(image, entry.PointerToRawData)
}

// debugDataDirectory returns the IMAGE_DIRECTORY_ENTRY_DEBUG data directory
// from either optional header flavor.
func debugDataDirectory(f *dpe.File) (dpe.DataDirectory, error) {
	var (
		dirs  []dpe.DataDirectory
		count uint32
	)
	switch oh := f.OptionalHeader.(type) {
	case *dpe.OptionalHeader32:
		dirs, count = oh.DataDirectory[:], oh.NumberOfRvaAndSizes
	case *dpe.OptionalHeader64:
		dirs, count = oh.DataDirectory[:], oh.NumberOfRvaAndSizes
	default:
		return dpe.DataDirectory{}, fmt.Errorf("%w: missing optional header", ErrNotPE)
	}

	if count <= dpe.IMAGE_DIRECTORY_ENTRY_DEBUG {
		return dpe.DataDirectory{}, ErrNoDebugDirectory
	}
	dir := dirs[dpe.IMAGE_DIRECTORY_ENTRY_DEBUG]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return dpe.DataDirectory{}, ErrNoDebugDirectory
	}
	return dir, nil
}

// fileOffset translates an RVA into a file offset through the section table.
func fileOffset(f *dpe.File, rva uint32) (uint32, error) {
	for _, s := range f.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return rva - s.VirtualAddress + s.Offset, nil
		}
	}
	return 0, fmt.Errorf("%w: RVA %#x not backed by any section", ErrRecordOutOfBounds, rva)
}

// findCodeViewEntry scans the debug directory table for the CodeView-typed
// entry. The table may contain several entries of other types.
func findCodeViewEntry(image []byte, tableOff, tableSize uint32) (*debugDirEntry, error) {
	count := tableSize / debugDirEntrySize
	for i := uint32(0); i < count; i++ {
		off := int64(tableOff) + int64(i)*debugDirEntrySize
		if off+debugDirEntrySize > int64(len(image)) {
			return nil, fmt.Errorf("%w: debug directory entry at %#x", ErrRecordOutOfBounds, off)
		}

		var entry debugDirEntry
		r := bytes.NewReader(image[off : off+debugDirEntrySize])
		if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
			return nil, fmt.Errorf("decoding debug directory entry: %w", err)
		}
		if entry.Type == debugTypeCodeView {
			return &entry, nil
		}
	}
	return nil, ErrNoDebugDirectory
}

// parseCodeViewRecord decodes the fixed-layout CodeView record at the given
// file offset: RSDS magic, raw GUID, age, then a null-terminated name of at
// most 255 bytes.
func parseCodeViewRecord(image []byte, off uint32) (*Identifier, error) {
	start := int64(off)
	if start+codeViewHeaderSize > int64(len(image)) {
		return nil, fmt.Errorf("%w: CodeView record at %#x", ErrRecordOutOfBounds, off)
	}

	var header codeViewHeader
	r := bytes.NewReader(image[start : start+codeViewHeaderSize])
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("decoding CodeView header: %w", err)
	}
	if header.Magic != codeViewSignature {
		return nil, fmt.Errorf("%w: got %q", ErrBadSignature, header.Magic[:])
	}

	name, err := extractDebugName(image[start+codeViewHeaderSize:])
	if err != nil {
		return nil, err
	}

	return &Identifier{
		Name: name,
		GUID: EncodeGUID(header.GUID),
		Age:  header.Age,
	}, nil
}

// extractDebugName decodes the null-terminated name field. The terminator
// must appear within the 255-byte field and the preceding bytes must be
// valid UTF-8 of at least minNameLen bytes.
func extractDebugName(field []byte) (string, error) {
	if len(field) > maxNameBytes {
		field = field[:maxNameBytes]
	}
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated name field", ErrNameInvalid)
	}
	name := field[:end]
	if !utf8.Valid(name) {
		return "", fmt.Errorf("%w: name is not UTF-8", ErrNameInvalid)
	}
	if len(name) < minNameLen {
		return "", fmt.Errorf("%w: %q", ErrNameTooShort, name)
	}
	return string(name), nil
}
