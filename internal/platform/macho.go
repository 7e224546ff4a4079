package platform

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
)

// Mach-O constants for the 64-bit little-endian files produced for
// x86_64 and arm64 targets.
const (
	machoMagic64    = 0xfeedfacf
	machoHeaderSize = 32

	lcSegment64 = 0x19
	lcSymtab    = 0x2

	linkeditSegment = "__LINKEDIT"
)

// MachOFixer repairs the layout-sensitive header fields of a Mach-O
// executable after its appended package grew or shrank. The loader and
// codesigning machinery require the __LINKEDIT segment and the string
// table to extend to the end of the file.
type MachOFixer struct {
	// Logger receives the applied adjustments at debug level. May be nil.
	Logger *slog.Logger
}

// FixHeaders rewrites the __LINKEDIT segment size and LC_SYMTAB string
// table size of the executable at path so both cover the file's current
// length.
func (m *MachOFixer) FixHeaders(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < machoHeaderSize {
		return fmt.Errorf("%q: too short for a Mach-O header", path)
	}
	if binary.LittleEndian.Uint32(data) != machoMagic64 {
		return fmt.Errorf("%q: not a 64-bit Mach-O executable", path)
	}

	total := uint64(len(data))
	ncmds := binary.LittleEndian.Uint32(data[16:])
	sizeofcmds := binary.LittleEndian.Uint32(data[20:])
	end := machoHeaderSize + int(sizeofcmds)
	if end > len(data) {
		return fmt.Errorf("%q: load commands exceed file size", path)
	}

	patched := false
	off := machoHeaderSize
	for i := uint32(0); i < ncmds && off+8 <= end; i++ {
		cmd := binary.LittleEndian.Uint32(data[off:])
		cmdsize := int(binary.LittleEndian.Uint32(data[off+4:]))
		if cmdsize < 8 || off+cmdsize > end {
			return fmt.Errorf("%q: malformed load command %d", path, i)
		}

		switch cmd {
		case lcSegment64:
			if cmdsize < 72 {
				break
			}
			name := string(trimNULs(data[off+8 : off+24]))
			if name != linkeditSegment {
				break
			}
			fileoff := binary.LittleEndian.Uint64(data[off+40:])
			if fileoff > total {
				return fmt.Errorf("%q: __LINKEDIT offset beyond file end", path)
			}
			size := total - fileoff
			binary.LittleEndian.PutUint64(data[off+32:], size) // vmsize
			binary.LittleEndian.PutUint64(data[off+48:], size) // filesize
			m.log().Debug("resized __LINKEDIT", "fileoff", fileoff, "size", size)
			patched = true
		case lcSymtab:
			if cmdsize < 24 {
				break
			}
			stroff := uint64(binary.LittleEndian.Uint32(data[off+16:]))
			if stroff > total {
				return fmt.Errorf("%q: string table offset beyond file end", path)
			}
			binary.LittleEndian.PutUint32(data[off+20:], uint32(total-stroff))
			m.log().Debug("resized string table", "stroff", stroff, "strsize", total-stroff)
			patched = true
		}
		off += cmdsize
	}

	if !patched {
		return fmt.Errorf("%q: found neither __LINKEDIT nor LC_SYMTAB", path)
	}
	return os.WriteFile(path, data, 0o755)
}

func (m *MachOFixer) log() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

func trimNULs(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
