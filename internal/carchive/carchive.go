// Package carchive reads and writes the CArchive package container that
// PyInstaller appends to a bundled executable.
//
// The container is located through a fixed-size cookie at the end of the
// file: bootloader bytes come first, then entry payloads, the table of
// contents, and finally the cookie. All header fields are big-endian.
package carchive

import (
	"bytes"
	"context"
)

// CookieSize is the size of the archive cookie for PyInstaller 2.1+.
const CookieSize = 24 + 64

// libNameSize is the size of the embedded runtime library name field.
const libNameSize = 64

// Magic identifies a CArchive cookie.
var Magic = [8]byte{'M', 'E', 'I', 014, 013, 012, 013, 016}

// Cookie is the fixed trailer record at the end of a bundle. Its layout
// matches the bootloader's `!8siiii64s` struct: offsets are relative to
// the package start and the package length includes the cookie itself.
type Cookie struct {
	Magic     [8]byte
	PkgLength int32
	TOCOffset int32
	TOCLength int32
	PyVersion int32
	PyLibName [libNameSize]byte
}

// LibName returns the embedded Python shared library name without the
// NUL padding.
func (c *Cookie) LibName() string {
	return string(bytes.TrimRight(c.PyLibName[:], "\x00"))
}

// TypeCode classifies an archive entry.
type TypeCode byte

const (
	TypeScript     TypeCode = 's' // entry-point script, stored as source
	TypeModule     TypeCode = 'm' // compiled module
	TypePackage    TypeCode = 'M' // compiled package __init__
	TypeBinary     TypeCode = 'b' // shared library or other binary
	TypeData       TypeCode = 'x' // arbitrary data file
	TypeDependency TypeCode = 'd' // reference into another bundle
	TypeOption     TypeCode = 'o' // runtime option
	TypeArchive    TypeCode = 'z' // nested PYZ archive
	TypeArchiveDep TypeCode = 'Z' // nested PYZ archive, linked
)

// NeedsCompile reports whether replacement content for this entry type is
// Python source that must go through the compiler before packing.
func (t TypeCode) NeedsCompile() bool {
	return t == TypeScript || t == TypePackage
}

// IsArchive reports whether the entry holds a nested PYZ archive.
func (t TypeCode) IsArchive() bool {
	return t == TypeArchive || t == TypeArchiveDep
}

// Entry describes one archive entry as recorded in the TOC.
type Entry struct {
	// Name is the entry's logical name, unique within the archive.
	Name string

	// Offset is the payload position relative to the package start.
	Offset int32

	// CompressedLength is the stored payload size in bytes.
	CompressedLength int32

	// UncompressedLength is the payload size after inflation. It is only
	// meaningful when Compressed is set.
	UncompressedLength int32

	// Compressed indicates the payload is zlib-deflated.
	Compressed bool

	// Type is the entry's type code.
	Type TypeCode
}

// AnnotatedEntry pairs an Entry with its patch decision: where the writer
// should read the payload from and whether that payload replaces the
// original content.
type AnnotatedEntry struct {
	Entry

	// Patched marks the entry's content as replaced. Patched payloads are
	// recompiled (for source types) and recompressed; unpatched payloads
	// are copied verbatim.
	Patched bool

	// SourcePath is the file holding the payload: the extracted original
	// bytes for unpatched entries, the replacement file otherwise.
	SourcePath string
}

// Compiler translates Python source into a marshal-serialized code
// object. The repack engine supplies an implementation; writers invoke it
// for patched script-typed entries.
type Compiler interface {
	Compile(ctx context.Context, name string, src []byte) ([]byte, error)
}

// tocEntryHeaderSize is the fixed prefix of a TOC record: entry length,
// offset, compressed length, uncompressed length, flag, and type code.
const tocEntryHeaderSize = 4 + 4 + 4 + 4 + 1 + 1

// tocEntryAlign pads TOC records to this boundary on write.
const tocEntryAlign = 16
