package carchive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"

	"github.com/pytailor/pytailor/internal/bundletype"
)

// Archive provides read access to the package container inside a bundled
// executable. Payloads are read on demand, never eagerly.
type Archive struct {
	// Path is the file the archive was opened from.
	Path string

	// Cookie is the trailer record located at the end of the file.
	Cookie Cookie

	// PkgStart is the absolute offset of the package container, equal to
	// file size minus package length. Bytes before it belong to the
	// bootloader.
	PkgStart int64

	// Entries holds the TOC in storage order.
	Entries []Entry

	f      *os.File
	size   int64
	byName map[string]int
}

// Open locates and parses the package container in the executable at
// path. It fails with bundletype.ErrFormat when the cookie magic does not
// match and bundletype.ErrTruncated when the file cannot hold the records
// the format requires.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	a := &Archive{Path: path, f: f}
	if err := a.parse(); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the underlying file. It is safe to call more than once.
func (a *Archive) Close() error {
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Entry returns the TOC entry with the given name.
func (a *Archive) Entry(name string) (Entry, bool) {
	i, ok := a.byName[name]
	if !ok {
		return Entry{}, false
	}
	return a.Entries[i], true
}

// ReadData returns the stored payload bytes for an entry, compressed or
// not as they appear on disk.
func (a *Archive) ReadData(e Entry) ([]byte, error) {
	if e.Offset < 0 || e.CompressedLength < 0 ||
		int64(e.Offset)+int64(e.CompressedLength) > int64(a.Cookie.PkgLength) {
		return nil, fmt.Errorf("%w: entry %q outside package bounds", bundletype.ErrFormat, e.Name)
	}
	buf := make([]byte, e.CompressedLength)
	if _, err := a.f.ReadAt(buf, a.PkgStart+int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("read entry %q: %w", e.Name, err)
	}
	return buf, nil
}

// ReadUncompressed returns the entry payload after inflation. Entries
// without the compression flag are returned as stored.
func (a *Archive) ReadUncompressed(e Entry) ([]byte, error) {
	data, err := a.ReadData(e)
	if err != nil {
		return nil, err
	}
	if !e.Compressed {
		return data, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inflate entry %q: %w", e.Name, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate entry %q: %w", e.Name, err)
	}
	return out, nil
}

func (a *Archive) parse() error {
	info, err := a.f.Stat()
	if err != nil {
		return err
	}
	a.size = info.Size()
	if a.size < CookieSize {
		return fmt.Errorf("%w: %q is smaller than the archive cookie", bundletype.ErrTruncated, a.Path)
	}

	raw := make([]byte, CookieSize)
	if _, err := a.f.ReadAt(raw, a.size-CookieSize); err != nil {
		return fmt.Errorf("read cookie: %w", err)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &a.Cookie); err != nil {
		return fmt.Errorf("decode cookie: %w", err)
	}
	if a.Cookie.Magic != Magic {
		return fmt.Errorf("%w: %q has no archive cookie", bundletype.ErrFormat, a.Path)
	}

	pkgLen := int64(a.Cookie.PkgLength)
	if pkgLen < CookieSize || pkgLen > a.size {
		return fmt.Errorf("%w: package length %d out of range", bundletype.ErrFormat, pkgLen)
	}
	a.PkgStart = a.size - pkgLen

	tocOff := int64(a.Cookie.TOCOffset)
	tocLen := int64(a.Cookie.TOCLength)
	if tocOff < 0 || tocLen < 0 || tocOff+tocLen > pkgLen {
		return fmt.Errorf("%w: TOC (%d+%d) outside package", bundletype.ErrFormat, tocOff, tocLen)
	}

	toc := make([]byte, tocLen)
	if _, err := a.f.ReadAt(toc, a.PkgStart+tocOff); err != nil {
		return fmt.Errorf("read TOC: %w", err)
	}
	entries, err := parseTOC(toc)
	if err != nil {
		return err
	}

	a.Entries = entries
	a.byName = make(map[string]int, len(entries))
	for i, e := range entries {
		a.byName[e.Name] = i
	}
	return nil
}

// parseTOC decodes self-describing TOC records until the block is
// consumed. Each record carries its own length, so unknown trailing
// fields in newer format revisions pass through unharmed.
func parseTOC(toc []byte) ([]Entry, error) {
	var entries []Entry
	for pos := 0; pos < len(toc); {
		rest := toc[pos:]
		if len(rest) < tocEntryHeaderSize {
			return nil, fmt.Errorf("%w: TOC record at %d too short", bundletype.ErrTruncated, pos)
		}
		entryLen := int(int32(binary.BigEndian.Uint32(rest)))
		if entryLen < tocEntryHeaderSize || entryLen > len(rest) {
			return nil, fmt.Errorf("%w: TOC record length %d at %d", bundletype.ErrFormat, entryLen, pos)
		}
		e := Entry{
			Offset:             int32(binary.BigEndian.Uint32(rest[4:])),
			CompressedLength:   int32(binary.BigEndian.Uint32(rest[8:])),
			UncompressedLength: int32(binary.BigEndian.Uint32(rest[12:])),
			Compressed:         rest[16] != 0,
			Type:               TypeCode(rest[17]),
			Name:               string(bytes.TrimRight(rest[tocEntryHeaderSize:entryLen], "\x00")),
		}
		entries = append(entries, e)
		pos += entryLen
	}
	return entries, nil
}
