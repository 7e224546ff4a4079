// Package pyz reads and writes the compressed module archive (PYZ) that
// a bundle stores as one package entry.
//
// A PYZ file is a 12-byte header (magic, bytecode version tag, big-endian
// index offset) followed by zlib-deflated payloads and a
// marshal-serialized index mapping module names to (typecode, offset,
// length) triples. Payloads holding module code are marshal-serialized
// code objects; this package carries them as opaque bytes.
package pyz

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zlib"

	"github.com/pytailor/pytailor/internal/bundletype"
	"github.com/pytailor/pytailor/internal/pymarshal"
)

// Magic identifies a PYZ archive header.
var Magic = [4]byte{'P', 'Y', 'Z', 0}

// headerSize covers magic, bytecode version tag, and index offset.
const headerSize = 4 + 4 + 4

// EntryKind classifies an index entry.
type EntryKind int32

const (
	KindModule EntryKind = iota
	KindPackage
	KindData
	KindNamespacePackage
)

// IndexEntry describes one archived module.
type IndexEntry struct {
	// Name is the dotted module name.
	Name string

	// Kind distinguishes plain modules, packages, and data entries.
	Kind EntryKind

	// Offset is the payload position relative to the archive start.
	Offset int32

	// Length is the stored (deflated, possibly encrypted) payload size.
	Length int32
}

// SourceName returns the file name the entry's source would carry.
// Package entries resolve to the __init__ module inside a directory named
// after the package.
func (e IndexEntry) SourceName() string {
	if e.Kind == KindPackage {
		return e.Name + "/__init__.py"
	}
	return e.Name + ".py"
}

// Compiler translates Python source into a marshal-serialized code
// object, mirroring the outer codec's collaborator.
type Compiler interface {
	Compile(ctx context.Context, name string, src []byte) ([]byte, error)
}

// Archive provides read access to a PYZ file. Payloads are extracted on
// demand.
type Archive struct {
	// Path is the file the archive was opened from.
	Path string

	// PycMagic is the bytecode version tag embedded in the header.
	PycMagic [4]byte

	// Entries holds the index in serialized order.
	Entries []IndexEntry

	byName map[string]int
	f      *os.File
	size   int64

	cipher   *Cipher
	logger   *slog.Logger
	expected []byte
}

// Option configures Open.
type Option func(*Archive)

// WithLogger attaches a logger to the archive.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithCipher supplies the entry cipher for encrypted bundles.
func WithCipher(c *Cipher) Option {
	return func(a *Archive) {
		a.cipher = c
	}
}

// WithExpectedMagic records the bytecode version tag the configured
// compiler produces. A differing tag in the header is logged as a
// warning; the format stays readable across bytecode revisions, so a hard
// failure would be overly strict.
func WithExpectedMagic(magic []byte) Option {
	return func(a *Archive) {
		a.expected = magic
	}
}

// Open parses the archive header and index at path.
func Open(path string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	a := &Archive{Path: path, f: f}
	for _, opt := range opts {
		opt(a)
	}
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

// Entry returns the index entry with the given name.
func (a *Archive) Entry(name string) (IndexEntry, bool) {
	i, ok := a.byName[name]
	if !ok {
		return IndexEntry{}, false
	}
	return a.Entries[i], true
}

// Contains reports whether the archive holds an entry with the given name.
func (a *Archive) Contains(name string) bool {
	_, ok := a.byName[name]
	return ok
}

// Extract returns the entry's payload after decryption and inflation:
// the serialized code object for module entries, raw content for data
// entries.
func (a *Archive) Extract(name string) ([]byte, error) {
	e, ok := a.Entry(name)
	if !ok {
		return nil, fmt.Errorf("pyz: no entry %q in %q", name, a.Path)
	}
	if e.Offset < 0 || e.Length < 0 || int64(e.Offset)+int64(e.Length) > a.size {
		return nil, fmt.Errorf("%w: entry %q outside archive bounds", bundletype.ErrFormat, name)
	}
	data := make([]byte, e.Length)
	if _, err := a.f.ReadAt(data, int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("read entry %q: %w", name, err)
	}
	if a.cipher != nil {
		var err error
		data, err = a.cipher.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt entry %q: %w", name, err)
		}
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inflate entry %q: %w", name, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate entry %q: %w", name, err)
	}
	return out, nil
}

func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

func (a *Archive) parse() error {
	info, err := a.f.Stat()
	if err != nil {
		return err
	}
	a.size = info.Size()
	if a.size < headerSize {
		return fmt.Errorf("%w: %q is smaller than the PYZ header", bundletype.ErrTruncated, a.Path)
	}

	var hdr [headerSize]byte
	if _, err := a.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if [4]byte(hdr[:4]) != Magic {
		return fmt.Errorf("%w: %q is not a PYZ archive", bundletype.ErrFormat, a.Path)
	}
	copy(a.PycMagic[:], hdr[4:8])
	if a.expected != nil && !bytes.Equal(a.expected, a.PycMagic[:]) {
		a.log().Warn("archive bytecode version differs from compiler",
			"path", a.Path,
			"archive", fmt.Sprintf("%x", a.PycMagic),
			"compiler", fmt.Sprintf("%x", a.expected),
			"warning", bundletype.ErrVersionMismatch)
	}

	tocOff := int64(int32(binary.BigEndian.Uint32(hdr[8:])))
	if tocOff < headerSize || tocOff > a.size {
		return fmt.Errorf("%w: index offset %d out of range", bundletype.ErrFormat, tocOff)
	}
	raw := make([]byte, a.size-tocOff)
	if _, err := a.f.ReadAt(raw, tocOff); err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	return a.parseIndex(raw)
}

// parseIndex decodes the marshal-serialized index: a list (or dict) of
// name to (typecode, offset, length) mappings.
func (a *Archive) parseIndex(raw []byte) error {
	v, err := pymarshal.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: decode index: %v", bundletype.ErrFormat, err)
	}

	items, ok := v.(pymarshal.List)
	if !ok {
		if t, isTuple := v.(pymarshal.Tuple); isTuple {
			items = pymarshal.List(t)
		} else {
			return fmt.Errorf("%w: index is %T, want list", bundletype.ErrFormat, v)
		}
	}

	a.Entries = make([]IndexEntry, 0, len(items))
	a.byName = make(map[string]int, len(items))
	for _, item := range items {
		pair, ok := item.(pymarshal.Tuple)
		if !ok || len(pair) != 2 {
			return fmt.Errorf("%w: malformed index item %v", bundletype.ErrFormat, item)
		}
		name, ok := pair[0].(string)
		if !ok {
			return fmt.Errorf("%w: non-string index key %T", bundletype.ErrFormat, pair[0])
		}
		triple, ok := pair[1].(pymarshal.Tuple)
		if !ok || len(triple) != 3 {
			return fmt.Errorf("%w: malformed index value for %q", bundletype.ErrFormat, name)
		}
		kind, ok1 := triple[0].(int64)
		offset, ok2 := triple[1].(int64)
		length, ok3 := triple[2].(int64)
		if !ok1 || !ok2 || !ok3 {
			return fmt.Errorf("%w: non-integer index value for %q", bundletype.ErrFormat, name)
		}
		a.byName[name] = len(a.Entries)
		a.Entries = append(a.Entries, IndexEntry{
			Name:   name,
			Kind:   EntryKind(kind),
			Offset: int32(offset),
			Length: int32(length),
		})
	}
	return nil
}
