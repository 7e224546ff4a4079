package carchive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/klauspost/compress/zlib"
)

// compressionLevel matches the level the build pipeline uses for package
// payloads.
const compressionLevel = 9

// WriteOption configures a Write call.
type WriteOption func(*writeConfig)

type writeConfig struct {
	logger   *slog.Logger
	compiler Compiler
}

// WithLogger attaches a logger to the writer.
func WithLogger(logger *slog.Logger) WriteOption {
	return func(cfg *writeConfig) {
		cfg.logger = logger
	}
}

// WithCompiler supplies the compiler used for patched script-typed
// entries. Writes fail if such an entry is encountered without one.
func WithCompiler(c Compiler) WriteOption {
	return func(cfg *writeConfig) {
		cfg.compiler = c
	}
}

// Write rebuilds a package container at path from the annotated TOC.
//
// Entries are written in order. Unpatched payloads are copied verbatim
// from their source files, so untouched entries stay byte-identical.
// Patched payloads are read from their replacement files, run through the
// compiler when the entry type stores compiled source, and deflated when
// the entry carries the compression flag. The TOC block and cookie are
// appended last with recomputed offsets and lengths; magic, version tag,
// and runtime library name are carried over from the source cookie.
func Write(ctx context.Context, path string, entries []AnnotatedEntry, cookie Cookie, opts ...WriteOption) error {
	cfg := writeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	w := &writer{cfg: cfg}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var toc bytes.Buffer
	var cursor int64
	for _, e := range entries {
		n, err := w.writeEntry(ctx, f, &toc, e, cursor)
		if err != nil {
			return err
		}
		cursor += n
	}

	if cursor+int64(toc.Len())+CookieSize > math.MaxInt32 {
		return errors.New("carchive: package exceeds 2 GiB limit")
	}
	if _, err := f.Write(toc.Bytes()); err != nil {
		return fmt.Errorf("write TOC: %w", err)
	}

	cookie.Magic = Magic
	cookie.TOCOffset = int32(cursor)
	cookie.TOCLength = int32(toc.Len())
	cookie.PkgLength = int32(cursor) + cookie.TOCLength + CookieSize
	if err := binary.Write(f, binary.BigEndian, &cookie); err != nil {
		return fmt.Errorf("write cookie: %w", err)
	}
	return f.Close()
}

type writer struct {
	cfg writeConfig
}

func (w *writer) log() *slog.Logger {
	if w.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.cfg.logger
}

// writeEntry appends one payload at cursor and its TOC record to toc.
// Returns the number of payload bytes written.
func (w *writer) writeEntry(ctx context.Context, f *os.File, toc *bytes.Buffer, e AnnotatedEntry, cursor int64) (int64, error) {
	w.log().Debug("write entry", "name", e.Name, "type", string(e.Type), "patched", e.Patched)

	data, err := os.ReadFile(e.SourcePath)
	if err != nil {
		return 0, fmt.Errorf("read payload for %q: %w", e.Name, err)
	}

	ulen := e.UncompressedLength
	if e.Patched {
		w.log().Info("patching entry", "name", e.Name, "source", e.SourcePath)
		if e.Type.NeedsCompile() {
			if w.cfg.compiler == nil {
				return 0, fmt.Errorf("entry %q requires a compiler", e.Name)
			}
			data, err = w.cfg.compiler.Compile(ctx, e.Name, data)
			if err != nil {
				return 0, fmt.Errorf("compile %q: %w", e.Name, err)
			}
		}
		if len(data) > math.MaxInt32 {
			return 0, fmt.Errorf("entry %q too large", e.Name)
		}
		ulen = int32(len(data))
		if e.Compressed {
			data, err = deflate(data, compressionLevel)
			if err != nil {
				return 0, fmt.Errorf("deflate %q: %w", e.Name, err)
			}
		}
	}

	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("write payload for %q: %w", e.Name, err)
	}

	flag := byte(0)
	if e.Compressed {
		flag = 1
	}
	appendTOCEntry(toc, e.Name, int32(cursor), int32(len(data)), ulen, flag, byte(e.Type))
	return int64(len(data)), nil
}

// appendTOCEntry serializes one self-describing TOC record, zero-padded
// to the record alignment the bootloader expects.
func appendTOCEntry(toc *bytes.Buffer, name string, offset, clen, ulen int32, flag, typ byte) {
	entryLen := tocEntryHeaderSize + len(name) + 1
	if pad := entryLen % tocEntryAlign; pad != 0 {
		entryLen += tocEntryAlign - pad
	}

	var hdr [tocEntryHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(entryLen))
	binary.BigEndian.PutUint32(hdr[4:], uint32(offset))
	binary.BigEndian.PutUint32(hdr[8:], uint32(clen))
	binary.BigEndian.PutUint32(hdr[12:], uint32(ulen))
	hdr[16] = flag
	hdr[17] = typ

	toc.Write(hdr[:])
	toc.WriteString(name)
	toc.Write(make([]byte, entryLen-tocEntryHeaderSize-len(name)))
}

// deflate compresses data with zlib at the given level.
func deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
