package pyz

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/klauspost/compress/zlib"

	"github.com/pytailor/pytailor/internal/pymarshal"
)

// compressionLevel matches the level the build pipeline uses for module
// payloads.
const compressionLevel = 6

// WriteEntry holds one entry for Write: the name, its kind, and the
// uncompressed payload (a serialized code object for module entries).
type WriteEntry struct {
	Name string
	Kind EntryKind
	Data []byte
}

// WriteOption configures a Write call.
type WriteOption func(*writeConfig)

type writeConfig struct {
	logger *slog.Logger
	cipher *Cipher
}

// WithWriteLogger attaches a logger to the writer.
func WithWriteLogger(logger *slog.Logger) WriteOption {
	return func(cfg *writeConfig) {
		cfg.logger = logger
	}
}

// WithWriteCipher encrypts payloads after deflation, mirroring how the
// reader decrypts before inflation.
func WithWriteCipher(c *Cipher) WriteOption {
	return func(cfg *writeConfig) {
		cfg.cipher = c
	}
}

// Write serializes a PYZ archive at path. Payloads are deflated,
// optionally encrypted, and written sequentially; the index and header
// are rewritten to match the reader's contract.
func Write(path string, pycMagic [4]byte, entries []WriteEntry, opts ...WriteOption) error {
	cfg := writeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Header with a placeholder index offset, patched once payload
	// positions are known.
	var hdr [headerSize]byte
	copy(hdr[:4], Magic[:])
	copy(hdr[4:8], pycMagic[:])
	if _, err := f.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	index := make(pymarshal.List, 0, len(entries))
	cursor := int64(headerSize)
	for _, e := range entries {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, compressionLevel)
		if err != nil {
			return err
		}
		if _, err := zw.Write(e.Data); err != nil {
			zw.Close()
			return fmt.Errorf("deflate %q: %w", e.Name, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("deflate %q: %w", e.Name, err)
		}

		payload := buf.Bytes()
		if cfg.cipher != nil {
			payload, err = cfg.cipher.Encrypt(payload)
			if err != nil {
				return fmt.Errorf("encrypt %q: %w", e.Name, err)
			}
		}
		if _, err := f.Write(payload); err != nil {
			return fmt.Errorf("write %q: %w", e.Name, err)
		}

		index = append(index, pymarshal.Tuple{
			e.Name,
			pymarshal.Tuple{int64(e.Kind), cursor, int64(len(payload))},
		})
		cursor += int64(len(payload))
	}

	if cursor > math.MaxInt32 {
		return fmt.Errorf("pyz: archive exceeds 2 GiB limit")
	}
	raw, err := pymarshal.Encode(index)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	var off [4]byte
	binary.BigEndian.PutUint32(off[:], uint32(cursor))
	if _, err := f.WriteAt(off[:], 8); err != nil {
		return fmt.Errorf("write index offset: %w", err)
	}
	return f.Close()
}

// Rewrite rebuilds the archive in place, substituting entries named in
// patches with code compiled from their replacement source files. All
// other entries carry their original payloads. Returns the number of
// entries replaced.
func (a *Archive) Rewrite(ctx context.Context, patches map[string]string, compiler Compiler) (int, error) {
	a.log().Info("rewriting module archive", "path", a.Path, "patches", len(patches))

	updated := 0
	entries := make([]WriteEntry, 0, len(a.Entries))
	for _, e := range a.Entries {
		src, ok := patches[e.Name]
		if !ok {
			data, err := a.Extract(e.Name)
			if err != nil {
				return 0, err
			}
			entries = append(entries, WriteEntry{Name: e.Name, Kind: e.Kind, Data: data})
			continue
		}
		if compiler == nil {
			return 0, fmt.Errorf("entry %q requires a compiler", e.Name)
		}
		a.log().Info("patching module", "name", e.Name, "source", src)
		raw, err := os.ReadFile(src)
		if err != nil {
			return 0, fmt.Errorf("read replacement for %q: %w", e.Name, err)
		}
		code, err := compiler.Compile(ctx, e.Name, raw)
		if err != nil {
			return 0, fmt.Errorf("compile %q: %w", e.Name, err)
		}
		entries = append(entries, WriteEntry{Name: e.Name, Kind: e.Kind, Data: code})
		updated++
	}

	// The source file is replaced wholesale, so release it first.
	if err := a.Close(); err != nil {
		return 0, err
	}

	opts := []WriteOption{WithWriteLogger(a.logger)}
	if a.cipher != nil {
		opts = append(opts, WithWriteCipher(a.cipher))
	}
	if err := Write(a.Path, a.PycMagic, entries, opts...); err != nil {
		return 0, err
	}
	return updated, nil
}
