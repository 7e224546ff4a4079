// Package testutil builds synthetic bundles for tests: a fake
// bootloader, a package container, and optionally a nested module
// archive, assembled with the same writers the engine uses.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pytailor/pytailor/internal/carchive"
	"github.com/pytailor/pytailor/internal/pyz"
)

// PycMagic is the bytecode version tag used by synthetic archives.
var PycMagic = [4]byte{0xa7, 0x0d, 0x0d, 0x0a}

// FakeCompiler stands in for the Python interpreter: it wraps the source
// in a deterministic envelope so tests can assert exactly what a
// "compiled" payload looks like.
type FakeCompiler struct{}

// Compile returns CompiledBytes(name, src).
func (FakeCompiler) Compile(_ context.Context, name string, src []byte) ([]byte, error) {
	return CompiledBytes(name, src), nil
}

// CompiledBytes is the envelope FakeCompiler produces.
func CompiledBytes(name string, src []byte) []byte {
	return append([]byte("code<"+name+">"), src...)
}

// Bootloader returns n bytes of deterministic filler standing in for the
// launcher stub.
func Bootloader(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('A' + i%23)
	}
	return b
}

// Entry describes one synthetic package entry. Data holds the payload
// before compression; script-typed entries pass through FakeCompiler.
type Entry struct {
	Name       string
	Type       carchive.TypeCode
	Compressed bool
	Data       []byte
}

// BuildBundle assembles a bundle at path: bootloader bytes followed by a
// package container holding the given entries.
func BuildBundle(tb testing.TB, path string, bootloader []byte, entries []Entry) {
	tb.Helper()

	dir := tb.TempDir()
	annotated := make([]carchive.AnnotatedEntry, 0, len(entries))
	for i, e := range entries {
		src := filepath.Join(dir, fmt.Sprintf("payload-%d", i))
		if err := os.WriteFile(src, e.Data, 0o644); err != nil {
			tb.Fatal(err)
		}
		annotated = append(annotated, carchive.AnnotatedEntry{
			Entry: carchive.Entry{
				Name:       e.Name,
				Compressed: e.Compressed,
				Type:       e.Type,
			},
			Patched:    true,
			SourcePath: src,
		})
	}

	pkg := filepath.Join(dir, "PKG")
	cookie := carchive.Cookie{PyVersion: 0x30b}
	copy(cookie.PyLibName[:], "libpython3.11.so.1.0")
	err := carchive.Write(context.Background(), pkg, annotated, cookie,
		carchive.WithCompiler(FakeCompiler{}))
	if err != nil {
		tb.Fatal(err)
	}

	pkgData, err := os.ReadFile(pkg)
	if err != nil {
		tb.Fatal(err)
	}
	out := append(append([]byte{}, bootloader...), pkgData...)
	if err := os.WriteFile(path, out, 0o755); err != nil {
		tb.Fatal(err)
	}
}

// BuildPYZ writes a synthetic module archive at path and returns its
// bytes.
func BuildPYZ(tb testing.TB, path string, entries []pyz.WriteEntry, opts ...pyz.WriteOption) []byte {
	tb.Helper()
	if err := pyz.Write(path, PycMagic, entries, opts...); err != nil {
		tb.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		tb.Fatal(err)
	}
	return data
}
