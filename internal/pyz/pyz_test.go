package pyz_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytailor/pytailor/internal/bundletype"
	"github.com/pytailor/pytailor/internal/pyz"
	"github.com/pytailor/pytailor/internal/testutil"
)

func testEntries() []pyz.WriteEntry {
	return []pyz.WriteEntry{
		{Name: "foo", Kind: pyz.KindModule, Data: []byte("serialized code for foo")},
		{Name: "reader", Kind: pyz.KindPackage, Data: []byte("serialized code for reader")},
		{Name: "util.resources", Kind: pyz.KindData, Data: []byte("not code at all")},
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base_library.pyz")
	entries := testEntries()
	testutil.BuildPYZ(t, path, entries)

	ar, err := pyz.Open(path)
	require.NoError(t, err)
	defer ar.Close()

	assert.Equal(t, testutil.PycMagic, ar.PycMagic)
	require.Len(t, ar.Entries, len(entries))

	for i, want := range entries {
		e := ar.Entries[i]
		assert.Equal(t, want.Name, e.Name)
		assert.Equal(t, want.Kind, e.Kind)

		got, err := ar.Extract(want.Name)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got)
	}

	assert.True(t, ar.Contains("foo"))
	assert.False(t, ar.Contains("nope"))
	_, err = ar.Extract("nope")
	assert.Error(t, err)
}

func TestSourceName(t *testing.T) {
	assert.Equal(t, "foo.py", pyz.IndexEntry{Name: "foo", Kind: pyz.KindModule}.SourceName())
	assert.Equal(t, "reader/__init__.py", pyz.IndexEntry{Name: "reader", Kind: pyz.KindPackage}.SourceName())
}

func TestOpenBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("NOPE00000000"), 0o644))

	_, err := pyz.Open(path)
	assert.ErrorIs(t, err, bundletype.ErrFormat)
}

func TestOpenTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(path, []byte("PYZ"), 0o644))

	_, err := pyz.Open(path)
	assert.ErrorIs(t, err, bundletype.ErrTruncated)
}

func TestCipherRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)

	cipher, err := pyz.NewCipher(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "crypted.pyz")
	entries := testEntries()
	testutil.BuildPYZ(t, path, entries, pyz.WithWriteCipher(cipher))

	// Without the cipher the payloads are not valid zlib streams.
	plain, err := pyz.Open(path)
	require.NoError(t, err)
	_, err = plain.Extract("foo")
	assert.Error(t, err)
	plain.Close()

	ar, err := pyz.Open(path, pyz.WithCipher(cipher))
	require.NoError(t, err)
	defer ar.Close()
	for _, want := range entries {
		got, err := ar.Extract(want.Name)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got)
	}
}

func TestCipherKeyLength(t *testing.T) {
	_, err := pyz.NewCipher([]byte("short"))
	assert.Error(t, err)
}

func TestRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.pyz")
	entries := testEntries()
	testutil.BuildPYZ(t, path, entries)

	newSrc := []byte("def updated(): pass\n")
	replacement := filepath.Join(dir, "foo.py")
	require.NoError(t, os.WriteFile(replacement, newSrc, 0o644))

	ar, err := pyz.Open(path)
	require.NoError(t, err)
	updated, err := ar.Rewrite(context.Background(), map[string]string{"foo": replacement}, testutil.FakeCompiler{})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	re, err := pyz.Open(path)
	require.NoError(t, err)
	defer re.Close()

	got, err := re.Extract("foo")
	require.NoError(t, err)
	assert.Equal(t, testutil.CompiledBytes("foo", newSrc), got)

	// Siblings keep their exact original content.
	for _, want := range entries[1:] {
		got, err := re.Extract(want.Name)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got)

		e, ok := re.Entry(want.Name)
		require.True(t, ok)
		assert.Equal(t, want.Kind, e.Kind)
	}
}

func TestRewriteWithoutPatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mod.pyz")
	entries := testEntries()
	testutil.BuildPYZ(t, path, entries)

	ar, err := pyz.Open(path)
	require.NoError(t, err)
	updated, err := ar.Rewrite(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)

	re, err := pyz.Open(path)
	require.NoError(t, err)
	defer re.Close()
	for _, want := range entries {
		got, err := re.Extract(want.Name)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got)
	}
}

func TestVersionMismatchWarns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mod.pyz")
	testutil.BuildPYZ(t, path, testEntries())

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	ar, err := pyz.Open(path,
		pyz.WithLogger(logger),
		pyz.WithExpectedMagic([]byte{0x55, 0x0d, 0x0d, 0x0a}))
	require.NoError(t, err, "a version mismatch must not fail the open")
	defer ar.Close()

	assert.Contains(t, logBuf.String(), "bytecode version")
}
