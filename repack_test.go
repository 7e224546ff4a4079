package pytailor

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytailor/pytailor/internal/carchive"
	"github.com/pytailor/pytailor/internal/pyz"
	"github.com/pytailor/pytailor/internal/testutil"
)

const bootLen = 512

var (
	oldScript = []byte("print('v1')\n")
	notesData = []byte("release notes\n")
	pyzSeed   = []pyz.WriteEntry{
		{Name: "foo", Kind: pyz.KindModule, Data: []byte("code for foo v1")},
		{Name: "reader", Kind: pyz.KindPackage, Data: []byte("code for reader v1")},
		{Name: "util.resources", Kind: pyz.KindData, Data: []byte("resource blob")},
	}
)

// buildTestBundle assembles a bundle with a script, a data file, and a
// nested module archive, and returns its path.
func buildTestBundle(t *testing.T, dir string) string {
	t.Helper()

	pyzPath := filepath.Join(t.TempDir(), "lib.pyz")
	pyzData := testutil.BuildPYZ(t, pyzPath, pyzSeed)

	exe := filepath.Join(dir, "bundle")
	testutil.BuildBundle(t, exe, testutil.Bootloader(bootLen), []testutil.Entry{
		{Name: "appscript", Type: carchive.TypeScript, Compressed: true, Data: oldScript},
		{Name: "notes.txt", Type: carchive.TypeData, Data: notesData},
		{Name: "lib.pyz", Type: carchive.TypeArchive, Data: pyzData},
	})
	return exe
}

// testOpts disables the platform hooks and substitutes the fake
// compiler so runs are hermetic.
func testOpts(extra ...Option) []Option {
	opts := []Option{
		WithCompiler(testutil.FakeCompiler{}),
		WithSectionUpdater(nil),
		WithHeaderFixer(nil),
	}
	return append(opts, extra...)
}

func TestRepackRoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	exe := buildTestBundle(t, dir)
	original, err := os.ReadFile(exe)
	require.NoError(t, err)

	res, err := Repack(exe, nil, testOpts()...)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Patched)
	assert.Equal(t, filepath.Join(dir, "bundle-patched"), res.Output)

	// The input file is never mutated.
	after, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, original, after)

	out, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, original[:bootLen], out[:bootLen], "bootloader bytes must survive the splice")

	ar, err := carchive.Open(exe)
	require.NoError(t, err)
	defer ar.Close()
	re, err := carchive.Open(res.Output)
	require.NoError(t, err)
	defer re.Close()

	// Splice property: output length is exactly bootloader plus new
	// package length.
	assert.Equal(t, int64(bootLen)+int64(re.Cookie.PkgLength), int64(len(out)))

	require.Len(t, re.Entries, len(ar.Entries))
	for i, want := range ar.Entries {
		got := re.Entries[i]
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.UncompressedLength, got.UncompressedLength)

		wantData, err := ar.ReadUncompressed(want)
		require.NoError(t, err)
		gotData, err := re.ReadUncompressed(got)
		require.NoError(t, err)
		assert.Equal(t, wantData, gotData, "payload for %q", want.Name)
	}
}

func TestRepackOuterPatch(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	exe := buildTestBundle(t, dir)

	newSrc := []byte("print('v2')\n")
	replacement := filepath.Join(dir, "appscript.py")
	require.NoError(t, os.WriteFile(replacement, newSrc, 0o644))

	res, err := Repack(exe, PatchSet{"appscript": replacement}, testOpts()...)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Patched)

	ar, err := carchive.Open(exe)
	require.NoError(t, err)
	defer ar.Close()
	re, err := carchive.Open(res.Output)
	require.NoError(t, err)
	defer re.Close()

	e, ok := re.Entry("appscript")
	require.True(t, ok)
	got, err := re.ReadUncompressed(e)
	require.NoError(t, err)
	assert.Equal(t, testutil.CompiledBytes("appscript", newSrc), got)

	// Untouched siblings keep their stored bytes, including the nested
	// archive that had no matching patches.
	for _, name := range []string{"notes.txt", "lib.pyz"} {
		we, ok := ar.Entry(name)
		require.True(t, ok)
		ge, ok := re.Entry(name)
		require.True(t, ok)
		want, err := ar.ReadData(we)
		require.NoError(t, err)
		gotData, err := re.ReadData(ge)
		require.NoError(t, err)
		assert.Equal(t, want, gotData, "stored bytes for %q", name)
	}
}

func TestRepackInnerPatch(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	exe := buildTestBundle(t, dir)

	newSrc := []byte("def foo(): return 2\n")
	replacement := filepath.Join(dir, "foo.py")
	require.NoError(t, os.WriteFile(replacement, newSrc, 0o644))

	res, err := Repack(exe, PatchSet{"foo": replacement}, testOpts()...)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Patched)

	re, err := carchive.Open(res.Output)
	require.NoError(t, err)
	defer re.Close()

	e, ok := re.Entry("lib.pyz")
	require.True(t, ok)
	stored, err := re.ReadUncompressed(e)
	require.NoError(t, err)

	rebuilt := filepath.Join(t.TempDir(), "lib.pyz")
	require.NoError(t, os.WriteFile(rebuilt, stored, 0o644))
	pa, err := pyz.Open(rebuilt)
	require.NoError(t, err)
	defer pa.Close()

	got, err := pa.Extract("foo")
	require.NoError(t, err)
	assert.Equal(t, testutil.CompiledBytes("foo", newSrc), got)

	// Sibling modules keep their exact original content.
	for _, want := range pyzSeed[1:] {
		got, err := pa.Extract(want.Name)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got)
	}
}

func TestRepackUnmatchedTarget(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	exe := buildTestBundle(t, dir)

	baseline := filepath.Join(dir, "baseline")
	_, err := Repack(exe, nil, testOpts(WithOutput(baseline))...)
	require.NoError(t, err)

	replacement := filepath.Join(dir, "ghost.py")
	require.NoError(t, os.WriteFile(replacement, []byte("pass\n"), 0o644))

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	out := filepath.Join(dir, "unmatched")
	res, err := Repack(exe, PatchSet{"ghost": replacement},
		testOpts(WithOutput(out), WithLogger(logger))...)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Patched)
	assert.Contains(t, logBuf.String(), "matches no entry")

	want, err := os.ReadFile(baseline)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, want, got, "an unmatched target must not change the output")
}

func TestRepackDeterministic(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	exe := buildTestBundle(t, dir)

	newSrc := []byte("print('v2')\n")
	replacement := filepath.Join(dir, "appscript.py")
	require.NoError(t, os.WriteFile(replacement, newSrc, 0o644))

	first := filepath.Join(dir, "out1")
	second := filepath.Join(dir, "out2")
	patches := PatchSet{"appscript": replacement}
	_, err := Repack(exe, patches, testOpts(WithOutput(first))...)
	require.NoError(t, err)
	_, err = Repack(exe, patches, testOpts(WithOutput(second))...)
	require.NoError(t, err)

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRepackWorkingMirror(t *testing.T) {
	t.Chdir(t.TempDir())
	exe := buildTestBundle(t, t.TempDir())

	_, err := Repack(exe, nil, testOpts()...)
	require.NoError(t, err)

	// The extraction mirror and rebuilt package stay on disk for
	// inspection.
	assert.FileExists(t, filepath.Join("bundle_extracted", "appscript"))
	assert.FileExists(t, filepath.Join("bundle_extracted", "notes.txt"))
	assert.FileExists(t, filepath.Join("bundle_extracted", "lib.pyz"))
	assert.FileExists(t, filepath.Join("bundle_extracted", "PKG-patched"))
}

func TestRepackFormatError(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, make([]byte, 4096), 0o755))

	_, err := Repack(junk, nil, testOpts()...)
	assert.ErrorIs(t, err, ErrFormat)

	// A format error aborts before any filesystem mutation.
	assert.NoFileExists(t, filepath.Join(dir, "junk-patched"))
	assert.NoDirExists(t, "junk_extracted")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "located", stateLocated.String())
	assert.Equal(t, "aborted", stateAborted.String())
	assert.Equal(t, "unknown", state(99).String())
}
