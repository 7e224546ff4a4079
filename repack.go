package pytailor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/pytailor/pytailor/internal/carchive"
	"github.com/pytailor/pytailor/internal/platform"
	"github.com/pytailor/pytailor/internal/pyz"
)

// pkgFileName is the rebuilt package written into the working directory
// before splicing.
const pkgFileName = "PKG-patched"

// state tracks the repack engine's progress. Any fatal error moves the
// engine to stateAborted; the input file is never mutated and partial
// working-directory artifacts are retained for diagnosis.
type state int

const (
	stateStart state = iota
	stateLocated
	stateExtracted
	stateScanned
	statePatched
	stateRepacked
	stateSpliced
	stateFinalized
	stateAborted
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateLocated:
		return "located"
	case stateExtracted:
		return "extracted"
	case stateScanned:
		return "scanned"
	case statePatched:
		return "patched"
	case stateRepacked:
		return "repacked"
	case stateSpliced:
		return "spliced"
	case stateFinalized:
		return "finalized"
	case stateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result summarizes a completed repack run.
type Result struct {
	// Output is the path of the patched executable.
	Output string

	// Patched is the number of entries actually replaced, counting
	// modules inside nested archives individually.
	Patched int
}

// Repack patches the bundle at exePath with the given replacements and
// writes the result to <name>-patched<ext> next to the input.
//
// The run extracts the package into <name>_extracted/ as an inspectable
// one-to-one mirror, replaces matching entries (recompiling script-typed
// content and rebuilding nested module archives), rebuilds the package,
// and splices it into a copy of the original executable. Replacement
// names matching no entry are logged as warnings and ignored; the run
// still succeeds.
func Repack(exePath string, patches PatchSet, opts ...Option) (*Result, error) {
	cfg := newConfig(opts)
	e := &engine{cfg: cfg, exePath: exePath}
	res, err := e.run(maps.Clone(patches))
	if err != nil {
		e.advance(stateAborted)
		return nil, err
	}
	return res, nil
}

type engine struct {
	cfg     config
	exePath string
	workDir string
	state   state
}

func (e *engine) log() *slog.Logger {
	return e.cfg.log()
}

func (e *engine) advance(s state) {
	e.log().Debug("engine state", "from", e.state.String(), "to", s.String())
	e.state = s
}

func (e *engine) run(patches PatchSet) (*Result, error) {
	ar, err := carchive.Open(e.exePath)
	if err != nil {
		return nil, err
	}
	defer ar.Close()
	e.advance(stateLocated)
	e.log().Info("located package container",
		"exe", e.exePath,
		"pkg_start", ar.PkgStart,
		"entries", len(ar.Entries),
		"pylib", ar.Cookie.LibName())

	base := filepath.Base(e.exePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	e.workDir = stem + "_extracted"

	if err := e.extract(ar); err != nil {
		return nil, err
	}
	e.advance(stateExtracted)

	inner, err := e.scan(ar)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, pa := range inner {
			pa.Close()
		}
	}()
	e.advance(stateScanned)

	annotated, patched, err := e.patch(ar, inner, patches)
	if err != nil {
		return nil, err
	}
	e.advance(statePatched)

	pkgPath := filepath.Join(e.workDir, pkgFileName)
	wopts := []carchive.WriteOption{
		carchive.WithLogger(e.cfg.logger),
		carchive.WithCompiler(e.cfg.compiler),
	}
	if err := carchive.Write(e.cfg.ctx, pkgPath, annotated, ar.Cookie, wopts...); err != nil {
		return nil, err
	}
	e.advance(stateRepacked)

	output := e.cfg.output
	if output == "" {
		output = filepath.Join(filepath.Dir(e.exePath), stem+"-patched"+ext)
	}
	if err := e.splice(ar.PkgStart, pkgPath, output); err != nil {
		return nil, err
	}
	e.advance(stateSpliced)

	if e.cfg.fixer != nil {
		e.log().Info("fixing executable headers", "output", output)
		if err := e.cfg.fixer.FixHeaders(output); err != nil {
			return nil, err
		}
	}
	e.advance(stateFinalized)

	e.log().Info("patched bundle written", "output", output, "patched", patched)
	return &Result{Output: output, Patched: patched}, nil
}

// extract mirrors every entry's stored bytes into the working directory,
// creating parent directories as logical names require.
func (e *engine) extract(ar *carchive.Archive) error {
	e.log().Info("extracting bundle", "dir", e.workDir)
	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return err
	}
	for _, en := range ar.Entries {
		data, err := ar.ReadData(en)
		if err != nil {
			return err
		}
		path := e.entryPath(en.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		e.log().Debug("extract entry", "name", en.Name, "size", len(data))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// scan parses each nested module archive out of the extracted mirror.
func (e *engine) scan(ar *carchive.Archive) (map[string]*pyz.Archive, error) {
	var cipher *pyz.Cipher
	if e.cfg.key != nil {
		var err error
		cipher, err = pyz.NewCipher(e.cfg.key)
		if err != nil {
			return nil, err
		}
	}

	var expected []byte
	if mp, ok := e.cfg.compiler.(interface {
		MagicNumber(ctx context.Context) ([]byte, error)
	}); ok {
		magic, err := mp.MagicNumber(e.cfg.ctx)
		if err != nil {
			e.log().Debug("compiler bytecode magic unavailable", "err", err)
		} else {
			expected = magic
		}
	}

	inner := make(map[string]*pyz.Archive)
	for _, en := range ar.Entries {
		if !en.Type.IsArchive() || !strings.HasSuffix(en.Name, ".pyz") {
			continue
		}
		opts := []pyz.Option{pyz.WithLogger(e.cfg.logger)}
		if cipher != nil {
			opts = append(opts, pyz.WithCipher(cipher))
		}
		if expected != nil {
			opts = append(opts, pyz.WithExpectedMagic(expected))
		}
		pa, err := pyz.Open(e.entryPath(en.Name), opts...)
		if err != nil {
			return nil, err
		}
		e.log().Info("scanned module archive", "name", en.Name, "modules", len(pa.Entries))
		inner[en.Name] = pa
	}
	return inner, nil
}

// patch applies the patch set: outer matches are annotated with their
// replacement paths, inner matches rebuild their containing module
// archive in the working directory. Rebuilding an archive always marks
// its outer entry patched, even when the byte length is unchanged, since
// the internal layout differs. Returns the annotated TOC and the number
// of entries replaced.
func (e *engine) patch(ar *carchive.Archive, inner map[string]*pyz.Archive, patches PatchSet) ([]carchive.AnnotatedEntry, int, error) {
	outer := make(map[string]string)
	for name, src := range patches {
		if _, ok := ar.Entry(name); ok {
			outer[name] = src
			delete(patches, name)
		}
	}

	perArchive := make(map[string]PatchSet)
	for pyzName, pa := range inner {
		for name, src := range patches {
			if pa.Contains(name) {
				if perArchive[pyzName] == nil {
					perArchive[pyzName] = make(PatchSet)
				}
				perArchive[pyzName][name] = src
				delete(patches, name)
			}
		}
	}

	for name := range patches {
		e.log().Warn("replacement target matches no entry", "name", name)
	}

	patched := len(outer)
	rewritten := make(map[string]bool)
	for pyzName, sub := range perArchive {
		n, err := inner[pyzName].Rewrite(e.cfg.ctx, sub, e.cfg.compiler)
		if err != nil {
			return nil, 0, err
		}
		patched += n
		rewritten[pyzName] = true
	}

	annotated := make([]carchive.AnnotatedEntry, 0, len(ar.Entries))
	for _, en := range ar.Entries {
		ae := carchive.AnnotatedEntry{Entry: en, SourcePath: e.entryPath(en.Name)}
		if rewritten[en.Name] {
			ae.Patched = true
		} else if src, ok := outer[en.Name]; ok {
			ae.Patched = true
			ae.SourcePath = src
		}
		annotated = append(annotated, ae)
	}
	return annotated, patched, nil
}

// splice writes the patched executable: a copy of the original with the
// rebuilt package from pkgStart onward, truncated to bootloader length
// plus new package length. When a native section updater is configured
// it is preferred; if the utility is missing the engine falls back to
// the byte splice.
func (e *engine) splice(pkgStart int64, pkgPath, output string) error {
	e.log().Info("splicing package", "output", output)
	if err := copyFile(e.exePath, output); err != nil {
		return err
	}

	if e.cfg.updater != nil {
		err := e.cfg.updater.UpdateSection(e.cfg.ctx, output, pkgPath)
		if err == nil {
			return nil
		}
		if !errors.Is(err, platform.ErrUnavailable) {
			return err
		}
		e.log().Warn("native section update unavailable, splicing bytes", "err", err)
	}

	pkg, err := os.Open(pkgPath)
	if err != nil {
		return err
	}
	defer pkg.Close()
	info, err := pkg.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(output, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.Seek(pkgStart, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(out, pkg); err != nil {
		return fmt.Errorf("splice package: %w", err)
	}
	if err := out.Truncate(pkgStart + info.Size()); err != nil {
		return err
	}
	return out.Close()
}

func (e *engine) entryPath(name string) string {
	return filepath.Join(e.workDir, filepath.FromSlash(name))
}

// copyFile duplicates src to dst, preserving its permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
