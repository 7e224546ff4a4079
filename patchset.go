package pytailor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PatchSet maps logical entry names to replacement file paths. Names are
// either outer archive entries (scripts, data files) or dotted module
// names inside a nested module archive.
type PatchSet map[string]string

// initFile is the package initializer whose logical name comes from its
// parent directory.
const initFile = "__init__.py"

// ResolvePatches derives a PatchSet from replacement file arguments.
//
// An argument containing the OS path-list separator is an explicit
// name-path pair and is used verbatim. Otherwise the logical name is
// derived from the path: with strip zero, plain files resolve to their
// base name and package initializers to their parent directory; with a
// positive strip, the first strip path components are dropped and the
// rest joined with dots. A trailing ".py" or "__init__.py" suffix is
// removed in both cases. Resolution is deterministic and never touches
// the filesystem.
func ResolvePatches(args []string, strip int) (PatchSet, error) {
	if strip < 0 {
		return nil, fmt.Errorf("strip must be non-negative, got %d", strip)
	}
	set := make(PatchSet, len(args))
	for _, arg := range args {
		if name, path, ok := strings.Cut(arg, string(os.PathListSeparator)); ok && name != "" && path != "" {
			set[name] = filepath.Clean(path)
			continue
		}
		path := filepath.Clean(arg)
		name, err := deriveName(path, strip)
		if err != nil {
			return nil, err
		}
		set[name] = path
	}
	return set, nil
}

func deriveName(path string, strip int) (string, error) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	switch {
	case strip > 0:
		if strip >= len(parts) {
			return "", fmt.Errorf("cannot strip %d components from %q", strip, path)
		}
		parts = parts[strip:]
	case parts[len(parts)-1] == initFile:
		// Package initializers take their parent directory's name.
		if len(parts) < 2 {
			return "", fmt.Errorf("cannot derive a name for bare %q", path)
		}
		parts = parts[len(parts)-2 : len(parts)-1]
	default:
		parts = parts[len(parts)-1:]
	}

	name := strings.Join(parts, ".")
	if strings.HasSuffix(name, initFile) {
		name = strings.TrimRight(strings.TrimSuffix(name, initFile), ".")
	} else {
		name = strings.TrimSuffix(name, ".py")
	}
	if name == "" {
		return "", fmt.Errorf("replacement path %q yields an empty name", path)
	}
	return name, nil
}
