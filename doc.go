// Package pytailor patches PyInstaller onefile bundles in place.
//
// A bundle is a bootloader followed by an appended package container
// holding the Python runtime, compiled modules, and resources. pytailor
// locates that container, extracts it, swaps selected entries for
// recompiled replacements, rebuilds the container, and splices it back
// into a copy of the executable. Untouched entries are preserved
// byte-for-byte; the input file is never modified.
//
// The package exposes three operations: ResolvePatches maps replacement
// files to logical entry names, Repack runs the patch workflow, and List
// prints a bundle's contents. The binary container formats live in
// internal/carchive and internal/pyz.
package pytailor
