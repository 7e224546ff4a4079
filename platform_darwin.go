//go:build darwin

package pytailor

import (
	"log/slog"

	"github.com/pytailor/pytailor/internal/platform"
)

func defaultSectionUpdater(logger *slog.Logger) SectionUpdater {
	return nil
}

// Mach-O executables embed layout-sensitive header fields that the
// loader and codesigning validate, so the finalize step repairs them.
func defaultHeaderFixer(logger *slog.Logger) HeaderFixer {
	return &platform.MachOFixer{Logger: logger}
}
