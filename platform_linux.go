//go:build linux

package pytailor

import (
	"log/slog"

	"github.com/pytailor/pytailor/internal/platform"
)

// Linux bootloaders keep the package in a dedicated ELF section, so the
// native section update is preferred over the byte splice.
func defaultSectionUpdater(logger *slog.Logger) SectionUpdater {
	return &platform.Objcopy{Logger: logger}
}

func defaultHeaderFixer(logger *slog.Logger) HeaderFixer {
	return nil
}
