//go:build !linux && !darwin

package pytailor

import "log/slog"

func defaultSectionUpdater(logger *slog.Logger) SectionUpdater {
	return nil
}

func defaultHeaderFixer(logger *slog.Logger) HeaderFixer {
	return nil
}
