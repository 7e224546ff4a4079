// Package platform holds the platform-specific final touches applied to
// a patched executable: ELF section replacement on Linux and Mach-O
// header repair on Darwin.
package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrUnavailable is returned when the host lacks the external utility a
// hook depends on. Callers fall back to the generic byte splice.
var ErrUnavailable = errors.New("platform: utility not available")

// PydataSection is the ELF section the bootloader stores the package
// container in.
const PydataSection = "pydata"

// Objcopy replaces the package section of an ELF executable through the
// binutils objcopy utility. The subprocess is waited on and a non-zero
// exit is propagated as an error.
type Objcopy struct {
	// Logger receives the invocation at debug level. May be nil.
	Logger *slog.Logger
}

// UpdateSection rewrites the pydata section of exePath with the contents
// of pkgPath.
func (o *Objcopy) UpdateSection(ctx context.Context, exePath, pkgPath string) error {
	tool, err := exec.LookPath("objcopy")
	if err != nil {
		return fmt.Errorf("%w: objcopy not found in PATH", ErrUnavailable)
	}

	arg := fmt.Sprintf("--update-section=%s=%s", PydataSection, pkgPath)
	o.log().Debug("running objcopy", "tool", tool, "arg", arg, "exe", exePath)

	var errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, arg, exePath)
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(errOut.String()); msg != "" {
			return fmt.Errorf("objcopy: %w: %s", err, msg)
		}
		return fmt.Errorf("objcopy: %w", err)
	}
	return nil
}

func (o *Objcopy) log() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}
