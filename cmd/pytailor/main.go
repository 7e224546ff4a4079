// Command pytailor patches files inside a PyInstaller onefile bundle
// without re-running the build pipeline.
package main

import (
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/pytailor/pytailor"
)

func main() {
	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "pytailor",
	})
	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd(logger *charmlog.Logger) *cobra.Command {
	var (
		debug bool
		strip int
	)
	cmd := &cobra.Command{
		Use:   "pytailor [flags] executable [files...]",
		Short: "Patch files inside a PyInstaller onefile bundle",
		Long: `pytailor swaps individual scripts or modules inside a prebuilt
PyInstaller onefile executable. It extracts the appended package,
recompiles only the replaced entries, rebuilds the package, and splices
it back into a copy of the executable. With no replacement files it
lists the bundle's contents instead.

Replacement names are derived from the file paths: "foo.py" patches the
entry "foo", "reader/__init__.py" patches the package "reader". Use
--strip to drop leading path components first, or pass an explicit pair
as "name:path".`,
		Example: `  pytailor dist/foo
  pytailor dist/foo foo.py
  pytailor -s 1 dist/foo src/foo.py
  pytailor dist/foo reader/__init__.py`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(charmlog.DebugLevel)
			}
			log := slog.New(logger)

			exe := args[0]
			if len(args) == 1 {
				return pytailor.List(exe, cmd.OutOrStdout(), pytailor.WithLogger(log))
			}

			patches, err := pytailor.ResolvePatches(args[1:], strip)
			if err != nil {
				return err
			}
			res, err := pytailor.Repack(exe, patches,
				pytailor.WithContext(cmd.Context()),
				pytailor.WithLogger(log))
			if err != nil {
				return err
			}
			log.Info("bundle patched", "output", res.Output, "entries", res.Patched)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "print debug log")
	cmd.Flags().IntVarP(&strip, "strip", "s", 0, "strip the first N path components when deriving entry names")
	return cmd
}
