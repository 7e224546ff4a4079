package pytailor

import (
	"context"
	"log/slog"

	"github.com/pytailor/pytailor/internal/pycompile"
)

// Compiler translates Python source into a marshal-serialized code
// object. Replacement content for script-typed entries goes through it
// before packing; everything else is treated as opaque bytes.
type Compiler interface {
	Compile(ctx context.Context, name string, src []byte) ([]byte, error)
}

// SectionUpdater replaces the package section of an executable through a
// native facility, as an alternative to the generic byte splice.
type SectionUpdater interface {
	UpdateSection(ctx context.Context, exePath, pkgPath string) error
}

// HeaderFixer repairs layout-sensitive executable header fields after
// the appended package changed size.
type HeaderFixer interface {
	FixHeaders(path string) error
}

// Option configures Repack and List.
type Option func(*config)

type config struct {
	ctx      context.Context
	logger   *slog.Logger
	compiler Compiler
	key      []byte
	output   string

	updater    SectionUpdater
	updaterSet bool
	fixer      HeaderFixer
	fixerSet   bool
}

// WithContext sets the context passed to external collaborators (the
// compiler and the section updater). Defaults to context.Background().
func WithContext(ctx context.Context) Option {
	return func(cfg *config) {
		cfg.ctx = ctx
	}
}

// WithLogger attaches a logger to every component of the run. A nil
// logger discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithCompiler replaces the default compiler, which shells out to the
// python3 interpreter on PATH.
func WithCompiler(c Compiler) Option {
	return func(cfg *config) {
		cfg.compiler = c
	}
}

// WithCipherKey supplies the 16-byte AES key for bundles whose module
// archives are encrypted.
func WithCipherKey(key []byte) Option {
	return func(cfg *config) {
		cfg.key = key
	}
}

// WithOutput overrides the default output path
// (<name>-patched<ext> next to the input executable).
func WithOutput(path string) Option {
	return func(cfg *config) {
		cfg.output = path
	}
}

// WithSectionUpdater replaces the platform default section updater.
// Passing nil forces the generic byte splice.
func WithSectionUpdater(u SectionUpdater) Option {
	return func(cfg *config) {
		cfg.updater = u
		cfg.updaterSet = true
	}
}

// WithHeaderFixer replaces the platform default header fixer. Passing
// nil disables the finalize step.
func WithHeaderFixer(f HeaderFixer) Option {
	return func(cfg *config) {
		cfg.fixer = f
		cfg.fixerSet = true
	}
}

func newConfig(opts []Option) config {
	cfg := config{ctx: context.Background()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.compiler == nil {
		cfg.compiler = &pycompile.Python{Logger: cfg.logger}
	}
	if !cfg.updaterSet {
		cfg.updater = defaultSectionUpdater(cfg.logger)
	}
	if !cfg.fixerSet {
		cfg.fixer = defaultHeaderFixer(cfg.logger)
	}
	return cfg
}

func (cfg *config) log() *slog.Logger {
	if cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cfg.logger
}
