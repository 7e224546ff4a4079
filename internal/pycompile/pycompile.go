// Package pycompile turns Python source text into the serialized code
// objects the archive formats store.
//
// Compilation is delegated to a CPython interpreter on the host: the
// bytecode must match the runtime frozen into the bundle, and only a real
// interpreter produces it faithfully.
package pycompile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultInterpreter is the interpreter used when none is configured.
const DefaultInterpreter = "python3"

// compileStub compiles stdin as a module named by argv[1] and writes the
// marshal-serialized code object to stdout.
const compileStub = `import sys, marshal
name = sys.argv[1]
source = sys.stdin.buffer.read()
code = compile(source, "<%s>" % name, "exec")
sys.stdout.buffer.write(marshal.dumps(code))
`

// magicStub prints the interpreter's bytecode magic number.
const magicStub = `import sys, importlib.util
sys.stdout.buffer.write(importlib.util.MAGIC_NUMBER)
`

// Python compiles source by shelling out to a CPython interpreter.
type Python struct {
	// Interpreter is the executable to invoke. Empty means
	// DefaultInterpreter resolved via PATH.
	Interpreter string

	// Logger receives one debug line per compilation. May be nil.
	Logger *slog.Logger
}

// Compile returns the marshal-serialized code object for src, compiled as
// a module named name.
func (p *Python) Compile(ctx context.Context, name string, src []byte) ([]byte, error) {
	p.log().Debug("compiling source", "name", name, "bytes", len(src))

	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, p.interpreter(), "-c", compileStub, name)
	cmd.Stdin = bytes.NewReader(src)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(errOut.String()); msg != "" {
			return nil, fmt.Errorf("compile %q: %w: %s", name, err, lastLine(msg))
		}
		return nil, fmt.Errorf("compile %q: %w", name, err)
	}
	return out.Bytes(), nil
}

// MagicNumber returns the 4-byte bytecode version tag the interpreter
// produces, used to warn when it differs from a bundle's tag.
func (p *Python) MagicNumber(ctx context.Context) ([]byte, error) {
	out, err := exec.CommandContext(ctx, p.interpreter(), "-c", magicStub).Output()
	if err != nil {
		return nil, fmt.Errorf("query bytecode magic: %w", err)
	}
	if len(out) < 4 {
		return nil, fmt.Errorf("query bytecode magic: short read (%d bytes)", len(out))
	}
	return out[:4], nil
}

func (p *Python) interpreter() string {
	if p.Interpreter != "" {
		return p.Interpreter
	}
	return DefaultInterpreter
}

func (p *Python) log() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}

// lastLine trims a Python traceback down to its final message line.
func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
