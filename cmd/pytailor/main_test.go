package main

import (
	"bytes"
	"path/filepath"
	"testing"

	charmlog "github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytailor/pytailor/internal/carchive"
	"github.com/pytailor/pytailor/internal/testutil"
)

func TestRootCmdRequiresExecutable(t *testing.T) {
	cmd := newRootCmd(charmlog.New(&bytes.Buffer{}))
	cmd.SetArgs(nil)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestRootCmdLists(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "bundle")
	testutil.BuildBundle(t, exe, testutil.Bootloader(64), []testutil.Entry{
		{Name: "notes.txt", Type: carchive.TypeData, Data: []byte("hello")},
	})

	var out, logs bytes.Buffer
	cmd := newRootCmd(charmlog.New(&logs))
	cmd.SetArgs([]string{exe})
	cmd.SetOut(&out)
	cmd.SetErr(&logs)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "notes.txt (5)\n")
}

func TestRootCmdBadStrip(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "bundle")
	testutil.BuildBundle(t, exe, testutil.Bootloader(64), []testutil.Entry{
		{Name: "notes.txt", Type: carchive.TypeData, Data: []byte("hello")},
	})

	cmd := newRootCmd(charmlog.New(&bytes.Buffer{}))
	cmd.SetArgs([]string{"-s", "5", exe, "app.py"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "cannot strip")
}
