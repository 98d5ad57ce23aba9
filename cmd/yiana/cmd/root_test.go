package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points user config and logs at temporary locations and returns
// a fresh repository directory.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("YIANA_LOG_FILE", filepath.Join(t.TempDir(), "yiana.log"))
	t.Setenv("YIANA_ROOT", "")
	return t.TempDir()
}

// run executes the root command with args and returns stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writePDF(t *testing.T, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n% test payload\n"), 0o644))
	return path
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	// Given: a root command

	// When: executing with --help
	stdout, _, err := run(t, "--help")

	// Then: it lists the subcommands
	require.NoError(t, err)
	for _, sub := range []string{"import", "new", "index", "search", "serve", "watch", "ocr", "doctor", "config", "logs", "version"} {
		assert.Contains(t, stdout, sub)
	}
}

func TestRootCmd_NoArgs_ShowsHelp(t *testing.T) {
	stdout, _, err := run(t)

	require.NoError(t, err)
	assert.Contains(t, stdout, "Usage:")
}

func TestRootCmd_UnknownCommand_Fails(t *testing.T) {
	_, _, err := run(t, "frobnicate")

	require.Error(t, err)
}

func TestRootCmd_ProfileFlags_WriteFiles(t *testing.T) {
	// Given: profile output paths
	dir := t.TempDir()
	cpu := filepath.Join(dir, "cpu.prof")
	mem := filepath.Join(dir, "mem.prof")

	// When: running a command with profiling enabled
	_, _, err := run(t, "version", "--short", "--profile-cpu", cpu, "--profile-mem", mem)

	// Then: both profiles are written
	require.NoError(t, err)
	assert.FileExists(t, cpu)
	assert.FileExists(t, mem)
}

func TestRootCmd_RootFlag_SelectsRepository(t *testing.T) {
	root := isolate(t)

	stdout, _, err := run(t, "config", "path", "--root", root)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".yiana.yaml")+"\n", stdout)
}
