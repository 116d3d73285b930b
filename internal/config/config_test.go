package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestResolve_Defaults(t *testing.T) {
	flags := pflag.NewFlagSet("bqr", pflag.ContinueOnError)
	v := Bind(flags)
	require.NoError(t, flags.Parse(nil))

	run := Resolve(v, []string{"folder1"})
	require.Equal(t, 10, run.MaxConcurrent)
	require.Equal(t, 2, run.MaxRetry)
	require.Equal(t, "US", run.ClientLocation)
	require.Equal(t, []string{"folder1"}, run.Folders)
}

func TestResolve_EnvOverridesDefault(t *testing.T) {
	t.Setenv("BQR_MAXCONCURRENT", "5")

	flags := pflag.NewFlagSet("bqr", pflag.ContinueOnError)
	v := Bind(flags)
	require.NoError(t, flags.Parse(nil))

	run := Resolve(v, nil)
	require.Equal(t, 5, run.MaxConcurrent)
}

func TestResolve_ExplicitFlagWinsOverEnv(t *testing.T) {
	t.Setenv("BQR_MAXCONCURRENT", "5")

	flags := pflag.NewFlagSet("bqr", pflag.ContinueOnError)
	v := Bind(flags)
	require.NoError(t, flags.Parse([]string{"--maxConcurrent=7"}))

	run := Resolve(v, nil)
	require.Equal(t, 7, run.MaxConcurrent)
}

func TestLoadDefaultVars_MissingPathReturnsEmpty(t *testing.T) {
	vars, err := LoadDefaultVars("")
	require.NoError(t, err)
	require.Empty(t, vars)
}

func TestLoadDefaultVars_ParsesObject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"project": "proj1"}`), 0o644))

	vars, err := LoadDefaultVars(path)
	require.NoError(t, err)
	require.Equal(t, "proj1", vars["project"])
}
