package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*entities.Config, []string) {
	t.Helper()
	chk := require.New(t)

	var opts options
	fs := newFlagSet(&opts, io.Discard)
	positional, err := parseArgs(fs, args)
	chk.NoError(err)

	payload, err := buildPayload(fs, &opts, positional[0])
	chk.NoError(err)

	var config entities.Config
	chk.NoError(decodePayload(payload, &config))
	return &config, positional
}

func TestParseArgs(t *testing.T) {
	chk := require.New(t)
	t.Setenv(ENV_CONFIG, "")

	config, positional := parse(t, "-q", "bigmem", "--num-tasks-per-machine", "8", "-nn", "2", "spe1.in", "--mpi-args", "--bind-to core", "-e")
	chk.Equal([]string{"spe1.in"}, positional)
	chk.Equal("spe1.in", config.Input)
	chk.Equal("bigmem", config.Queue)
	chk.Equal(8, *config.NumTasksPerMachine)
	chk.Equal(2, *config.NumMachines)
	chk.Equal("--bind-to core", config.MpiArgs)
	chk.True(config.Exclusive)
	chk.False(config.Interactive)
}

func TestParseArgsAliases(t *testing.T) {
	chk := require.New(t)
	t.Setenv(ENV_CONFIG, "")

	config, _ := parse(t, "-nm", "4", "-nn", "3", "spe1.in")
	chk.Equal(4, *config.NumTasksPerMachine)
	chk.Equal(3, *config.NumMachines)
}

func TestExplicitZeroParallelismIsRejected(t *testing.T) {
	chk := require.New(t)
	t.Setenv(ENV_CONFIG, "")
	validate := validator.New()

	config, _ := parse(t, "spe1.in")
	chk.Nil(config.NumTasksPerMachine)
	chk.Nil(config.NumMachines)
	chk.NoError(validate.Struct(config))

	for _, args := range [][]string{
		{"-n", "0", "spe1.in"},
		{"-m", "0", "spe1.in"},
		{"-nm", "-2", "spe1.in"},
	} {
		config, _ := parse(t, args...)
		chk.Error(validate.Struct(config), "args=%v", args)
	}
}

func TestConfigFileIsOverriddenByFlags(t *testing.T) {
	chk := require.New(t)
	path := filepath.Join(t.TempDir(), "runcirrus.yaml")
	chk.NoError(os.WriteFile(path, []byte(`
queue: normal
num_tasks_per_machine: 4
versions_path: /shared/cirrus/versions
systemd_scope: true
kill_grace_ms: 5000
`), 0o644))
	t.Setenv(ENV_CONFIG, path)

	config, _ := parse(t, "-q", "bigmem", "spe1.in")
	chk.Equal("bigmem", config.Queue)
	chk.Equal(4, *config.NumTasksPerMachine)
	chk.Equal("/shared/cirrus/versions", config.VersionsPath)
	chk.True(config.SystemdScope)
	chk.Equal(uint64(5000), config.KillGraceMs)
}

func TestConfigFileRejectsUnknownKeys(t *testing.T) {
	chk := require.New(t)
	path := filepath.Join(t.TempDir(), "runcirrus.yaml")
	chk.NoError(os.WriteFile(path, []byte("queu: bigmem\n"), 0o644))

	var opts options
	fs := newFlagSet(&opts, io.Discard)
	_, err := parseArgs(fs, []string{"--config", path, "spe1.in"})
	chk.NoError(err)

	payload, err := buildPayload(fs, &opts, "spe1.in")
	chk.NoError(err)

	var config entities.Config
	chk.Error(decodePayload(payload, &config))
}

func TestPrintSummary(t *testing.T) {
	chk := require.New(t)

	var builder strings.Builder
	printSummary(&builder, &entities.RunResult{
		Backend:    entities.BACKEND_LSF,
		JobId:      "42",
		Status:     entities.STATUS_RUNTIME_ERROR,
		ExitCode:   3,
		StderrTail: []string{"ERROR: singular matrix"},
		Artifacts: entities.ArtifactSet{
			StdoutLog: "/runs/spe1.LOG",
			StderrLog: "/runs/spe1.ERR",
			BsubLog:   "/runs/spe1_bsub.LOG",
		},
	})

	output := builder.String()
	chk.Contains(output, "Simulation failed (job 42) with exit code 3 (RUNTIME_ERROR)")
	chk.Contains(output, "Inspect /runs/spe1.ERR, /runs/spe1.LOG, /runs/spe1_bsub.LOG")
	chk.Contains(output, "  ERROR: singular matrix")
}
