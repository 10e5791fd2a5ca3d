// Package plan holds the fully resolved description of one simulator run.
// Everything a runner needs is an explicit field, so a plan can be built and
// tested without touching the host.
package plan

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/equinor/runcirrus/cmd/runcirrus/artifacts"
	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New()

type ExecutionPlan struct {
	// Absolute path of the simulator input file
	Input string `validate:"required"`
	// Output directory joined with the input's base name, see artifacts.CasePath
	Case string `validate:"required"`

	TasksPerNode int `validate:"min=1"`
	NodeCount    int `validate:"min=1"`
	// Empty means run on this machine
	Queue string

	Version         string
	Program         string `validate:"oneof=cirrus pflotran"`
	SimulatorBinary string `validate:"required"`
	Launcher        string `validate:"required"`

	MpiArgs       []string
	SimulatorArgs []string
	Telemetry     []string
	SchedulerArgs []string
	Exclusive     bool
	// Host list of the batch job a local run is part of, passed to the launcher
	Machinefile string
}

// New validates p and returns a copy of it.
func New(p ExecutionPlan) (*ExecutionPlan, error) {
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("Invalid execution plan: %w", err)
	}
	return &p, nil
}

func (p *ExecutionPlan) IsLocal() bool {
	return p.Queue == ""
}

// NumTasks is the total number of MPI processes across all nodes.
func (p *ExecutionPlan) NumTasks() int {
	return p.TasksPerNode * p.NodeCount
}

func (p *ExecutionPlan) OutputDirectory() string {
	return filepath.Dir(p.Case)
}

func (p *ExecutionPlan) Artifacts() entities.ArtifactSet {
	return artifacts.Name(p.Case)
}

// JobName is the name shown in the workload manager's job listings.
func (p *ExecutionPlan) JobName() string {
	return "Cirrus_" + filepath.Base(p.Input)
}

// SimulatorCommand is the per-task command line, without the MPI launcher.
func (p *ExecutionPlan) SimulatorCommand() []string {
	command := []string{p.SimulatorBinary}
	command = append(command, p.SimulatorArgs...)
	return append(command, "-"+p.Program+"in", p.Input, "-output_prefix", p.Case)
}

// LaunchCommand is the full local command line. transportArgs are placed
// right after the launcher.
func (p *ExecutionPlan) LaunchCommand(transportArgs []string) []string {
	command := []string{p.Launcher}
	command = append(command, transportArgs...)
	if p.Machinefile != "" {
		command = append(command, "-machinefile", p.Machinefile)
	}
	command = append(command, "-np", strconv.Itoa(p.NumTasks()))
	command = append(command, p.MpiArgs...)
	command = append(command, p.Telemetry...)
	return append(command, p.SimulatorCommand()...)
}

func (p *ExecutionPlan) String() string {
	return fmt.Sprintf("%s on %s (%d x %d tasks)",
		filepath.Base(p.Input),
		lo.Ternary(p.IsLocal(), entities.QUEUE_LOCAL, p.Queue),
		p.NodeCount,
		p.TasksPerNode,
	)
}
