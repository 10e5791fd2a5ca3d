// Package controller turns a decoded config into an execution plan and runs
// it, either on this machine or through a workload manager.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/artifacts"
	"github.com/equinor/runcirrus/cmd/runcirrus/cgroup"
	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/execute"
	"github.com/equinor/runcirrus/cmd/runcirrus/jobscript"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	"github.com/equinor/runcirrus/cmd/runcirrus/scheduler"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	"github.com/sirupsen/logrus"
)

const (
	STATE_PLANNING  = "PLANNING"
	STATE_EXECUTING = "EXECUTING"
	STATE_DONE      = "DONE"
)

const stderrTailLines = 10

// Environment holds the facts about the host that planning depends on.
type Environment struct {
	// Name the tool was invoked as, selects the default version
	ScriptName string
	// Path of the running executable, used to find the versions directory
	Executable string
	NumCPU     int
	LookupEnv  func(key string) (string, bool)
	LookPath   scheduler.LookPath
	Hostname   string
	// /proc/modules if empty
	ModulesPath string
}

func DefaultEnvironment() *Environment {
	executable, err := os.Executable()
	if err != nil {
		executable = os.Args[0]
	}
	hostname, err := os.Hostname()
	if err != nil {
		logrus.WithError(err).Debug("Error getting the hostname")
	}

	return &Environment{
		ScriptName: filepath.Base(os.Args[0]),
		Executable: executable,
		NumCPU:     runtime.NumCPU(),
		LookupEnv:  os.LookupEnv,
		Hostname:   hostname,
	}
}

type Controller struct {
	config   entities.Config
	env      *Environment
	state    string
	plan     *plan.ExecutionPlan
	haveBsub bool
	haveQsub bool
}

func New(config *entities.Config, env *Environment) *Controller {
	if env == nil {
		env = DefaultEnvironment()
	}
	return &Controller{config: *config, env: env, state: STATE_PLANNING}
}

func (c *Controller) State() string {
	return c.state
}

// Run plans and executes. Tooling failures are returned as errors, a failed
// simulation as an unsuccessful result.
func (c *Controller) Run(ctx context.Context) (*entities.RunResult, error) {
	if _, err := c.Plan(); err != nil {
		c.state = STATE_DONE
		return nil, err
	}
	return c.Execute(ctx)
}

// JobScript renders the script a workload manager would run for the plan.
func (c *Controller) JobScript() (string, error) {
	p, err := c.Plan()
	if err != nil {
		return "", err
	}
	return jobscript.Render(p)
}

// Execute dispatches the plan and moves the controller to its final state.
func (c *Controller) Execute(ctx context.Context) (*entities.RunResult, error) {
	if c.state != STATE_PLANNING {
		return nil, fmt.Errorf("Controller is %s, refusing to execute twice", c.state)
	}
	p, err := c.Plan()
	if err != nil {
		c.state = STATE_DONE
		return nil, err
	}

	c.state = STATE_EXECUTING
	defer func() {
		c.state = STATE_DONE
	}()

	c.logStart(p)

	var result *entities.RunResult
	if p.IsLocal() {
		result, err = c.executeLocal(ctx, p)
	} else {
		result, err = c.submit(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	result.Produced = artifacts.Produced(result.Artifacts)
	if !result.Succeeded {
		if tail, err := utils.TailLines(result.Artifacts.StderrLog, stderrTailLines); err == nil {
			result.StderrTail = tail
		} else {
			logrus.WithError(err).Debug("Error reading the stderr log")
		}
	}

	return result, nil
}

func (c *Controller) executeLocal(ctx context.Context, p *plan.ExecutionPlan) (*entities.RunResult, error) {
	opts := &execute.Options{
		KillGrace:   c.killGrace(),
		ModulesPath: c.env.ModulesPath,
	}

	switch {
	case c.config.CgroupPath != "":
		scope, err := cgroup.NewFsScope(c.config.CgroupPath)
		if err != nil {
			logrus.WithError(err).Warn("Error preparing the cgroup, continuing without it")
		} else {
			opts.Scope = scope
		}
	case c.config.SystemdScope:
		opts.Scope = cgroup.NewSystemdScope()
	}

	return execute.Execute(ctx, p, opts)
}

func (c *Controller) submit(ctx context.Context, p *plan.ExecutionPlan) (*entities.RunResult, error) {
	s, err := scheduler.Probe(&scheduler.Options{LookPath: c.env.LookPath, KillGrace: c.killGrace()})
	if err != nil {
		return nil, err
	}

	script, err := jobscript.Render(p)
	if err != nil {
		return nil, &entities.SubmissionError{Reason: "Error rendering the job script", Err: err}
	}

	return s.SubmitAndWait(ctx, p, script)
}

func (c *Controller) killGrace() time.Duration {
	return time.Duration(c.config.KillGraceMs) * time.Millisecond
}

func (c *Controller) logStart(p *plan.ExecutionPlan) {
	logrus.WithFields(logrus.Fields{
		"type":                  "runcirrus",
		"script":                c.env.ScriptName,
		"version":               p.Version,
		"num_tasks_per_machine": p.TasksPerNode,
		"num_machines":          p.NodeCount,
		"num_tasks":             p.NumTasks(),
		"queue":                 p.Queue,
		"bsub":                  c.haveBsub,
		"qsub":                  c.haveQsub,
		"hostname":              utils.AnonymizeHostname(c.env.Hostname),
		"run_id":                utils.RuncirrusInstanceId,
	}).Info("Start job")
}
