package controller

import (
	"fmt"
	"path/filepath"

	"github.com/equinor/runcirrus/cmd/runcirrus/artifacts"
	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/install"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	"github.com/equinor/runcirrus/cmd/runcirrus/scheduler"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Environment variables only set inside a running batch job
var batchJobEnvs = []string{"LSB_DJOB_RANKFILE", "PBS_NODEFILE"}

// Plan resolves the config into an execution plan. The plan is computed once
// and nothing is written to disk.
func (c *Controller) Plan() (*plan.ExecutionPlan, error) {
	if c.plan != nil {
		return c.plan, nil
	}

	p, err := c.makePlan()
	if err != nil {
		return nil, err
	}
	c.plan = p
	return p, nil
}

func (c *Controller) makePlan() (*plan.ExecutionPlan, error) {
	config := c.config

	input, err := filepath.Abs(utils.ExpandHome(config.Input))
	if err != nil {
		return nil, &entities.LaunchError{Reason: fmt.Sprintf("Invalid input file '%s'", config.Input), Err: err}
	}
	if !utils.FileExists(input) {
		return nil, &entities.LaunchError{Reason: fmt.Sprintf("Cirrus input file '%s' does not exist", input)}
	}

	queue := lo.Ternary(config.IsLocal(), "", config.Queue)
	redirected := false
	if queue != "" && c.insideBatchJob() {
		logrus.Info("Already running inside a batch job, running locally")
		queue = ""
		redirected = true
	}

	// Explicit values are kept as given, plan.New rejects anything below 1
	var tasksPerNode int
	switch {
	case config.NumTasksPerMachine != nil:
		tasksPerNode = *config.NumTasksPerMachine
	case queue == "" && !redirected:
		tasksPerNode = max(c.env.NumCPU, 1)
	default:
		tasksPerNode = 1
	}
	nodeCount := lo.FromPtrOr(config.NumMachines, 1)
	if queue == "" && nodeCount > 1 {
		logrus.Warnf("Ignoring -m %d, running on a single machine", nodeCount)
		nodeCount = 1
	}

	version := config.Version
	if version == "" {
		version = install.DefaultVersion(c.env.ScriptName)
	}
	installation, err := install.Resolve(c.searchPaths(), version)
	if err != nil {
		return nil, err
	}
	for _, path := range []string{installation.Launcher, installation.Simulator} {
		if err := utils.CheckExecutable(path); err != nil {
			return nil, &entities.LaunchError{Reason: fmt.Sprintf("Cannot execute %s", path), Err: err}
		}
	}

	outputDirectory := filepath.Dir(input)
	if config.OutputDirectory != "" {
		if outputDirectory, err = filepath.Abs(utils.ExpandHome(config.OutputDirectory)); err != nil {
			return nil, &entities.LaunchError{Reason: fmt.Sprintf("Invalid output directory '%s'", config.OutputDirectory), Err: err}
		}
	}
	if !utils.DirectoryExists(outputDirectory) {
		return nil, &entities.LaunchError{Reason: fmt.Sprintf("Output directory '%s' does not exist", outputDirectory)}
	}

	c.haveBsub, c.haveQsub = scheduler.Detect(&scheduler.Options{LookPath: c.env.LookPath})

	args := map[string][]string{}
	for flag, value := range map[string]string{
		"cirrus-args": config.CirrusArgs,
		"mpi-args":    config.MpiArgs,
		"telemetry":   config.Telemetry,
		"bsub-args":   config.BsubArgs,
		"qsub-args":   config.QsubArgs,
	} {
		words, err := shellquote.Split(value)
		if err != nil {
			return nil, &entities.LaunchError{Reason: fmt.Sprintf("Invalid --%s '%s'", flag, value), Err: err}
		}
		args[flag] = words
	}

	p, err := plan.New(plan.ExecutionPlan{
		Input:           input,
		Case:            artifacts.CasePath(input, outputDirectory),
		TasksPerNode:    tasksPerNode,
		NodeCount:       nodeCount,
		Queue:           queue,
		Version:         installation.Version,
		Program:         installation.Program,
		SimulatorBinary: installation.Simulator,
		Launcher:        installation.Launcher,
		MpiArgs:         args["mpi-args"],
		SimulatorArgs:   args["cirrus-args"],
		Telemetry:       args["telemetry"],
		SchedulerArgs:   lo.Ternary(c.haveBsub, args["bsub-args"], args["qsub-args"]),
		Exclusive:       config.Exclusive,
		Machinefile:     lo.Ternary(queue == "", c.batchMachinefile(), ""),
	})
	if err != nil {
		return nil, &entities.LaunchError{Reason: "Invalid parameters", Err: err}
	}

	logrus.WithField("plan", p.String()).Debug("Planned the run")
	return p, nil
}

func (c *Controller) insideBatchJob() bool {
	return lo.SomeBy(batchJobEnvs, func(key string) bool {
		_, ok := c.lookupEnv(key)
		return ok
	})
}

// batchMachinefile returns the host list of the surrounding LSF or PBS job.
func (c *Controller) batchMachinefile() string {
	if hosts, _ := c.lookupEnv("LSB_MCPU_HOSTS"); hosts != "" {
		if rankfile, _ := c.lookupEnv("LSB_DJOB_RANKFILE"); rankfile != "" {
			return rankfile
		}
	}
	nodefile, _ := c.lookupEnv("PBS_NODEFILE")
	return nodefile
}

func (c *Controller) lookupEnv(key string) (string, bool) {
	if c.env.LookupEnv == nil {
		return "", false
	}
	return c.env.LookupEnv(key)
}

// searchPaths lists the versions directories to look in, most specific first.
func (c *Controller) searchPaths() []string {
	var paths []string

	switch {
	case c.config.VersionsPath != "":
		paths = append(paths, utils.ExpandHome(c.config.VersionsPath))
	default:
		if path, ok := c.lookupEnv(install.ENV_VERSIONS_PATH); ok {
			paths = append(paths, utils.ExpandHome(path))
		} else if path, err := install.VersionsPath(c.env.Executable); err == nil {
			paths = append(paths, path)
		} else {
			logrus.WithError(err).Debug("Falling back to the default versions directory")
		}
	}

	return lo.Uniq(append(paths, install.FALLBACK_VERSIONS_DIR))
}
