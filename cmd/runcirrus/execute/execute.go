package execute

import (
	"context"
	"fmt"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const DEFAULT_KILL_GRACE = 10 * time.Second

// Scope groups every process of a local run so they can be signalled and
// accounted together. See the cgroup package.
type Scope interface {
	Attach(pid int) error
	Kill(signal unix.Signal) error
	IsOOM() (bool, error)
	Close() error
}

type Options struct {
	// Time between SIGTERM and SIGKILL when the run is cancelled
	KillGrace time.Duration
	// Optional, nil runs the simulator in a plain process group
	Scope Scope
	// Kernel module listing used to detect the RDMA workaround, /proc/modules if empty
	ModulesPath string
}

// Execute runs p on this machine and blocks until the simulator exits. A
// simulator that fails is reported through the result, not as an error.
func Execute(ctx context.Context, p *plan.ExecutionPlan, opts *Options) (*entities.RunResult, error) {
	if opts == nil {
		opts = &Options{}
	}

	for _, path := range []string{p.Launcher, p.SimulatorBinary} {
		if err := utils.CheckExecutable(path); err != nil {
			return nil, &entities.LaunchError{Reason: fmt.Sprintf("Cannot execute %s", path), Err: err}
		}
	}
	if !utils.FileExists(p.Input) {
		return nil, &entities.LaunchError{Reason: fmt.Sprintf("Cirrus input file '%s' does not exist", p.Input)}
	}

	set := p.Artifacts()

	stdOutFile, err := prepareOutFile(set.StdoutLog)
	if err != nil {
		return nil, &entities.LaunchError{Reason: fmt.Sprintf("Error preparing the stdout file %s", set.StdoutLog), Err: err}
	}
	defer stdOutFile.Close()

	stdErrFile, err := prepareOutFile(set.StderrLog)
	if err != nil {
		return nil, &entities.LaunchError{Reason: fmt.Sprintf("Error preparing the stderr file %s", set.StderrLog), Err: err}
	}
	defer stdErrFile.Close()

	command := p.LaunchCommand(transportArgs(opts.ModulesPath))
	logrus.WithField("command", command).Debug("Starting the simulator")

	// Set once the simulator is inside the scope, read by Cancel
	var attached atomic.Bool
	scope := opts.Scope
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = p.OutputDirectory()
	cmd.Stdout = stdOutFile
	cmd.Stderr = stdErrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = opts.KillGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DEFAULT_KILL_GRACE
	}
	cmd.Cancel = func() error {
		logrus.Warn("Sending SIGTERM to the simulator due to runcirrus shutting down")
		if attached.Load() {
			if err := opts.Scope.Kill(unix.SIGTERM); err != nil {
				logrus.WithError(err).Warn("Error signalling the scope")
			}
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}

	wallTimeBegin := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &entities.LaunchError{Reason: "Error starting the simulator", Err: err}
	}

	if scope != nil {
		if err := scope.Attach(cmd.Process.Pid); err != nil {
			logrus.WithError(err).Warn("Error moving the simulator into its scope, continuing without it")
			scope = nil
		} else {
			attached.Store(true)
			defer func() {
				if err := scope.Close(); err != nil {
					logrus.WithError(err).Warn("Error closing the scope")
				}
			}()
		}
	}

	waitErr := cmd.Wait()
	wallTimeEnd := time.Now()

	cancelled := ctx.Err() != nil
	if cancelled {
		// Ranks that ignored SIGTERM
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	if cmd.ProcessState == nil {
		return nil, fmt.Errorf("Error waiting for the simulator: %w", waitErr)
	}
	if waitErr != nil {
		logrus.WithError(waitErr).Debug("Simulator exited abnormally")
	}

	isOOM := false
	if scope != nil {
		if isOOM, err = scope.IsOOM(); err != nil {
			logrus.WithError(err).Warn("Error checking the oom status")
		}
	}

	return makeRunResult(&runResultProps{
		plan:      p,
		state:     cmd.ProcessState,
		wallTime:  wallTimeEnd.Sub(wallTimeBegin),
		cancelled: cancelled,
		isOOM:     isOOM,
	}), nil
}
