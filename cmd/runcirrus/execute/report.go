package execute

import (
	"os"
	"syscall"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	"golang.org/x/sys/unix"
)

type runResultProps struct {
	plan      *plan.ExecutionPlan
	state     *os.ProcessState
	wallTime  time.Duration
	cancelled bool
	isOOM     bool
}

func makeRunResult(props *runResultProps) *entities.RunResult {
	var (
		exitStatus = entities.STATUS_UNKNOWN
		code       = entities.EXIT_CODE_UNKNOWN
		signal     = ""
	)

	if props.state != nil {
		status := props.state.Sys().(syscall.WaitStatus)
		switch true {
		case status.Exited():
			code = status.ExitStatus()
			if code == 0 {
				exitStatus = entities.STATUS_NORMAL
			} else {
				exitStatus = entities.STATUS_RUNTIME_ERROR
			}
		case status.Signaled():
			sig := status.Signal()
			code = int(sig) + 128
			signal = unix.SignalName(sig)
			exitStatus = entities.STATUS_SIGNAL_TERMINATE
		}
	}

	// An OOM kill shows up as SIGKILL, the scope's memory events tell them apart.
	if props.isOOM {
		exitStatus = entities.STATUS_MEMORY_LIMIT_EXCEEDED
		if code == 0 {
			code = entities.EXIT_CODE_UNKNOWN
		}
	}

	if props.cancelled {
		exitStatus = entities.STATUS_CANCELLED
		if code == 0 {
			code = entities.EXIT_CODE_UNKNOWN
		}
	}

	return &entities.RunResult{
		RunId:      utils.RuncirrusInstanceId,
		Backend:    entities.BACKEND_LOCAL,
		Status:     exitStatus,
		ExitCode:   code,
		Signal:     signal,
		Succeeded:  exitStatus == entities.STATUS_NORMAL,
		WallTimeMs: uint64(props.wallTime.Milliseconds()),
		Artifacts:  props.plan.Artifacts(),
	}
}
