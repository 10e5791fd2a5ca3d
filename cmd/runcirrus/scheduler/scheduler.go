// Package scheduler submits a run to a cluster workload manager and waits for
// the job to finish. Every backend relies on its front end's blocking submit
// (bsub -K, qsub -W block=true), so waiting never polls.
package scheduler

import (
	"context"
	"os/exec"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	"github.com/sirupsen/logrus"
)

type Scheduler interface {
	Name() string
	// SubmitAndWait submits script for p and blocks until the job ends.
	// Rejected submissions are returned as *entities.SubmissionError.
	SubmitAndWait(ctx context.Context, p *plan.ExecutionPlan, script string) (*entities.RunResult, error)
}

type LookPath func(file string) (string, error)

type Options struct {
	// Defaults to exec.LookPath
	LookPath LookPath
	// Time between SIGTERM and SIGKILL for the front end when cancelled
	KillGrace time.Duration
}

func (o *Options) lookPath() LookPath {
	if o == nil || o.LookPath == nil {
		return exec.LookPath
	}
	return o.LookPath
}

func (o *Options) killGrace() time.Duration {
	if o == nil || o.KillGrace <= 0 {
		return DEFAULT_KILL_GRACE
	}
	return o.KillGrace
}

// Detect reports which front ends are on PATH.
func Detect(opts *Options) (haveBsub bool, haveQsub bool) {
	lookPath := opts.lookPath()
	_, bsubErr := lookPath("bsub")
	_, qsubErr := lookPath("qsub")
	return bsubErr == nil, qsubErr == nil
}

// Probe picks the backend whose front end is installed, LSF first.
func Probe(opts *Options) (Scheduler, error) {
	lookPath := opts.lookPath()

	if bsub, err := lookPath("bsub"); err == nil {
		return &LSF{bsub: bsub, bkill: optionalPath(lookPath, "bkill"), killGrace: opts.killGrace()}, nil
	}
	if qsub, err := lookPath("qsub"); err == nil {
		return &OpenPBS{qsub: qsub, qdel: optionalPath(lookPath, "qdel"), killGrace: opts.killGrace()}, nil
	}

	return nil, &entities.SubmissionError{Reason: "no supported scheduler found"}
}

func optionalPath(lookPath LookPath, file string) string {
	path, err := lookPath(file)
	if err != nil {
		logrus.WithError(err).Warnf("%s not found, jobs can not be cancelled", file)
		return ""
	}
	return path
}
