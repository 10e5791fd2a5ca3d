package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	"github.com/samber/lo"
)

var (
	// e.g. "1234.pbs01" or an array job "1234[].pbs01"
	pbsJobIdPattern  = regexp.MustCompile(`^\s*(\d+(?:\[\d*\])?(?:\.[\w.-]+)?)\s*$`)
	pbsKilledPattern = regexp.MustCompile(`(?i)killed|exceeded`)
)

// OpenPBS submits through qsub. PBS stages the job output out by replacing
// the -o file, so it gets its own file next to the transcript.
type OpenPBS struct {
	qsub      string
	qdel      string
	killGrace time.Duration
}

func (o *OpenPBS) Name() string {
	return entities.BACKEND_OPENPBS
}

func (o *OpenPBS) SubmitAndWait(ctx context.Context, p *plan.ExecutionPlan, script string) (*entities.RunResult, error) {
	s := &submission{
		backend:       o.Name(),
		argv:          o.command(p),
		logPath:       p.Artifacts().QsubLog,
		jobOutputPath: p.Artifacts().QsubOutput,
		jobIdPattern:  pbsJobIdPattern,
		killedPattern: pbsKilledPattern,
		killGrace:     o.killGrace,
	}
	if o.qdel != "" {
		s.cancelArgv = func(jobId string) []string {
			return []string{o.qdel, jobId}
		}
	}
	return s.run(ctx, p, script)
}

func (o *OpenPBS) command(p *plan.ExecutionPlan) []string {
	argv := []string{
		o.qsub,
		"-W", "block=true",
		"-q", p.Queue,
		"-l", fmt.Sprintf("select=%d:ncpus=%d:mpiprocs=%d", p.NodeCount, p.TasksPerNode, p.TasksPerNode),
		"-l", "place=" + lo.Ternary(p.Exclusive, "scatter:excl", "scatter:shared"),
		"-j", "oe",
		"-o", p.Artifacts().QsubOutput,
		"-N", p.JobName(),
	}
	argv = append(argv, p.SchedulerArgs...)
	return append(argv, "--", "/usr/bin/bash", p.Artifacts().JobScript)
}
