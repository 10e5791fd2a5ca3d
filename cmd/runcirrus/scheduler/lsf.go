package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
)

var (
	lsfJobIdPattern  = regexp.MustCompile(`Job <(\d+)> is submitted`)
	lsfKilledPattern = regexp.MustCompile(`(?i)job (was |has been |is )?killed|TERM_[A-Z_]+`)
)

// LSF submits through IBM Spectrum LSF's bsub.
type LSF struct {
	bsub      string
	bkill     string
	killGrace time.Duration
}

func (l *LSF) Name() string {
	return entities.BACKEND_LSF
}

func (l *LSF) SubmitAndWait(ctx context.Context, p *plan.ExecutionPlan, script string) (*entities.RunResult, error) {
	s := &submission{
		backend:       l.Name(),
		argv:          l.command(p),
		logPath:       p.Artifacts().BsubLog,
		jobOutputPath: p.Artifacts().BsubLog,
		jobIdPattern:  lsfJobIdPattern,
		killedPattern: lsfKilledPattern,
		killGrace:     l.killGrace,
	}
	if l.bkill != "" {
		s.cancelArgv = func(jobId string) []string {
			return []string{l.bkill, jobId}
		}
	}
	return s.run(ctx, p, script)
}

func (l *LSF) command(p *plan.ExecutionPlan) []string {
	resources := strings.Join([]string{
		"select[rhel >= 8]",
		"same[type:model]",
		fmt.Sprintf("span[ptile=%d]", p.TasksPerNode),
	}, " ")

	argv := []string{
		l.bsub,
		"-K",
		"-q", p.Queue,
		"-n", strconv.Itoa(p.NumTasks()),
		"-o", p.Artifacts().BsubLog,
		"-J", p.JobName(),
		"-R", resources,
	}
	argv = append(argv, p.SchedulerArgs...)
	return append(argv, "--", "bash", p.Artifacts().JobScript)
}
