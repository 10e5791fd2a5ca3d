package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	DEFAULT_KILL_GRACE = 30 * time.Second
	cancelTimeout      = 30 * time.Second
)

// submission is one blocking call of a workload manager's front end.
type submission struct {
	backend string
	argv    []string
	logPath string
	// Where the workload manager delivers the job's own output
	jobOutputPath string
	// Matches the front end's acknowledgement, first group is the job id
	jobIdPattern *regexp.Regexp
	// Matches front end output telling the job was killed by the scheduler
	killedPattern *regexp.Regexp
	// Command cancelling a submitted job, nil when unavailable
	cancelArgv func(jobId string) []string
	killGrace  time.Duration
}

func (s *submission) run(ctx context.Context, p *plan.ExecutionPlan, script string) (*entities.RunResult, error) {
	set := p.Artifacts()

	if err := os.WriteFile(set.JobScript, []byte(script), 0755); err != nil {
		return nil, &entities.SubmissionError{Reason: fmt.Sprintf("Error writing the job script %s", set.JobScript), Err: err}
	}

	logFile, err := os.OpenFile(s.logPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0664)
	if err != nil {
		return nil, &entities.SubmissionError{Reason: fmt.Sprintf("Error opening the scheduler log %s", s.logPath), Err: err}
	}
	defer logFile.Close()

	writeHeader(logFile, s, p)

	transcript := newTranscript(logFile, s.jobIdPattern)
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Dir = p.OutputDirectory()
	cmd.Stdout = transcript
	cmd.Stderr = transcript
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.killGrace
	cmd.Cancel = func() error {
		s.requestCancel(transcript)
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}

	logrus.WithFields(logrus.Fields{"backend": s.backend, "command": s.argv}).Debug("Submitting job")

	wallTimeBegin := time.Now()
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(logFile, "# error: %v\n", err)
		return nil, &entities.SubmissionError{Reason: fmt.Sprintf("Error starting %s", s.argv[0]), Err: err}
	}
	waitErr := cmd.Wait()
	wallTime := time.Since(wallTimeBegin)

	if cmd.ProcessState == nil {
		return nil, fmt.Errorf("Error waiting for %s: %w", s.argv[0], waitErr)
	}

	cancelled := ctx.Err() != nil
	jobId := transcript.JobId()
	status := cmd.ProcessState.Sys().(syscall.WaitStatus)

	if jobId == "" && !cancelled && !(status.Exited() && status.ExitStatus() == 0) {
		fmt.Fprintf(logFile, "# rejected: %s\n", cmd.ProcessState)
		return nil, &entities.SubmissionError{
			Reason: fmt.Sprintf("%s rejected the job, see %s", s.backend, s.logPath),
			Err:    waitErr,
		}
	}

	result := s.makeRunResult(p, status, transcript.Text(), cancelled)
	result.JobId = jobId
	result.WallTimeMs = uint64(wallTime.Milliseconds())

	fmt.Fprintf(logFile, "# exit_status: %d (%s)\n# finished_at: %s\n", result.ExitCode, result.Status, time.Now().Format(time.RFC3339))
	return result, nil
}

func (s *submission) makeRunResult(p *plan.ExecutionPlan, status syscall.WaitStatus, transcript string, cancelled bool) *entities.RunResult {
	var (
		exitStatus = entities.STATUS_UNKNOWN
		code       = entities.EXIT_CODE_UNKNOWN
	)

	// The front end exits with the job's own exit status. When it was killed
	// itself, the fate of the job is unknown.
	if status.Signaled() {
		exitStatus = entities.STATUS_JOB_KILLED
	}
	if status.Exited() {
		code = status.ExitStatus()
		switch {
		case code == 0:
			exitStatus = entities.STATUS_NORMAL
		case s.killedPattern != nil && s.killedPattern.MatchString(transcript):
			exitStatus = entities.STATUS_JOB_KILLED
			code = entities.EXIT_CODE_UNKNOWN
		default:
			exitStatus = entities.STATUS_RUNTIME_ERROR
		}
	}

	if cancelled {
		exitStatus = entities.STATUS_CANCELLED
		if code == 0 {
			code = entities.EXIT_CODE_UNKNOWN
		}
	}

	return &entities.RunResult{
		RunId:     utils.RuncirrusInstanceId,
		Backend:   s.backend,
		Status:    exitStatus,
		Signal:    lo.Ternary(status.Signaled(), status.Signal().String(), ""),
		ExitCode:  code,
		Succeeded: exitStatus == entities.STATUS_NORMAL,
		Artifacts: p.Artifacts(),
	}
}

// requestCancel asks the workload manager to drop the job. Best effort, the
// front end is terminated regardless.
func (s *submission) requestCancel(tr *transcript) {
	jobId := tr.JobId()
	if jobId == "" || s.cancelArgv == nil {
		logrus.Warn("Job id unknown or no cancel command available, only stopping the front end")
		return
	}

	argv := s.cancelArgv(jobId)
	logrus.WithField("command", argv).Warn("Cancelling the job due to runcirrus shutting down")
	fmt.Fprintf(tr, "# cancel: %s\n", shellquote.Join(argv...))

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if len(output) > 0 {
		_, _ = tr.Write(output)
	}
	if err != nil {
		logrus.WithError(err).Warnf("Error cancelling job %s", jobId)
	}
}

func writeHeader(logFile *os.File, s *submission, p *plan.ExecutionPlan) {
	var builder strings.Builder
	fmt.Fprintf(&builder, "# runcirrus submission %s\n", utils.RuncirrusInstanceId)
	fmt.Fprintf(&builder, "# backend: %s\n", s.backend)
	fmt.Fprintf(&builder, "# queue: %s\n", p.Queue)
	fmt.Fprintf(&builder, "# nodes: %d\n", p.NodeCount)
	fmt.Fprintf(&builder, "# tasks_per_node: %d\n", p.TasksPerNode)
	fmt.Fprintf(&builder, "# processes: %d\n", p.NumTasks())
	fmt.Fprintf(&builder, "# working_directory: %s\n", p.OutputDirectory())
	fmt.Fprintf(&builder, "# job_script: %s\n", p.Artifacts().JobScript)
	fmt.Fprintf(&builder, "# job_output: %s\n", s.jobOutputPath)
	fmt.Fprintf(&builder, "# command: %s\n", shellquote.Join(s.argv...))
	fmt.Fprintf(&builder, "# submitted_at: %s\n", time.Now().Format(time.RFC3339))

	if _, err := logFile.WriteString(builder.String()); err != nil {
		logrus.WithError(err).Warn("Error writing the scheduler log header")
	}
}
