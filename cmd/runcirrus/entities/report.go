package entities

const (
	STATUS_NORMAL                = "NORMAL"
	STATUS_RUNTIME_ERROR         = "RUNTIME_ERROR"
	STATUS_SIGNAL_TERMINATE      = "SIGNAL_TERMINATE"
	STATUS_MEMORY_LIMIT_EXCEEDED = "MEMORY_LIMIT_EXCEEDED"
	STATUS_JOB_KILLED            = "JOB_KILLED"
	STATUS_CANCELLED             = "CANCELLED"
	STATUS_UNKNOWN               = "UNKNOWN"
)

const (
	BACKEND_LOCAL   = "local"
	BACKEND_LSF     = "lsf"
	BACKEND_OPENPBS = "openpbs"
)

// EXIT_CODE_UNKNOWN is reported when a workload manager cannot tell how the
// job ended, e.g. it was killed for exceeding its resource limits.
const EXIT_CODE_UNKNOWN = 255

type RunResult struct {
	RunId      string      `json:"run_id"`
	Backend    string      `json:"backend"`
	JobId      string      `json:"job_id,omitempty"`
	Status     string      `json:"status"`
	ExitCode   int         `json:"exit_code"`
	Signal     string      `json:"signal,omitempty"`
	Succeeded  bool        `json:"succeeded"`
	WallTimeMs uint64      `json:"wall_time_ms"`
	Artifacts  ArtifactSet `json:"artifacts"`
	Produced   []string    `json:"produced,omitempty"`
	StderrTail []string    `json:"stderr_tail,omitempty"`
}

type ArtifactSet struct {
	Case      string `json:"case"`
	StdoutLog string `json:"stdout_log"`
	StderrLog string `json:"stderr_log"`
	BsubLog   string `json:"bsub_log"`
	QsubLog   string `json:"qsub_log"`
	// OpenPBS copies the job's output here when the job ends
	QsubOutput string   `json:"qsub_output"`
	JobScript  string   `json:"job_script"`
	Outputs    []string `json:"outputs"`
}
