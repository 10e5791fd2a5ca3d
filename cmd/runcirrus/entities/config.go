package entities

const QUEUE_LOCAL = "local"

// Config is the decoded and validated form of the command line merged over the
// optional config file. Zero values and nil pointers mean "not specified".
type Config struct {
	Input              string `mapstructure:"input" validate:"required"`
	Queue              string `mapstructure:"queue"`
	NumTasksPerMachine *int   `mapstructure:"num_tasks_per_machine" validate:"omitnil,min=1"`
	NumMachines        *int   `mapstructure:"num_machines" validate:"omitnil,min=1"`
	Interactive        bool   `mapstructure:"interactive"`
	Version            string `mapstructure:"version" validate:"omitempty,excludesall=/"`
	OutputDirectory    string `mapstructure:"output_directory"`
	CirrusArgs         string `mapstructure:"cirrus_args"`
	MpiArgs            string `mapstructure:"mpi_args"`
	Telemetry          string `mapstructure:"telemetry"`
	BsubArgs           string `mapstructure:"bsub_args"`
	QsubArgs           string `mapstructure:"qsub_args"`
	Exclusive          bool   `mapstructure:"exclusive"`
	PrintJobScript     bool   `mapstructure:"print_job_script"`
	Json               bool   `mapstructure:"json"`

	// Only settable from the config file
	VersionsPath string `mapstructure:"versions_path"`
	SystemdScope bool   `mapstructure:"systemd_scope"`
	CgroupPath   string `mapstructure:"cgroup_path"`
	KillGraceMs  uint64 `mapstructure:"kill_grace_ms"`
}

// IsLocal reports whether the config asks for a run on this machine.
func (c *Config) IsLocal() bool {
	return c.Interactive || c.Queue == "" || c.Queue == QUEUE_LOCAL
}
