package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const ENV_CONFIG = "RUNCIRRUS_CONFIG"

const usageText = `Usage: runcirrus [options] INPUT

Runs the Cirrus simulator on INPUT (a .in file), either on this machine or on
the cluster queue given by -q. Output files are named after INPUT, e.g.
spe1.in produces spe1.LOG and spe1.ERR.

To add a job to the 'bigmem' queue using 2 machines and 8 processes per
machine for a total of 16 cores:

    runcirrus -q bigmem -n 8 -m 2 spe1.in

Options:
`

// Aliases kept for compatibility with older wrappers.
var argAliases = map[string]string{
	"-nn": "-m",
	"-nm": "-n",
}

type options struct {
	queue          string
	numTasks       int
	numMachines    int
	interactive    bool
	version        string
	outputDir      string
	cirrusArgs     string
	mpiArgs        string
	telemetry      string
	bsubArgs       string
	qsubArgs       string
	exclusive      bool
	printJobScript bool
	printVersions  bool
	json           bool
	configPath     string
}

// flagKeys maps every flag name to its config key.
var flagKeys = map[string]string{
	"q": "queue", "queue": "queue",
	"n": "num_tasks_per_machine", "num-tasks-per-machine": "num_tasks_per_machine",
	"m": "num_machines", "num-machines": "num_machines",
	"i": "interactive", "interactive": "interactive",
	"v": "version", "version": "version",
	"o": "output_directory", "output-directory": "output_directory",
	"cirrus-args":      "cirrus_args",
	"mpi-args":         "mpi_args",
	"telemetry":        "telemetry",
	"bsub-args":        "bsub_args",
	"qsub-args":        "qsub_args",
	"e":                "exclusive",
	"exclusive":        "exclusive",
	"print-job-script": "print_job_script",
	"json":             "json",
}

func newFlagSet(opts *options, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("runcirrus", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usageText)
		fs.PrintDefaults()
	}

	// The first name carries the usage, the others are shorthands for it
	usageOf := func(names []string, i int, usage string) string {
		if i == 0 {
			return usage
		}
		return "Shorthand for -" + names[0]
	}
	stringVar := func(p *string, names []string, usage string) {
		for i, name := range names {
			fs.StringVar(p, name, "", usageOf(names, i, usage))
		}
	}
	intVar := func(p *int, names []string, usage string) {
		for i, name := range names {
			fs.IntVar(p, name, 0, usageOf(names, i, usage))
		}
	}
	boolVar := func(p *bool, names []string, usage string) {
		for i, name := range names {
			fs.BoolVar(p, name, false, usageOf(names, i, usage))
		}
	}

	stringVar(&opts.queue, []string{"queue", "q"}, "Job queue, or 'local' to run locally")
	intVar(&opts.numTasks, []string{"num-tasks-per-machine", "n"}, "Number of tasks/processes per machine (default: all cores locally, 1 on a queue)")
	intVar(&opts.numMachines, []string{"num-machines", "m"}, "Number of machines (nodes)")
	boolVar(&opts.interactive, []string{"interactive", "i"}, "Run locally")
	stringVar(&opts.version, []string{"version", "v"}, "Version of Cirrus to use")
	stringVar(&opts.outputDir, []string{"output-directory", "o"}, "Directory to store the output to")
	stringVar(&opts.cirrusArgs, []string{"cirrus-args"}, "Additional arguments for Cirrus")
	stringVar(&opts.mpiArgs, []string{"mpi-args"}, "Additional arguments for the mpirun command")
	stringVar(&opts.telemetry, []string{"telemetry"}, "Program to run between mpirun and Cirrus")
	stringVar(&opts.bsubArgs, []string{"bsub-args"}, "Additional arguments for the bsub command")
	stringVar(&opts.qsubArgs, []string{"qsub-args"}, "Additional arguments for the qsub command")
	boolVar(&opts.exclusive, []string{"exclusive", "e"}, "Exclusive node usage on OpenPBS (default: shared)")
	boolVar(&opts.printJobScript, []string{"print-job-script"}, "Output the job script and exit")
	boolVar(&opts.printVersions, []string{"print-versions"}, "Output the installed Cirrus versions and exit")
	boolVar(&opts.json, []string{"json"}, "Print the run result as JSON")
	stringVar(&opts.configPath, []string{"config"}, "YAML config file, $"+ENV_CONFIG+" if unset")

	return fs
}

// parseArgs parses args allowing options after the positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	args = rewriteAliases(args)

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func rewriteAliases(args []string) []string {
	rewritten := make([]string, 0, len(args))
	for _, arg := range args {
		if alias, ok := argAliases[arg]; ok {
			arg = alias
		}
		rewritten = append(rewritten, arg)
	}
	return rewritten
}

// buildPayload merges the flags set on the command line over the config file.
func buildPayload(fs *flag.FlagSet, opts *options, input string) (map[string]interface{}, error) {
	payload := map[string]interface{}{}

	configPath := opts.configPath
	if configPath == "" {
		configPath = os.Getenv(ENV_CONFIG)
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("Error reading the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("Error parsing the config file %s: %w", configPath, err)
		}
		if payload == nil {
			payload = map[string]interface{}{}
		}
	}

	values := map[string]interface{}{
		"queue":                 opts.queue,
		"num_tasks_per_machine": opts.numTasks,
		"num_machines":          opts.numMachines,
		"interactive":           opts.interactive,
		"version":               opts.version,
		"output_directory":      opts.outputDir,
		"cirrus_args":           opts.cirrusArgs,
		"mpi_args":              opts.mpiArgs,
		"telemetry":             opts.telemetry,
		"bsub_args":             opts.bsubArgs,
		"qsub_args":             opts.qsubArgs,
		"exclusive":             opts.exclusive,
		"print_job_script":      opts.printJobScript,
		"json":                  opts.json,
	}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			payload[key] = values[key]
		}
	})

	if input != "" {
		payload["input"] = input
	}
	return payload, nil
}

func decodePayload(payload map[string]interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           result,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(payload); err != nil {
		return fmt.Errorf("Error decoding the config: %w", err)
	}
	return nil
}
