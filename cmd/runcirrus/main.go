package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/controller"
	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/install"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

func init() {
	if os.Getenv("RUNCIRRUS_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
	logrus.SetOutput(os.Stderr)
}

func main() {
	var opts options
	fs := newFlagSet(&opts, os.Stderr)

	positional, err := parseArgs(fs, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	if opts.printVersions {
		if err := printVersions(os.Stdout); err != nil {
			logrus.WithError(err).Fatal("Error listing the installed versions")
		}
		return
	}

	if len(positional) != 1 {
		fs.Usage()
		os.Exit(2)
	}

	payload, err := buildPayload(fs, &opts, positional[0])
	if err != nil {
		logrus.WithError(err).Fatal("Error loading the config")
	}

	var config entities.Config
	if err := decodePayload(payload, &config); err != nil {
		logrus.WithError(err).Fatal("Error unmarshalling the config")
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		logrus.WithError(err).Fatal("Invalid config")
	}

	c := controller.New(&config, nil)

	if config.PrintJobScript {
		script, err := c.JobScript()
		if err != nil {
			logrus.WithError(err).Fatal("Error rendering the job script")
		}
		fmt.Print(script)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	result, err := c.Run(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Error running the simulation")
	}

	if config.Json {
		output, err := json.Marshal(result)
		if err != nil {
			logrus.WithError(err).Fatal("Error marshalling the result")
		}
		fmt.Println(string(output))
	} else {
		printSummary(os.Stderr, result)
	}

	os.Exit(result.ExitCode)
}

func printVersions(w io.Writer) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	versionsPath, err := install.VersionsPath(executable)
	if err != nil {
		logrus.WithError(err).Debug("Falling back to the default versions directory")
		versionsPath = install.FALLBACK_VERSIONS_DIR
	}

	versions, err := install.ListVersions(versionsPath)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		_, err = fmt.Fprintf(w, "No installed versions found at %s\n", versionsPath)
		return err
	}

	_, err = fmt.Fprintln(w, strings.Join(versions, "\n"))
	return err
}

// printSummary tells the user how the run ended and which logs to inspect.
func printSummary(w io.Writer, result *entities.RunResult) {
	wallTime := time.Duration(result.WallTimeMs) * time.Millisecond
	jobId := ""
	if result.JobId != "" {
		jobId = fmt.Sprintf(" (job %s)", result.JobId)
	}

	if result.Succeeded {
		fmt.Fprintf(w, "Simulation finished successfully%s in %s, output in %s\n", jobId, wallTime, result.Artifacts.StdoutLog)
		return
	}

	fmt.Fprintf(w, "Simulation failed%s with exit code %d (%s)\n", jobId, result.ExitCode, result.Status)
	logs := []string{result.Artifacts.StderrLog, result.Artifacts.StdoutLog}
	switch result.Backend {
	case entities.BACKEND_LSF:
		logs = append(logs, result.Artifacts.BsubLog)
	case entities.BACKEND_OPENPBS:
		logs = append(logs, result.Artifacts.QsubLog, result.Artifacts.QsubOutput)
	}
	fmt.Fprintf(w, "Inspect %s\n", strings.Join(logs, ", "))

	if len(result.StderrTail) > 0 {
		fmt.Fprintf(w, "Last lines of %s:\n", result.Artifacts.StderrLog)
		for _, line := range result.StderrTail {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}
