// Package jobscript renders the bash script a workload manager runs on the
// first allocated node.
package jobscript

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	shellquote "github.com/kballard/go-shellquote"
)

var scriptTemplate = template.Must(template.New("job").Parse(`#!/usr/bin/bash
set -e -o pipefail

cd {{.OutputDirectory}}

arg_mpi_transport=
arg_machinefile=

if [ -n "$LSB_MCPU_HOSTS" ]; then  # LSF
    arg_machinefile="-machinefile $LSB_DJOB_RANKFILE"
elif [ -n "$PBS_NODEFILE" ]; then  # PBS
    arg_machinefile="-machinefile $PBS_NODEFILE"
fi

# Check for possibly non-working RDMA transport
if lsmod | egrep -qw bnxt_re
then
    arg_mpi_transport="-mca btl vader,self,tcp -mca pml ^ucx"
fi

({{.Launcher}} $arg_mpi_transport $arg_machinefile {{.Parallelism}} {{.Simulator}} | tee {{.StdoutLog}}) 3>&1 1>&2 2>&3 | tee {{.StderrLog}}
`))

type scriptData struct {
	OutputDirectory string
	Launcher        string
	Parallelism     string
	Simulator       string
	StdoutLog       string
	StderrLog       string
}

// Render returns the job script for p. Every interpolated value is shell quoted.
func Render(p *plan.ExecutionPlan) (string, error) {
	parallelism := []string{"-np", strconv.Itoa(p.NumTasks())}
	parallelism = append(parallelism, p.MpiArgs...)
	parallelism = append(parallelism, p.Telemetry...)

	set := p.Artifacts()
	data := scriptData{
		OutputDirectory: shellquote.Join(p.OutputDirectory()),
		Launcher:        shellquote.Join(p.Launcher),
		Parallelism:     shellquote.Join(parallelism...),
		Simulator:       shellquote.Join(p.SimulatorCommand()...),
		StdoutLog:       shellquote.Join(set.StdoutLog),
		StderrLog:       shellquote.Join(set.StderrLog),
	}

	var builder strings.Builder
	if err := scriptTemplate.Execute(&builder, data); err != nil {
		return "", fmt.Errorf("Error rendering the job script: %w", err)
	}
	return builder.String(), nil
}
