// Package artifacts derives every file name a run reads or writes from the
// case path, i.e. the output directory joined with the input's base name
// without its extension.
package artifacts

import (
	"path/filepath"
	"strings"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	"github.com/samber/lo"
)

var outputSuffixes = []string{".out", "-mas.dat", ".INIT", ".SMSPEC", ".UNSMRY"}

// CasePath returns the case path for an input file written to outputDirectory.
// An empty outputDirectory means next to the input file.
func CasePath(input string, outputDirectory string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	dir := lo.Ternary(outputDirectory == "", filepath.Dir(input), outputDirectory)
	return filepath.Join(dir, stem)
}

// Name never touches the filesystem.
func Name(casePath string) entities.ArtifactSet {
	return entities.ArtifactSet{
		Case:       casePath,
		StdoutLog:  casePath + ".LOG",
		StderrLog:  casePath + ".ERR",
		BsubLog:    casePath + "_bsub.LOG",
		QsubLog:    casePath + "_qsub.LOG",
		QsubOutput: casePath + "_qsub.out",
		JobScript:  casePath + ".run",
		Outputs: lo.Map(outputSuffixes, func(suffix string, _ int) string {
			return casePath + suffix
		}),
	}
}

// Produced returns the declared simulator outputs that exist on disk.
func Produced(set entities.ArtifactSet) []string {
	return lo.Filter(set.Outputs, func(path string, _ int) bool {
		return utils.FileExists(path)
	})
}
