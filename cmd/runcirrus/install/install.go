// Package install locates simulator installations. A versions directory holds
// one directory per installed version, each with bin/mpirun and the simulator
// executable under bin/.
package install

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	ENV_VERSIONS_PATH     = "CIRRUS_VERSIONS_PATH"
	FALLBACK_VERSIONS_DIR = "/prog/cirrus/versions"
	DEFAULT_VERSION       = "stable"
	PFLOTRAN_VERSION      = "1.8"
)

var scriptNamePattern = regexp.MustCompile(`^run(cirrus|pflotran)(\d+(?:\.\d+)*)?`)

type Installation struct {
	Root      string
	Version   string
	Program   string
	Simulator string
	Launcher  string
}

// DefaultVersion derives the version from the name the tool was invoked as,
// so that e.g. a runpflotran1.8.12 symlink pins that version.
func DefaultVersion(scriptName string) string {
	m := scriptNamePattern.FindStringSubmatch(scriptName)
	switch {
	case m == nil:
		return DEFAULT_VERSION
	case m[2] != "":
		return m[2]
	case m[1] == "pflotran":
		return PFLOTRAN_VERSION
	default:
		return DEFAULT_VERSION
	}
}

// ProgramName returns "pflotran" for versions before 1.9 and "cirrus" for
// everything else, including non-numeric names like "stable".
func ProgramName(version string) string {
	var parts []int
	for _, field := range strings.Split(version, ".") {
		n, err := strconv.Atoi(field)
		if err != nil {
			break
		}
		parts = append(parts, n)
	}
	if len(parts) == 0 {
		return "cirrus"
	}

	return lo.Ternary(slices.Compare(parts, []int{1, 9}) < 0, "pflotran", "cirrus")
}

// VersionsPath returns the versions directory. $CIRRUS_VERSIONS_PATH wins,
// otherwise the closest ancestor of executable named "versions".
func VersionsPath(executable string) (string, error) {
	if path, ok := os.LookupEnv(ENV_VERSIONS_PATH); ok {
		return utils.ExpandHome(path), nil
	}

	start := filepath.Dir(executable)
	if resolved, err := filepath.EvalSymlinks(start); err == nil {
		start = resolved
	}
	start, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("Error resolving %s: %w", start, err)
	}

	search := start
	for filepath.Base(search) != "versions" {
		parent := filepath.Dir(search)
		if parent == search {
			return "", fmt.Errorf("Not able to locate install location from %s", filepath.Dir(executable))
		}
		search = parent
	}

	return search, nil
}

// ListVersions returns the installed versions, hidden entries excluded.
func ListVersions(versionsPath string) ([]string, error) {
	entries, err := os.ReadDir(versionsPath)
	if err != nil {
		return nil, fmt.Errorf("Error reading versions directory %s: %w", versionsPath, err)
	}

	names := lo.FilterMap(entries, func(entry os.DirEntry, _ int) (string, bool) {
		return entry.Name(), !strings.HasPrefix(entry.Name(), ".")
	})
	slices.Sort(names)
	return names, nil
}

// Resolve finds version in the first search path that has it.
func Resolve(searchPaths []string, version string) (*Installation, error) {
	if version == "" || version == "." || version == ".." || strings.ContainsRune(version, filepath.Separator) {
		return nil, &entities.LaunchError{Reason: fmt.Sprintf("Invalid Cirrus version '%s'", version)}
	}

	for _, versionsPath := range searchPaths {
		root, err := securejoin.SecureJoin(versionsPath, version)
		if err != nil {
			logrus.WithError(err).WithField("versions_path", versionsPath).Debug("Skipping versions path")
			continue
		}
		if !utils.DirectoryExists(root) {
			continue
		}

		program := ProgramName(version)
		return &Installation{
			Root:      root,
			Version:   version,
			Program:   program,
			Simulator: filepath.Join(root, "bin", program),
			Launcher:  filepath.Join(root, "bin", "mpirun"),
		}, nil
	}

	return nil, &entities.LaunchError{
		Reason: fmt.Sprintf("Cirrus version '%s' is not installed in %s", version, strings.Join(searchPaths, ", ")),
	}
}
