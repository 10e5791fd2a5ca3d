package cgroup

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/opencontainers/runc/libcontainer/cgroups"
)

// readCgroupFile refuses paths outside of a cgroup2 mount.
var readCgroupFile = cgroups.ReadFile

func checkIsOOM(cgroupPath string) (bool, error) {
	memoryEvents, err := readCgroupFile(cgroupPath, "memory.events")
	if err != nil {
		return false, fmt.Errorf("Error reading memory events: %w", err)
	}
	return parseOOMKill(memoryEvents)
}

// parseOOMKill reports whether a memory.events file has a nonzero oom_kill count.
func parseOOMKill(memoryEvents string) (bool, error) {
	scanner := bufio.NewScanner(strings.NewReader(memoryEvents))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}

		count, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return false, fmt.Errorf("Invalid oom_kill count %q: %w", fields[1], err)
		}
		return count > 0, nil
	}

	return false, scanner.Err()
}
