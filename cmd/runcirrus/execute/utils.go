package execute

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"
)

var rdmaWorkaroundArgs = []string{"-mca", "btl", "vader,self,tcp", "-mca", "pml", "^ucx"}

// prepareOutFile truncates path and opens it for appending.
func prepareOutFile(path string) (*os.File, error) {
	mask := unix.Umask(0)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0664)
	unix.Umask(mask)
	if err != nil {
		return nil, fmt.Errorf("Error opening the file: %w", err)
	}
	return file, nil
}

// transportArgs returns extra mpirun arguments avoiding RDMA when the
// Broadcom bnxt_re driver is loaded, as its RDMA transport is unreliable.
func transportArgs(modulesPath string) []string {
	file, err := os.Open(lo.Ternary(modulesPath == "", "/proc/modules", modulesPath))
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[0] == "bnxt_re" {
			return rdmaWorkaroundArgs
		}
	}

	return nil
}
