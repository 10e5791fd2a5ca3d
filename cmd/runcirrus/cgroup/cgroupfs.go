package cgroup

import (
	"fmt"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	"github.com/opencontainers/runc/libcontainer/cgroups"
	"golang.org/x/sys/unix"
)

// FsScope is a cgroup v2 directory created below a delegated parent.
// Mainly used for containerized environments without a systemd user instance.
type FsScope struct {
	path string
}

func NewFsScope(parentCgroupPath string) (*FsScope, error) {
	path, err := securejoin.SecureJoin(parentCgroupPath, fmt.Sprintf("runcirrus-%s", utils.RuncirrusInstanceId))
	if err != nil {
		return nil, fmt.Errorf("Error resolving the cgroup path: %w", err)
	}
	return &FsScope{path: path}, nil
}

func (s *FsScope) Path() string {
	return s.path
}

func (s *FsScope) Attach(pid int) error {
	if err := os.Mkdir(s.path, 0775); err != nil {
		return fmt.Errorf("Failed to create cgroup directory: %w", err)
	}
	if err := cgroups.WriteCgroupProc(s.path, pid); err != nil {
		return fmt.Errorf("Failed to move %d into %s: %w", pid, s.path, err)
	}
	return nil
}

func (s *FsScope) Kill(signal unix.Signal) error {
	if signal == unix.SIGKILL {
		return cgroups.WriteFile(s.path, "cgroup.kill", "1")
	}

	pids, err := cgroups.GetAllPids(s.path)
	if err != nil {
		return fmt.Errorf("Error listing the processes of %s: %w", s.path, err)
	}
	for _, pid := range pids {
		_ = unix.Kill(pid, signal)
	}
	return nil
}

func (s *FsScope) IsOOM() (bool, error) {
	return checkIsOOM(s.path)
}

func (s *FsScope) Close() error {
	return cgroups.RemovePath(s.path)
}
