package cgroup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/equinor/runcirrus/cmd/runcirrus/utils"
	dbus "github.com/godbus/dbus/v5"
	"github.com/opencontainers/runc/libcontainer/cgroups/fs2"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const unitTimeout = 30 * time.Second

// SystemdScope is a transient scope unit of the user's systemd instance.
// Processes forked before Attach stay where they are, so it should be
// attached right after the launcher starts.
type SystemdScope struct {
	unitName string
	dbus     *dbusConnManager
	path     string
}

func NewSystemdScope() *SystemdScope {
	return &SystemdScope{
		unitName: fmt.Sprintf("runcirrus-%s.scope", utils.RuncirrusInstanceId),
		dbus:     newDbusConnManager(),
	}
}

func (s *SystemdScope) UnitName() string {
	return s.unitName
}

func (s *SystemdScope) Attach(pid int) error {
	properties := scopeProperties(pid)
	if err := startUnit(s.dbus, s.unitName, properties); err != nil {
		return fmt.Errorf("Failed to start unit %q (properties %+v): %w", s.unitName, properties, err)
	}

	path, err := getPath(s.unitName, s.dbus)
	if err != nil {
		return fmt.Errorf("Failed to find the scope cgroup path: %w", err)
	}
	s.path = path

	logrus.WithFields(logrus.Fields{"unit": s.unitName, "cgroup": path}).Debug("Simulator moved into systemd scope")
	return nil
}

func (s *SystemdScope) Kill(signal unix.Signal) error {
	return s.dbus.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		c.KillUnitContext(context.TODO(), s.unitName, int32(signal))
		return nil
	})
}

// IsOOM reads the scope's memory events. Once the last process is gone the
// cgroup is removed, in which case the unit's result is consulted instead.
func (s *SystemdScope) IsOOM() (bool, error) {
	if s.path != "" {
		if isOOM, err := checkIsOOM(s.path); err == nil {
			return isOOM, nil
		}
	}

	var result string
	err := s.dbus.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		prop, err := c.GetUnitTypePropertyContext(context.TODO(), s.unitName, "Scope", "Result")
		if err != nil {
			return err
		}
		result, _ = prop.Value.Value().(string)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("Error reading the result of %s: %w", s.unitName, err)
	}

	return result == "oom-kill", nil
}

func (s *SystemdScope) Close() error {
	err := s.dbus.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		_, err := c.StopUnitContext(context.TODO(), s.unitName, "replace", nil)
		return err
	})
	resetFailedUnit(s.dbus, s.unitName)
	if err != nil && !isDbusError(err, "org.freedesktop.systemd1.NoSuchUnit") {
		return err
	}
	return nil
}

func scopeProperties(pid int) []systemdDbus.Property {
	return []systemdDbus.Property{
		systemdDbus.PropDescription(fmt.Sprintf("runcirrus simulation %s", utils.RuncirrusInstanceId)),
		systemdDbus.PropSlice("user.slice"),
		systemdDbus.PropPids(uint32(pid)),
		newProp("Delegate", true),
		newProp("DefaultDependencies", false),
		newProp("MemoryAccounting", true),
		newProp("CPUAccounting", true),
	}
}

// Following codes are modified based on github.com/opencontainers/runc under Apache License V2.0.
// Copyright 2014 Docker, Inc.

func newProp(name string, units interface{}) systemdDbus.Property {
	return systemdDbus.Property{
		Name:  name,
		Value: dbus.MakeVariant(units),
	}
}

func getPath(unitName string, cm *dbusConnManager) (string, error) {
	managerCG, err := getManagerProperty(cm, "ControlGroup")
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(fs2.UnifiedMountpoint, filepath.Join(managerCG, "user.slice", unitName))
}

func getManagerProperty(cm *dbusConnManager, name string) (string, error) {
	str := ""
	err := cm.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		var err error
		str, err = c.GetManagerProperty(name)
		return err
	})
	if err != nil {
		return "", err
	}
	return strconv.Unquote(str)
}

func startUnit(cm *dbusConnManager, unitName string, properties []systemdDbus.Property) error {
	statusChan := make(chan string, 1)
	err := cm.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		_, err := c.StartTransientUnitContext(context.TODO(), unitName, "replace", properties, statusChan)
		return err
	})
	if err != nil {
		return lo.Ternary(isUnitExists(err), nil, err)
	}

	timeout := time.NewTimer(unitTimeout)
	defer timeout.Stop()

	select {
	case s := <-statusChan:
		// Please refer to https://pkg.go.dev/github.com/coreos/go-systemd/v22/dbus#Conn.StartUnit
		if s != "done" {
			resetFailedUnit(cm, unitName)
			return fmt.Errorf("Error creating systemd unit `%s`: got `%s`", unitName, s)
		}
	case <-timeout.C:
		resetFailedUnit(cm, unitName)
		return errors.New("Timeout waiting for systemd to create " + unitName)
	}

	return nil
}

func resetFailedUnit(cm *dbusConnManager, name string) {
	err := cm.retryOnDisconnect(func(c *systemdDbus.Conn) error {
		return c.ResetFailedUnitContext(context.TODO(), name)
	})
	if err != nil && !isDbusError(err, "org.freedesktop.systemd1.NoSuchUnit") {
		logrus.WithError(err).Warn("Failed to reset failed unit")
	}
}

// isUnitExists returns true if the error is that a systemd unit already exists.
func isUnitExists(err error) bool {
	return isDbusError(err, "org.freedesktop.systemd1.UnitExists")
}
