package cgroup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/opencontainers/runc/libcontainer/userns"
	"github.com/sirupsen/logrus"
)

// Following codes are modified based on github.com/opencontainers/runc under Apache License V2.0.
// Copyright 2014 Docker, Inc.

// dbusConnManager lazily shares one connection to the user's systemd
// instance and reconnects when the bus was restarted.
type dbusConnManager struct {
	mu    sync.RWMutex
	conn  *systemdDbus.Conn
	dial  func() (*systemdDbus.Conn, error)
	close func(*systemdDbus.Conn)
}

func newDbusConnManager() *dbusConnManager {
	return &dbusConnManager{
		dial:  newUserSystemdDbus,
		close: (*systemdDbus.Conn).Close,
	}
}

func (d *dbusConnManager) getConnection() (*systemdDbus.Conn, error) {
	d.mu.RLock()
	if conn := d.conn; conn != nil {
		d.mu.RUnlock()
		return conn, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if conn := d.conn; conn != nil {
		return conn, nil
	}

	conn, err := d.dial()
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to the systemd user instance (hint: is dbus-user-session installed?): %w", err)
	}
	d.conn = conn
	return conn, nil
}

// resetConnection drops conn unless another caller already replaced it.
func (d *dbusConnManager) resetConnection(conn *systemdDbus.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil && d.conn == conn {
		d.close(d.conn)
		d.conn = nil
	}
}

var errDbusConnClosed = dbus.ErrClosed.Error()

// retryOnDisconnect calls op, re-establishing the connection and retrying
// while op fails because of a stale connection.
func (d *dbusConnManager) retryOnDisconnect(op func(*systemdDbus.Conn) error) error {
	for {
		conn, err := d.getConnection()
		if err != nil {
			return err
		}
		err = op(conn)
		if !isDisconnect(err) {
			return err
		}
		logrus.WithError(err).Debug("Lost the dbus connection, reconnecting")
		d.resetConnection(conn)
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, dbus.ErrClosed) || isDbusError(err, errDbusConnClosed)
}

func isDbusError(err error, name string) bool {
	var derr dbus.Error
	if err != nil && errors.As(err, &derr) {
		return strings.Contains(derr.Name, name)
	}
	return false
}

func newUserSystemdDbus() (*systemdDbus.Conn, error) {
	addr, err := detectUserDbusSessionBusAddress()
	if err != nil {
		return nil, err
	}
	uid, err := detectUID()
	if err != nil {
		return nil, err
	}

	return systemdDbus.NewConnection(func() (*dbus.Conn, error) {
		conn, err := dbus.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("Error while dialing %q: %w", addr, err)
		}
		if err := conn.Auth([]dbus.Auth{dbus.AuthExternal(strconv.Itoa(uid))}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("Error while authenticating connection (address=%q, UID=%d): %w", addr, uid, err)
		}
		if err := conn.Hello(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("Error while sending Hello message (address=%q, UID=%d): %w", addr, uid, err)
		}
		return conn, nil
	})
}

// detectUID returns the OwnerUID reported by `busctl --user status` inside a
// user namespace, os.Getuid() otherwise.
func detectUID() (int, error) {
	if !userns.RunningInUserNS() {
		return os.Getuid(), nil
	}
	b, err := exec.Command("busctl", "--user", "--no-pager", "status").CombinedOutput()
	if err != nil {
		return -1, fmt.Errorf("could not execute `busctl --user --no-pager status` (output: %q): %w", string(b), err)
	}
	value, ok := scanKey(b, "OwnerUID=")
	if !ok {
		return -1, errors.New("could not detect the OwnerUID")
	}
	return strconv.Atoi(value)
}

// detectUserDbusSessionBusAddress tries $DBUS_SESSION_BUS_ADDRESS,
// $XDG_RUNTIME_DIR/bus and finally `systemctl --user show-environment`.
func detectUserDbusSessionBusAddress() (string, error) {
	if env := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); env != "" {
		return env, nil
	}
	if xdr := os.Getenv("XDG_RUNTIME_DIR"); xdr != "" {
		busPath := filepath.Join(xdr, "bus")
		if _, err := os.Stat(busPath); err == nil {
			return "unix:path=" + busPath, nil
		}
	}
	b, err := exec.Command("systemctl", "--user", "--no-pager", "show-environment").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("could not execute `systemctl --user --no-pager show-environment` (output=%q): %w", string(b), err)
	}
	if value, ok := scanKey(b, "DBUS_SESSION_BUS_ADDRESS="); ok {
		return value, nil
	}
	return "", errors.New("could not detect DBUS_SESSION_BUS_ADDRESS from `systemctl --user --no-pager show-environment`")
}

func scanKey(output []byte, prefix string) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		s := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(s, prefix) {
			return strings.TrimPrefix(s, prefix), true
		}
	}
	return "", false
}
