package cgroup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOOMKill(t *testing.T) {
	for _, tc := range []struct {
		events string
		expect bool
	}{
		{"low 0\nhigh 0\nmax 0\noom 0\noom_kill 0\n", false},
		{"low 0\nhigh 0\nmax 3\noom 1\noom_kill 1\n", true},
		{"low 0\nhigh 0\nmax 3\noom 1\noom_kill 12\noom_group_kill 0\n", true},
		{"oom_group_kill 4\n", false},
		{"", false},
	} {
		isOOM, err := parseOOMKill(tc.events)
		require.NoError(t, err)
		require.Equal(t, tc.expect, isOOM, "events=%q", tc.events)
	}

	_, err := parseOOMKill("oom_kill many\n")
	require.Error(t, err)
}

func TestScopeProperties(t *testing.T) {
	chk := require.New(t)

	properties := scopeProperties(4242)

	byName := map[string]interface{}{}
	for _, prop := range properties {
		byName[prop.Name] = prop.Value.Value()
	}
	chk.Equal([]uint32{4242}, byName["PIDs"])
	chk.Equal("user.slice", byName["Slice"])
	chk.Equal(true, byName["Delegate"])
	chk.Equal(true, byName["MemoryAccounting"])
	chk.Contains(byName["Description"], "runcirrus simulation")
}

func TestSystemdScopeUnitName(t *testing.T) {
	name := NewSystemdScope().UnitName()
	require.True(t, strings.HasPrefix(name, "runcirrus-"))
	require.True(t, strings.HasSuffix(name, ".scope"))
}

func TestFsScopeStaysBelowParent(t *testing.T) {
	chk := require.New(t)
	parent := t.TempDir()

	scope, err := NewFsScope(parent)
	chk.NoError(err)
	chk.Equal(parent, filepath.Dir(scope.Path()))
	chk.True(strings.HasPrefix(filepath.Base(scope.Path()), "runcirrus-"))
}

// useCgroupDir lets the cgroup files be faked in a plain directory.
func useCgroupDir(t *testing.T) {
	t.Helper()
	original := readCgroupFile
	readCgroupFile = func(dir, file string) (string, error) {
		data, err := os.ReadFile(filepath.Join(dir, file))
		return string(data), err
	}
	t.Cleanup(func() {
		readCgroupFile = original
	})
}

func TestFsScopeReadsMemoryEvents(t *testing.T) {
	chk := require.New(t)
	useCgroupDir(t)

	scope, err := NewFsScope(t.TempDir())
	chk.NoError(err)
	chk.NoError(os.Mkdir(scope.Path(), 0o755))
	chk.NoError(os.WriteFile(filepath.Join(scope.Path(), "memory.events"), []byte("oom 1\noom_kill 1\n"), 0o644))

	isOOM, err := scope.IsOOM()
	chk.NoError(err)
	chk.True(isOOM)

	chk.NoError(os.WriteFile(filepath.Join(scope.Path(), "memory.events"), []byte("oom 0\noom_kill 0\n"), 0o644))
	isOOM, err = scope.IsOOM()
	chk.NoError(err)
	chk.False(isOOM)
}

func TestFsScopeWithoutMemoryEvents(t *testing.T) {
	useCgroupDir(t)

	scope, err := NewFsScope(t.TempDir())
	require.NoError(t, err)

	_, err = scope.IsOOM()
	require.Error(t, err)
}

func TestScanKey(t *testing.T) {
	output := []byte("Foo=bar\n  OwnerUID=1000\nDBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/1000/bus\n")

	value, ok := scanKey(output, "OwnerUID=")
	require.True(t, ok)
	require.Equal(t, "1000", value)

	value, ok = scanKey(output, "DBUS_SESSION_BUS_ADDRESS=")
	require.True(t, ok)
	require.Equal(t, "unix:path=/run/user/1000/bus", value)

	_, ok = scanKey(output, "Missing=")
	require.False(t, ok)
}
