package execute

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/equinor/runcirrus/cmd/runcirrus/entities"
	"github.com/equinor/runcirrus/cmd/runcirrus/plan"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const mpirunStub = `#!/bin/sh
while [ "$#" -gt 0 ] && [ "$1" != "-np" ]; do shift; done
echo "$2" > "$(dirname "$0")/np.txt"
shift 2
exec "$@"
`

type fixture struct {
	dir  string
	plan *plan.ExecutionPlan
}

func newFixture(t *testing.T, simulator string) *fixture {
	t.Helper()
	chk := require.New(t)

	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	chk.NoError(os.Mkdir(bin, 0o755))
	chk.NoError(os.WriteFile(filepath.Join(bin, "mpirun"), []byte(mpirunStub), 0o755))
	chk.NoError(os.WriteFile(filepath.Join(bin, "cirrus"), []byte(simulator), 0o755))
	chk.NoError(os.WriteFile(filepath.Join(dir, "spe1.in"), []byte("SIMULATION\n"), 0o644))

	p, err := plan.New(plan.ExecutionPlan{
		Input:           filepath.Join(dir, "spe1.in"),
		Case:            filepath.Join(dir, "spe1"),
		TasksPerNode:    4,
		NodeCount:       1,
		Program:         "cirrus",
		SimulatorBinary: filepath.Join(bin, "cirrus"),
		Launcher:        filepath.Join(bin, "mpirun"),
	})
	chk.NoError(err)

	return &fixture{dir: dir, plan: p}
}

func (f *fixture) read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestExecuteSucceeds(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\necho ok\n")

	result, err := Execute(context.Background(), f.plan, nil)
	chk.NoError(err)

	chk.True(result.Succeeded)
	chk.Equal(0, result.ExitCode)
	chk.Equal(entities.STATUS_NORMAL, result.Status)
	chk.Equal(entities.BACKEND_LOCAL, result.Backend)
	chk.Equal("ok\n", f.read(t, filepath.Join(f.dir, "spe1.LOG")))
	chk.Equal("", f.read(t, filepath.Join(f.dir, "spe1.ERR")))
	chk.Equal("4\n", f.read(t, filepath.Join(f.dir, "bin", "np.txt")))
}

func TestExecutePassesInputAndPrefix(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\necho \"$@\"\npwd\n")

	_, err := Execute(context.Background(), f.plan, nil)
	chk.NoError(err)

	out := f.read(t, filepath.Join(f.dir, "spe1.LOG"))
	chk.Contains(out, "-cirrusin "+filepath.Join(f.dir, "spe1.in")+" -output_prefix "+filepath.Join(f.dir, "spe1"))
	chk.Contains(out, f.dir)
}

func TestExecuteFailureKeepsLogs(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\necho partial\necho boom >&2\nexit 1\n")

	result, err := Execute(context.Background(), f.plan, nil)
	chk.NoError(err)

	chk.False(result.Succeeded)
	chk.Equal(1, result.ExitCode)
	chk.Equal(entities.STATUS_RUNTIME_ERROR, result.Status)
	chk.Equal("partial\n", f.read(t, filepath.Join(f.dir, "spe1.LOG")))
	chk.Equal("boom\n", f.read(t, filepath.Join(f.dir, "spe1.ERR")))
}

func TestExecuteOverwritesLogs(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\necho first\necho first-err >&2\n")

	_, err := Execute(context.Background(), f.plan, nil)
	chk.NoError(err)

	chk.NoError(os.WriteFile(f.plan.SimulatorBinary, []byte("#!/bin/sh\necho second\n"), 0o755))
	_, err = Execute(context.Background(), f.plan, nil)
	chk.NoError(err)

	chk.Equal("second\n", f.read(t, filepath.Join(f.dir, "spe1.LOG")))
	chk.Equal("", f.read(t, filepath.Join(f.dir, "spe1.ERR")))
}

func TestExecuteSignalled(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\nkill -KILL $$\n")

	result, err := Execute(context.Background(), f.plan, nil)
	chk.NoError(err)

	chk.False(result.Succeeded)
	chk.Equal(entities.STATUS_SIGNAL_TERMINATE, result.Status)
	chk.Equal(128+int(unix.SIGKILL), result.ExitCode)
	chk.Equal("SIGKILL", result.Signal)
}

func TestExecuteMissingBinary(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\n")
	chk.NoError(os.Remove(f.plan.SimulatorBinary))

	result, err := Execute(context.Background(), f.plan, nil)
	chk.Nil(result)

	var launchErr *entities.LaunchError
	chk.True(errors.As(err, &launchErr))
	chk.NoFileExists(filepath.Join(f.dir, "spe1.LOG"))
	chk.NoFileExists(filepath.Join(f.dir, "spe1.ERR"))
}

func TestExecuteNonExecutableBinary(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\n")
	chk.NoError(os.Chmod(f.plan.SimulatorBinary, 0o644))

	_, err := Execute(context.Background(), f.plan, nil)

	var launchErr *entities.LaunchError
	chk.True(errors.As(err, &launchErr))
}

func TestExecuteMissingInput(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\n")
	chk.NoError(os.Remove(f.plan.Input))

	_, err := Execute(context.Background(), f.plan, nil)

	var launchErr *entities.LaunchError
	chk.True(errors.As(err, &launchErr))
	chk.Contains(err.Error(), "does not exist")
}

func TestExecuteCancelled(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\necho started\nexec sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	begin := time.Now()
	result, err := Execute(ctx, f.plan, &Options{KillGrace: time.Second})
	chk.NoError(err)

	chk.Less(time.Since(begin), 10*time.Second)
	chk.False(result.Succeeded)
	chk.Equal(entities.STATUS_CANCELLED, result.Status)
	chk.Equal(128+int(unix.SIGTERM), result.ExitCode)
	chk.Equal("started\n", f.read(t, filepath.Join(f.dir, "spe1.LOG")))
}

type fakeScope struct {
	failAttach bool
	attached   int
	killed   []unix.Signal
	oom      bool
	closed   bool
}

func (s *fakeScope) Attach(pid int) error {
	if s.failAttach {
		return errors.New("no systemd user instance")
	}
	s.attached = pid
	return nil
}

func (s *fakeScope) Kill(signal unix.Signal) error {
	s.killed = append(s.killed, signal)
	return nil
}

func (s *fakeScope) IsOOM() (bool, error) {
	return s.oom, nil
}

func (s *fakeScope) Close() error {
	s.closed = true
	return nil
}

func TestExecuteInScopeReportsOOM(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\nkill -KILL $$\n")
	scope := &fakeScope{oom: true}

	result, err := Execute(context.Background(), f.plan, &Options{Scope: scope})
	chk.NoError(err)

	chk.NotZero(scope.attached)
	chk.True(scope.closed)
	chk.Equal(entities.STATUS_MEMORY_LIMIT_EXCEEDED, result.Status)
	chk.False(result.Succeeded)
}

func TestCancelSkipsScopeThatFailedToAttach(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t, "#!/bin/sh\nsleep 10\n")
	scope := &fakeScope{failAttach: true}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	result, err := Execute(ctx, f.plan, &Options{Scope: scope, KillGrace: 2 * time.Second})
	chk.NoError(err)

	chk.Equal(entities.STATUS_CANCELLED, result.Status)
	chk.Empty(scope.killed)
	chk.False(scope.closed)
}

func TestTransportArgs(t *testing.T) {
	chk := require.New(t)
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain")
	chk.NoError(os.WriteFile(plain, []byte("ext4 1163264 1 - Live 0x0000000000000000\n"), 0o644))
	chk.Nil(transportArgs(plain))

	rdma := filepath.Join(dir, "rdma")
	chk.NoError(os.WriteFile(rdma, []byte("ext4 1163264 1 - Live 0x0\nbnxt_re 233472 0 - Live 0x0\n"), 0o644))
	chk.Equal([]string{"-mca", "btl", "vader,self,tcp", "-mca", "pml", "^ucx"}, transportArgs(rdma))

	chk.Nil(transportArgs(filepath.Join(dir, "missing")))
}
