package artifacts

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestName(t *testing.T) {
	chk := require.New(t)

	set := Name("/data/spe1")

	chk.Equal("/data/spe1", set.Case)
	chk.Equal("/data/spe1.LOG", set.StdoutLog)
	chk.Equal("/data/spe1.ERR", set.StderrLog)
	chk.Equal("/data/spe1_bsub.LOG", set.BsubLog)
	chk.Equal("/data/spe1_qsub.LOG", set.QsubLog)
	chk.Equal("/data/spe1_qsub.out", set.QsubOutput)
	chk.Equal("/data/spe1.run", set.JobScript)
	chk.Equal([]string{
		"/data/spe1.out",
		"/data/spe1-mas.dat",
		"/data/spe1.INIT",
		"/data/spe1.SMSPEC",
		"/data/spe1.UNSMRY",
	}, set.Outputs)
}

func TestCasePath(t *testing.T) {
	for _, tc := range []struct {
		input  string
		outdir string
		expect string
	}{
		{"/runs/spe1.in", "", "/runs/spe1"},
		{"/runs/spe1.in", "/scratch/out", "/scratch/out/spe1"},
		{"/runs/model.v2.in", "", "/runs/model.v2"},
		{"/runs/noext", "", "/runs/noext"},
	} {
		require.Equal(t, tc.expect, CasePath(tc.input, tc.outdir), "input=%s outdir=%s", tc.input, tc.outdir)
	}
}

func TestNameIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dir := rapid.StringMatching(`(/[a-z0-9_]{1,8}){0,4}`).Draw(t, "dir")
		stem := rapid.StringMatching(`[A-Za-z0-9_.-]{1,16}`).Draw(t, "stem")
		casePath := dir + "/" + stem

		first := Name(casePath)
		second := Name(casePath)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("names differ for %q", casePath)
		}
		if !strings.HasPrefix(first.StdoutLog, casePath) {
			t.Fatalf("stdout log %q does not derive from %q", first.StdoutLog, casePath)
		}
	})
}

func TestNameDoesNotCollideAcrossCases(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "a")
		b := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "b")
		if a == b {
			t.Skip("same case")
		}
		setA, setB := Name("/runs/"+a), Name("/runs/"+b)
		if setA.StdoutLog == setB.StdoutLog || setA.StderrLog == setB.StderrLog || setA.BsubLog == setB.BsubLog {
			t.Fatalf("%q and %q share log names", a, b)
		}
	})
}

func TestProduced(t *testing.T) {
	chk := require.New(t)
	dir := t.TempDir()
	set := Name(filepath.Join(dir, "spe1"))

	chk.Empty(Produced(set))

	chk.NoError(os.WriteFile(set.Outputs[0], []byte("summary"), 0o644))
	chk.NoError(os.WriteFile(set.Outputs[4], []byte{}, 0o644))

	chk.Equal([]string{set.Outputs[0], set.Outputs[4]}, Produced(set))
}
