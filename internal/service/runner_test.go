package service_test

import (
	"context"
	"os/exec"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/service"
)

// lines collects output lines delivered from runner goroutines.
type lines struct {
	mx sync.Mutex
	ll []string
}

func (l *lines) add(_ context.Context, line string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.ll = append(l.ll, line)
}

func (l *lines) get() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return slices.Clone(l.ll)
}

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.LastResult()
		require.ErrorIs(t, res.Err, service.ErrNotStarted)
	})

	cmd := service.Command{
		Path:  sh,
		Args:  []string{"-c", `read s; read c; echo "secret=$s confirm=$c"; echo PROGRESS:50; sleep 0.2; exit 3`},
		Env:   []string{"LC_ALL=C"},
		Stdin: []string{"y"},
	}
	ctx := t.Context()
	var stdout lines

	t.Run("start", func(t *testing.T) {
		err := runner.Start(ctx, cmd, "hunter2", stdout.add, nil)
		require.NoError(t, err)
		res := runner.LastResult()
		require.NoError(t, res.Err)
	})
	t.Run("in progress", func(t *testing.T) {
		err := runner.Start(ctx, cmd, "hunter2", nil, nil)
		require.ErrorIs(t, err, service.ErrInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.NoError(t, res.Err)
		require.Equal(t, sh, res.Path)
		require.Equal(t, cmd.Args, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.Equal(t, 3, res.ExitCode())
		require.Equal(t, []string{"secret=hunter2 confirm=y", "PROGRESS:50"}, stdout.get())
		for _, arg := range res.Args {
			require.NotContains(t, arg, "hunter2")
		}
	})
	t.Run("wait after exit", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, 3, res.ExitCode())
	})
}

func TestStderr(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; printf 'stderr\\nstderr\\n' 1>&2"},
	}

	var stdout, stderr lines
	runner := service.NewRunner()
	err := runner.Start(t.Context(), cmd, "", stdout.add, stderr.add)
	require.NoError(t, err)
	res := <-runner.WaitChan()
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ExitCode())
	require.Equal(t, []string{"stdout"}, stdout.get())
	require.Equal(t, []string{"stderr", "stderr"}, stderr.get())
}

func TestLineTerminators(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", `printf 'PROGRESS:10\rPROGRESS:20\r\nPROGRESS:30'`},
	}

	var stdout lines
	runner := service.NewRunner()
	require.NoError(t, runner.Start(t.Context(), cmd, "", stdout.add, nil))
	res := <-runner.WaitChan()
	require.NoError(t, res.Err)
	require.Equal(t, []string{"PROGRESS:10", "PROGRESS:20", "PROGRESS:30"}, stdout.get())
}

func TestLongLine(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", `head -c 2097152 /dev/zero | tr '\000' x; printf '\nPROGRESS:70\nCERTIFICATE:{"status":"SUCCEEDED"}\n'`},
	}

	var stdout lines
	runner := service.NewRunner()
	require.NoError(t, runner.Start(t.Context(), cmd, "", stdout.add, nil))
	res := <-runner.WaitChan()
	require.NoError(t, res.Err)
	require.Equal(t, []string{"PROGRESS:70", `CERTIFICATE:{"status":"SUCCEEDED"}`}, stdout.get())
}

func TestSpawnError(t *testing.T) {
	t.Parallel()

	noCmd := service.Command{
		Path: "does not exist",
	}
	runner := service.NewRunner()
	err := runner.Start(t.Context(), noCmd, "secret", nil, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrSpawn)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, noCmd.Path, execErr.Name)

	res := <-runner.WaitChan()
	require.ErrorIs(t, res.Err, model.ErrSpawn)
	require.Equal(t, -1, res.ExitCode())
}
