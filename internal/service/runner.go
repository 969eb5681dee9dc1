package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/progress"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// LineFunc receives one output line of the child process.
type LineFunc func(ctx context.Context, line string)

type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path string
	Args []string
	Env  []string // nil inherits the environment of wiped
	Dir  string
	// Stdin lines are written after the secret, e.g. a "y" confirmation.
	Stdin []string
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// ExitCode returns the exit code of the process or -1 if it did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the process, writes secret and proto.Stdin to its stdin and
// closes it. It returns ErrInProgress, an error wrapping model.ErrSpawn or nil.
// Output lines are passed to stdoutFunc and stderrFunc (both may be nil) from
// internal goroutines until the pipes are closed; the process is not tied to
// ctx and runs until it exits. Use WaitChan to get the Result.
func (r *Runner) Start(ctx context.Context, proto Command, secret string, stdoutFunc, stderrFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cmd := exec.Command(r.result.Path, r.result.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return r.spawnFailed(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.spawnFailed(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.spawnFailed(err)
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return r.spawnFailed(err)
	}
	r.cmd = cmd

	if err := writeInput(stdin, secret, proto.Stdin); err != nil {
		// the child may exit without reading, that is up to the child
		slog.WarnContext(ctx, "writing process input failed", "error", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return drain(ctx, stdout, stdoutFunc)
	})
	g.Go(func() error {
		return drain(ctx, stderr, stderrFunc)
	})
	go r.wait(ctx, cmd, &g)
	return nil
}

func (r *Runner) spawnFailed(err error) error {
	r.result.Stopped = time.Now().UTC()
	r.result.Err = fmt.Errorf("%w: %w", model.ErrSpawn, err)
	return r.result.Err
}

// writeInput writes the secret line and the extra lines, then closes stdin.
// The joined input lives only in this function's buffer.
func writeInput(stdin io.WriteCloser, secret string, lines []string) error {
	var sb strings.Builder
	sb.WriteString(secret)
	sb.WriteByte('\n')
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	_, werr := io.WriteString(stdin, sb.String())
	cerr := stdin.Close()
	return errors.Join(werr, cerr)
}

// drain reads r until EOF. Over long lines are dropped by the scanner, a read
// error stops line splitting but not reading, so the child never blocks on a
// full pipe.
func drain(ctx context.Context, r io.Reader, lineFunc LineFunc) error {
	scanner := progress.NewScanner(r)
	for scanner.Scan() {
		if lineFunc != nil {
			lineFunc(ctx, scanner.Text())
		}
	}
	err := scanner.Err()
	if err == nil {
		return nil
	}
	slog.ErrorContext(ctx, "processing output", "error", err)
	if _, err := io.Copy(io.Discard, r); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// wait reaps the process once both pipes are drained, cmd.Wait must not be
// called before that.
func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, g *errgroup.Group) {
	derr := g.Wait()
	err := cmd.Wait()
	stopped := time.Now().UTC()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// a non zero exit code is reported by State, it is not a runner error
		err = nil
	}
	if err == nil && derr != nil {
		err = fmt.Errorf("reading process output: %w", derr)
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
	slog.DebugContext(ctx, "process exited", "path", r.result.Path, "exit_code", r.result.ExitCode())
}

// WaitChan returns a channel which receives the Result of the running process
// once it exits and is then closed. When no process is running, the last
// Result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the last command result, a result with ErrNotStarted if
// nothing ran yet, or the partial result of the running process.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
