// Package subprocess starts the external speech helpers that speak a line-oriented protocol
// over stdin/stdout.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var ErrNotConfigured = errors.New("subprocess command not configured")

// Process is a running helper. Wait must only be called once stdout has been fully read.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Command is an argv plus optional working directory and extra environment.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// ParseCommand splits a space-separated command line. An empty line yields ok=false.
func ParseCommand(raw string) (Command, bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Path: fields[0], Args: fields[1:]}, true
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

func (c Command) Launch(ctx context.Context) (Process, error) {
	if strings.TrimSpace(c.Path) == "" {
		return nil, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Lifetime is managed by the caller through Kill, not by ctx.
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// WaitOrKill waits up to timeout for exited to close, then kills p and waits a short while
// longer. It reports whether the process had to be killed.
func WaitOrKill(p Process, exited <-chan struct{}, timeout time.Duration) bool {
	if p == nil {
		return false
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exited:
		return false
	case <-timer.C:
	}

	_ = p.Kill()
	select {
	case <-exited:
	case <-time.After(time.Second):
	}
	return true
}
