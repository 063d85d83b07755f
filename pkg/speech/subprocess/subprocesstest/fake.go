// Package subprocesstest provides in-memory helper processes for tests.
package subprocesstest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/convo-gateway/pkg/speech/subprocess"
)

// Process is a fake helper wired with io.Pipe. Lines the wrapper writes to stdin arrive on
// NextLine; Emit writes a line to the wrapper's stdout.
type Process struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	lines       chan string
	stdinClosed chan struct{}
	exited      chan struct{}
	exitOnce    sync.Once
	killed      atomic.Bool
	emitMu      sync.Mutex
}

func NewProcess() *Process {
	p := &Process{
		lines:       make(chan string, 256),
		stdinClosed: make(chan struct{}),
		exited:      make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	go func() {
		defer close(p.stdinClosed)
		sc := bufio.NewScanner(p.stdinR)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
	}()
	return p
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.Reader     { return p.stdoutR }
func (p *Process) Stderr() io.Reader     { return p.stderrR }

func (p *Process) Wait() error {
	<-p.exited
	if p.killed.Load() {
		return errors.New("signal: killed")
	}
	return nil
}

func (p *Process) Kill() error {
	p.killed.Store(true)
	p.Exit()
	return nil
}

// Exit closes the process's output streams, as a real process does when it terminates.
func (p *Process) Exit() {
	p.exitOnce.Do(func() {
		p.emitMu.Lock()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.emitMu.Unlock()
		_ = p.stdinR.CloseWithError(io.ErrClosedPipe)
		close(p.exited)
	})
}

// CloseStdout ends the stdout stream without exiting the process.
func (p *Process) CloseStdout() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	_ = p.stdoutW.Close()
}

func (p *Process) Emit(line string) error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

func (p *Process) EmitStderr(line string) error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	_, err := io.WriteString(p.stderrW, line+"\n")
	return err
}

// NextLine returns the next stdin line written by the wrapper.
func (p *Process) NextLine(timeout time.Duration) (string, bool) {
	select {
	case line := <-p.lines:
		return line, true
	case <-time.After(timeout):
		return "", false
	}
}

// StdinClosed is closed once the wrapper closes stdin.
func (p *Process) StdinClosed() <-chan struct{} { return p.stdinClosed }

func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) Killed() bool { return p.killed.Load() }

// Launcher hands out fake processes in launch order.
type Launcher struct {
	mu       sync.Mutex
	procs    []*Process
	Err      error
	OnLaunch func(*Process)
}

func (l *Launcher) Launch(ctx context.Context) (subprocess.Process, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	p := NewProcess()
	l.mu.Lock()
	l.procs = append(l.procs, p)
	hook := l.OnLaunch
	l.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return p, nil
}

func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Proc returns the i-th launched process, waiting briefly for it to appear.
func (l *Launcher) Proc(i int) *Process {
	deadline := time.Now().Add(2 * time.Second)
	for {
		l.mu.Lock()
		if i < len(l.procs) {
			p := l.procs[i]
			l.mu.Unlock()
			return p
		}
		l.mu.Unlock()
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}
