// Package transcribe wraps a persistent speech-to-text helper process.
//
// The helper reads control lines on stdin:
//
//	START_TURN | AUDIO:<base64> | END_TURN | CONTEXT:<text> | END_SESSION
//
// and writes signal lines on stdout:
//
//	READY | PARTIAL:<text> | FINAL:<text> | TURN_COMPLETE
//
// Every START_TURN yields at most one FINAL (or none, on timeout), and a later TURN_COMPLETE
// once the helper's upstream has finished the turn. END_SESSION makes the helper exit.
package transcribe

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/convo-gateway/pkg/speech/subprocess"
)

const (
	lineReady        = "READY"
	lineTurnComplete = "TURN_COMPLETE"
	prefixPartial    = "PARTIAL:"
	prefixFinal      = "FINAL:"

	cmdStartTurn  = "START_TURN"
	cmdEndTurn    = "END_TURN"
	cmdEndSession = "END_SESSION"
	prefixAudio   = "AUDIO:"
	prefixContext = "CONTEXT:"
)

var ErrNotRunning = errors.New("transcriber is not running")

type SignalKind string

const (
	SignalReady        SignalKind = "ready"
	SignalPartial      SignalKind = "partial"
	SignalFinal        SignalKind = "final"
	SignalTurnComplete SignalKind = "turn_complete"
)

// Signal is one event from the helper. Token identifies the Session that produced it so a
// consumer can discard signals from a superseded session.
type Signal struct {
	Token string
	Kind  SignalKind
	Text  string
}

// Handler receives signals. It is called from the reader goroutine for every kind except
// SignalFinal, which is delivered on a fresh goroutine; it must not block.
type Handler func(Signal)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateTurnOpen
	StateTurnClosing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTurnOpen:
		return "turn_open"
	case StateTurnClosing:
		return "turn_closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	BeginTurnTimeout time.Duration
	EndTurnTimeout   time.Duration
	TeardownTimeout  time.Duration
	MaxContextChars  int
}

func (c Config) withDefaults() Config {
	if c.BeginTurnTimeout <= 0 {
		c.BeginTurnTimeout = 15 * time.Second
	}
	if c.EndTurnTimeout <= 0 {
		c.EndTurnTimeout = 10 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = 200
	}
	return c
}

type turn struct {
	final   chan string
	aborted chan struct{}
}

type Session struct {
	launcher subprocess.Launcher
	cfg      Config
	logger   *slog.Logger
	handler  Handler
	token    string

	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	proc     subprocess.Process
	stdin    io.WriteCloser
	exited   chan struct{}
	readyCh  chan struct{}
	turn     *turn
	turnOpen bool
	stale    bool
	// completeCh is open while the last started turn awaits TURN_COMPLETE.
	completeCh chan struct{}
}

func New(launcher subprocess.Launcher, cfg Config, logger *slog.Logger, handler Handler) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = func(Signal) {}
	}
	token := uuid.NewString()
	return &Session{
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("transcriber", token),
		handler:  handler,
		token:    token,
	}
}

func (s *Session) Token() string { return s.token }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the helper, or does nothing if it is already running.
func (s *Session) Start(ctx context.Context) error {
	if s.launcher == nil {
		return subprocess.ErrNotConfigured
	}
	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("start transcriber: %w", err)
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.proc = proc
	s.stdin = proc.Stdin()
	s.exited = exited
	s.readyCh = make(chan struct{})
	s.turn = nil
	s.turnOpen = false
	s.stale = false
	s.completeCh = nil
	s.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error { return s.readSignals(proc.Stdout()) })
	g.Go(func() error { return s.readDiagnostics(proc.Stderr()) })
	go func() {
		readErr := g.Wait()
		waitErr := proc.Wait()
		s.mu.Lock()
		if s.proc == proc {
			s.proc = nil
			s.stdin = nil
			s.state = StateStopped
			s.turnOpen = false
			if s.completeCh != nil {
				close(s.completeCh)
				s.completeCh = nil
			}
		}
		s.mu.Unlock()
		close(exited)
		s.logger.Debug("transcriber exited", "read_error", readErr, "wait_error", waitErr)
	}()

	s.logger.Debug("transcriber started")
	return nil
}

// BeginTurn opens a new turn. It first waits, bounded by BeginTurnTimeout, for the helper to
// be ready and for the previous turn's TURN_COMPLETE, then proceeds regardless.
func (s *Session) BeginTurn(ctx context.Context) error {
	s.mu.Lock()
	if s.proc == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.turnOpen {
		s.mu.Unlock()
		return nil
	}
	waitReady := s.readyCh
	waitComplete := s.completeCh
	exited := s.exited
	s.mu.Unlock()

	if waitReady != nil || waitComplete != nil {
		timer := time.NewTimer(s.cfg.BeginTurnTimeout)
		defer timer.Stop()
	wait:
		for waitReady != nil || waitComplete != nil {
			select {
			case <-waitReady:
				waitReady = nil
			case <-waitComplete:
				waitComplete = nil
			case <-timer.C:
				s.logger.Warn("transcriber not ready for next turn; proceeding", "timeout", s.cfg.BeginTurnTimeout, "awaiting_ready", waitReady != nil, "awaiting_complete", waitComplete != nil)
				break wait
			case <-exited:
				return ErrNotRunning
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.mu.Lock()
	if s.proc == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.turn = &turn{final: make(chan string, 1), aborted: make(chan struct{})}
	s.turnOpen = true
	s.state = StateTurnOpen
	if s.completeCh != nil {
		close(s.completeCh)
	}
	s.completeCh = make(chan struct{})
	s.mu.Unlock()

	return s.writeLine(cmdStartTurn)
}

// FeedAudio forwards one audio frame. It is a no-op when no turn is open.
func (s *Session) FeedAudio(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	s.mu.Lock()
	open := s.turnOpen
	s.mu.Unlock()
	if !open {
		return nil
	}
	return s.writeLine(prefixAudio + base64.StdEncoding.EncodeToString(frame))
}

// EndTurn closes the open turn and waits, bounded by EndTurnTimeout, for its transcript.
// ok is false on timeout, interruption, or helper exit; that is silence, not an error.
func (s *Session) EndTurn(ctx context.Context) (transcript string, ok bool) {
	s.mu.Lock()
	t := s.turn
	open := s.turnOpen
	exited := s.exited
	if open {
		s.turnOpen = false
		s.state = StateTurnClosing
	}
	s.mu.Unlock()

	if t == nil {
		return "", false
	}
	if open {
		if err := s.writeLine(cmdEndTurn); err != nil {
			s.logger.Warn("transcriber end-turn write failed", "error", err)
			return "", false
		}
	}
	defer s.settle(t)

	timer := time.NewTimer(s.cfg.EndTurnTimeout)
	defer timer.Stop()
	select {
	case text := <-t.final:
		return text, true
	case <-t.aborted:
		return "", false
	case <-exited:
		return "", false
	case <-timer.C:
		s.logger.Info("transcript wait timed out; treating turn as silence", "timeout", s.cfg.EndTurnTimeout)
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (s *Session) settle(t *turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn == t && !s.turnOpen && s.state == StateTurnClosing {
		s.state = StateReady
	}
}

// Interrupt abandons the open turn. Its FINAL, if one arrives before TURN_COMPLETE, is
// discarded, and END_TURN is still sent so the helper's upstream is not left waiting for audio.
func (s *Session) Interrupt() {
	s.mu.Lock()
	t := s.turn
	open := s.turnOpen
	if open {
		s.stale = true
		s.turnOpen = false
	}
	if t != nil {
		select {
		case <-t.aborted:
		default:
			close(t.aborted)
		}
	}
	if s.proc != nil {
		s.state = StateReady
	}
	s.mu.Unlock()

	if open {
		if err := s.writeLine(cmdEndTurn); err != nil {
			s.logger.Debug("transcriber interrupt write failed", "error", err)
		}
	}
}

// InjectAssistantContext feeds the last spoken assistant text to the helper. Failures are logged.
func (s *Session) InjectAssistantContext(text string) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return
	}
	if r := []rune(text); len(r) > s.cfg.MaxContextChars {
		text = strings.TrimSpace(string(r[:s.cfg.MaxContextChars]))
	}
	if err := s.writeLine(prefixContext + text); err != nil {
		s.logger.Debug("transcriber context injection failed", "error", err)
	}
}

// End asks the helper to exit, then kills it if it has not exited within TeardownTimeout.
func (s *Session) End() {
	s.mu.Lock()
	proc := s.proc
	stdin := s.stdin
	exited := s.exited
	if t := s.turn; t != nil {
		select {
		case <-t.aborted:
		default:
			close(t.aborted)
		}
	}
	s.turnOpen = false
	s.mu.Unlock()
	if proc == nil {
		return
	}

	// A helper that stopped reading stdin can block the write; the kill below unblocks it.
	go func() {
		if err := s.writeLine(cmdEndSession); err != nil {
			s.logger.Debug("transcriber end-session write failed", "error", err)
		}
		if stdin != nil {
			s.writeMu.Lock()
			_ = stdin.Close()
			s.writeMu.Unlock()
		}
	}()
	if subprocess.WaitOrKill(proc, exited, s.cfg.TeardownTimeout) {
		s.logger.Warn("transcriber did not exit in time; killed", "timeout", s.cfg.TeardownTimeout)
	}
}

func (s *Session) writeLine(line string) error {
	s.mu.Lock()
	w := s.stdin
	s.mu.Unlock()
	if w == nil {
		return ErrNotRunning
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(w, line+"\n")
	return err
}

func (s *Session) readSignals(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == lineReady:
			s.onReady()
		case line == lineTurnComplete:
			s.onTurnComplete()
		case strings.HasPrefix(line, prefixPartial):
			s.onPartial(strings.TrimPrefix(line, prefixPartial))
		case strings.HasPrefix(line, prefixFinal):
			s.onFinal(strings.TrimPrefix(line, prefixFinal))
		case strings.TrimSpace(line) == "":
		default:
			s.logger.Debug("transcriber: unrecognised line", "line", line)
		}
	}
	return sc.Err()
}

func (s *Session) readDiagnostics(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s.logger.Debug("transcriber stderr", "line", sc.Text())
	}
	return sc.Err()
}

func (s *Session) onReady() {
	s.mu.Lock()
	if s.readyCh != nil {
		close(s.readyCh)
		s.readyCh = nil
	}
	if s.state == StateStarting {
		s.state = StateReady
	}
	s.mu.Unlock()
	s.handler(Signal{Token: s.token, Kind: SignalReady})
}

func (s *Session) onTurnComplete() {
	s.mu.Lock()
	// No FINAL follows TURN_COMPLETE, so an interrupted turn that never produced one must not
	// swallow the next turn's transcript.
	s.stale = false
	if s.completeCh != nil {
		close(s.completeCh)
		s.completeCh = nil
	}
	s.mu.Unlock()
	s.handler(Signal{Token: s.token, Kind: SignalTurnComplete})
}

func (s *Session) onPartial(text string) {
	s.mu.Lock()
	stale := s.stale
	s.mu.Unlock()
	if stale {
		return
	}
	s.handler(Signal{Token: s.token, Kind: SignalPartial, Text: text})
}

func (s *Session) onFinal(text string) {
	s.mu.Lock()
	if s.stale {
		s.stale = false
		s.mu.Unlock()
		s.logger.Info("discarding transcript from interrupted turn")
		return
	}
	t := s.turn
	if s.turnOpen {
		// The helper ended the turn on its own.
		s.turnOpen = false
		s.state = StateReady
	}
	s.mu.Unlock()

	if t != nil {
		select {
		case t.final <- text:
		default:
		}
	}
	sig := Signal{Token: s.token, Kind: SignalFinal, Text: text}
	go s.handler(sig)
}
