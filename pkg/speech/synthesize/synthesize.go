// Package synthesize runs one text-to-speech helper process per utterance.
//
// The utterance text is written to the helper's stdin, which is then closed. The helper
// streams audio as stdout lines of the form AUDIO_CHUNK:<base64> and exits.
package synthesize

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/convo-gateway/pkg/speech/subprocess"
)

const prefixAudioChunk = "AUDIO_CHUNK:"

// Sink receives playback notifications. Calls for one utterance are serialized, and
// SpeakingStopped is only called when the audio stream ended on its own; a cancelled
// utterance reports nothing, except that SpeakingCanceled follows a SpeakingStarted that
// Cancel overtook. Implementations may block briefly for backpressure but must not call back
// into the Speaker.
type Sink interface {
	SpeakingStarted()
	AudioChunk(data string)
	SpeakingStopped(text string)
	SpeakingCanceled()
}

type Config struct {
	// OverlapGrace bounds how long Speak waits for a still-playing utterance.
	OverlapGrace    time.Duration
	TeardownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.OverlapGrace <= 0 {
		c.OverlapGrace = 3 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	return c
}

const (
	phaseStarting int32 = iota
	phaseStarted
	phaseStopped
)

type task struct {
	id     string
	text   string
	cancel context.CancelFunc
	// done closes when the audio stream is over, before the process is reaped.
	done     chan struct{}
	doneOnce sync.Once
	phase    atomic.Int32
}

func (t *task) markDone() { t.doneOnce.Do(func() { close(t.done) }) }

// Speaker owns at most one active utterance.
type Speaker struct {
	launcher subprocess.Launcher
	cfg      Config
	logger   *slog.Logger
	sink     Sink

	mu      sync.Mutex
	current *task
}

func NewSpeaker(launcher subprocess.Launcher, cfg Config, logger *slog.Logger, sink Sink) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sink:     sink,
	}
}

// Enabled reports whether a helper is configured.
func (s *Speaker) Enabled() bool { return s != nil && s.launcher != nil }

// Active reports whether an utterance is playing.
func (s *Speaker) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Speak starts synthesizing text and returns true once SpeakingStarted has been delivered.
// If an utterance is still playing it waits up to OverlapGrace, then skips this one.
func (s *Speaker) Speak(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if !s.Enabled() || text == "" {
		return false
	}

	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()
	if prev != nil {
		timer := time.NewTimer(s.cfg.OverlapGrace)
		defer timer.Stop()
		select {
		case <-prev.done:
		case <-timer.C:
			s.logger.Warn("previous utterance still playing; skipping synthesis", "utterance", prev.id, "grace", s.cfg.OverlapGrace)
			return false
		case <-ctx.Done():
			return false
		}
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &task{
		id:     uuid.NewString(),
		text:   text,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.current != nil && s.current != prev {
		s.mu.Unlock()
		cancel()
		s.logger.Warn("concurrent utterance started; skipping synthesis")
		return false
	}
	s.current = t
	s.mu.Unlock()

	// The sink may block on the client, so it runs unlocked and Cancel can overtake it.
	s.sink.SpeakingStarted()
	if !t.phase.CompareAndSwap(phaseStarting, phaseStarted) {
		cancel()
		t.markDone()
		s.sink.SpeakingCanceled()
		s.logger.Debug("utterance canceled while starting", "utterance", t.id)
		return false
	}

	go s.run(tctx, t)
	return true
}

// Cancel stops the active utterance without waiting on the sink. It returns true when a
// started utterance was stopped before its end was reported, meaning the caller owes the
// client a stop notification. An utterance still being announced is closed by Speak itself.
func (s *Speaker) Cancel() bool {
	s.mu.Lock()
	t := s.current
	s.current = nil
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.cancel()
	return t.phase.Swap(phaseStopped) == phaseStarted
}

func (s *Speaker) release(t *task) {
	s.mu.Lock()
	if s.current == t {
		s.current = nil
	}
	s.mu.Unlock()
	t.markDone()
}

func (s *Speaker) finish(t *task) {
	s.release(t)
	if t.phase.CompareAndSwap(phaseStarted, phaseStopped) {
		s.sink.SpeakingStopped(t.text)
	}
}

func (s *Speaker) run(ctx context.Context, t *task) {
	defer t.cancel()
	logger := s.logger.With("utterance", t.id)

	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		logger.Warn("synthesis helper failed to start", "error", err)
		s.finish(t)
		return
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
		case <-watchDone:
		}
	}()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(proc.Stderr())
		for sc.Scan() {
			logger.Debug("synthesis stderr", "line", sc.Text())
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		stdin := proc.Stdin()
		_, werr := io.WriteString(stdin, t.text)
		cerr := stdin.Close()
		if werr != nil {
			return fmt.Errorf("write utterance: %w", werr)
		}
		return cerr
	})
	g.Go(func() error { return s.readAudio(ctx, proc.Stdout()) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Warn("synthesis stream failed", "error", err)
	}
	close(watchDone)

	if ctx.Err() == nil {
		s.finish(t)
	} else {
		s.release(t)
	}

	exited := make(chan struct{})
	go func() {
		<-stderrDone
		_ = proc.Wait()
		close(exited)
	}()
	if subprocess.WaitOrKill(proc, exited, s.cfg.TeardownTimeout) {
		logger.Warn("synthesis helper did not exit in time; killed", "timeout", s.cfg.TeardownTimeout)
	}
}

func (s *Speaker) readAudio(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !strings.HasPrefix(line, prefixAudioChunk) {
			if strings.TrimSpace(line) != "" {
				s.logger.Debug("synthesis: unrecognised line", "line", line)
			}
			continue
		}
		if ctx.Err() != nil {
			// Keep draining so the helper is not blocked on a full pipe before it is killed.
			continue
		}
		if data := strings.TrimPrefix(line, prefixAudioChunk); data != "" {
			s.sink.AudioChunk(data)
		}
	}
	return sc.Err()
}
