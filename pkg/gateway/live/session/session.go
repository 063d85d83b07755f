package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/convo-gateway/pkg/engine"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/sessions"
	"github.com/vango-go/convo-gateway/pkg/gateway/metrics"
	"github.com/vango-go/convo-gateway/pkg/speech/subprocess"
	"github.com/vango-go/convo-gateway/pkg/speech/synthesize"
	"github.com/vango-go/convo-gateway/pkg/speech/transcribe"
)

const (
	outboundPriorityQueueSize = 8
	auditTimeout              = 5 * time.Second
)

var errSessionExpired = errors.New("max session duration reached")

type Config struct {
	MaxJSONMessageBytes    int64
	MaxAudioFrameBytes     int
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	MaxSessionDuration     time.Duration
	OutboundQueueSize      int
	// MaxPendingAudioFrames bounds audio buffered while a transcription turn is opening.
	MaxPendingAudioFrames int
	Transcribe            transcribe.Config
	Synthesize            synthesize.Config
}

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// AuditSink stores audit events emitted by engines.
type AuditSink interface {
	Record(ctx context.Context, sessionID, agentID string, ev engine.Audit) error
}

type Dependencies struct {
	Conn     Conn
	Logger   *slog.Logger
	Registry *engine.Registry
	Invoker  engine.Invoker
	// Engine and State are the resolved agent and its validated initial state.
	Engine    engine.Engine
	State     engine.State
	Store     *sessions.Store
	Metrics   *metrics.Collector
	Audit     AuditSink
	STT       subprocess.Launcher
	TTS       subprocess.Launcher
	SessionID string
	RequestID string
	Principal string
	// Pending holds frames read during the handshake that still need dispatching.
	Pending   [][]byte
	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

// Session orchestrates one client connection: turns, the engine outbox, and the speech helpers.
type Session struct {
	conn      Conn
	logger    *slog.Logger
	registry  *engine.Registry
	invoker   engine.Invoker
	store     *sessions.Store
	metrics   *metrics.Collector
	audit     AuditSink
	stt       subprocess.Launcher
	speaker   *synthesize.Speaker
	sessionID string
	requestID string
	principal string
	pending   [][]byte
	cfg       Config
	startTime time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	closeCode        atomic.Int32
	closeReason      atomic.Value // string

	currentUtterance atomic.Int64
	canceledThrough  atomic.Int64

	turns    turnMachine
	draining atomic.Bool
	bg       sync.WaitGroup

	mu            sync.Mutex
	eng           engine.Engine
	agentID       string
	state         engine.State
	transcriber   *transcribe.Session
	turnCancel    context.CancelFunc
	turnCancelSeq uint64
	audioPending  bool
	stopPending   bool
	pendingAudio  [][]byte
	speechStarted int64
	speechStopped int64
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("engine registry is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if err := deps.State.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		deps.SessionID = "sess_" + uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.MaxPendingAudioFrames <= 0 {
		deps.Config.MaxPendingAudioFrames = 256
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	state := deps.State.Clone()
	state.Outbox = nil
	state.Meta["session_id"] = deps.SessionID
	state.Meta["agent_id"] = deps.Engine.ID()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             deps.Conn,
		logger:           deps.Logger,
		registry:         deps.Registry,
		invoker:          deps.Invoker,
		store:            deps.Store,
		metrics:          deps.Metrics,
		audit:            deps.Audit,
		stt:              deps.STT,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		principal:        deps.Principal,
		pending:          deps.Pending,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize)),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		eng:              deps.Engine,
		agentID:          deps.Engine.ID(),
		state:            state,
	}
	if s.invoker.Logger == nil {
		s.invoker.Logger = deps.Logger
	}
	s.closeReason.Store("")
	s.speaker = synthesize.NewSpeaker(deps.TTS, deps.Config.Synthesize, deps.Logger, speechSink{s: s})
	return s, nil
}

func (s *Session) ID() string { return s.sessionID }

// AgentID returns the active agent.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// TurnState returns the current turn state.
func (s *Session) TurnState() TurnState {
	st, _ := s.turns.current()
	return st
}

// Run serves the connection until the client leaves or the session is cancelled.
func (s *Session) Run() (err error) {
	defer s.cancel()

	unregister := s.store.Register(sessions.Info{
		SessionID: s.sessionID,
		AgentID:   s.AgentID(),
		Principal: s.principal,
		StartedAt: s.startTime,
	}, sessions.Handle{Cancel: s.Cancel, Warn: s.SendWarning})
	defer unregister()

	s.metrics.SessionStarted()
	defer func() {
		outcome := "closed"
		switch {
		case errors.Is(err, errSessionExpired):
			outcome = "expired"
			err = nil
		case err != nil:
			outcome = "error"
		case s.closeCode.Load() == protocol.CloseUnknownAgent:
			outcome = "unknown_agent"
		}
		s.metrics.SessionEnded(outcome)
	}()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         s.conn,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority:   s.outboundPriority,
			normal:     s.outboundNormal,
			isCanceled: func(id int64) bool { return id <= s.canceledThrough.Load() },
			closeFrame: s.closeFrame,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	waitWriter := func() {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 {
			wait += s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}
	defer s.teardown()

	s.logger.Info("session started", "agent_id", s.AgentID())
	s.sendReady()
	s.initialRender()
	for _, raw := range s.pending {
		s.dispatch(raw, limiter)
	}
	s.pending = nil

	var expired <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxSessionDuration)
		defer timer.Stop()
		expired = timer.C
	}
	var expiredErr error

	for {
		select {
		case <-s.ctx.Done():
			waitWriter()
			return expiredErr
		case werr := <-writerErrCh:
			s.cancel()
			if werr != nil {
				s.logger.Warn("session writer failed", "error", werr)
			}
			return werr
		case <-expired:
			expired = nil
			expiredErr = errSessionExpired
			s.logger.Info("session reached max duration", "limit", s.cfg.MaxSessionDuration)
			s.sendPriority(protocol.TypeServerError, protocol.ServerError{Code: "session_expired", Message: "max session duration reached"})
			s.closeWith(websocket.CloseNormalClosure, "session expired")
		case in, ok := <-readCh:
			if !ok {
				waitWriter()
				return nil
			}
			if in.err != nil {
				waitWriter()
				if websocket.IsUnexpectedCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return in.err
				}
				return nil
			}
			if in.messageType != websocket.TextMessage {
				s.metrics.FrameDropped("binary")
				s.logger.Debug("dropping non-text frame", "message_type", in.messageType)
				continue
			}
			s.dispatch(in.data, limiter)
		}
	}
}

func (s *Session) teardown() {
	s.turns.abort()
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	tr := s.transcriber
	s.transcriber = nil
	s.mu.Unlock()

	s.speaker.Cancel()
	if tr != nil {
		tr.End()
	}
	s.bg.Wait()
	s.logger.Info("session ended")
}

func (s *Session) dispatch(raw []byte, limiter *inboundAudioLimiter) {
	msg, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		s.metrics.FrameDropped("decode")
		s.logger.Debug("dropping malformed client frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.ClientHello:
		// The agent is fixed at connect; a late hello can still carry mode and device.
		if m.Agent != "" && m.Agent != s.AgentID() {
			s.logger.Debug("ignoring agent in late client.hello", "requested_agent", m.Agent)
		}
		if m.Mode != "" || m.Device != "" {
			s.handleModeUpdate(protocol.ClientModeUpdate{Mode: m.Mode, Device: m.Device})
		}
	case protocol.ClientText:
		s.handleText(m)
	case protocol.ClientAudioStart:
		s.handleAudioStart()
	case protocol.ClientAudioChunk:
		s.handleAudioChunk(m, limiter)
	case protocol.ClientAudioStop:
		s.handleAudioStop()
	case protocol.ClientAudioInterrupt:
		s.interrupt()
	case protocol.ClientUIAction:
		s.handleUIAction(m)
	case protocol.ClientModeUpdate:
		s.handleModeUpdate(m)
	}
}

func (s *Session) sendReady() {
	s.mu.Lock()
	ready := protocol.ServerReady{
		AgentID:   s.agentID,
		SessionID: s.sessionID,
		Mode:      string(s.state.Mode),
		Device:    string(s.state.Device),
	}
	s.mu.Unlock()
	s.send(protocol.TypeServerReady, ready)
}

// initialRender runs the connect turn synchronously. Its speech is dropped.
func (s *Session) initialRender() {
	_, seq, ok := s.turns.begin(TurnInvoking, TurnIdle)
	if !ok {
		return
	}
	s.runTurn(seq, engine.ReasonConnect, true)
}

func (s *Session) handleText(m protocol.ClientText) {
	prev, seq, ok := s.turns.begin(TurnDirectText, TurnIdle, TurnSpeaking, TurnAwaitingAudio)
	if !ok {
		s.rejectBusy(protocol.TypeClientText, prev)
		return
	}
	if prev == TurnAwaitingAudio {
		s.abandonAudioTurn()
	}

	text := strings.TrimSpace(m.Text)
	s.mu.Lock()
	s.state.Transcript = text
	s.state.Mode = engine.ModeText
	s.state.Messages = append(slices.Clip(s.state.Messages), engine.Message{Role: engine.RoleUser, Text: text, Image: m.Image})
	s.mu.Unlock()

	s.send(protocol.TypeServerTranscriptFinal, protocol.ServerTranscriptFinal{Role: engine.RoleUser, Text: text, Image: m.Image})
	s.send(protocol.TypeServerThinking, protocol.ServerThinking{State: string(engine.ThinkingRenderingUI)})

	if s.turns.advance(seq, TurnInvoking, TurnDirectText) {
		s.spawnTurn(seq, engine.ReasonText)
	}
}

func (s *Session) handleUIAction(m protocol.ClientUIAction) {
	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()

	actionID, valid := engine.ValidateAction(eng, m.ID, m.Data)
	if !valid {
		s.metrics.FrameDropped("invalid_action")
		s.logger.Warn("engine rejected ui action", "action_id", m.ID)
		return
	}

	prev, seq, ok := s.turns.begin(TurnDirectText, TurnIdle, TurnSpeaking, TurnAwaitingAudio)
	if !ok {
		s.rejectBusy(protocol.TypeClientUIAction, prev)
		return
	}
	if prev == TurnAwaitingAudio {
		s.abandonAudioTurn()
	}
	if s.cancelSpeech() {
		s.send(protocol.TypeServerVoiceStop, nil)
	}

	s.mu.Lock()
	s.state.PendingAction = &engine.Action{ID: actionID, Data: m.Data}
	s.mu.Unlock()
	s.logger.Info("ui action", "action_id", actionID)

	if s.turns.advance(seq, TurnInvoking, TurnDirectText) {
		s.spawnTurn(seq, engine.ReasonAction)
	}
}

func (s *Session) handleModeUpdate(m protocol.ClientModeUpdate) {
	s.mu.Lock()
	oldDevice := s.state.Device
	if m.Mode != "" {
		s.state.Mode = engine.Mode(m.Mode)
	}
	if m.Device != "" {
		s.state.Device = engine.Device(m.Device)
	}
	changed := m.Device != "" && engine.Device(m.Device) != oldDevice
	s.mu.Unlock()
	s.logger.Info("mode update", "mode", m.Mode, "device", m.Device)

	if !changed {
		return
	}
	prev, seq, ok := s.turns.begin(TurnInvoking, TurnIdle)
	if !ok {
		s.logger.Info("device changed mid-turn; skipping re-render", "turn_state", prev)
		return
	}
	s.mu.Lock()
	s.state.Transcript = ""
	s.state.PendingAction = nil
	s.mu.Unlock()
	// Inline, so input that follows the device change waits for the new layout instead of
	// finding the turn busy.
	s.runTurn(seq, engine.ReasonRender, false)
}

// interrupt aborts whatever the session is doing. The transcriber is detached and torn
// down in the background; the next audio turn starts a fresh one.
func (s *Session) interrupt() {
	prev := s.turns.abort()
	s.metrics.Interrupted()

	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	tr := s.transcriber
	s.transcriber = nil
	s.audioPending = false
	s.stopPending = false
	s.pendingAudio = nil
	s.mu.Unlock()

	s.cancelSpeech()
	s.send(protocol.TypeServerVoiceStop, nil)

	if tr != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			tr.Interrupt()
			tr.End()
		}()
	}
	s.logger.Info("turn interrupted", "turn_state", prev)
}

func (s *Session) rejectBusy(frameType string, st TurnState) {
	s.metrics.FrameDropped("turn_in_progress")
	s.logger.Warn("turn in progress; dropping input", "frame_type", frameType, "turn_state", st)
	s.send(protocol.TypeServerError, protocol.ServerError{Code: "turn_in_progress", Message: "a turn is already in progress"})
}

func (s *Session) spawnTurn(seq uint64, reason engine.Reason) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.runTurn(seq, reason, false)
	}()
}

// runTurn invokes the engine for turn seq, which must be in TurnInvoking, then drains the
// outbox. A turn aborted while the engine runs has its result discarded.
func (s *Session) runTurn(seq uint64, reason engine.Reason, stripSpeech bool) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.mu.Lock()
	if !s.turns.is(seq, TurnInvoking) {
		s.mu.Unlock()
		return
	}
	s.turnCancel = cancel
	s.turnCancelSeq = seq
	eng := s.eng
	agentID := s.agentID
	snapshot := s.state.Clone()
	s.mu.Unlock()

	turnID := uuid.NewString()
	logger := s.logger.With("turn_id", turnID, "reason", string(reason), "agent_id", agentID)

	next, err := s.invoker.Invoke(ctx, eng, snapshot, engine.InvokeConfig{
		SessionID: s.sessionID,
		AgentID:   agentID,
		TurnID:    turnID,
		Reason:    reason,
	})

	s.mu.Lock()
	if s.turnCancelSeq == seq {
		s.turnCancel = nil
	}
	s.mu.Unlock()

	if err != nil {
		if !s.turns.valid(seq) {
			s.metrics.Turn(string(reason), "interrupted")
			logger.Info("discarding result of interrupted turn", "error", err)
			return
		}
		s.metrics.Turn(string(reason), "error")
		logger.Error("engine invocation failed", "error", err)
		s.send(protocol.TypeServerThinking, protocol.ServerThinking{State: string(engine.ThinkingIdle)})
		s.turns.advance(seq, TurnIdle, TurnInvoking)
		return
	}
	if stripSpeech {
		next.Outbox = slices.DeleteFunc(next.Outbox, func(ev engine.Event) bool {
			_, ok := ev.(engine.Speak)
			return ok
		})
	}

	s.mu.Lock()
	if !s.turns.advance(seq, TurnDraining, TurnInvoking) {
		s.mu.Unlock()
		s.metrics.Turn(string(reason), "interrupted")
		logger.Info("discarding result of interrupted turn")
		return
	}
	// Mode and device changes that landed mid-invocation win over the snapshot.
	if s.state.Mode != snapshot.Mode {
		next.Mode = s.state.Mode
	}
	if s.state.Device != snapshot.Device {
		next.Device = s.state.Device
	}
	s.state = next
	s.mu.Unlock()

	s.metrics.Turn(string(reason), "ok")
	s.drain(seq)
}

func (s *Session) closeWith(code int, reason string) {
	s.closeCode.Store(int32(code))
	s.closeReason.Store(reason)
	s.cancel()
}

func (s *Session) closeFrame() (int, string) {
	code := int(s.closeCode.Load())
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	reason, _ := s.closeReason.Load().(string)
	return code, reason
}

func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// SendWarning delivers a non-fatal server.error frame.
func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	s.send(protocol.TypeServerError, protocol.ServerError{Code: code, Message: message})
	return nil
}

func (s *Session) send(typ string, payload any) {
	s.enqueue(typ, payload, 0)
}

func (s *Session) enqueue(typ string, payload any, utterance int64) {
	data, err := protocol.Encode(typ, s.sessionID, payload, s.now())
	if err != nil {
		s.logger.Error("failed to encode frame", "type", typ, "error", err)
		return
	}
	select {
	case s.outboundNormal <- outboundFrame{utterance: utterance, payload: data}:
	case <-s.ctx.Done():
	}
}

// trySend drops the frame instead of waiting on a full queue.
func (s *Session) trySend(typ string, payload any) {
	data, err := protocol.Encode(typ, s.sessionID, payload, s.now())
	if err != nil {
		s.logger.Error("failed to encode frame", "type", typ, "error", err)
		return
	}
	select {
	case s.outboundNormal <- outboundFrame{payload: data}:
	default:
		s.metrics.FrameDropped("backpressure")
	}
}

func (s *Session) sendPriority(typ string, payload any) {
	data, err := protocol.Encode(typ, s.sessionID, payload, s.now())
	if err != nil {
		s.logger.Error("failed to encode frame", "type", typ, "error", err)
		return
	}
	frame := outboundFrame{payload: data}
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	s.metrics.FrameDropped("backpressure")
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}
