package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/convo-gateway/pkg/engine"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/sessions"
	"github.com/vango-go/convo-gateway/pkg/speech/subprocess/subprocesstest"
	"github.com/vango-go/convo-gateway/pkg/speech/transcribe"
)

const waitTimeout = 2 * time.Second

type fakeConn struct {
	fakeWSWriter
	inbound   chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, io.ErrClosedPipe
	}
}

func (c *fakeConn) SetReadLimit(int64)               {}
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.fakeWSWriter.Close()
}

func (c *fakeConn) sendJSON(t *testing.T, typ string, payload any) {
	t.Helper()
	env := map[string]any{"type": typ}
	if payload != nil {
		env["payload"] = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.inbound <- data
}

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

func (f frame) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v", f.Type, err)
	}
}

// frameReader walks the frames a fakeConn has received, in order.
type frameReader struct {
	conn   *fakeConn
	cursor int
}

func (r *frameReader) textFrames() []frame {
	var out []frame
	for _, w := range r.conn.snapshot() {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var f frame
		_ = json.Unmarshal([]byte(w.data), &f)
		out = append(out, f)
	}
	return out
}

// next returns the next frame of type typ, failing if none arrives in time.
func (r *frameReader) next(t *testing.T, typ string) frame {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		frames := r.textFrames()
		for i := r.cursor; i < len(frames); i++ {
			if frames[i].Type == typ {
				r.cursor = i + 1
				return frames[i]
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s frame after position %d; frames=%v", typ, r.cursor, frameTypes(frames))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frameTypes(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
		if f.Type == protocol.TypeServerThinking || f.Type == protocol.TypeServerTranscriptFinal {
			out[i] += string(f.Payload)
		}
	}
	return out
}

func countFrames(frames []frame, typ string) int {
	n := 0
	for _, f := range frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

type funcEngine struct {
	id      string
	domain  map[string]any
	invoke  func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error)
	mu      sync.Mutex
	signals []engine.Reason
	states  []engine.State
}

func (e *funcEngine) ID() string        { return e.id }
func (e *funcEngine) StateVersion() int { return 1 }

func (e *funcEngine) InitialState() engine.State {
	domain := e.domain
	if domain == nil {
		domain = map[string]any{"show_support": true}
	}
	return engine.State{
		Mode:         engine.ModeVoice,
		Device:       engine.DeviceDesktop,
		Messages:     []engine.Message{},
		UI:           engine.Surface{SurfaceID: "main", State: "start"},
		Meta:         map[string]any{},
		Domain:       map[string]any{e.id: domain},
		StateVersion: 1,
	}
}

func (e *funcEngine) Invoke(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
	e.mu.Lock()
	e.signals = append(e.signals, sig.Reason)
	e.states = append(e.states, st)
	e.mu.Unlock()
	if e.invoke == nil {
		return engine.Delta{}, nil
	}
	return e.invoke(ctx, st, sig)
}

func (e *funcEngine) lastState(t *testing.T) (engine.Reason, engine.State) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.states) == 0 {
		t.Fatalf("engine %s was never invoked", e.id)
	}
	return e.signals[len(e.signals)-1], e.states[len(e.states)-1]
}

func (e *funcEngine) reasons() []engine.Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Reason(nil), e.signals...)
}

// echoEngine renders a surface on connect and answers text with a patch and speech.
func echoEngine(id string) *funcEngine {
	return &funcEngine{id: id, invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason == engine.ReasonConnect || sig.Reason == engine.ReasonRender {
			return engine.Delta{Outbox: []engine.Event{
				engine.UIPatch{SurfaceID: "main", Components: []any{map[string]any{"type": "text", "text": "welcome"}}},
				engine.Speak{Text: "Welcome!"},
			}}, nil
		}
		reply := "You said: " + st.Transcript
		return engine.Delta{Outbox: []engine.Event{
			engine.UIPatch{SurfaceID: "main", Components: []any{}},
			engine.Speak{Text: reply},
			engine.Speak{Text: reply},
		}}, nil
	}}
}

type harness struct {
	conn    *fakeConn
	frames  *frameReader
	session *Session
	store   *sessions.Store
	done    chan error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSession(t *testing.T, eng engine.Engine, extra []engine.Engine, tweak func(*Dependencies)) *harness {
	t.Helper()
	registry := engine.NewRegistry(discardLogger())
	registry.Register(eng)
	for _, e := range extra {
		registry.Register(e)
	}

	conn := newFakeConn()
	store := sessions.NewStore()
	deps := Dependencies{
		Conn:      conn,
		Logger:    discardLogger(),
		Registry:  registry,
		Engine:    eng,
		State:     eng.InitialState(),
		Store:     store,
		SessionID: "sess_test",
		Config: Config{
			PingInterval: time.Hour,
			WriteTimeout: time.Second,
			Transcribe:   transcribe.Config{BeginTurnTimeout: time.Second, EndTurnTimeout: time.Second, TeardownTimeout: 200 * time.Millisecond},
		},
	}
	if tweak != nil {
		tweak(&deps)
	}

	s, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{conn: conn, frames: &frameReader{conn: conn}, session: s, store: store, done: make(chan error, 1)}
	go func() { h.done <- s.Run() }()
	t.Cleanup(func() {
		s.Cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return h
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for h.session.TurnState() != TurnIdle {
		if time.Now().After(deadline) {
			t.Fatalf("turn state stuck at %v", h.session.TurnState())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_ConnectSendsReadyThenRenderWithoutSpeech(t *testing.T) {
	h := startSession(t, echoEngine("demo"), nil, nil)

	var ready protocol.ServerReady
	h.frames.next(t, protocol.TypeServerReady).decode(t, &ready)
	if ready.AgentID != "demo" || ready.SessionID != "sess_test" || ready.Mode != "voice" || ready.Device != "desktop" {
		t.Fatalf("unexpected ready: %+v", ready)
	}

	var patch protocol.ServerUIPatch
	h.frames.next(t, protocol.TypeServerUIPatch).decode(t, &patch)
	if patch.Flags.AgentID != "demo" || !patch.Flags.ShowSupport || patch.Flags.Mode != "voice" {
		t.Fatalf("unexpected flags: %+v", patch.Flags)
	}

	var thinking protocol.ServerThinking
	h.frames.next(t, protocol.TypeServerThinking).decode(t, &thinking)
	if thinking.State != "idle" {
		t.Fatalf("thinking=%q, want idle", thinking.State)
	}
	h.waitIdle(t)

	frames := h.frames.textFrames()
	if n := countFrames(frames, protocol.TypeServerTranscriptFinal); n != 0 {
		t.Fatalf("connect render delivered speech: %v", frameTypes(frames))
	}
	for _, f := range frames {
		if f.SessionID != "sess_test" {
			t.Fatalf("frame %s missing session id", f.Type)
		}
	}
}

func TestSession_TextTurnDeliversInOrder(t *testing.T) {
	eng := echoEngine("demo")
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "  hi there "})

	var user protocol.ServerTranscriptFinal
	h.frames.next(t, protocol.TypeServerTranscriptFinal).decode(t, &user)
	if user.Role != "user" || user.Text != "hi there" {
		t.Fatalf("unexpected user echo: %+v", user)
	}
	var thinking protocol.ServerThinking
	h.frames.next(t, protocol.TypeServerThinking).decode(t, &thinking)
	if thinking.State != "rendering_ui" {
		t.Fatalf("thinking=%q, want rendering_ui", thinking.State)
	}
	h.frames.next(t, protocol.TypeServerUIPatch)

	var assistant protocol.ServerTranscriptFinal
	h.frames.next(t, protocol.TypeServerTranscriptFinal).decode(t, &assistant)
	if assistant.Role != "assistant" || assistant.Text != "You said: hi there" {
		t.Fatalf("unexpected assistant transcript: %+v", assistant)
	}
	h.frames.next(t, protocol.TypeServerThinking).decode(t, &thinking)
	if thinking.State != "idle" {
		t.Fatalf("final thinking=%q, want idle", thinking.State)
	}
	h.waitIdle(t)

	frames := h.frames.textFrames()
	if n := countFrames(frames, protocol.TypeServerTranscriptFinal); n != 2 {
		t.Fatalf("expected one user and one assistant transcript, got %v", frameTypes(frames))
	}
	if n := countFrames(frames, protocol.TypeServerVoiceStart); n != 0 {
		t.Fatalf("text mode must not speak: %v", frameTypes(frames))
	}

	_, st := eng.lastState(t)
	if st.Mode != engine.ModeText || len(st.Messages) != 1 || st.Messages[0].Text != "hi there" {
		t.Fatalf("engine saw state %+v", st)
	}
}

func TestSession_EngineTranscriptSuppressesDuplicateSpeechTranscript(t *testing.T) {
	eng := &funcEngine{id: "demo", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason != engine.ReasonText {
			return engine.Delta{}, nil
		}
		return engine.Delta{Outbox: []engine.Event{
			engine.TranscriptFinal{Role: engine.RoleAssistant, Text: "Sure."},
			engine.Speak{Text: "Sure."},
		}}, nil
	}}
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "ok"})
	h.frames.next(t, protocol.TypeServerThinking) // rendering_ui
	h.frames.next(t, protocol.TypeServerThinking) // idle
	h.waitIdle(t)

	if n := countFrames(h.frames.textFrames(), protocol.TypeServerTranscriptFinal); n != 2 {
		t.Fatalf("expected user + one assistant transcript, got %v", frameTypes(h.frames.textFrames()))
	}
}

func TestSession_BusyTurnRejectsInput(t *testing.T) {
	release := make(chan struct{})
	eng := &funcEngine{id: "demo", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason == engine.ReasonText {
			<-release
		}
		return engine.Delta{}, nil
	}}
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "first"})
	h.frames.next(t, protocol.TypeServerThinking)
	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "second"})

	var e protocol.ServerError
	h.frames.next(t, protocol.TypeServerError).decode(t, &e)
	if e.Code != "turn_in_progress" {
		t.Fatalf("error code=%q", e.Code)
	}
	close(release)
	h.waitIdle(t)
}

func TestSession_InterruptDiscardsInFlightTurn(t *testing.T) {
	canceled := make(chan struct{})
	eng := &funcEngine{id: "demo", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason != engine.ReasonText {
			return engine.Delta{}, nil
		}
		if st.Transcript == "slow" {
			<-ctx.Done()
			close(canceled)
			return engine.Delta{Outbox: []engine.Event{engine.UIPatch{SurfaceID: "stale"}}}, nil
		}
		return engine.Delta{Outbox: []engine.Event{engine.UIPatch{SurfaceID: "fresh"}}}, nil
	}}
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "slow"})
	h.frames.next(t, protocol.TypeServerThinking)
	h.conn.sendJSON(t, protocol.TypeClientAudioInterrupt, nil)

	h.frames.next(t, protocol.TypeServerVoiceStop)
	select {
	case <-canceled:
	case <-time.After(waitTimeout):
		t.Fatalf("engine context was not canceled")
	}
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "fast"})
	var patch protocol.ServerUIPatch
	h.frames.next(t, protocol.TypeServerUIPatch).decode(t, &patch)
	if patch.SurfaceID != "fresh" {
		t.Fatalf("stale turn result leaked: %+v", patch)
	}
}

func TestSession_EngineErrorReturnsToIdle(t *testing.T) {
	eng := &funcEngine{id: "demo", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason == engine.ReasonText {
			return engine.Delta{}, errors.New("boom")
		}
		return engine.Delta{}, nil
	}}
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "hello"})
	h.frames.next(t, protocol.TypeServerThinking)
	var thinking protocol.ServerThinking
	h.frames.next(t, protocol.TypeServerThinking).decode(t, &thinking)
	if thinking.State != "idle" {
		t.Fatalf("thinking=%q, want idle", thinking.State)
	}
	h.waitIdle(t)
}

func TestSession_HandoffKeepsEnvelopeAndDropsDomain(t *testing.T) {
	first := &funcEngine{id: "front", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason != engine.ReasonText {
			return engine.Delta{}, nil
		}
		meta := st.Meta
		meta["customer"] = "c_1"
		return engine.Delta{
			Meta:     engine.Set(meta),
			Messages: []engine.Message{{Role: engine.RoleAssistant, Text: "transferring"}},
			Outbox:   []engine.Event{engine.Handoff{AgentID: "billing"}},
		}, nil
	}}
	second := &funcEngine{id: "billing", domain: map[string]any{"show_support": false}}
	h := startSession(t, first, []engine.Engine{second}, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "billing please"})
	var handoff protocol.ServerHandoff
	h.frames.next(t, protocol.TypeServerHandoff).decode(t, &handoff)
	if handoff.AgentID != "billing" {
		t.Fatalf("handoff=%+v", handoff)
	}
	h.waitIdle(t)

	if got := h.session.AgentID(); got != "billing" {
		t.Fatalf("agent=%q, want billing", got)
	}
	if info, ok := h.store.Get("sess_test"); !ok || info.AgentID != "billing" {
		t.Fatalf("store info=%+v ok=%v", info, ok)
	}

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "my invoice"})
	h.frames.next(t, protocol.TypeServerThinking)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	_, st := second.lastState(t)
	if _, ok := st.Domain["front"]; ok {
		t.Fatalf("previous engine's domain survived hand-off: %+v", st.Domain)
	}
	if _, ok := st.Domain["billing"]; !ok {
		t.Fatalf("target domain missing: %+v", st.Domain)
	}
	if st.Meta["agent_id"] != "billing" || st.Meta["customer"] != "c_1" || st.Meta["session_id"] != "sess_test" {
		t.Fatalf("meta not carried over: %+v", st.Meta)
	}
	if len(st.Messages) != 3 || st.Messages[0].Text != "billing please" || st.Messages[2].Text != "my invoice" {
		t.Fatalf("messages not carried over: %+v", st.Messages)
	}
	if st.Mode != engine.ModeText {
		t.Fatalf("mode=%q, want text", st.Mode)
	}
}

func TestSession_HandoffToUnknownAgentCloses4000(t *testing.T) {
	eng := &funcEngine{id: "front", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason != engine.ReasonText {
			return engine.Delta{}, nil
		}
		return engine.Delta{Outbox: []engine.Event{engine.Handoff{AgentID: "nobody"}}}, nil
	}}
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "go"})
	select {
	case err := <-h.done:
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatalf("session did not close")
	}

	writes := h.conn.snapshot()
	last := writes[len(writes)-1]
	want := string(websocket.FormatCloseMessage(protocol.CloseUnknownAgent, "unknown agent"))
	if last.messageType != websocket.CloseMessage || last.data != want {
		t.Fatalf("last write=%+v, want close 4000", last)
	}
	if frames := h.frames.textFrames(); countFrames(frames, protocol.TypeServerHandoff) != 0 {
		t.Fatalf("hand-off to an unknown agent was announced: %v", frameTypes(frames))
	}
}

// invalidEngine registers under a real id but hands out a state that fails validation.
type invalidEngine struct{ *funcEngine }

func (e invalidEngine) InitialState() engine.State {
	st := e.funcEngine.InitialState()
	st.UI.SurfaceID = ""
	return st
}

func TestSession_HandoffToInvalidStateStaysPut(t *testing.T) {
	first := &funcEngine{id: "front", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason != engine.ReasonText {
			return engine.Delta{}, nil
		}
		return engine.Delta{Outbox: []engine.Event{engine.Handoff{AgentID: "broken"}}}, nil
	}}
	h := startSession(t, first, []engine.Engine{invalidEngine{&funcEngine{id: "broken"}}}, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "go"})
	var e protocol.ServerError
	h.frames.next(t, protocol.TypeServerError).decode(t, &e)
	if e.Code != "handoff_failed" {
		t.Fatalf("code=%q", e.Code)
	}
	h.waitIdle(t)

	if frames := h.frames.textFrames(); countFrames(frames, protocol.TypeServerHandoff) != 0 {
		t.Fatalf("failed hand-off was announced: %v", frameTypes(frames))
	}
	if got := h.session.AgentID(); got != "front" {
		t.Fatalf("agent=%q, want front", got)
	}
}

func TestSession_UnknownEventsPassThroughOrWrap(t *testing.T) {
	eng := &funcEngine{id: "demo", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		return engine.Delta{Outbox: []engine.Event{
			engine.NewEvent("server.custom", map[string]any{"x": 1.0}),
			engine.NewEvent("app.confetti", map[string]any{"color": "red"}),
			engine.Audit{Action: "render"},
		}}, nil
	}}
	h := startSession(t, eng, nil, nil)

	h.frames.next(t, "server.custom")
	var wrapped protocol.ServerEvent
	h.frames.next(t, protocol.TypeServerEvent).decode(t, &wrapped)
	if wrapped.Type != "app.confetti" || wrapped.Payload["color"] != "red" {
		t.Fatalf("wrapped=%+v", wrapped)
	}
	h.frames.next(t, protocol.TypeServerThinking)
	for _, f := range h.frames.textFrames() {
		if strings.Contains(f.Type, "audit") {
			t.Fatalf("internal event leaked: %s", f.Type)
		}
	}
}

func TestSession_UIActionSetsPendingAction(t *testing.T) {
	eng := echoEngine("demo")
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientUIAction, map[string]any{"id": "pick", "data": map[string]any{"size": "L"}})
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	reason, st := eng.lastState(t)
	if reason != engine.ReasonAction {
		t.Fatalf("reason=%q", reason)
	}
	if st.PendingAction == nil || st.PendingAction.ID != "pick" || st.PendingAction.Data["size"] != "L" {
		t.Fatalf("pending action=%+v", st.PendingAction)
	}
}

func TestSession_DeviceChangeReRenders(t *testing.T) {
	eng := echoEngine("demo")
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientModeUpdate, map[string]any{"device": "mobile"})
	var patch protocol.ServerUIPatch
	h.frames.next(t, protocol.TypeServerUIPatch).decode(t, &patch)
	if patch.Flags.Device != "mobile" {
		t.Fatalf("flags=%+v", patch.Flags)
	}
	h.waitIdle(t)

	reason, st := eng.lastState(t)
	if reason != engine.ReasonRender || st.Device != engine.DeviceMobile || st.Transcript != "" {
		t.Fatalf("render saw reason=%q state=%+v", reason, st)
	}
}

func TestSession_DeviceChangeThenTextRunsBoth(t *testing.T) {
	echo := echoEngine("demo")
	eng := &funcEngine{id: "demo", invoke: func(ctx context.Context, st engine.State, sig engine.Signal) (engine.Delta, error) {
		if sig.Reason == engine.ReasonRender {
			time.Sleep(30 * time.Millisecond)
		}
		return echo.invoke(ctx, st, sig)
	}}
	h := startSession(t, eng, nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientModeUpdate, map[string]any{"device": "mobile"})
	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "hi"})

	for i := 0; ; i++ {
		var final protocol.ServerTranscriptFinal
		h.frames.next(t, protocol.TypeServerTranscriptFinal).decode(t, &final)
		if final.Text == "You said: hi" {
			break
		}
		if i == 3 {
			t.Fatalf("typed turn never answered; frames=%v", frameTypes(h.frames.textFrames()))
		}
	}
	h.waitIdle(t)

	if frames := h.frames.textFrames(); countFrames(frames, protocol.TypeServerError) != 0 {
		t.Fatalf("input after device change was rejected: %v", frameTypes(frames))
	}
	got := eng.reasons()
	want := []engine.Reason{engine.ReasonConnect, engine.ReasonRender, engine.ReasonText}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("engine reasons=%v, want %v", got, want)
	}
	if _, st := eng.lastState(t); st.Device != engine.DeviceMobile {
		t.Fatalf("text turn saw device %q", st.Device)
	}
}

func TestSession_AudioWithoutTranscriberReportsError(t *testing.T) {
	h := startSession(t, echoEngine("demo"), nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)

	h.conn.sendJSON(t, protocol.TypeClientAudioStart, nil)
	var e protocol.ServerError
	h.frames.next(t, protocol.TypeServerError).decode(t, &e)
	if e.Code != "speech_unavailable" {
		t.Fatalf("code=%q", e.Code)
	}
}

func TestSession_VoiceTurnTranscribesAndSpeaks(t *testing.T) {
	stt := &subprocesstest.Launcher{OnLaunch: func(p *subprocesstest.Process) {
		go func() { _ = p.Emit("READY") }()
	}}
	tts := &subprocesstest.Launcher{OnLaunch: func(p *subprocesstest.Process) {
		go func() {
			<-p.StdinClosed()
			_ = p.Emit("AUDIO_CHUNK:QUFBQQ==")
			p.Exit()
		}()
	}}
	eng := echoEngine("demo")
	h := startSession(t, eng, nil, func(d *Dependencies) {
		d.STT = stt
		d.TTS = tts
	})
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientAudioStart, nil)
	proc := stt.Proc(0)
	if proc == nil {
		t.Fatalf("transcriber was not launched")
	}
	if line, ok := proc.NextLine(waitTimeout); !ok || line != "START_TURN" {
		t.Fatalf("first line=%q ok=%v", line, ok)
	}

	h.conn.sendJSON(t, protocol.TypeClientAudioChunk, map[string]any{"data": "AAEC"})
	if line, ok := proc.NextLine(waitTimeout); !ok || line != "AUDIO:AAEC" {
		t.Fatalf("audio line=%q ok=%v", line, ok)
	}
	_ = proc.Emit("PARTIAL:hello the")
	var partial protocol.ServerTranscriptPartial
	h.frames.next(t, protocol.TypeServerTranscriptPartial).decode(t, &partial)
	if partial.Text != "Hello the" {
		t.Fatalf("partial=%q", partial.Text)
	}

	h.conn.sendJSON(t, protocol.TypeClientAudioStop, nil)
	if line, ok := proc.NextLine(waitTimeout); !ok || line != "END_TURN" {
		t.Fatalf("end line=%q ok=%v", line, ok)
	}
	_ = proc.Emit("FINAL:hello there")
	_ = proc.Emit("TURN_COMPLETE")

	var user protocol.ServerTranscriptFinal
	h.frames.next(t, protocol.TypeServerTranscriptFinal).decode(t, &user)
	if user.Role != "user" || user.Text != "Hello there." {
		t.Fatalf("user transcript=%+v", user)
	}
	var thinking protocol.ServerThinking
	h.frames.next(t, protocol.TypeServerThinking).decode(t, &thinking)
	if thinking.State != "extracting_intent" {
		t.Fatalf("thinking=%q", thinking.State)
	}

	var assistant protocol.ServerTranscriptFinal
	h.frames.next(t, protocol.TypeServerTranscriptFinal).decode(t, &assistant)
	if assistant.Text != "You said: Hello there." {
		t.Fatalf("assistant=%+v", assistant)
	}
	h.frames.next(t, protocol.TypeServerVoiceStart)
	var audio protocol.ServerVoiceAudio
	h.frames.next(t, protocol.TypeServerVoiceAudio).decode(t, &audio)
	if audio.Data != "QUFBQQ==" {
		t.Fatalf("audio=%q", audio.Data)
	}
	h.frames.next(t, protocol.TypeServerVoiceStop)
	h.waitIdle(t)

	if line, ok := proc.NextLine(waitTimeout); !ok || line != "CONTEXT:You said: Hello there." {
		t.Fatalf("context line=%q ok=%v", line, ok)
	}
	if n := tts.Count(); n != 1 {
		t.Fatalf("synthesizer launched %d times, want 1", n)
	}
	frames := h.frames.textFrames()
	if countFrames(frames, protocol.TypeServerVoiceStart) != 1 || countFrames(frames, protocol.TypeServerVoiceStop) != 1 {
		t.Fatalf("expected exactly one utterance: %v", frameTypes(frames))
	}
}

// readyHelper announces READY on every launch.
func readyHelper() *subprocesstest.Launcher {
	return &subprocesstest.Launcher{OnLaunch: func(p *subprocesstest.Process) {
		go func() { _ = p.Emit("READY") }()
	}}
}

func expectHelperLine(t *testing.T, p *subprocesstest.Process, want string) {
	t.Helper()
	if line, ok := p.NextLine(waitTimeout); !ok || line != want {
		t.Fatalf("helper line=%q ok=%v, want %q", line, ok, want)
	}
}

func TestSession_TypedInputDuringAudioTurnKeepsNextVoiceTurn(t *testing.T) {
	stt := readyHelper()
	eng := echoEngine("demo")
	h := startSession(t, eng, nil, func(d *Dependencies) { d.STT = stt })
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientAudioStart, nil)
	first := stt.Proc(0)
	if first == nil {
		t.Fatalf("transcriber was not launched")
	}
	expectHelperLine(t, first, "START_TURN")

	h.conn.sendJSON(t, protocol.TypeClientText, map[string]any{"text": "typed"})
	expectHelperLine(t, first, "END_TURN")
	expectHelperLine(t, first, "END_SESSION")
	h.waitIdle(t)
	if reason, _ := eng.lastState(t); reason != engine.ReasonText {
		t.Fatalf("reason=%q, want text", reason)
	}

	h.conn.sendJSON(t, protocol.TypeClientAudioStart, nil)
	second := stt.Proc(1)
	if second == nil {
		t.Fatalf("abandoned transcriber was reused")
	}
	expectHelperLine(t, second, "START_TURN")
	h.conn.sendJSON(t, protocol.TypeClientAudioStop, nil)
	expectHelperLine(t, second, "END_TURN")
	_ = second.Emit("PARTIAL:hello")
	_ = second.Emit("FINAL:hello there")
	_ = second.Emit("TURN_COMPLETE")

	for {
		var final protocol.ServerTranscriptFinal
		h.frames.next(t, protocol.TypeServerTranscriptFinal).decode(t, &final)
		if final.Role == "user" && final.Text == "Hello there." {
			break
		}
	}
	h.waitIdle(t)
	reason, st := eng.lastState(t)
	if reason != engine.ReasonVoice || st.Transcript != "Hello there." {
		t.Fatalf("spoken turn reached the engine as reason=%q transcript=%q", reason, st.Transcript)
	}
}

func TestSession_FinalAfterInterruptNeverInvokesEngine(t *testing.T) {
	stt := readyHelper()
	eng := echoEngine("demo")
	h := startSession(t, eng, nil, func(d *Dependencies) { d.STT = stt })
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientAudioStart, nil)
	proc := stt.Proc(0)
	if proc == nil {
		t.Fatalf("transcriber was not launched")
	}
	expectHelperLine(t, proc, "START_TURN")
	h.conn.sendJSON(t, protocol.TypeClientAudioChunk, map[string]any{"data": "AAEC"})
	expectHelperLine(t, proc, "AUDIO:AAEC")
	h.conn.sendJSON(t, protocol.TypeClientAudioStop, nil)
	expectHelperLine(t, proc, "END_TURN")

	h.conn.sendJSON(t, protocol.TypeClientAudioInterrupt, nil)
	h.frames.next(t, protocol.TypeServerVoiceStop)
	_ = proc.Emit("FINAL:too late")
	_ = proc.Emit("TURN_COMPLETE")
	time.Sleep(100 * time.Millisecond)
	h.waitIdle(t)

	if got := eng.reasons(); len(got) != 1 || got[0] != engine.ReasonConnect {
		t.Fatalf("engine invoked after interrupt: %v", got)
	}
	if frames := h.frames.textFrames(); countFrames(frames, protocol.TypeServerTranscriptFinal) != 0 {
		t.Fatalf("stale transcript delivered: %v", frameTypes(frames))
	}
}

func TestSession_InterruptMidSpeechStopsOnce(t *testing.T) {
	streaming := make(chan *subprocesstest.Process, 1)
	tts := &subprocesstest.Launcher{OnLaunch: func(p *subprocesstest.Process) {
		go func() {
			<-p.StdinClosed()
			_ = p.Emit("AUDIO_CHUNK:QUFBQQ==")
			streaming <- p
		}()
	}}
	eng := echoEngine("demo")
	h := startSession(t, eng, nil, func(d *Dependencies) { d.TTS = tts })
	h.frames.next(t, protocol.TypeServerThinking)
	h.waitIdle(t)

	h.conn.sendJSON(t, protocol.TypeClientUIAction, map[string]any{"id": "pick"})
	h.frames.next(t, protocol.TypeServerVoiceStart)
	h.frames.next(t, protocol.TypeServerVoiceAudio)
	var proc *subprocesstest.Process
	select {
	case proc = <-streaming:
	case <-time.After(waitTimeout):
		t.Fatalf("synthesizer never streamed")
	}

	h.conn.sendJSON(t, protocol.TypeClientAudioInterrupt, nil)
	h.frames.next(t, protocol.TypeServerVoiceStop)
	_ = proc.Emit("AUDIO_CHUNK:QkJCQg==")

	deadline := time.Now().Add(waitTimeout)
	for !proc.Killed() {
		if time.Now().After(deadline) {
			t.Fatalf("synthesis helper was not killed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.waitIdle(t)
	time.Sleep(50 * time.Millisecond)

	frames := h.frames.textFrames()
	if n := countFrames(frames, protocol.TypeServerVoiceStop); n != 1 {
		t.Fatalf("voice.stop sent %d times: %v", n, frameTypes(frames))
	}
	stopped := false
	for _, f := range frames {
		switch f.Type {
		case protocol.TypeServerVoiceStop:
			stopped = true
		case protocol.TypeServerVoiceAudio:
			if stopped {
				t.Fatalf("audio after voice.stop: %v", frameTypes(frames))
			}
		}
	}
}

func TestSession_RunReturnsWhenClientCloses(t *testing.T) {
	h := startSession(t, echoEngine("demo"), nil, nil)
	h.frames.next(t, protocol.TypeServerThinking)
	if h.store.Count() != 1 {
		t.Fatalf("session not registered")
	}

	close(h.conn.inbound)
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		h.done <- nil
	case <-time.After(waitTimeout):
		t.Fatalf("Run did not return")
	}
	if h.store.Count() != 0 {
		t.Fatalf("session still registered")
	}
}

func TestSession_PendingFramesReplayedAfterRender(t *testing.T) {
	eng := echoEngine("demo")
	pending, _ := json.Marshal(map[string]any{"type": protocol.TypeClientText, "payload": map[string]any{"text": "early"}})
	h := startSession(t, eng, nil, func(d *Dependencies) { d.Pending = [][]byte{pending} })

	h.frames.next(t, protocol.TypeServerUIPatch)
	var user protocol.ServerTranscriptFinal
	h.frames.next(t, protocol.TypeServerTranscriptFinal).decode(t, &user)
	if user.Text != "early" {
		t.Fatalf("user=%+v", user)
	}
	h.waitIdle(t)
}
