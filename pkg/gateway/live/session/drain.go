package session

import (
	"context"
	"strings"

	"github.com/vango-go/convo-gateway/pkg/engine"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/protocol"
)

// drain delivers the outbox of turn seq in two passes. The first pass sends every event in
// order and collects speech; the second delivers the merged speech as one assistant transcript
// and one utterance. Only one drain runs at a time.
func (s *Session) drain(seq uint64) {
	if !s.draining.CompareAndSwap(false, true) {
		s.logger.Warn("outbox drain already running; skipping")
		return
	}
	defer s.draining.Store(false)

	s.mu.Lock()
	if !s.turns.is(seq, TurnDraining) {
		s.mu.Unlock()
		s.logger.Debug("skipping drain for a turn that is no longer draining")
		return
	}
	outbox := s.state.Outbox
	s.state.Outbox = nil
	s.mu.Unlock()

	delivered := make(map[string]bool)
	var fragments []string
	for _, ev := range outbox {
		switch e := ev.(type) {
		case engine.Speak:
			fragments = append(fragments, e.Text)
		case engine.Audit:
			s.recordAudit(e)
		case engine.ChainAction:
			s.logger.Info("engine chained an action", "action_id", e.ActionID)
		case engine.Handoff:
			if !s.handoff(e.AgentID) {
				return
			}
		case engine.UIPatch:
			s.send(protocol.TypeServerUIPatch, s.patchFrame(e))
		case engine.TranscriptFinal:
			role := e.Role
			if role == "" {
				role = engine.RoleAssistant
			}
			s.send(protocol.TypeServerTranscriptFinal, protocol.ServerTranscriptFinal{Role: role, Text: e.Text, Image: e.Image})
			if role == engine.RoleAssistant && e.Text != "" {
				delivered[strings.TrimSpace(e.Text)] = true
			}
		case engine.TranscriptPartial:
			s.send(protocol.TypeServerTranscriptPartial, protocol.ServerTranscriptPartial{Text: e.Text})
		case engine.Thinking:
			s.send(protocol.TypeServerThinking, protocol.ServerThinking{State: string(e.State)})
		case engine.SpeakingStarted:
			s.send(protocol.TypeServerVoiceStart, nil)
		case engine.SpeakingStopped:
			s.send(protocol.TypeServerVoiceStop, nil)
		case engine.Unknown:
			s.sendUnknown(e)
		}
	}

	spoke := false
	if speech := mergeSpeech(fragments); speech != "" && s.turns.valid(seq) {
		if !delivered[speech] {
			s.send(protocol.TypeServerTranscriptFinal, protocol.ServerTranscriptFinal{Role: engine.RoleAssistant, Text: speech})
		}
		s.mu.Lock()
		mode := s.state.Mode
		s.mu.Unlock()
		switch {
		case mode == engine.ModeText:
		case !s.speaker.Enabled():
			s.logger.Debug("speech output is not configured; skipping synthesis")
		default:
			spoke = s.speaker.Speak(s.ctx, speech)
		}
	}

	s.send(protocol.TypeServerThinking, protocol.ServerThinking{State: string(engine.ThinkingIdle)})

	next := TurnIdle
	if spoke || s.speaker.Active() {
		next = TurnSpeaking
	}
	s.mu.Lock()
	if next == TurnSpeaking && s.speechStopped >= s.speechStarted {
		next = TurnIdle
	}
	s.turns.advance(seq, next, TurnDraining)
	s.mu.Unlock()
}

// handoff re-homes the session onto target: a fresh initial state that keeps the envelope
// (mode, device, messages, meta) and drops the previous engine's domain. The client hears
// server.handoff only once the switch is done. An unknown target closes the connection with
// code 4000 and returns false.
func (s *Session) handoff(target string) bool {
	target = strings.TrimSpace(target)
	eng, err := s.registry.Get(target)
	if err != nil {
		s.metrics.Handoff(target, "unknown_agent")
		s.logger.Error("hand-off to unknown agent; closing session", "target", target, "error", err)
		s.closeWith(protocol.CloseUnknownAgent, "unknown agent")
		return false
	}

	fresh := eng.InitialState()
	if err := fresh.Validate(); err != nil {
		s.metrics.Handoff(target, "invalid_state")
		s.logger.Error("hand-off target returned an invalid initial state", "target", target, "error", err)
		s.send(protocol.TypeServerError, protocol.ServerError{Code: "handoff_failed", Message: "agent unavailable"})
		return true
	}

	s.mu.Lock()
	from := s.agentID
	kept := s.state.Clone()
	fresh = fresh.Clone()
	fresh.Mode = kept.Mode
	fresh.Device = kept.Device
	fresh.Messages = kept.Messages
	fresh.Meta = kept.Meta
	if fresh.Meta == nil {
		fresh.Meta = map[string]any{}
	}
	fresh.Meta["agent_id"] = target
	fresh.Outbox = nil
	s.eng = eng
	s.agentID = target
	s.state = fresh
	s.mu.Unlock()

	s.store.SetAgent(s.sessionID, target)
	s.send(protocol.TypeServerHandoff, protocol.ServerHandoff{AgentID: target})
	s.metrics.Handoff(target, "ok")
	s.logger.Info("session handed off", "from", from, "to", target)
	return true
}

func (s *Session) patchFrame(e engine.UIPatch) protocol.ServerUIPatch {
	s.mu.Lock()
	flags := protocol.UIFlags{
		AgentID: s.agentID,
		Mode:    string(s.state.Mode),
		Device:  string(s.state.Device),
	}
	flags.ShowSupport, _ = s.state.DomainFor(s.agentID)["show_support"].(bool)
	s.mu.Unlock()

	components := e.Components
	if components == nil {
		components = []any{}
	}
	return protocol.ServerUIPatch{SurfaceID: e.SurfaceID, Components: components, Meta: e.Meta, Flags: flags}
}

// sendUnknown passes through events that already name a server frame type and wraps the rest.
func (s *Session) sendUnknown(e engine.Unknown) {
	if strings.HasPrefix(e.Type, "server.") {
		s.send(e.Type, e.Payload)
		return
	}
	s.send(protocol.TypeServerEvent, protocol.ServerEvent{Type: e.Type, Payload: e.Payload})
}

func (s *Session) recordAudit(e engine.Audit) {
	agentID := s.AgentID()
	if s.audit == nil {
		s.logger.Info("audit event", "action", e.Action, "agent_id", agentID)
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), auditTimeout)
		defer cancel()
		if err := s.audit.Record(ctx, s.sessionID, agentID, e); err != nil {
			s.logger.Warn("failed to record audit event", "action", e.Action, "error", err)
		}
	}()
}
