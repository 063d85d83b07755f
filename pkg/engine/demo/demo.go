// Package demo provides two small engines that exercise every gateway feature: an echo
// agent and a support agent it can hand the conversation to.
package demo

import (
	"context"
	"fmt"
	"strings"

	"github.com/vango-go/convo-gateway/pkg/engine"
)

const (
	EchoID    = "demo"
	SupportID = "support"

	ActionReset   = "reset"
	ActionSupport = "support"
	ActionBack    = "back"
)

// Echo repeats what the user said as a card and as speech.
type Echo struct{}

func (Echo) ID() string        { return EchoID }
func (Echo) StateVersion() int { return 1 }

func (Echo) InitialState() engine.State {
	return engine.State{
		Mode:     engine.ModeVoice,
		Device:   engine.DeviceDesktop,
		Messages: []engine.Message{},
		UI:       engine.Surface{SurfaceID: "main", State: "welcome"},
		Meta:     map[string]any{},
		Domain: map[string]any{
			EchoID: map[string]any{"turns": 0, "show_support": false},
		},
		StateVersion: 1,
	}
}

func (Echo) ValidateAction(actionID string, _ map[string]any) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(actionID))
	switch id {
	case ActionReset, ActionSupport:
		return id, true
	}
	return "", false
}

func (Echo) Capabilities() map[string]any {
	return map[string]any{
		"description": "Echoes each utterance back as a card and as speech.",
		"modes":       []string{string(engine.ModeVoice), string(engine.ModeText)},
		"actions":     []string{ActionReset, ActionSupport},
		"handoff":     []string{SupportID},
	}
}

func (e Echo) Invoke(ctx context.Context, state engine.State, sig engine.Signal) (engine.Delta, error) {
	if err := ctx.Err(); err != nil {
		return engine.Delta{}, err
	}
	turns := intField(state.DomainFor(EchoID), "turns")

	switch sig.Reason {
	case engine.ReasonConnect, engine.ReasonRender:
		return engine.Delta{
			UI: engine.Set(engine.Surface{SurfaceID: "main", State: "welcome"}),
			Outbox: []engine.Event{
				welcomeCard(state.Device),
				engine.Speak{Text: "Hi! Say something and I'll repeat it."},
			},
		}, nil

	case engine.ReasonAction:
		if state.PendingAction == nil {
			return engine.Delta{}, nil
		}
		switch state.PendingAction.ID {
		case ActionSupport:
			return handoffDelta(SupportID, "Connecting you to support."), nil
		default:
			return engine.Delta{
				PendingAction: engine.Set[*engine.Action](nil),
				UI:            engine.Set(engine.Surface{SurfaceID: "main", State: "welcome"}),
				Domain:        engine.Set(withDomain(state, EchoID, map[string]any{"turns": 0, "show_support": false})),
				Outbox: []engine.Event{
					welcomeCard(state.Device),
					engine.Audit{Action: "demo.reset", Detail: map[string]any{"turns": turns}},
				},
			}, nil
		}
	}

	said := strings.TrimSpace(state.Transcript)
	if said == "" {
		return engine.Delta{Outbox: []engine.Event{engine.Speak{Text: "I didn't catch that."}}}, nil
	}
	if wantsSupport(said) {
		return handoffDelta(SupportID, "Let me get someone from support."), nil
	}

	reply := "You said: " + said
	turns++
	return engine.Delta{
		UI:       engine.Set(engine.Surface{SurfaceID: "main", State: "echo"}),
		Domain:   engine.Set(withDomain(state, EchoID, map[string]any{"turns": turns, "show_support": turns >= 3})),
		Messages: []engine.Message{{Role: engine.RoleAssistant, Text: reply}},
		Outbox: []engine.Event{
			engine.UIPatch{
				SurfaceID: "main",
				Components: []any{
					map[string]any{"type": "card", "title": "You said", "body": said},
					map[string]any{"type": "counter", "label": "Turns", "value": turns},
				},
			},
			engine.Speak{Text: reply},
			engine.Audit{Action: "demo.echo", Detail: map[string]any{"reason": string(sig.Reason), "turn_id": sig.TurnID}},
		},
	}, nil
}

// Support is the hand-off target. It shows a ticket form and can hand back.
type Support struct{}

func (Support) ID() string        { return SupportID }
func (Support) StateVersion() int { return 1 }

func (Support) InitialState() engine.State {
	return engine.State{
		Mode:     engine.ModeVoice,
		Device:   engine.DeviceDesktop,
		Messages: []engine.Message{},
		UI:       engine.Surface{SurfaceID: "support", State: "intake"},
		Meta:     map[string]any{},
		Domain: map[string]any{
			SupportID: map[string]any{"show_support": true, "notes": []any{}},
		},
		StateVersion: 1,
	}
}

func (Support) ValidateAction(actionID string, _ map[string]any) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(actionID))
	return id, id == ActionBack
}

func (Support) Capabilities() map[string]any {
	return map[string]any{
		"description": "Collects a support note and can hand back to the echo agent.",
		"modes":       []string{string(engine.ModeVoice), string(engine.ModeText)},
		"actions":     []string{ActionBack},
		"handoff":     []string{EchoID},
	}
}

func (Support) Invoke(ctx context.Context, state engine.State, sig engine.Signal) (engine.Delta, error) {
	if err := ctx.Err(); err != nil {
		return engine.Delta{}, err
	}
	if sig.Reason == engine.ReasonAction && state.PendingAction != nil && state.PendingAction.ID == ActionBack {
		return handoffDelta(EchoID, "Taking you back."), nil
	}

	domain := state.DomainFor(SupportID)
	notes, _ := domain["notes"].([]any)
	said := strings.TrimSpace(state.Transcript)

	out := []engine.Event{
		engine.UIPatch{
			SurfaceID: "support",
			Components: []any{
				map[string]any{"type": "form", "title": "Support ticket", "notes": len(notes)},
				map[string]any{"type": "button", "action": ActionBack, "label": "Back"},
			},
		},
	}
	if said == "" || sig.Reason == engine.ReasonConnect || sig.Reason == engine.ReasonRender {
		out = append(out, engine.Speak{Text: "Support here. What went wrong?"})
		return engine.Delta{Outbox: out}, nil
	}

	notes = append(append([]any(nil), notes...), said)
	reply := fmt.Sprintf("Noted. That's %d note(s) on your ticket.", len(notes))
	out = append(out,
		engine.Speak{Text: reply},
		engine.Audit{Action: "support.note", Detail: map[string]any{"length": len(said)}},
	)
	return engine.Delta{
		Domain:   engine.Set(withDomain(state, SupportID, map[string]any{"show_support": true, "notes": notes})),
		Messages: []engine.Message{{Role: engine.RoleAssistant, Text: reply}},
		Outbox:   out,
	}, nil
}

// Register adds both demo engines to r.
func Register(r *engine.Registry) {
	r.Register(Echo{})
	r.Register(Support{})
}

func handoffDelta(target, say string) engine.Delta {
	return engine.Delta{
		PendingAction: engine.Set[*engine.Action](nil),
		Messages:      []engine.Message{{Role: engine.RoleAssistant, Text: say}},
		Outbox: []engine.Event{
			engine.TranscriptFinal{Role: engine.RoleAssistant, Text: say},
			engine.Handoff{AgentID: target},
		},
	}
}

func welcomeCard(device engine.Device) engine.UIPatch {
	layout := "wide"
	if device == engine.DeviceMobile {
		layout = "stacked"
	}
	return engine.UIPatch{
		SurfaceID: "main",
		Components: []any{
			map[string]any{"type": "card", "title": "Welcome", "body": "Type or talk to get started."},
			map[string]any{"type": "button", "action": ActionSupport, "label": "Talk to support"},
		},
		Meta: map[string]any{"layout": layout},
	}
}

func wantsSupport(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "talk to support") || strings.Contains(t, "human")
}

// withDomain returns a copy of the state's domain map with agentID's entry replaced.
func withDomain(state engine.State, agentID string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(state.Domain)+1)
	for k, v := range state.Domain {
		out[k] = v
	}
	out[agentID] = payload
	return out
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
