package engine

import "strings"

// Kind names an output event. The string form is the engine-facing event type.
type Kind string

const (
	KindUIPatch           Kind = "ui.patch"
	KindSpeak             Kind = "voice.say"
	KindTranscriptFinal   Kind = "transcript.final"
	KindTranscriptPartial Kind = "transcript.partial"
	KindThinking          Kind = "agent.thinking"
	KindSpeakingStarted   Kind = "voice.start"
	KindSpeakingStopped   Kind = "voice.stop"
	KindHandoff           Kind = "internal.handoff"
	KindAudit             Kind = "audit.event"
	KindChainAction       Kind = "internal.chain_action"
)

type ThinkingState string

const (
	ThinkingIdle             ThinkingState = "idle"
	ThinkingRenderingUI      ThinkingState = "rendering_ui"
	ThinkingExtractingIntent ThinkingState = "extracting_intent"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is one entry of an engine outbox. The set of implementations is closed; Unknown carries
// anything this package does not recognise.
type Event interface {
	Kind() Kind
	isEvent()
}

type UIPatch struct {
	SurfaceID  string
	Components []any
	Meta       map[string]any
}

type Speak struct {
	Text string
}

type TranscriptFinal struct {
	Role  string
	Text  string
	Image string
}

type TranscriptPartial struct {
	Text string
}

type Thinking struct {
	State ThinkingState
}

type SpeakingStarted struct{}

type SpeakingStopped struct{}

// Handoff re-homes the session onto another engine.
type Handoff struct {
	AgentID string
}

type Audit struct {
	Action string
	Detail map[string]any
}

type ChainAction struct {
	ActionID string
	Data     map[string]any
}

type Unknown struct {
	Type    string
	Payload map[string]any
}

func (UIPatch) Kind() Kind           { return KindUIPatch }
func (Speak) Kind() Kind             { return KindSpeak }
func (TranscriptFinal) Kind() Kind   { return KindTranscriptFinal }
func (TranscriptPartial) Kind() Kind { return KindTranscriptPartial }
func (Thinking) Kind() Kind          { return KindThinking }
func (SpeakingStarted) Kind() Kind   { return KindSpeakingStarted }
func (SpeakingStopped) Kind() Kind   { return KindSpeakingStopped }
func (Handoff) Kind() Kind           { return KindHandoff }
func (Audit) Kind() Kind             { return KindAudit }
func (ChainAction) Kind() Kind       { return KindChainAction }
func (u Unknown) Kind() Kind         { return Kind(u.Type) }

func (UIPatch) isEvent()           {}
func (Speak) isEvent()             {}
func (TranscriptFinal) isEvent()   {}
func (TranscriptPartial) isEvent() {}
func (Thinking) isEvent()          {}
func (SpeakingStarted) isEvent()   {}
func (SpeakingStopped) isEvent()   {}
func (Handoff) isEvent()           {}
func (Audit) isEvent()             {}
func (ChainAction) isEvent()       {}
func (Unknown) isEvent()           {}

// IsInternal reports whether ev must stay on the server.
func IsInternal(ev Event) bool {
	switch ev.(type) {
	case Audit, ChainAction:
		return true
	default:
		return false
	}
}

// NewEvent builds a typed event from a loosely typed {type, payload} pair, as found in engine
// descriptor files and model output. Unrecognised types become Unknown.
func NewEvent(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	switch Kind(strings.TrimSpace(eventType)) {
	case KindUIPatch:
		components, _ := payload["components"].([]any)
		meta, _ := payload["meta"].(map[string]any)
		return UIPatch{SurfaceID: stringField(payload, "surfaceId"), Components: components, Meta: meta}
	case KindSpeak:
		return Speak{Text: stringField(payload, "text")}
	case KindTranscriptFinal:
		role := stringField(payload, "role")
		if role == "" {
			role = RoleAssistant
		}
		return TranscriptFinal{Role: role, Text: stringField(payload, "text"), Image: stringField(payload, "image")}
	case KindTranscriptPartial:
		return TranscriptPartial{Text: stringField(payload, "text")}
	case KindThinking:
		return Thinking{State: ThinkingState(stringField(payload, "state"))}
	case KindSpeakingStarted:
		return SpeakingStarted{}
	case KindSpeakingStopped:
		return SpeakingStopped{}
	case KindHandoff:
		return Handoff{AgentID: stringField(payload, "agent_id")}
	case KindAudit:
		detail, _ := payload["detail"].(map[string]any)
		return Audit{Action: stringField(payload, "action"), Detail: detail}
	case KindChainAction:
		data, _ := payload["data"].(map[string]any)
		return ChainAction{ActionID: stringField(payload, "id"), Data: data}
	default:
		return Unknown{Type: eventType, Payload: payload}
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
