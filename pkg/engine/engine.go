package engine

import "context"

// Engine is a dialogue engine: a black box that turns the current envelope state into a delta.
type Engine interface {
	ID() string
	StateVersion() int
	InitialState() State
	Invoke(ctx context.Context, state State, signal Signal) (Delta, error)
}

// ActionValidator is implemented by engines that restrict or canonicalise UI action ids.
type ActionValidator interface {
	ValidateAction(actionID string, data map[string]any) (string, bool)
}

// PostInvoker is implemented by engines that persist state after each successful turn.
type PostInvoker interface {
	PostInvoke(ctx context.Context, state State) error
}

// Describer exposes optional engine metadata for diagnostics.
type Describer interface {
	Capabilities() map[string]any
}

// Signal describes why the engine is being invoked.
type Signal struct {
	TurnID string
	Reason Reason
}

type Reason string

const (
	ReasonConnect Reason = "connect"
	ReasonText    Reason = "text"
	ReasonVoice   Reason = "voice"
	ReasonAction  Reason = "action"
	ReasonRender  Reason = "render"
)

// Field is an optional delta entry. Only fields with Set=true overwrite state on merge.
type Field[T any] struct {
	Value T
	Set   bool
}

func Set[T any](v T) Field[T] {
	return Field[T]{Value: v, Set: true}
}

// Delta is the result of one engine turn. Messages and Outbox are reducer fields: they are
// appended to the existing state rather than replacing it.
type Delta struct {
	Mode          Field[Mode]
	Device        Field[Device]
	Transcript    Field[string]
	UI            Field[Surface]
	Error         Field[*ErrorInfo]
	PendingAction Field[*Action]
	Meta          Field[map[string]any]
	Domain        Field[map[string]any]
	StateVersion  Field[int]

	Messages []Message
	Outbox   []Event
}

// ValidateAction applies the engine's action policy, accepting everything by default.
func ValidateAction(e Engine, actionID string, data map[string]any) (string, bool) {
	if v, ok := e.(ActionValidator); ok {
		return v.ValidateAction(actionID, data)
	}
	return actionID, actionID != ""
}

func Capabilities(e Engine) map[string]any {
	if d, ok := e.(Describer); ok {
		return d.Capabilities()
	}
	return map[string]any{}
}
