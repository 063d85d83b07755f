package engine

import (
	"errors"
	"fmt"

	"github.com/jinzhu/copier"
)

type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// ErrContractViolation reports an engine state that is missing a required envelope field.
var ErrContractViolation = errors.New("engine contract violation")

type Message struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

type Surface struct {
	SurfaceID string `json:"surfaceId"`
	State     string `json:"state"`
}

type Action struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// State is the envelope shared by every dialogue engine. Engine-specific data lives under
// Domain[agentID].
type State struct {
	Mode          Mode           `json:"mode"`
	Device        Device         `json:"device"`
	Transcript    string         `json:"transcript"`
	Messages      []Message      `json:"messages"`
	UI            Surface        `json:"ui"`
	Error         *ErrorInfo     `json:"errors,omitempty"`
	PendingAction *Action        `json:"pendingAction,omitempty"`
	Outbox        []Event        `json:"-"`
	Meta          map[string]any `json:"meta"`
	Domain        map[string]any `json:"domain"`
	StateVersion  int            `json:"state_version"`
}

// Validate checks that every common envelope field is populated.
func (s State) Validate() error {
	switch s.Mode {
	case ModeVoice, ModeText:
	default:
		return fmt.Errorf("%w: mode %q", ErrContractViolation, s.Mode)
	}
	if s.Device == "" {
		return fmt.Errorf("%w: device is required", ErrContractViolation)
	}
	if s.Messages == nil {
		return fmt.Errorf("%w: messages is required", ErrContractViolation)
	}
	if s.UI.SurfaceID == "" {
		return fmt.Errorf("%w: ui.surfaceId is required", ErrContractViolation)
	}
	if s.Meta == nil {
		return fmt.Errorf("%w: meta is required", ErrContractViolation)
	}
	if s.Domain == nil {
		return fmt.Errorf("%w: domain is required", ErrContractViolation)
	}
	if s.StateVersion <= 0 {
		return fmt.Errorf("%w: state_version must be > 0", ErrContractViolation)
	}
	return nil
}

// Clone returns a deep copy so an engine can mutate its input without touching session state.
func (s State) Clone() State {
	src := s
	src.Outbox = nil

	var out State
	if err := copier.CopyWithOption(&out, &src, copier.Option{DeepCopy: true}); err != nil {
		out = src
		out.Messages = append([]Message(nil), s.Messages...)
	}
	if s.PendingAction != nil {
		action := *s.PendingAction
		action.Data = cloneMap(s.PendingAction.Data)
		out.PendingAction = &action
	}
	if out.Messages == nil && s.Messages != nil {
		out.Messages = []Message{}
	}
	out.Meta = cloneMap(s.Meta)
	out.Domain = cloneMap(s.Domain)
	// Events are immutable values.
	out.Outbox = append([]Event(nil), s.Outbox...)
	return out
}

// DomainFor returns the domain payload owned by agentID, or nil.
func (s State) DomainFor(agentID string) map[string]any {
	if s.Domain == nil {
		return nil
	}
	m, _ := s.Domain[agentID].(map[string]any)
	return m
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
