// Package scripted builds dialogue engines from YAML descriptors. A descriptor maps keywords and
// UI actions to canned replies, UI components and hand-offs.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/convo-gateway/pkg/engine"
)

// Descriptor is the on-disk form of a scripted engine.
type Descriptor struct {
	ID           string    `yaml:"id"`
	Description  string    `yaml:"description"`
	StateVersion int       `yaml:"state_version"`
	Surface      string    `yaml:"surface"`
	Greeting     Response  `yaml:"greeting"`
	Fallback     Response  `yaml:"fallback"`
	Intents      []Intent  `yaml:"intents"`
	Actions      []Action  `yaml:"actions"`
	Domain       yaml.Node `yaml:"domain"`
}

// Response is what the engine emits for a matched turn.
type Response struct {
	Say        string           `yaml:"say"`
	State      string           `yaml:"state"`
	Components []map[string]any `yaml:"components"`
	Handoff    string           `yaml:"handoff"`
	Audit      string           `yaml:"audit"`
}

// Intent matches a user utterance when any keyword appears in it.
type Intent struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Response `yaml:",inline"`
}

// Action answers a client.ui.action with the same id.
type Action struct {
	ID       string `yaml:"id"`
	Response `yaml:",inline"`
}

var ErrInvalidDescriptor = errors.New("invalid scripted descriptor")

// Parse decodes and validates a YAML descriptor.
func Parse(data []byte) (*Engine, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return New(d)
}

// LoadFile reads a descriptor from disk.
func LoadFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	e, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return e, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, sorted by name.
func LoadDir(dir string) ([]*Engine, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(ent.Name())) {
		case ".yaml", ".yml":
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Engine, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		e, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[e.ID()]; ok {
			return nil, fmt.Errorf("%w: agent %q defined in both %s and %s", ErrInvalidDescriptor, e.ID(), prev, name)
		}
		seen[e.ID()] = name
		out = append(out, e)
	}
	return out, nil
}

// Engine runs a Descriptor.
type Engine struct {
	d       Descriptor
	domain  map[string]any
	actions map[string]Action
}

// New validates d and builds its engine.
func New(d Descriptor) (*Engine, error) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	}
	if d.StateVersion <= 0 {
		d.StateVersion = 1
	}
	if d.Surface == "" {
		d.Surface = "main"
	}
	if d.Fallback.Say == "" {
		d.Fallback.Say = "Sorry, I can't help with that yet."
	}

	domain := map[string]any{}
	if d.Domain.Kind != 0 {
		if err := d.Domain.Decode(&domain); err != nil {
			return nil, fmt.Errorf("%w: domain must be a mapping: %v", ErrInvalidDescriptor, err)
		}
	}

	actions := make(map[string]Action, len(d.Actions))
	for i, a := range d.Actions {
		id := strings.ToLower(strings.TrimSpace(a.ID))
		if id == "" {
			return nil, fmt.Errorf("%w: actions[%d] has no id", ErrInvalidDescriptor, i)
		}
		actions[id] = a
	}
	for i, in := range d.Intents {
		if len(in.Keywords) == 0 {
			return nil, fmt.Errorf("%w: intents[%d] has no keywords", ErrInvalidDescriptor, i)
		}
	}
	return &Engine{d: d, domain: domain, actions: actions}, nil
}

func (e *Engine) ID() string        { return e.d.ID }
func (e *Engine) StateVersion() int { return e.d.StateVersion }

func (e *Engine) InitialState() engine.State {
	domain := make(map[string]any, len(e.domain)+1)
	for k, v := range e.domain {
		domain[k] = v
	}
	domain["turns"] = 0
	return engine.State{
		Mode:         engine.ModeVoice,
		Device:       engine.DeviceDesktop,
		Messages:     []engine.Message{},
		UI:           engine.Surface{SurfaceID: e.d.Surface, State: "start"},
		Meta:         map[string]any{},
		Domain:       map[string]any{e.d.ID: domain},
		StateVersion: e.d.StateVersion,
	}
}

func (e *Engine) ValidateAction(actionID string, _ map[string]any) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(actionID))
	_, ok := e.actions[id]
	return id, ok
}

func (e *Engine) Capabilities() map[string]any {
	actions := make([]string, 0, len(e.actions))
	for id := range e.actions {
		actions = append(actions, id)
	}
	sort.Strings(actions)
	intents := make([]string, 0, len(e.d.Intents))
	for _, in := range e.d.Intents {
		intents = append(intents, in.Name)
	}
	return map[string]any{
		"description": e.d.Description,
		"kind":        "scripted",
		"actions":     actions,
		"intents":     intents,
	}
}

func (e *Engine) Invoke(ctx context.Context, state engine.State, sig engine.Signal) (engine.Delta, error) {
	if err := ctx.Err(); err != nil {
		return engine.Delta{}, err
	}

	switch sig.Reason {
	case engine.ReasonConnect, engine.ReasonRender:
		return e.respond(state, e.d.Greeting, "", false), nil
	case engine.ReasonAction:
		if state.PendingAction == nil {
			return engine.Delta{}, nil
		}
		a, ok := e.actions[state.PendingAction.ID]
		if !ok {
			return engine.Delta{PendingAction: engine.Set[*engine.Action](nil)}, nil
		}
		d := e.respond(state, a.Response, "action:"+a.ID, true)
		d.PendingAction = engine.Set[*engine.Action](nil)
		return d, nil
	}

	said := strings.ToLower(strings.TrimSpace(state.Transcript))
	if said == "" {
		return engine.Delta{}, nil
	}
	for _, in := range e.d.Intents {
		if matches(said, in.Keywords) {
			return e.respond(state, in.Response, "intent:"+in.Name, true), nil
		}
	}
	return e.respond(state, e.d.Fallback, "fallback", true), nil
}

func (e *Engine) respond(state engine.State, r Response, matched string, countTurn bool) engine.Delta {
	var d engine.Delta
	if len(r.Components) > 0 {
		components := make([]any, len(r.Components))
		for i, c := range r.Components {
			components[i] = c
		}
		d.Outbox = append(d.Outbox, engine.UIPatch{SurfaceID: e.d.Surface, Components: components})
	}
	if r.State != "" {
		d.UI = engine.Set(engine.Surface{SurfaceID: e.d.Surface, State: r.State})
	}
	if r.Say != "" {
		d.Outbox = append(d.Outbox, engine.Speak{Text: r.Say})
		if countTurn {
			d.Messages = []engine.Message{{Role: engine.RoleAssistant, Text: r.Say}}
		}
	}
	if r.Audit != "" {
		d.Outbox = append(d.Outbox, engine.Audit{Action: r.Audit, Detail: map[string]any{"matched": matched}})
	}
	if countTurn {
		current := state.DomainFor(e.d.ID)
		next := make(map[string]any, len(current)+1)
		for k, v := range current {
			next[k] = v
		}
		next["turns"] = turns(current) + 1
		if matched != "" {
			next["last_match"] = matched
		}
		domain := make(map[string]any, len(state.Domain))
		for k, v := range state.Domain {
			domain[k] = v
		}
		domain[e.d.ID] = next
		d.Domain = engine.Set(domain)
	}
	if r.Handoff != "" {
		d.Outbox = append(d.Outbox, engine.Handoff{AgentID: r.Handoff})
	}
	return d
}

func matches(said string, keywords []string) bool {
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(said, k) {
			return true
		}
	}
	return false
}

func turns(m map[string]any) int {
	switch v := m["turns"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
