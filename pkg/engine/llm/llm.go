// Package llm provides a dialogue engine backed by a Gemini model. Each turn asks the model for a
// structured reply: what to say, an optional card to render, and an optional hand-off target.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/convo-gateway/pkg/engine"
)

const (
	DefaultID    = "assistant"
	DefaultModel = "gemini-2.0-flash"

	defaultMaxHistory = 20
)

const defaultInstruction = `You are a helpful voice assistant embedded in an app with a visual surface.
Answer briefly: your "say" text is spoken aloud, so keep it to one or two sentences.
When a short visual summary helps, fill "card_title" and "card_body".
Only set "handoff" to one of the listed agents when the user clearly asks for it.`

// Generator produces one model reply. *genai.Client satisfies it through ClientGenerator.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// ClientGenerator adapts a genai client to Generator.
type ClientGenerator struct {
	Client *genai.Client
}

func (g ClientGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return g.Client.Models.GenerateContent(ctx, model, contents, cfg)
}

// NewGeminiClient builds a Gemini API client for apiKey.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return client, nil
}

type Config struct {
	ID          string
	Model       string
	Instruction string
	// Handoffs lists the agents the model may transfer to.
	Handoffs   []string
	MaxHistory int
}

// Engine calls a Generator once per turn.
type Engine struct {
	gen Generator
	cfg Config
}

func New(gen Generator, cfg Config) *Engine {
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Instruction == "" {
		cfg.Instruction = defaultInstruction
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	return &Engine{gen: gen, cfg: cfg}
}

func (e *Engine) ID() string        { return e.cfg.ID }
func (e *Engine) StateVersion() int { return 1 }

func (e *Engine) InitialState() engine.State {
	return engine.State{
		Mode:         engine.ModeVoice,
		Device:       engine.DeviceDesktop,
		Messages:     []engine.Message{},
		UI:           engine.Surface{SurfaceID: "main", State: "ready"},
		Meta:         map[string]any{},
		Domain:       map[string]any{e.cfg.ID: map[string]any{"model": e.cfg.Model, "turns": 0}},
		StateVersion: 1,
	}
}

func (e *Engine) Capabilities() map[string]any {
	return map[string]any{
		"description": "Gemini-backed assistant.",
		"kind":        "llm",
		"model":       e.cfg.Model,
		"handoff":     e.cfg.Handoffs,
		"images":      true,
	}
}

// reply is the structured model output.
type reply struct {
	Say       string `json:"say"`
	CardTitle string `json:"card_title,omitempty"`
	CardBody  string `json:"card_body,omitempty"`
	Handoff   string `json:"handoff,omitempty"`
}

func (e *Engine) Invoke(ctx context.Context, state engine.State, sig engine.Signal) (engine.Delta, error) {
	if err := ctx.Err(); err != nil {
		return engine.Delta{}, err
	}
	switch sig.Reason {
	case engine.ReasonConnect, engine.ReasonRender:
		return engine.Delta{
			Outbox: []engine.Event{engine.UIPatch{
				SurfaceID:  "main",
				Components: []any{map[string]any{"type": "card", "title": "Assistant", "body": "Ask me anything."}},
				Meta:       map[string]any{"device": string(state.Device)},
			}},
		}, nil
	}

	contents := e.history(state)
	if len(contents) == 0 {
		return engine.Delta{}, nil
	}

	resp, err := e.gen.GenerateContent(ctx, e.cfg.Model, contents, e.generateConfig())
	if err != nil {
		return engine.Delta{}, fmt.Errorf("gemini generate content: %w", err)
	}
	r, err := parseReply(resp.Text())
	if err != nil {
		return engine.Delta{}, err
	}

	d := engine.Delta{
		PendingAction: engine.Set[*engine.Action](nil),
	}
	if r.CardTitle != "" || r.CardBody != "" {
		d.UI = engine.Set(engine.Surface{SurfaceID: "main", State: "answer"})
		d.Outbox = append(d.Outbox, engine.UIPatch{
			SurfaceID:  "main",
			Components: []any{map[string]any{"type": "card", "title": r.CardTitle, "body": r.CardBody}},
		})
	}
	if r.Say != "" {
		d.Messages = []engine.Message{{Role: engine.RoleAssistant, Text: r.Say}}
		d.Outbox = append(d.Outbox, engine.Speak{Text: r.Say})
	}

	domain := make(map[string]any, len(state.Domain))
	for k, v := range state.Domain {
		domain[k] = v
	}
	prev := state.DomainFor(e.cfg.ID)
	turns := 0
	if n, ok := prev["turns"].(int); ok {
		turns = n
	} else if f, ok := prev["turns"].(float64); ok {
		turns = int(f)
	}
	domain[e.cfg.ID] = map[string]any{"model": e.cfg.Model, "turns": turns + 1}
	d.Domain = engine.Set(domain)

	if target := strings.TrimSpace(r.Handoff); target != "" && e.allowed(target) {
		d.Outbox = append(d.Outbox, engine.Handoff{AgentID: target})
	}
	return d, nil
}

func (e *Engine) allowed(target string) bool {
	for _, h := range e.cfg.Handoffs {
		if h == target {
			return true
		}
	}
	return false
}

func (e *Engine) history(state engine.State) []*genai.Content {
	msgs := state.Messages
	if len(msgs) > e.cfg.MaxHistory {
		msgs = msgs[len(msgs)-e.cfg.MaxHistory:]
	}
	contents := make([]*genai.Content, 0, len(msgs)+1)
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == engine.RoleAssistant {
			role = genai.RoleModel
		}
		parts := []*genai.Part{}
		if m.Text != "" {
			parts = append(parts, genai.NewPartFromText(m.Text))
		}
		if m.Image != "" && role == genai.RoleUser {
			if data, err := base64.StdEncoding.DecodeString(m.Image); err == nil {
				parts = append(parts, genai.NewPartFromBytes(data, "image/jpeg"))
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}

	if state.PendingAction != nil {
		data, _ := json.Marshal(state.PendingAction.Data)
		contents = append(contents, genai.NewContentFromText(
			fmt.Sprintf("The user pressed %q with data %s.", state.PendingAction.ID, data), genai.RoleUser))
	}
	return contents
}

func (e *Engine) generateConfig() *genai.GenerateContentConfig {
	instruction := e.cfg.Instruction
	if len(e.cfg.Handoffs) > 0 {
		instruction += "\nAgents available for hand-off: " + strings.Join(e.cfg.Handoffs, ", ") + "."
	}
	temp := float32(0.6)
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   1024,
		ResponseMIMEType:  "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"say":        {Type: genai.TypeString},
				"card_title": {Type: genai.TypeString},
				"card_body":  {Type: genai.TypeString},
				"handoff":    {Type: genai.TypeString},
			},
			Required: []string{"say"},
		},
	}
}

// parseReply accepts the JSON object the schema asks for, or falls back to plain text.
func parseReply(text string) (reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return reply{}, errors.New("gemini returned empty text")
	}
	var r reply
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &r); err == nil {
			return r, nil
		}
	}
	return reply{Say: text}, nil
}
