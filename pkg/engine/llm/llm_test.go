package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/vango-go/convo-gateway/pkg/engine"
)

type fakeGenerator struct {
	text string
	err  error

	model    string
	contents []*genai.Content
	cfg      *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.cfg = model, contents, cfg
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(f.text, genai.RoleModel)}},
	}, nil
}

func userState(e *Engine, text string) engine.State {
	s := e.InitialState()
	s.Transcript = text
	s.Messages = append(s.Messages, engine.Message{Role: engine.RoleUser, Text: text})
	return s
}

func TestInvoke_StructuredReply(t *testing.T) {
	gen := &fakeGenerator{text: `{"say":"It's sunny.","card_title":"Weather","card_body":"22C, clear"}`}
	e := New(gen, Config{Model: "gemini-test"})
	s := userState(e, "what's the weather")

	d, err := e.Invoke(context.Background(), s, engine.Signal{Reason: engine.ReasonText})
	require.NoError(t, err)

	assert.Equal(t, "gemini-test", gen.model)
	require.Len(t, gen.contents, 1)
	assert.Equal(t, "application/json", gen.cfg.ResponseMIMEType)

	require.Len(t, d.Outbox, 2)
	patch, ok := d.Outbox[0].(engine.UIPatch)
	require.True(t, ok)
	assert.Equal(t, "Weather", patch.Components[0].(map[string]any)["title"])
	assert.Equal(t, engine.Speak{Text: "It's sunny."}, d.Outbox[1])

	next := engine.Merge(s, d)
	assert.Equal(t, 1, next.DomainFor(DefaultID)["turns"])
	assert.Equal(t, engine.RoleAssistant, next.Messages[len(next.Messages)-1].Role)
}

func TestInvoke_PlainTextFallback(t *testing.T) {
	e := New(&fakeGenerator{text: "Just text."}, Config{})
	d, err := e.Invoke(context.Background(), userState(e, "hi"), engine.Signal{Reason: engine.ReasonVoice})
	require.NoError(t, err)
	assert.Equal(t, []engine.Event{engine.Speak{Text: "Just text."}}, d.Outbox)
}

func TestInvoke_HandoffOnlyToAllowedAgents(t *testing.T) {
	gen := &fakeGenerator{text: `{"say":"Transferring.","handoff":"support"}`}

	e := New(gen, Config{Handoffs: []string{"support"}})
	d, err := e.Invoke(context.Background(), userState(e, "human please"), engine.Signal{Reason: engine.ReasonText})
	require.NoError(t, err)
	assert.Equal(t, engine.Handoff{AgentID: "support"}, d.Outbox[len(d.Outbox)-1])
	assert.Contains(t, gen.cfg.SystemInstruction.Parts[0].Text, "support")

	e = New(gen, Config{})
	d, err = e.Invoke(context.Background(), userState(e, "human please"), engine.Signal{Reason: engine.ReasonText})
	require.NoError(t, err)
	for _, ev := range d.Outbox {
		assert.NotEqual(t, engine.KindHandoff, ev.Kind())
	}
}

func TestInvoke_GeneratorError(t *testing.T) {
	boom := errors.New("quota")
	e := New(&fakeGenerator{err: boom}, Config{})
	_, err := e.Invoke(context.Background(), userState(e, "hi"), engine.Signal{Reason: engine.ReasonText})
	assert.ErrorIs(t, err, boom)
}

func TestInvoke_EmptyReplyIsError(t *testing.T) {
	e := New(&fakeGenerator{text: "  "}, Config{})
	_, err := e.Invoke(context.Background(), userState(e, "hi"), engine.Signal{Reason: engine.ReasonText})
	assert.Error(t, err)
}

func TestInvoke_ConnectSkipsModel(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("must not be called")}
	e := New(gen, Config{})
	d, err := e.Invoke(context.Background(), e.InitialState(), engine.Signal{Reason: engine.ReasonConnect})
	require.NoError(t, err)
	require.Len(t, d.Outbox, 1)
	assert.Nil(t, gen.contents)
}

func TestHistory_RolesImagesAndActions(t *testing.T) {
	e := New(&fakeGenerator{}, Config{MaxHistory: 2})
	s := e.InitialState()
	img := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})
	s.Messages = []engine.Message{
		{Role: engine.RoleUser, Text: "dropped by the history cap"},
		{Role: engine.RoleAssistant, Text: "hello"},
		{Role: engine.RoleUser, Text: "look", Image: img},
	}
	s.PendingAction = &engine.Action{ID: "buy", Data: map[string]any{"sku": "A1"}}

	contents := e.history(s)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleModel), contents[0].Role)
	assert.Equal(t, string(genai.RoleUser), contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	require.NotNil(t, contents[1].Parts[1].InlineData)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, contents[1].Parts[1].InlineData.Data)
	assert.Contains(t, contents[2].Parts[0].Text, `"buy"`)
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), " ")
	assert.Error(t, err)
}
