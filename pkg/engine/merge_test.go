package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestMerge_OverwritesOnlySetFields(t *testing.T) {
	base := State{
		Mode:       ModeVoice,
		Device:     DeviceMobile,
		Transcript: "before",
		Messages:   []Message{},
		Meta:       map[string]any{"a": 1},
		Domain:     map[string]any{},
		PendingAction: &Action{
			ID: "pending",
		},
		StateVersion: 1,
	}

	out := Merge(base, Delta{
		Transcript:    Set(""),
		PendingAction: Set[*Action](nil),
	})

	assert.Equal(t, ModeVoice, out.Mode)
	assert.Equal(t, DeviceMobile, out.Device)
	assert.Equal(t, "", out.Transcript)
	assert.Nil(t, out.PendingAction)
	assert.Equal(t, map[string]any{"a": 1}, out.Meta)
	assert.Equal(t, "before", base.Transcript)
	assert.NotNil(t, base.PendingAction)
}

func TestMerge_ReducerFieldsConcatenate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		before := rapid.SliceOf(rapid.String()).Draw(t, "before")
		added := rapid.SliceOf(rapid.String()).Draw(t, "added")
		spoken := rapid.SliceOf(rapid.String()).Draw(t, "spoken")

		state := State{Messages: toMessages(before)}
		for _, s := range spoken {
			state.Outbox = append(state.Outbox, Speak{Text: s})
		}
		var delta Delta
		delta.Messages = toMessages(added)
		delta.Outbox = []Event{Thinking{State: ThinkingIdle}}

		out := Merge(state, delta)

		if len(out.Messages) != len(before)+len(added) {
			t.Fatalf("messages len=%d, want %d", len(out.Messages), len(before)+len(added))
		}
		for i, text := range append(append([]string{}, before...), added...) {
			if out.Messages[i].Text != text {
				t.Fatalf("messages[%d]=%q, want %q", i, out.Messages[i].Text, text)
			}
		}
		if len(out.Outbox) != len(spoken)+1 {
			t.Fatalf("outbox len=%d, want %d", len(out.Outbox), len(spoken)+1)
		}
		if len(state.Messages) != len(before) {
			t.Fatalf("input state mutated")
		}
	})
}

func toMessages(texts []string) []Message {
	out := make([]Message, 0, len(texts))
	for _, s := range texts {
		out = append(out, Message{Role: RoleUser, Text: s})
	}
	return out
}
