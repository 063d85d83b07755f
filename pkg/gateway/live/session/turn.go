package session

import (
	"fmt"
	"sync"
)

// TurnState is where the session is in its current turn.
type TurnState int

const (
	TurnIdle TurnState = iota
	// TurnAwaitingAudio: a transcription turn is open and receiving audio.
	TurnAwaitingAudio
	// TurnDirectText: typed input or a UI action is being prepared for invocation.
	TurnDirectText
	// TurnTranscribing: audio has stopped and the transcript is pending.
	TurnTranscribing
	TurnInvoking
	TurnDraining
	TurnSpeaking
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnAwaitingAudio:
		return "awaiting_audio"
	case TurnDirectText:
		return "direct_text"
	case TurnTranscribing:
		return "transcribing"
	case TurnInvoking:
		return "invoking"
	case TurnDraining:
		return "draining"
	case TurnSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("turn(%d)", int(s))
	}
}

// turnMachine guards turn transitions. Every turn gets a sequence number; abort bumps it so
// work belonging to an aborted turn fails its next transition.
type turnMachine struct {
	mu    sync.Mutex
	state TurnState
	seq   uint64
}

func (m *turnMachine) current() (TurnState, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.seq
}

// begin starts a new turn in state to, provided the machine is in one of from.
func (m *turnMachine) begin(to TurnState, from ...TurnState) (prev TurnState, seq uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev = m.state
	if !in(m.state, from) {
		return prev, m.seq, false
	}
	m.seq++
	m.state = to
	return prev, m.seq, true
}

// advance moves turn seq to state to, provided it is still current and in one of from.
func (m *turnMachine) advance(seq uint64, to TurnState, from ...TurnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq != seq || !in(m.state, from) {
		return false
	}
	m.state = to
	return true
}

// is reports whether turn seq is current and in state st.
func (m *turnMachine) is(seq uint64, st TurnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq == seq && m.state == st
}

func (m *turnMachine) valid(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq == seq
}

// settle moves any turn in state from to Idle.
func (m *turnMachine) settle(from TurnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = TurnIdle
	return true
}

// abort invalidates the current turn and returns to Idle.
func (m *turnMachine) abort() (prev TurnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev = m.state
	m.seq++
	m.state = TurnIdle
	return prev
}

func in(st TurnState, set []TurnState) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}
