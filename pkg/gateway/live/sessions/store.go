// Package sessions tracks the live conversational sessions of one gateway process.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Info describes a registered session.
type Info struct {
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Principal string    `json:"principal,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Handle lets the store reach into a running session during shutdown.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

// Store is the registry of live sessions. The zero value is not usable; call NewStore.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	info   Info
	handle Handle
	once   sync.Once
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
	}
}

// Register adds a session. A session registered under an existing id replaces it.
func (s *Store) Register(info Info, h Handle) (unregister func()) {
	if s == nil {
		return func() {}
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}

	e := &entry{info: info, handle: h}

	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = make(map[string]*entry)
	}
	old := s.sessions[info.SessionID]
	s.sessions[info.SessionID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	if old != nil {
		s.release(info.SessionID, old, false)
	}

	return func() { s.release(info.SessionID, e, true) }
}

func (s *Store) release(sessionID string, e *entry, remove bool) {
	if s == nil || e == nil {
		return
	}
	e.once.Do(func() {
		if remove {
			s.mu.Lock()
			if s.sessions != nil && s.sessions[sessionID] == e {
				delete(s.sessions, sessionID)
			}
			s.mu.Unlock()
		}
		s.wg.Done()
	})
}

// SetAgent records the session's active agent after a hand-off.
func (s *Store) SetAgent(sessionID, agentID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	e.info.AgentID = agentID
	return true
}

func (s *Store) Get(sessionID string) (Info, bool) {
	if s == nil {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// List returns the live sessions, oldest first.
func (s *Store) List() []Info {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]Info, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (s *Store) Count() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CountByAgent returns live session counts keyed by active agent.
func (s *Store) CountByAgent() map[string]int {
	out := make(map[string]int)
	if s == nil {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sessions {
		out[e.info.AgentID]++
	}
	return out
}

func (s *Store) WarnAll(code, message string) (sent int) {
	if s == nil {
		return 0
	}

	var warns []func(code, message string) error
	s.mu.Lock()
	for _, e := range s.sessions {
		if e == nil || e.handle.Warn == nil {
			continue
		}
		warns = append(warns, e.handle.Warn)
	}
	s.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (s *Store) CancelAll() (canceled int) {
	if s == nil {
		return 0
	}

	var cancels []func()
	s.mu.Lock()
	for _, e := range s.sessions {
		if e == nil || e.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, e.handle.Cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx is done.
func (s *Store) Wait(ctx context.Context) bool {
	if s == nil {
		return true
	}
	if ctx == nil {
		s.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
