package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("engine not found")

// NotFoundError is returned by Registry.Get for an unregistered agent id.
type NotFoundError struct {
	AgentID   string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no engine registered for agent_id=%q; available: [%s]", e.AgentID, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Registry maps agent ids to engines. It is written at startup and read on every connect
// and hand-off.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engines: make(map[string]Engine),
		logger:  logger,
	}
}

// Register inserts e under its id. A later registration with the same id wins.
func (r *Registry) Register(e Engine) {
	if r == nil || e == nil {
		return
	}
	id := strings.TrimSpace(e.ID())

	r.mu.Lock()
	_, replaced := r.engines[id]
	r.engines[id] = e
	r.mu.Unlock()

	r.logger.Info("registered engine", "agent_id", id, "state_version", e.StateVersion(), "replaced", replaced)
}

func (r *Registry) Get(agentID string) (Engine, error) {
	if r == nil {
		return nil, &NotFoundError{AgentID: agentID}
	}
	r.mu.RLock()
	e, ok := r.engines[strings.TrimSpace(agentID)]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{AgentID: agentID, Available: r.List()}
	}
	return e, nil
}

// List returns the registered ids in sorted order.
func (r *Registry) List() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
