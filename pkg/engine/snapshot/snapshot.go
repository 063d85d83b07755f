// Package snapshot persists each engine's domain payload to Redis after every successful turn.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/convo-gateway/pkg/engine"
)

const defaultKeyPrefix = "convo:snapshot:"

// ErrNoSessionID is returned when the state carries no session id to key the snapshot by.
var ErrNoSessionID = errors.New("snapshot: state has no session_id")

type Config struct {
	TTL       time.Duration
	KeyPrefix string
	// EphemeralKeys are dropped from the domain payload before it is stored.
	EphemeralKeys []string
}

// Record is the stored form of a snapshot.
type Record struct {
	SessionID    string         `json:"session_id"`
	AgentID      string         `json:"agent_id"`
	StateVersion int            `json:"state_version"`
	Domain       map[string]any `json:"domain"`
	SavedAt      time.Time      `json:"saved_at"`
}

// Store reads and writes snapshots.
type Store struct {
	client    redis.UniversalClient
	cfg       Config
	ephemeral map[string]struct{}
	now       func() time.Time
}

// NewStore returns a Store over client.
func NewStore(client redis.UniversalClient, cfg Config) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	eph := make(map[string]struct{}, len(cfg.EphemeralKeys))
	for _, k := range cfg.EphemeralKeys {
		eph[k] = struct{}{}
	}
	return &Store{client: client, cfg: cfg, ephemeral: eph, now: time.Now}
}

// Open parses a redis:// URL, connects, and pings.
func Open(ctx context.Context, url string, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewStore(client, cfg), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(sessionID, agentID string) string {
	return s.cfg.KeyPrefix + sessionID + ":" + agentID
}

// Save writes agentID's domain payload from state.
func (s *Store) Save(ctx context.Context, agentID string, state engine.State) error {
	sessionID, _ := state.Meta["session_id"].(string)
	if sessionID == "" {
		return ErrNoSessionID
	}

	domain := make(map[string]any)
	for k, v := range state.DomainFor(agentID) {
		if _, skip := s.ephemeral[k]; skip {
			continue
		}
		domain[k] = v
	}

	data, err := json.Marshal(Record{
		SessionID:    sessionID,
		AgentID:      agentID,
		StateVersion: state.StateVersion,
		Domain:       domain,
		SavedAt:      s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID, agentID), data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the latest snapshot for the session and agent. A missing snapshot returns (nil, nil).
func (s *Store) Load(ctx context.Context, sessionID, agentID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(sessionID, agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &rec, nil
}

// Wrap returns e with a post-invoke hook that saves its domain payload to s.
// Optional engine interfaces are forwarded. A hook the engine already has runs first.
func Wrap(e engine.Engine, s *Store) engine.Engine {
	if s == nil || e == nil {
		return e
	}
	return persisted{Engine: e, store: s}
}

type persisted struct {
	engine.Engine
	store *Store
}

func (p persisted) PostInvoke(ctx context.Context, state engine.State) error {
	if hook, ok := p.Engine.(engine.PostInvoker); ok {
		if err := hook.PostInvoke(ctx, state); err != nil {
			return err
		}
	}
	return p.store.Save(ctx, p.Engine.ID(), state)
}

func (p persisted) ValidateAction(actionID string, data map[string]any) (string, bool) {
	return engine.ValidateAction(p.Engine, actionID, data)
}

func (p persisted) Capabilities() map[string]any {
	caps := engine.Capabilities(p.Engine)
	out := make(map[string]any, len(caps)+1)
	for k, v := range caps {
		out[k] = v
	}
	out["snapshots"] = true
	return out
}
