package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vango-go/convo-gateway/pkg/engine"

// InvokeConfig is opaque tracing metadata for one invocation.
type InvokeConfig struct {
	SessionID string
	AgentID   string
	TurnID    string
	Reason    Reason
}

// Invoker runs engine turns off the caller's goroutine and applies the post-invoke hook.
type Invoker struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Timeout time.Duration

	// Observe, when set, is called once per invocation with its outcome.
	Observe func(agentID string, elapsed time.Duration, err error)
}

type invokeResult struct {
	delta Delta
	err   error
}

// Invoke runs e against a copy of state and returns the merged result. Engine errors are
// returned unmodified; on error the caller's state is untouched. If ctx ends first, Invoke
// returns ctx.Err() and the engine's eventual result is dropped.
func (inv Invoker) Invoke(ctx context.Context, e Engine, state State, cfg InvokeConfig) (State, error) {
	if e == nil {
		return State{}, fmt.Errorf("invoke: nil engine")
	}
	logger := inv.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := inv.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	ctx, span := tracer.Start(ctx, "engine.invoke", trace.WithAttributes(
		attribute.String("session.id", cfg.SessionID),
		attribute.String("agent.id", cfg.AgentID),
		attribute.String("turn.id", cfg.TurnID),
		attribute.String("turn.reason", string(cfg.Reason)),
	))
	defer span.End()

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	start := time.Now()
	input := state.Clone()
	resultCh := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- invokeResult{err: fmt.Errorf("engine %s panicked: %v", e.ID(), r)}
			}
		}()
		delta, err := e.Invoke(ctx, input, Signal{TurnID: cfg.TurnID, Reason: cfg.Reason})
		resultCh <- invokeResult{delta: delta, err: err}
	}()

	var res invokeResult
	select {
	case <-ctx.Done():
		res.err = ctx.Err()
	case res = <-resultCh:
	}
	inv.observe(cfg.AgentID, time.Since(start), res.err)

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return State{}, res.err
	}

	next := Merge(input, res.delta)
	span.SetAttributes(attribute.Int("outbox.size", len(next.Outbox)))

	if hook, ok := e.(PostInvoker); ok {
		if err := postInvoke(ctx, hook, next.Clone()); err != nil {
			logger.Warn("post-invoke hook failed", "agent_id", cfg.AgentID, "session_id", cfg.SessionID, "error", err)
		}
	}
	logger.Debug("engine invoke complete", "agent_id", cfg.AgentID, "turn_id", cfg.TurnID, "outbox", len(next.Outbox))
	return next, nil
}

// postInvoke runs the hook, turning a panic into an error so the turn still completes.
func postInvoke(ctx context.Context, hook PostInvoker, state State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("post-invoke hook panicked: %v", r)
		}
	}()
	return hook.PostInvoke(ctx, state)
}

func (inv Invoker) observe(agentID string, elapsed time.Duration, err error) {
	if inv.Observe != nil {
		inv.Observe(agentID, elapsed, err)
	}
}
