package engine

// Merge applies delta to state and returns the result. state is not modified.
func Merge(state State, delta Delta) State {
	out := state
	out.Messages = concat(state.Messages, delta.Messages)
	out.Outbox = concat(state.Outbox, delta.Outbox)
	if out.Messages == nil {
		out.Messages = []Message{}
	}

	if delta.Mode.Set {
		out.Mode = delta.Mode.Value
	}
	if delta.Device.Set {
		out.Device = delta.Device.Value
	}
	if delta.Transcript.Set {
		out.Transcript = delta.Transcript.Value
	}
	if delta.UI.Set {
		out.UI = delta.UI.Value
	}
	if delta.Error.Set {
		out.Error = delta.Error.Value
	}
	if delta.PendingAction.Set {
		out.PendingAction = delta.PendingAction.Value
	}
	if delta.Meta.Set {
		out.Meta = delta.Meta.Value
	}
	if delta.Domain.Set {
		out.Domain = delta.Domain.Value
	}
	if delta.StateVersion.Set {
		out.StateVersion = delta.StateVersion.Value
	}
	return out
}

func concat[T any](a, b []T) []T {
	if len(a) == 0 && len(b) == 0 {
		return a
	}
	out := make([]T, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
