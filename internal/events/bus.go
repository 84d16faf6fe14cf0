package events

import "context"

// Bus is the minimal surface the coordinator, worker pool, retry tracker,
// and SLA monitor depend on. MemoryBus satisfies it directly; NatsBus goes
// through a thin adapter (AsBus) since its Subscribe also returns a
// subscription handle.
type Bus interface {
	Publisher
	Subscribe(subject string, handler func(context.Context, Event))
}

// MemoryBus needs no adapter; MemoryBus.Subscribe already matches the
// signature.
var _ Bus = (*MemoryBus)(nil)

// natsBusAdapter wraps NatsBus so it satisfies Bus, discarding the
// *nats.Subscription handle callers of the unified interface don't need.
type natsBusAdapter struct{ *NatsBus }

func (a natsBusAdapter) Subscribe(subject string, handler func(context.Context, Event)) {
	_, _ = a.NatsBus.Subscribe(subject, handler)
}

// AsBus adapts a NatsBus to the unified Bus interface.
func AsBus(n *NatsBus) Bus { return natsBusAdapter{n} }
