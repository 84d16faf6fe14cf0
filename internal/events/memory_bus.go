package events

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBus is the in-process fallback publisher used when no NATS URL is
// configured or the broker is unreachable. It supports the same subject
// wildcard (`prefix.*`) the NATS subject scheme relies on, so the
// coordinator's subscription code does not need to branch on transport.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []memSub
}

type memSub struct {
	prefix  string
	handler func(context.Context, Event)
}

// NewMemoryBus returns a ready-to-use in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	matches := make([]func(context.Context, Event), 0, len(b.subs))
	for _, s := range b.subs {
		if matchSubject(s.prefix, subject) {
			matches = append(matches, s.handler)
		}
	}
	b.mu.RUnlock()
	for _, h := range matches {
		h(ctx, ev)
	}
	return nil
}

// Subscribe registers handler for subject, which may end in "*" to match
// any suffix (mirroring NATS wildcard subscriptions).
func (b *MemoryBus) Subscribe(subject string, handler func(context.Context, Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memSub{prefix: strings.TrimSuffix(subject, "*"), handler: handler})
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	return nil
}

func matchSubject(prefix, subject string) bool {
	if prefix == subject {
		return true
	}
	return strings.HasPrefix(subject, prefix)
}
