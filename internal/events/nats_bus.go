package events

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// NatsBus publishes and subscribes to events over a NATS connection,
// propagating the OTel trace context on the wire so a consumer span nests
// under the producing call.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials url and returns a ready-to-use bus. Callers should treat
// connection errors as non-fatal and fall back to MemoryBus.
func NewNatsBus(url string) (*NatsBus, error) {
	nc, err := nats.Connect(url, nats.Name("orchestrator"), nats.RetryOnFailedConnect(true))
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

func (b *NatsBus) Publish(ctx context.Context, subject string, ev Event) error {
	data, err := marshal(ev)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return b.nc.PublishMsg(msg)
}

// Subscribe registers handler on subject (which may use NATS wildcards),
// extracting the trace context carried in the message header.
func (b *NatsBus) Subscribe(subject string, handler func(context.Context, Event)) (*nats.Subscription, error) {
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("orchestrator-events")
		ctx, span := tr.Start(ctx, "events.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var ev Event
		if err := unmarshal(m.Data, &ev); err != nil {
			span.RecordError(err)
			return
		}
		handler(ctx, ev)
	})
}

func (b *NatsBus) Close() error {
	b.nc.Drain()
	return nil
}
