package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joelkehle/simfleet/internal/bus"
)

// Request sends msg under a fresh correlation id and waits up to timeout
// for the first reply on that thread that also satisfies m. The reply is
// collected by a one-shot listener attached before the send, so b is free
// to be joined by other behaviours meanwhile.
func Request(ctx context.Context, b *Behaviour, msg bus.Message, m bus.Matcher, timeout time.Duration) (bus.Message, error) {
	ctx, span := otel.Tracer("simfleet/agent").Start(ctx, "rpc "+msg.Key())
	defer span.End()

	thread := uuid.NewString()
	msg.Thread = thread
	span.SetAttributes(
		attribute.String("rpc.to", msg.To),
		attribute.String("rpc.thread", thread),
	)

	var matcher bus.Matcher = bus.Template{Thread: thread}
	if m != nil {
		matcher = bus.And{m, bus.Template{Thread: thread}}
	}

	var reply bus.Message
	var got bool
	listener := NewOneShot("rpc-"+thread[:8], func(ctx context.Context, lb *Behaviour) error {
		reply, got = lb.Receive(ctx, timeout)
		return nil
	})
	a := b.Agent()
	a.AddBehaviour(listener, matcher)

	if err := b.Send(ctx, msg); err != nil {
		listener.Kill(0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return bus.Message{}, err
	}
	if !b.Join(ctx, listener, 0) {
		listener.Kill(0)
		return bus.Message{}, ctx.Err()
	}
	if !got {
		err := bus.NewTimeoutError("no reply to " + msg.Key() + " from " + msg.To)
		span.SetStatus(codes.Error, "timeout")
		return bus.Message{}, err
	}
	span.SetAttributes(attribute.String("rpc.reply", reply.Key()))
	return reply, nil
}
