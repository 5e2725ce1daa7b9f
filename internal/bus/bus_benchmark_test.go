package bus

import (
	"context"
	"testing"
	"time"
)

func BenchmarkDeliver(b *testing.B) {
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	bus := NewBus(Config{Clock: func() time.Time { return now }})
	mb, err := bus.Register("b")
	if err != nil {
		b.Fatalf("register b: %v", err)
	}
	msg, err := NewMessage("b", ProtocolRequest, PerformativeRequest, map[string]any{"customer_id": "a"})
	if err != nil {
		b.Fatalf("new message: %v", err)
	}
	msg.From = "a"
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bus.Deliver(ctx, msg); err != nil {
			b.Fatalf("deliver failed at i=%d: %v", i, err)
		}
		if _, ok := mb.Pop(ctx, time.Second); !ok {
			b.Fatalf("pop failed at i=%d", i)
		}
	}
}
