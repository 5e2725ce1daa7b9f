package routing

import (
	"context"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/protocol"
)

// Agent serves ROUTE/REQUEST messages from its cache. It is the only
// writer of the cache file: loaded on start, persisted on stop.
type Agent struct {
	*agent.Agent
	cache       *Cache
	pollTimeout time.Duration
}

func NewAgent(jid string, transport bus.Transport, cache *Cache, cfg agent.Config) *Agent {
	ra := &Agent{
		Agent:       agent.New(jid, transport, cfg),
		cache:       cache,
		pollTimeout: 60 * time.Second,
	}
	ra.AddBehaviour(agent.NewCyclic("route-requests", ra.serve), bus.Template{
		Protocol:     bus.ProtocolRoute,
		Performative: bus.PerformativeRequest,
	})
	ra.OnStop(func() {
		if err := ra.cache.Persist(); err != nil {
			ra.Logger().Printf("warning: %s route cache persist failed err=%v", ra.JID(), err)
		}
	})
	return ra
}

func (ra *Agent) Cache() *Cache {
	return ra.cache
}

// Start loads the cache before serving requests.
func (ra *Agent) Start(ctx context.Context) error {
	_ = ra.cache.Load()
	return ra.Agent.Start(ctx)
}

func (ra *Agent) serve(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, ra.pollTimeout)
	if !ok {
		return nil
	}
	req, err := protocol.Decode[protocol.RouteRequest](msg)
	if err != nil {
		ra.Logger().Printf("warning: %s %v", ra.JID(), err)
		return nil
	}
	ra.AddBehaviour(agent.NewOneShot("route-lookup", func(ctx context.Context, lb *agent.Behaviour) error {
		var e Entry
		var lookupErr error
		lb.Blocking(func() {
			e, lookupErr = ra.cache.GetRoute(ctx, req.Origin, req.Destination)
		})
		if lookupErr != nil {
			ra.Logger().Printf("%s route lookup failed origin=%v destination=%v err=%v", ra.JID(), req.Origin, req.Destination, lookupErr)
		}
		reply, err := msg.Reply(bus.PerformativeInform, NewReply(e, lookupErr))
		if err != nil {
			return err
		}
		return lb.Send(ctx, reply)
	}), nil)
	return nil
}
