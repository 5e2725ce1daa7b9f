package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/protocol"
)

const RegisterTimeout = 10 * time.Second

// ErrNotListed is returned by QueryDirectory when the directory answers
// QUERY/CANCEL.
var ErrNotListed = errors.New("no directory entries for type")

// Registration keeps sending REGISTER/REQUEST to Target until it is
// accepted or refused.
type Registration struct {
	Target   string
	Body     any
	Timeout  time.Duration
	OnAccept func(ctx context.Context, b *agent.Behaviour, reply bus.Message)

	registered atomic.Bool
	refused    atomic.Bool
}

func (r *Registration) Registered() bool {
	return r.registered.Load()
}

func (r *Registration) Refused() bool {
	return r.refused.Load()
}

// Behaviour returns the cyclic behaviour and the matcher to attach it with.
func (r *Registration) Behaviour() (*agent.Behaviour, bus.Matcher) {
	return agent.NewCyclic("register", r.run), bus.AnyOf(
		bus.Template{Protocol: bus.ProtocolRegister, Performative: bus.PerformativeAccept},
		bus.Template{Protocol: bus.ProtocolRegister, Performative: bus.PerformativeRefuse},
	)
}

// Attach adds the registration behaviour to a.
func (r *Registration) Attach(a *agent.Agent) *agent.Behaviour {
	b, m := r.Behaviour()
	a.AddBehaviour(b, m)
	return b
}

func (r *Registration) run(ctx context.Context, b *agent.Behaviour) error {
	if r.Registered() || r.Refused() {
		b.Kill(0)
		return nil
	}
	a := b.Agent()
	msg, err := bus.NewMessage(r.Target, bus.ProtocolRegister, bus.PerformativeRequest, r.Body)
	if err != nil {
		return err
	}
	if err := b.Send(ctx, msg); err != nil {
		// Target not up yet; retry after a timeout.
		_ = b.Sleep(ctx, r.timeout())
		return nil
	}
	reply, ok := b.Receive(ctx, r.timeout())
	if !ok {
		a.Logger().Printf("%s registration with %s timed out, retrying", a.JID(), r.Target)
		return nil
	}
	switch reply.Performative {
	case bus.PerformativeAccept:
		r.registered.Store(true)
		a.Logger().Printf("%s registered with %s", a.JID(), r.Target)
		if r.OnAccept != nil {
			r.OnAccept(ctx, b, reply)
		}
	case bus.PerformativeRefuse:
		r.refused.Store(true)
		a.Logger().Printf("warning: %s registration refused by %s", a.JID(), r.Target)
	}
	b.Kill(0)
	return nil
}

func (r *Registration) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return RegisterTimeout
}

// QueryDirectory asks the directory for every agent registered under typ.
func QueryDirectory(ctx context.Context, b *agent.Behaviour, directory, typ string, timeout time.Duration) (protocol.DirectoryListing, error) {
	msg, err := bus.NewMessage(directory, bus.ProtocolQuery, bus.PerformativeRequest, protocol.DirectoryQuery{Type: typ})
	if err != nil {
		return nil, err
	}
	reply, err := agent.Request(ctx, b, msg, bus.Template{Protocol: bus.ProtocolQuery}, timeout)
	if err != nil {
		return nil, err
	}
	switch reply.Performative {
	case bus.PerformativeInform:
		return protocol.Decode[protocol.DirectoryListing](reply)
	case bus.PerformativeCancel:
		return nil, fmt.Errorf("%w %q", ErrNotListed, typ)
	default:
		return nil, protocol.Expect(reply, bus.ProtocolQuery, bus.PerformativeInform, bus.PerformativeCancel)
	}
}
