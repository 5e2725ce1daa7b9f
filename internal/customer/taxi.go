package customer

import (
	"context"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/protocol"
)

// TaxiCustomer asks its fleet manager for a ride until a transport's
// proposal is accepted, then follows the transport's status updates.
type TaxiCustomer struct {
	*Customer
}

func NewTaxiCustomer(jid string, transport bus.Transport, cfg Config) *TaxiCustomer {
	c := &TaxiCustomer{Customer: newCustomer(jid, "taxi", transport, cfg)}
	c.AddBehaviour(agent.NewCyclic("travel-request", c.request), nil)
	c.AddBehaviour(agent.NewCyclic("negotiation", c.negotiate), bus.AnyOf(
		bus.Template{Protocol: bus.ProtocolRequest},
		bus.Template{Protocol: bus.ProtocolTravel, Performative: bus.PerformativeInform},
	))
	return c
}

func (c *TaxiCustomer) request(ctx context.Context, b *agent.Behaviour) error {
	if c.CustomerStatus() == protocol.CustomerInDest {
		b.Kill(0)
		return nil
	}
	if c.transport == "" {
		msg, err := bus.NewMessage(c.cfg.FleetManager, bus.ProtocolRequest, bus.PerformativeRequest, protocol.TravelRequest{
			CustomerID: c.JID(),
			Origin:     c.Position(),
			Dest:       c.cfg.Destination,
		})
		if err != nil {
			return err
		}
		if err := b.Send(ctx, msg); err != nil {
			c.Logger().Printf("%s travel request to %s failed: %v", c.JID(), c.cfg.FleetManager, err)
		}
	}
	return b.Sleep(ctx, c.cfg.RequestInterval)
}

func (c *TaxiCustomer) negotiate(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, c.cfg.PollInterval)
	if !ok {
		return nil
	}
	if msg.Protocol == bus.ProtocolTravel {
		c.track(msg)
		return nil
	}
	switch msg.Performative {
	case bus.PerformativePropose:
		perf := bus.PerformativeRefuse
		if c.transport == "" && c.CustomerStatus() != protocol.CustomerInDest {
			perf = bus.PerformativeAccept
			c.transport = msg.From
			c.setStatus(protocol.CustomerAssigned)
			c.Logger().Printf("%s accepted proposal from %s", c.JID(), msg.From)
		}
		reply, err := msg.Reply(perf, nil)
		if err != nil {
			return err
		}
		return b.Send(ctx, reply)
	case bus.PerformativeCancel:
		if msg.From == c.transport {
			c.Logger().Printf("%s trip cancelled by %s, requesting again", c.JID(), msg.From)
			c.transport = ""
			c.setStatus(protocol.CustomerWaiting)
		}
	case bus.PerformativeInform:
		in, err := protocol.Decode[protocol.Inform](msg)
		if err != nil {
			c.Logger().Printf("warning: %s %v", c.JID(), err)
			return nil
		}
		c.follow(in)
	default:
		c.Logger().Printf("warning: %s unexpected %s from %s", c.JID(), msg.Key(), msg.From)
	}
	return nil
}

func (c *TaxiCustomer) follow(in protocol.Inform) {
	switch in.Status {
	case protocol.TransportMovingToCustomer:
		c.setStatus(protocol.CustomerAssigned)
	case protocol.TransportInCustomerPlace, protocol.TransportMovingToDestination:
		c.pickedUp()
	case protocol.CustomerInDest:
		c.arrive(c.cfg.Destination)
	}
}
