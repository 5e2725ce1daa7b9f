package customer

import (
	"context"
	"slices"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

const (
	StateWaitingToMove      agent.State = "WAITING_TO_MOVE"
	StateInStop             agent.State = "IN_STOP"
	StateWaiting            agent.State = "WAITING"
	StateWaitingForApproval agent.State = "WAITING_FOR_APPROVAL"
	StateInTransport        agent.State = "IN_TRANSPORT"
	StateInDest             agent.State = "IN_DEST"
)

// BusCustomer walks to the stop of its line nearest to it, queues there
// and boards the first bus with room that goes to the stop nearest its
// destination.
type BusCustomer struct {
	*Customer
	fsm *agent.FSM

	originStop  string
	originPos   geo.Coordinate
	destStopPos geo.Coordinate
	offeredBy   string
}

func NewBusCustomer(jid string, transport bus.Transport, cfg Config) *BusCustomer {
	c := &BusCustomer{Customer: newCustomer(jid, "bus", transport, cfg)}
	f := agent.NewFSM("bus-customer", StateWaitingToMove)
	f.AddState(StateWaitingToMove, c.waitingToMove)
	f.AddState(StateInStop, c.inStop)
	f.AddState(StateWaiting, c.waiting)
	f.AddState(StateWaitingForApproval, c.waitingForApproval)
	f.AddState(StateInTransport, c.inTransport)
	f.AddState(StateInDest, c.inDest)
	for _, tr := range [][2]agent.State{
		{StateWaitingToMove, StateWaitingToMove},
		{StateWaitingToMove, StateInStop},
		{StateInStop, StateInStop},
		{StateInStop, StateWaiting},
		{StateWaiting, StateWaiting},
		{StateWaiting, StateWaitingForApproval},
		{StateWaitingForApproval, StateWaiting},
		{StateWaitingForApproval, StateInTransport},
		{StateInTransport, StateInTransport},
		{StateInTransport, StateInDest},
	} {
		f.AddTransition(tr[0], tr[1])
	}
	c.fsm = f
	c.setStatus(protocol.CustomerWaitingToMove)
	c.AddBehaviour(f.Behaviour(), bus.AnyOf(
		bus.Template{Protocol: bus.ProtocolRequest, Performative: bus.PerformativeInform},
		bus.Template{Protocol: bus.ProtocolTravel, Performative: bus.PerformativeInform},
	))
	return c
}

// State must be read under the agent lock.
func (c *BusCustomer) State() agent.State {
	return c.fsm.Current()
}

func (c *BusCustomer) waitingToMove(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	listing, err := fleet.QueryDirectory(ctx, b, c.cfg.Directory, "stops", c.cfg.ReplyTimeout)
	if err != nil {
		c.Logger().Printf("%s stop lookup failed: %v", c.JID(), err)
		_ = b.Sleep(ctx, c.cfg.RequestInterval)
		return StateWaitingToMove, nil
	}
	var jids []string
	var positions []geo.Coordinate
	for jid, entry := range listing {
		if entry.Position != nil && slices.Contains(entry.Lines, c.cfg.Line) {
			jids = append(jids, jid)
			positions = append(positions, *entry.Position)
		}
	}
	origin := geo.Nearest(c.Position(), positions)
	dest := geo.Nearest(c.cfg.Destination, positions)
	if origin < 0 {
		c.Logger().Printf("warning: %s no stop serves line %s", c.JID(), c.cfg.Line)
		_ = b.Sleep(ctx, c.cfg.RequestInterval)
		return StateWaitingToMove, nil
	}
	c.originStop, c.originPos, c.destStopPos = jids[origin], positions[origin], positions[dest]
	c.PositionCell().Set(c.originPos)
	c.Logger().Printf("%s going to stop=%s line=%s", c.JID(), c.originStop, c.cfg.Line)
	return StateInStop, nil
}

func (c *BusCustomer) inStop(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	c.setStatus(protocol.CustomerInStop)
	msg, err := bus.NewMessage(c.originStop, bus.ProtocolRequest, bus.PerformativeRequest, protocol.Admission{
		Line:       c.cfg.Line,
		ObjectType: "customer",
		Args:       map[string]any{"destination_stop": c.destStopPos},
	})
	if err != nil {
		return StateInStop, err
	}
	reply, err := agent.Request(ctx, b, msg, bus.Template{Protocol: bus.ProtocolRequest, Sender: c.originStop}, c.cfg.ReplyTimeout)
	if err != nil || reply.Performative != bus.PerformativeAccept {
		c.Logger().Printf("%s not admitted at %s: %v", c.JID(), c.originStop, err)
		_ = b.Sleep(ctx, c.cfg.RequestInterval)
		return StateInStop, nil
	}
	c.setStatus(protocol.CustomerWaiting)
	return StateWaiting, nil
}

func (c *BusCustomer) waiting(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	msg, ok := b.Receive(ctx, c.cfg.PollInterval)
	if !ok || msg.Protocol != bus.ProtocolRequest {
		return StateWaiting, nil
	}
	in, err := protocol.Decode[protocol.Inform](msg)
	if err != nil {
		c.Logger().Printf("warning: %s %v", c.JID(), err)
		return StateWaiting, nil
	}
	if in.Status != protocol.TransportInCustomerPlace || in.Transport == "" {
		return StateWaiting, nil
	}
	c.offeredBy = in.Transport
	return StateWaitingForApproval, nil
}

func (c *BusCustomer) waitingForApproval(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	c.setStatus(protocol.CustomerWaitingForApproval)
	msg, err := bus.NewMessage(c.offeredBy, bus.ProtocolRequest, bus.PerformativeRequest, protocol.Trip{
		Origin: c.originPos,
		Dest:   c.destStopPos,
	})
	if err != nil {
		return StateWaiting, err
	}
	reply, err := agent.Request(ctx, b, msg, bus.Template{Protocol: bus.ProtocolRequest, Sender: c.offeredBy}, c.cfg.ReplyTimeout)
	if err != nil || reply.Performative != bus.PerformativeAccept {
		c.Logger().Printf("%s boarding %s refused: %v", c.JID(), c.offeredBy, err)
		c.setStatus(protocol.CustomerWaiting)
		return StateWaiting, nil
	}
	c.transport = c.offeredBy
	c.pickedUp()
	dequeue, err := bus.NewMessage(c.originStop, bus.ProtocolRequest, bus.PerformativeInform, protocol.LineInform{Line: c.cfg.Line})
	if err != nil {
		return StateInTransport, err
	}
	if err := b.Send(ctx, dequeue); err != nil {
		c.Logger().Printf("%s dequeue at %s failed: %v", c.JID(), c.originStop, err)
	}
	return StateInTransport, nil
}

func (c *BusCustomer) inTransport(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	msg, ok := b.Receive(ctx, c.cfg.PollInterval)
	if !ok {
		return StateInTransport, nil
	}
	if msg.Protocol == bus.ProtocolTravel {
		c.track(msg)
		return StateInTransport, nil
	}
	in, err := protocol.Decode[protocol.Inform](msg)
	if err != nil {
		c.Logger().Printf("warning: %s %v", c.JID(), err)
		return StateInTransport, nil
	}
	if in.Status == protocol.CustomerInDest && msg.From == c.transport {
		return StateInDest, nil
	}
	return StateInTransport, nil
}

func (c *BusCustomer) inDest(context.Context, *agent.Behaviour) (agent.State, error) {
	c.arrive(c.destStopPos)
	return "", nil
}
