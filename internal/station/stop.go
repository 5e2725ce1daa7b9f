package station

import (
	"context"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

// BusStop keeps one queue per line and tells waiting customers when a bus
// serving their destination stands at the stop.
type BusStop struct {
	*QueueStation
	stopName string
}

func NewBusStop(jid, stopName string, transport bus.Transport, cfg Config) *BusStop {
	s := &BusStop{QueueStation: NewQueueStation(jid, transport, cfg), stopName: stopName}
	s.registerBody = s.stopRegistration
	s.AddBehaviour(agent.NewCyclic("bus-arrivals", s.arrivals), bus.Template{
		Protocol:     bus.ProtocolRequest,
		Performative: bus.PerformativeInform,
	})
	return s
}

func (s *BusStop) StopName() string {
	return s.stopName
}

func (s *BusStop) stopRegistration() any {
	pos := s.Position()
	return protocol.Registration{
		JID:      s.JID(),
		Type:     protocol.Types{"stops"},
		StopName: s.stopName,
		Position: &pos,
		Lines:    s.ShowServices(),
	}
}

func (s *BusStop) arrivals(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, s.cfg.PollInterval)
	if !ok {
		return nil
	}
	inform, err := protocol.Decode[protocol.LineInform](msg)
	if err != nil {
		s.Logger().Printf("warning: %s %v", s.JID(), err)
		return nil
	}
	if _, known := s.services[inform.Line]; !known {
		s.Logger().Printf("warning: %s no queue for line %s from=%s", s.JID(), inform.Line, msg.From)
		return nil
	}
	if inform.ListOfStops == nil {
		s.Dequeue(inform.Line, msg.From)
		return nil
	}
	for _, e := range s.MatchCustomers(inform.Line, inform.ListOfStops) {
		out, err := bus.NewMessage(e, bus.ProtocolRequest, bus.PerformativeInform, protocol.Inform{
			Status:    protocol.TransportInCustomerPlace,
			Transport: msg.From,
		})
		if err != nil {
			return err
		}
		if err := b.Send(ctx, out); err != nil {
			s.Logger().Printf("%s inform %s failed: %v", s.JID(), e, err)
		}
	}
	return nil
}

// MatchCustomers lists the customers queued for line whose destination
// stop is on stops, in queue order.
func (s *BusStop) MatchCustomers(line string, stops []geo.Coordinate) []string {
	var out []string
	for _, e := range s.queues[line] {
		dest, ok := geo.FromAny(e.Args["destination_stop"])
		if ok && geo.Contains(stops, dest) {
			out = append(out, e.AgentID)
		}
	}
	return out
}
