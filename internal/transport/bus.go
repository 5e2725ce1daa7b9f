package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

type LineType string

const (
	Circular LineType = "circular"
	EndToEnd LineType = "end-to-end"
	Teleport LineType = "teleport"
)

func (l LineType) Valid() bool {
	return l == Circular || l == EndToEnd || l == Teleport
}

// States of the bus and taxi machines.
const (
	StateWaiting             agent.State = "WAITING"
	StateMovingToDestination agent.State = "MOVING_TO_DESTINATION"
	StateInDest              agent.State = "IN_DEST"
	StateBoarding            agent.State = "BOARDING"
	StateMovingToCustomer    agent.State = "MOVING_TO_CUSTOMER"
	StateInCustomerPlace     agent.State = "IN_CUSTOMER_PLACE"
	StateMovingToStation     agent.State = "MOVING_TO_STATION"
	StateInStationPlace      agent.State = "IN_STATION_PLACE"
	StateCharging            agent.State = "CHARGING"
)

// Hop is the result of next-stop selection.
type Hop struct {
	Next geo.Coordinate
	// Stops is the stop list to keep; reversed after an end-to-end wrap.
	Stops   []geo.Coordinate
	Wrapped bool
	// Teleport means the bus jumps to Next before moving.
	Teleport bool
}

// NextStop picks the stop after pos on a line. pos must be one of stops.
func NextStop(lineType LineType, stops []geo.Coordinate, pos geo.Coordinate) (Hop, error) {
	i := geo.IndexOf(stops, pos)
	if i < 0 {
		return Hop{}, fmt.Errorf("%w: position %v is not a stop of the line", agent.ErrInvariant, pos)
	}
	if i+1 < len(stops) {
		return Hop{Next: stops[i+1], Stops: stops}, nil
	}
	switch lineType {
	case Circular:
		return Hop{Next: stops[0], Stops: stops, Wrapped: true}, nil
	case EndToEnd:
		reversed := geo.Reverse(stops)
		next := reversed[0]
		if len(reversed) > 1 {
			next = reversed[1]
		}
		return Hop{Next: next, Stops: reversed, Wrapped: true}, nil
	case Teleport:
		return Hop{Next: stops[0], Stops: stops, Wrapped: true, Teleport: true}, nil
	default:
		return Hop{}, fmt.Errorf("%w: unknown line type %q", agent.ErrInvariant, lineType)
	}
}

type BusConfig struct {
	Config
	Line     string
	LineType LineType
	Stops    []geo.Coordinate
	Capacity int
	// BoardingWindow is how long a bus waits at a stop for the next
	// boarding request.
	BoardingWindow   time.Duration
	StopQueryTimeout time.Duration
}

// Bus drives a line: it loops over its stop list, drops customers at their
// destination stop and boards the ones the stop sends while capacity
// lasts.
type Bus struct {
	*Transport
	bcfg BusConfig

	StopList          []geo.Coordinate
	StopDic           protocol.DirectoryListing
	CurrentStop       string
	Capacity          int
	CurrentCapacity   int
	Rounds            int
	OccupationHistory []int
	ArrivedToStop     *agent.Cell[bool]

	fsm     *agent.FSM
	pending *Hop
}

func NewBus(jid string, transport bus.Transport, cfg BusConfig) (*Bus, error) {
	if !cfg.LineType.Valid() {
		return nil, fmt.Errorf("bus %s: unknown line type %q", jid, cfg.LineType)
	}
	if len(cfg.Stops) == 0 {
		return nil, fmt.Errorf("bus %s: line %s has no stops", jid, cfg.Line)
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("bus %s: negative capacity", jid)
	}
	if cfg.BoardingWindow <= 0 {
		cfg.BoardingWindow = 5 * time.Second
	}
	if cfg.StopQueryTimeout <= 0 {
		cfg.StopQueryTimeout = 300 * time.Second
	}
	if cfg.FleetType == "" {
		cfg.FleetType = "bus"
	}
	b := &Bus{
		Transport:       New(jid, transport, cfg.Config),
		bcfg:            cfg,
		StopList:        append([]geo.Coordinate{}, cfg.Stops...),
		Capacity:        cfg.Capacity,
		CurrentCapacity: cfg.Capacity,
		ArrivedToStop:   agent.NewCell(false),
	}
	b.OnArrival(b.arrivedAtStop)

	b.fsm = agent.NewFSM("bus-line", StateWaiting)
	b.fsm.AddState(StateWaiting, b.waiting)
	b.fsm.AddState(StateMovingToDestination, b.movingToDestination)
	b.fsm.AddState(StateInDest, b.inDest)
	b.fsm.AddState(StateBoarding, b.boarding)
	b.fsm.AddTransition(StateWaiting, StateWaiting)
	b.fsm.AddTransition(StateWaiting, StateMovingToDestination)
	b.fsm.AddTransition(StateMovingToDestination, StateMovingToDestination)
	b.fsm.AddTransition(StateMovingToDestination, StateInDest)
	b.fsm.AddTransition(StateInDest, StateBoarding)
	b.fsm.AddTransition(StateBoarding, StateBoarding)
	b.fsm.AddTransition(StateBoarding, StateWaiting)
	b.AddBehaviour(b.fsm.Behaviour(), bus.Template{Protocol: bus.ProtocolRequest, Performative: bus.PerformativeRequest})
	return b, nil
}

func (b *Bus) Line() string {
	return b.bcfg.Line
}

func (b *Bus) LineType() LineType {
	return b.bcfg.LineType
}

// State must be read under the agent lock.
func (b *Bus) State() agent.State {
	return b.fsm.Current()
}

func (b *Bus) waiting(ctx context.Context, beh *agent.Behaviour) (agent.State, error) {
	if b.StopDic == nil {
		listing, err := fleet.QueryDirectory(ctx, beh, b.cfg.Directory, "stops", b.bcfg.StopQueryTimeout)
		if err != nil {
			b.Logger().Printf("%s stop directory query failed: %v", b.JID(), err)
			_ = beh.Sleep(ctx, b.cfg.PollInterval)
			return StateWaiting, nil
		}
		b.StopDic = listing
		return StateWaiting, nil
	}
	if b.pending == nil {
		hop, err := NextStop(b.bcfg.LineType, b.StopList, b.Position())
		if err != nil {
			return "", err
		}
		if hop.Wrapped {
			b.Rounds++
		}
		b.StopList = hop.Stops
		if hop.Teleport {
			b.SetPosition(ctx, beh, hop.Next)
		}
		b.pending = &hop
	}
	next := b.pending.Next
	b.ArrivedToStop.Set(false)
	b.SetTransportStatus(ctx, protocol.TransportMovingToDestination)
	err := b.MoveTo(ctx, beh, next)
	switch {
	case errors.Is(err, fleet.ErrAlreadyInDestination):
		b.pending = nil
		b.arrivedAtStop(ctx, beh)
	case err != nil:
		b.Logger().Printf("%s cannot reach next stop %v: %v", b.JID(), next, err)
		b.SetTransportStatus(ctx, protocol.TransportWaiting)
		_ = beh.Sleep(ctx, b.cfg.PollInterval)
		return StateWaiting, nil
	default:
		b.pending = nil
	}
	return StateMovingToDestination, nil
}

// arrivedAtStop resolves the stop agent standing at the current position.
func (b *Bus) arrivedAtStop(_ context.Context, _ *agent.Behaviour) {
	b.CurrentStop = ""
	pos := b.Position()
	for jid, entry := range b.StopDic {
		if entry.Position != nil && *entry.Position == pos {
			b.CurrentStop = jid
			break
		}
	}
	b.ArrivedToStop.Set(true)
}

func (b *Bus) movingToDestination(ctx context.Context, beh *agent.Behaviour) (agent.State, error) {
	if _, ok := b.ArrivedToStop.Wait(ctx, beh, func(v bool) bool { return v }, 0); !ok {
		return StateMovingToDestination, nil
	}
	return StateInDest, nil
}

func (b *Bus) inDest(ctx context.Context, _ *agent.Behaviour) (agent.State, error) {
	b.SetTransportStatus(ctx, protocol.TransportInDest)
	pos := b.Position()
	for _, id := range b.Customers() {
		if b.customers[id].Dest == pos {
			b.deliver(ctx, id)
			b.CurrentCapacity++
		}
	}
	b.OccupationHistory = append(b.OccupationHistory, len(b.customers))
	if b.CurrentStop == "" {
		b.Logger().Printf("warning: %s no stop registered at %v", b.JID(), pos)
	} else if err := b.send(ctx, b.CurrentStop, bus.ProtocolRequest, bus.PerformativeInform, protocol.LineInform{
		Line:        b.bcfg.Line,
		ListOfStops: b.StopList,
	}); err != nil {
		b.Logger().Printf("%s inform stop %s failed: %v", b.JID(), b.CurrentStop, err)
	}
	b.SetTransportStatus(ctx, protocol.TransportBoarding)
	return StateBoarding, nil
}

func (b *Bus) boarding(ctx context.Context, beh *agent.Behaviour) (agent.State, error) {
	msg, ok := beh.Receive(ctx, b.bcfg.BoardingWindow)
	if !ok {
		b.SetTransportStatus(ctx, protocol.TransportWaiting)
		return StateWaiting, nil
	}
	trip, err := protocol.Decode[protocol.Trip](msg)
	if err != nil {
		b.Logger().Printf("warning: %s %v", b.JID(), err)
		return StateBoarding, nil
	}
	perf := bus.PerformativeRefuse
	var body any
	switch {
	case trip.Origin != b.Position():
		b.Logger().Printf("%s refused %s: boarding at %v while bus stands at %v", b.JID(), msg.From, trip.Origin, b.Position())
	case b.CurrentCapacity > 0:
		perf, body = bus.PerformativeAccept, trip
		b.AddCustomer(msg.From, Trip{Origin: trip.Origin, Dest: trip.Dest, PickedUp: true})
		b.CurrentCapacity--
		b.Logger().Printf("%s boarded %s capacity=%d/%d", b.JID(), msg.From, b.CurrentCapacity, b.Capacity)
	}
	reply, err := msg.Reply(perf, body)
	if err != nil {
		return StateBoarding, err
	}
	if err := beh.Send(ctx, reply); err != nil {
		b.Logger().Printf("%s boarding reply to %s failed: %v", b.JID(), msg.From, err)
	}
	return StateBoarding, nil
}

// AverageOccupation is the mean of the occupation samples.
func (b *Bus) AverageOccupation() float64 {
	if len(b.OccupationHistory) == 0 {
		return 0
	}
	sum := 0
	for _, n := range b.OccupationHistory {
		sum += n
	}
	return float64(sum) / float64(len(b.OccupationHistory))
}

// Snapshot copies the bus state while no behaviour runs.
func (b *Bus) Snapshot() Snapshot {
	var s Snapshot
	b.Inspect(func() {
		s = b.snapshot()
		s.Extra = map[string]any{
			"line":               b.bcfg.Line,
			"state":              string(b.fsm.Current()),
			"rounds":             b.Rounds,
			"capacity":           b.Capacity,
			"current_capacity":   b.CurrentCapacity,
			"average_occupation": b.AverageOccupation(),
		}
	})
	return s
}
