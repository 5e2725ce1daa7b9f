package transport

import (
	"context"
	"errors"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

type TaxiConfig struct {
	Config
	ProposalTimeout time.Duration
	// Autonomy is the range in meters on a full charge. Zero disables the
	// charging detour.
	Autonomy        float64
	ChargeThreshold float64
	Service         string
	StationTimeout  time.Duration
	ChargeTimeout   time.Duration
}

// Taxi serves one customer at a time: it proposes to every request the
// fleet manager forwards, drives to the customer once accepted, then to
// the destination. Low on autonomy, it detours to the nearest station.
type Taxi struct {
	*Transport
	tcfg TaxiConfig

	fsm      *agent.FSM
	arrived  *agent.Cell[bool]
	customer string

	station    string
	chargedAt  float64
	charges    int
	noStations bool
}

func NewTaxi(jid string, transport bus.Transport, cfg TaxiConfig) *Taxi {
	if cfg.ProposalTimeout <= 0 {
		cfg.ProposalTimeout = 30 * time.Second
	}
	if cfg.ChargeThreshold <= 0 {
		cfg.ChargeThreshold = 0.2
	}
	if cfg.Service == "" {
		cfg.Service = "electric"
	}
	if cfg.StationTimeout <= 0 {
		cfg.StationTimeout = 30 * time.Second
	}
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = 30 * time.Minute
	}
	if cfg.FleetType == "" {
		cfg.FleetType = "taxi"
	}
	t := &Taxi{
		Transport: New(jid, transport, cfg.Config),
		tcfg:      cfg,
		arrived:   agent.NewCell(false),
	}
	t.OnArrival(func(context.Context, *agent.Behaviour) { t.arrived.Set(true) })

	f := agent.NewFSM("taxi", StateWaiting)
	f.AddState(StateWaiting, t.waiting)
	f.AddState(StateMovingToCustomer, t.await(StateMovingToCustomer, StateInCustomerPlace))
	f.AddState(StateInCustomerPlace, t.inCustomerPlace)
	f.AddState(StateMovingToDestination, t.movingToDestination)
	f.AddState(StateMovingToStation, t.await(StateMovingToStation, StateInStationPlace))
	f.AddState(StateInStationPlace, t.inStationPlace)
	f.AddState(StateCharging, t.charging)
	for _, tr := range [][2]agent.State{
		{StateWaiting, StateWaiting},
		{StateWaiting, StateMovingToCustomer},
		{StateWaiting, StateMovingToStation},
		{StateMovingToCustomer, StateMovingToCustomer},
		{StateMovingToCustomer, StateInCustomerPlace},
		{StateInCustomerPlace, StateMovingToDestination},
		{StateInCustomerPlace, StateWaiting},
		{StateMovingToDestination, StateMovingToDestination},
		{StateMovingToDestination, StateWaiting},
		{StateMovingToStation, StateMovingToStation},
		{StateMovingToStation, StateInStationPlace},
		{StateInStationPlace, StateCharging},
		{StateInStationPlace, StateWaiting},
		{StateCharging, StateCharging},
		{StateCharging, StateWaiting},
	} {
		f.AddTransition(tr[0], tr[1])
	}
	t.fsm = f
	t.AddBehaviour(f.Behaviour(), bus.AnyOf(
		bus.Template{Protocol: bus.ProtocolRequest, Performative: bus.PerformativeRequest},
		bus.Template{Protocol: bus.ProtocolRequest, Performative: bus.PerformativeInform},
	))
	return t
}

// State must be read under the agent lock.
func (t *Taxi) State() agent.State {
	return t.fsm.Current()
}

// Remaining is the autonomy left in meters.
func (t *Taxi) Remaining() float64 {
	return t.tcfg.Autonomy - (t.Odometer() - t.chargedAt)
}

func (t *Taxi) needsCharge() bool {
	return t.tcfg.Autonomy > 0 && !t.noStations && t.Remaining() < t.tcfg.Autonomy*t.tcfg.ChargeThreshold
}

func (t *Taxi) waiting(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	if t.needsCharge() {
		return t.goToStation(ctx, b)
	}
	msg, ok := b.Receive(ctx, t.cfg.PollInterval)
	if !ok {
		return StateWaiting, nil
	}
	if msg.Performative != bus.PerformativeRequest {
		t.Logger().Printf("%s ignoring %s from %s while waiting", t.JID(), msg.Key(), msg.From)
		return StateWaiting, nil
	}
	req, err := protocol.Decode[protocol.TravelRequest](msg)
	if err != nil {
		t.Logger().Printf("warning: %s %v", t.JID(), err)
		return StateWaiting, nil
	}
	proposal, err := bus.NewMessage(req.CustomerID, bus.ProtocolRequest, bus.PerformativePropose, req)
	if err != nil {
		return StateWaiting, err
	}
	reply, err := agent.Request(ctx, b, proposal, bus.Template{Protocol: bus.ProtocolRequest, Sender: req.CustomerID}, t.tcfg.ProposalTimeout)
	if err != nil {
		t.Logger().Printf("%s proposal to %s unanswered: %v", t.JID(), req.CustomerID, err)
		return StateWaiting, nil
	}
	if reply.Performative != bus.PerformativeAccept {
		return StateWaiting, nil
	}
	t.customer = req.CustomerID
	t.AddCustomer(req.CustomerID, Trip{Origin: req.Origin, Dest: req.Dest})
	t.Logger().Printf("%s assigned customer=%s origin=%v dest=%v", t.JID(), req.CustomerID, req.Origin, req.Dest)
	t.SetTransportStatus(ctx, protocol.TransportMovingToCustomer)
	return t.drive(ctx, b, req.Origin, StateMovingToCustomer), nil
}

// drive starts a move and names the state that waits for it. A failed
// path lookup cancels the current customer.
func (t *Taxi) drive(ctx context.Context, b *agent.Behaviour, dest geo.Coordinate, moving agent.State) agent.State {
	t.arrived.Set(false)
	err := t.MoveTo(ctx, b, dest)
	switch {
	case errors.Is(err, fleet.ErrAlreadyInDestination):
		t.arrived.Set(true)
	case err != nil:
		if t.customer != "" {
			if cerr := t.CancelCustomer(ctx, t.customer, nil); cerr != nil {
				t.Logger().Printf("%s cancel to %s failed: %v", t.JID(), t.customer, cerr)
			}
			t.RemoveCustomer(t.customer)
			t.customer = ""
		}
		t.SetTransportStatus(ctx, protocol.TransportWaiting)
		return StateWaiting
	}
	return moving
}

func (t *Taxi) await(moving, next agent.State) agent.StateFunc {
	return func(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
		if _, ok := t.arrived.Wait(ctx, b, func(v bool) bool { return v }, 0); !ok {
			return moving, nil
		}
		return next, nil
	}
}

func (t *Taxi) inCustomerPlace(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	trip, ok := t.Customer(t.customer)
	if !ok {
		t.SetTransportStatus(ctx, protocol.TransportWaiting)
		return StateWaiting, nil
	}
	t.PickUp(t.customer)
	t.SetTransportStatus(ctx, protocol.TransportInCustomerPlace)
	t.SetTransportStatus(ctx, protocol.TransportMovingToDestination)
	return t.drive(ctx, b, trip.Dest, StateMovingToDestination), nil
}

func (t *Taxi) movingToDestination(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	if _, ok := t.arrived.Wait(ctx, b, func(v bool) bool { return v }, 0); !ok {
		return StateMovingToDestination, nil
	}
	t.deliver(ctx, t.customer)
	t.Logger().Printf("%s delivered customer=%s", t.JID(), t.customer)
	t.customer = ""
	t.SetTransportStatus(ctx, protocol.TransportWaiting)
	return StateWaiting, nil
}

func (t *Taxi) goToStation(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	listing, err := fleet.QueryDirectory(ctx, b, t.cfg.Directory, t.tcfg.Service, t.tcfg.StationTimeout)
	if err != nil || len(listing) == 0 {
		t.Logger().Printf("warning: %s no %s station available, charging disabled: %v", t.JID(), t.tcfg.Service, err)
		t.noStations = true
		return StateWaiting, nil
	}
	var jids []string
	var positions []geo.Coordinate
	for jid, entry := range listing {
		if entry.Position != nil {
			jids = append(jids, jid)
			positions = append(positions, *entry.Position)
		}
	}
	i := geo.Nearest(t.Position(), positions)
	if i < 0 {
		t.noStations = true
		return StateWaiting, nil
	}
	t.station = jids[i]
	t.Logger().Printf("%s heading to station=%s remaining=%.0f", t.JID(), t.station, t.Remaining())
	t.SetTransportStatus(ctx, protocol.TransportMovingToStation)
	return t.drive(ctx, b, positions[i], StateMovingToStation), nil
}

func (t *Taxi) inStationPlace(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	t.SetTransportStatus(ctx, protocol.TransportInStationPlace)
	need := (t.Odometer() - t.chargedAt) / 1000
	req, err := bus.NewMessage(t.station, bus.ProtocolRequest, bus.PerformativeRequest, protocol.Admission{
		ServiceName: t.tcfg.Service,
		ObjectType:  "transport",
		Args:        map[string]any{"transport_need": need},
	})
	if err != nil {
		return StateWaiting, err
	}
	reply, err := agent.Request(ctx, b, req, bus.Template{Protocol: bus.ProtocolRequest, Sender: t.station}, t.tcfg.StationTimeout)
	if err != nil || reply.Performative != bus.PerformativeAccept {
		t.Logger().Printf("%s station %s did not admit: %v", t.JID(), t.station, err)
		t.noStations = true
		t.SetTransportStatus(ctx, protocol.TransportWaiting)
		return StateWaiting, nil
	}
	return StateCharging, nil
}

func (t *Taxi) charging(ctx context.Context, b *agent.Behaviour) (agent.State, error) {
	msg, ok := b.Receive(ctx, t.tcfg.ChargeTimeout)
	if !ok {
		if ctx.Err() != nil {
			return StateCharging, nil
		}
		t.Logger().Printf("warning: %s station %s never completed, leaving queue", t.JID(), t.station)
		cancel, err := bus.NewMessage(t.station, bus.ProtocolRequest, bus.PerformativeCancel, protocol.Cancel{ServiceName: t.tcfg.Service})
		if err == nil {
			_ = b.Send(ctx, cancel)
		}
		t.SetTransportStatus(ctx, protocol.TransportWaiting)
		return StateWaiting, nil
	}
	if msg.Performative != bus.PerformativeInform || msg.From != t.station {
		t.Logger().Printf("%s busy charging, dropping %s from %s", t.JID(), msg.Key(), msg.From)
		return StateCharging, nil
	}
	inform, err := protocol.Decode[protocol.Inform](msg)
	if err != nil {
		t.Logger().Printf("warning: %s %v", t.JID(), err)
		return StateCharging, nil
	}
	switch {
	case inform.Charged:
		t.chargedAt = t.Odometer()
		t.charges++
		t.Logger().Printf("%s charged at %s", t.JID(), t.station)
		t.SetTransportStatus(ctx, protocol.TransportWaiting)
		return StateWaiting, nil
	case inform.Serving:
		t.SetTransportStatus(ctx, protocol.TransportCharging)
	}
	return StateCharging, nil
}

// Snapshot copies the taxi state while no behaviour runs.
func (t *Taxi) Snapshot() Snapshot {
	var s Snapshot
	t.Inspect(func() {
		s = t.snapshot()
		s.Extra = map[string]any{
			"state":   string(t.fsm.Current()),
			"charges": t.charges,
		}
		if t.tcfg.Autonomy > 0 {
			s.Extra["remaining"] = t.Remaining()
		}
	})
	return s
}
