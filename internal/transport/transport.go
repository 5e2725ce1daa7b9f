// Package transport implements moving agents that carry customers: the
// shared negotiation helpers, the bus line state machine and the taxi
// strategy.
package transport

import (
	"context"
	"sort"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

type Config struct {
	Position     geo.Coordinate
	Vehicle      fleet.VehicleConfig
	FleetManager string
	FleetType    string
	Directory    string
	// PollInterval bounds idle receives so state changes are noticed.
	PollInterval    time.Duration
	RegisterTimeout time.Duration
	Agent           agent.Config
}

// Trip is one entry of the current customer table.
type Trip struct {
	Origin   geo.Coordinate `json:"origin"`
	Dest     geo.Coordinate `json:"dest"`
	PickedUp bool           `json:"picked_up"`
}

// Transport is a vehicle with a current customer table.
type Transport struct {
	*fleet.Vehicle
	cfg Config

	customers    map[string]*Trip
	registration *fleet.Registration
	served       int
}

func New(jid string, transport bus.Transport, cfg Config) *Transport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	t := &Transport{
		Vehicle:   fleet.NewVehicle(agent.New(jid, transport, cfg.Agent), cfg.Position, cfg.Vehicle),
		cfg:       cfg,
		customers: map[string]*Trip{},
	}
	t.SetStatus(int(protocol.TransportWaiting))
	t.OnPosition(t.informTravellers)
	return t
}

func (t *Transport) FleetType() string {
	return t.cfg.FleetType
}

// Registration is nil when no fleet manager is configured.
func (t *Transport) Registration() *fleet.Registration {
	return t.registration
}

// Start registers with the fleet manager, when configured, and starts the
// agent.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.FleetManager != "" && t.registration == nil {
		t.registration = &fleet.Registration{
			Target: t.cfg.FleetManager,
			Body: protocol.RegisterTransport{
				Name:      t.Name(),
				JID:       t.JID(),
				FleetType: t.cfg.FleetType,
			},
			Timeout: t.cfg.RegisterTimeout,
		}
		t.registration.Attach(t.Agent)
	}
	return t.Agent.Start(ctx)
}

func (t *Transport) AddCustomer(id string, trip Trip) {
	t.customers[id] = &trip
}

func (t *Transport) RemoveCustomer(id string) {
	delete(t.customers, id)
}

func (t *Transport) Customer(id string) (Trip, bool) {
	trip, ok := t.customers[id]
	if !ok {
		return Trip{}, false
	}
	return *trip, true
}

// Customers lists the current customer ids in sorted order.
func (t *Transport) Customers() []string {
	ids := make([]string, 0, len(t.customers))
	for id := range t.customers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Transport) PickUp(id string) {
	if trip, ok := t.customers[id]; ok {
		trip.PickedUp = true
	}
}

// Served counts customers delivered to their destination.
func (t *Transport) Served() int {
	return t.served
}

func (t *Transport) send(ctx context.Context, to string, p bus.Protocol, perf bus.Performative, body any) error {
	msg, err := bus.NewMessage(to, p, perf, body)
	if err != nil {
		return err
	}
	return t.Send(ctx, msg)
}

// SendProposal offers a pickup to a customer.
func (t *Transport) SendProposal(ctx context.Context, customer string, body any) error {
	return t.send(ctx, customer, bus.ProtocolRequest, bus.PerformativePropose, body)
}

// CancelProposal withdraws an offer.
func (t *Transport) CancelProposal(ctx context.Context, customer string, body any) error {
	return t.send(ctx, customer, bus.ProtocolRequest, bus.PerformativeCancel, body)
}

// InformCustomer sends data with its status key set to status.
func (t *Transport) InformCustomer(ctx context.Context, customer string, status protocol.Status, data any) error {
	body, err := protocol.WithStatus(data, status)
	if err != nil {
		return err
	}
	return t.send(ctx, customer, bus.ProtocolRequest, bus.PerformativeInform, body)
}

// InformCustomerMoving is InformCustomer on the TRAVEL protocol.
func (t *Transport) InformCustomerMoving(ctx context.Context, customer string, status protocol.Status, data any) error {
	body, err := protocol.WithStatus(data, status)
	if err != nil {
		return err
	}
	return t.send(ctx, customer, bus.ProtocolTravel, bus.PerformativeInform, body)
}

// CancelCustomer tells an assigned customer the trip is off.
func (t *Transport) CancelCustomer(ctx context.Context, customer string, data any) error {
	return t.send(ctx, customer, bus.ProtocolRequest, bus.PerformativeCancel, data)
}

// SetTransportStatus publishes status and informs every current customer.
func (t *Transport) SetTransportStatus(ctx context.Context, status protocol.Status) {
	t.SetStatus(int(status))
	for _, id := range t.Customers() {
		if err := t.InformCustomer(ctx, id, status, nil); err != nil {
			t.Logger().Printf("%s status inform to %s failed: %v", t.JID(), id, err)
		}
	}
}

func (t *Transport) TransportStatus() protocol.Status {
	return protocol.Status(t.Status())
}

func (t *Transport) informTravellers(ctx context.Context, _ *agent.Behaviour, pos geo.Coordinate) {
	for _, id := range t.Customers() {
		if !t.customers[id].PickedUp {
			continue
		}
		loc := pos
		if err := t.InformCustomerMoving(ctx, id, protocol.CustomerLocation, protocol.Inform{Location: &loc}); err != nil {
			t.Logger().Printf("%s location inform to %s failed: %v", t.JID(), id, err)
		}
	}
}

// deliver informs a customer it reached its destination and drops it.
func (t *Transport) deliver(ctx context.Context, id string) {
	if err := t.InformCustomer(ctx, id, protocol.CustomerInDest, nil); err != nil {
		t.Logger().Printf("%s drop-off inform to %s failed: %v", t.JID(), id, err)
	}
	t.RemoveCustomer(id)
	t.served++
}

type Snapshot struct {
	JID       string          `json:"jid"`
	FleetType string          `json:"fleet_type"`
	Status    string          `json:"status"`
	Position  geo.Coordinate  `json:"position"`
	Customers map[string]Trip `json:"customers"`
	Served    int             `json:"served"`
	Odometer  float64         `json:"odometer"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

func (t *Transport) snapshot() Snapshot {
	s := Snapshot{
		JID:       t.JID(),
		FleetType: t.cfg.FleetType,
		Status:    t.TransportStatus().String(),
		Position:  t.Position(),
		Customers: map[string]Trip{},
		Served:    t.served,
		Odometer:  t.Odometer(),
	}
	for id, trip := range t.customers {
		s.Customers[id] = *trip
	}
	return s
}

// Snapshot copies the transport state while no behaviour runs.
func (t *Transport) Snapshot() Snapshot {
	var s Snapshot
	t.Inspect(func() { s = t.snapshot() })
	return s
}
