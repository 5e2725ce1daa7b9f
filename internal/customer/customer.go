// Package customer implements the agents that ask to be carried: taxi
// customers negotiating with a fleet and bus customers queuing at stops.
package customer

import (
	"context"
	"sync"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

type Config struct {
	Position     geo.Coordinate
	Destination  geo.Coordinate
	FleetManager string
	FleetType    string
	Directory    string
	Line         string
	// RequestInterval spaces repeated travel requests.
	RequestInterval time.Duration
	ReplyTimeout    time.Duration
	PollInterval    time.Duration
	Agent           agent.Config
}

func (c *Config) defaults() {
	if c.RequestInterval <= 0 {
		c.RequestInterval = 10 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Customer is the state shared by both customer kinds.
type Customer struct {
	*fleet.GeoAgent
	cfg Config
	kind string

	transport string
	startedAt time.Time
	pickupAt  time.Time
	arrivedAt time.Time

	arriveOnce sync.Once
	arrived    chan struct{}
}

func newCustomer(jid, kind string, transport bus.Transport, cfg Config) *Customer {
	cfg.defaults()
	c := &Customer{
		GeoAgent: fleet.NewGeoAgent(agent.New(jid, transport, cfg.Agent), cfg.Position),
		cfg:      cfg,
		kind:     kind,
		arrived:  make(chan struct{}),
	}
	c.SetStatus(int(protocol.CustomerWaiting))
	return c
}

func (c *Customer) Start(ctx context.Context) error {
	c.startedAt = c.Now()
	return c.Agent.Start(ctx)
}

func (c *Customer) Kind() string {
	return c.kind
}

func (c *Customer) Destination() geo.Coordinate {
	return c.cfg.Destination
}

func (c *Customer) CustomerStatus() protocol.Status {
	return protocol.Status(c.Status())
}

// Arrived is closed once the customer reaches its destination.
func (c *Customer) Arrived() <-chan struct{} {
	return c.arrived
}

func (c *Customer) setStatus(s protocol.Status) {
	c.SetStatus(int(s))
}

func (c *Customer) pickedUp() {
	if c.pickupAt.IsZero() {
		c.pickupAt = c.Now()
	}
	c.setStatus(protocol.CustomerInTransport)
}

func (c *Customer) arrive(pos geo.Coordinate) {
	c.PositionCell().Set(pos)
	c.arrivedAt = c.Now()
	c.setStatus(protocol.CustomerInDest)
	c.Logger().Printf("%s arrived at %v transport=%s", c.JID(), pos, c.transport)
	c.arriveOnce.Do(func() { close(c.arrived) })
}

// track applies a TRAVEL/INFORM location update.
func (c *Customer) track(msg bus.Message) {
	in, err := protocol.Decode[protocol.Inform](msg)
	if err != nil {
		c.Logger().Printf("warning: %s %v", c.JID(), err)
		return
	}
	if in.Location != nil {
		c.PositionCell().Set(*in.Location)
	}
}

type Snapshot struct {
	JID         string         `json:"jid"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	Position    geo.Coordinate `json:"position"`
	Destination geo.Coordinate `json:"destination"`
	Transport   string         `json:"transport,omitempty"`
	WaitingTime float64        `json:"waiting_time"`
	TotalTime   float64        `json:"total_time"`
	Arrived     bool           `json:"arrived"`
}

// Snapshot copies the customer state while no behaviour runs. Times are
// in seconds; unfinished phases measure up to now.
func (c *Customer) Snapshot() Snapshot {
	var s Snapshot
	c.Inspect(func() {
		now := c.Now()
		s = Snapshot{
			JID:         c.JID(),
			Kind:        c.kind,
			Status:      c.CustomerStatus().String(),
			Position:    c.Position(),
			Destination: c.cfg.Destination,
			Transport:   c.transport,
			Arrived:     !c.arrivedAt.IsZero(),
		}
		if c.startedAt.IsZero() {
			return
		}
		pickup, end := c.pickupAt, c.arrivedAt
		if pickup.IsZero() {
			pickup = now
		}
		if end.IsZero() {
			end = now
		}
		s.WaitingTime = pickup.Sub(c.startedAt).Seconds()
		s.TotalTime = end.Sub(c.startedAt).Seconds()
	})
	return s
}
