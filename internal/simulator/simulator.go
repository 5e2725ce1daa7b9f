// Package simulator builds a whole simulation from a scenario: the
// directory, fleet managers, route agent, stations, stops, transports and
// customers. It also answers the stations' position queries and collects
// the statistics when the run ends.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/customer"
	"github.com/joelkehle/simfleet/internal/directory"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
	"github.com/joelkehle/simfleet/internal/routing"
	"github.com/joelkehle/simfleet/internal/station"
	"github.com/joelkehle/simfleet/internal/transport"
)

var handlers = map[string]station.Handler{
	"":         station.ChargingService,
	"charging": station.ChargingService,
	"fuel":     station.FuelService,
}

type Config struct {
	// Transport defaults to an in-process bus.
	Transport bus.Transport
	// Router defaults to a route agent backed by OSRM and the route cache.
	Router    routing.Router
	CachePath string
	Trace     bus.TraceStore
	Clock     func() time.Time
	Logger    *log.Logger

	PollInterval     time.Duration
	ProximityTimeout time.Duration
	RegisterTimeout  time.Duration
	BoardingWindow   time.Duration
	RequestInterval  time.Duration
	ReplyTimeout     time.Duration
}

// runner is what the simulator starts and stops.
type runner interface {
	JID() string
	Start(ctx context.Context) error
	Stop()
}

type located interface {
	JID() string
	Position() geo.Coordinate
	Status() int
}

// AgentInfo is one row of the live agent listing.
type AgentInfo struct {
	JID      string         `json:"jid"`
	Kind     string         `json:"kind"`
	Status   string         `json:"status,omitempty"`
	Position geo.Coordinate `json:"position"`
}

type Simulator struct {
	cfg      Config
	scenario Scenario
	bus      bus.Transport
	logger   *log.Logger

	oracle     *agent.Agent
	directory  *directory.Directory
	routeAgent *routing.Agent
	managers   []*directory.FleetManager
	stations   []*station.ServiceStation
	stops      []*station.BusStop
	taxis      []*transport.Taxi
	buses      []*transport.Bus
	customers  []*customer.Customer

	runners []runner
	kinds   map[string]string
	located map[string]located
	order   []string

	mu        sync.Mutex
	startedAt time.Time
	endedAt   time.Time
	finished  bool
	running   bool
	stopReq   chan struct{}
	reqOnce   sync.Once
	stopOnce  sync.Once
}

// New provisions every agent of the scenario without starting any.
func New(cfg Config, scenario Scenario) (*Simulator, error) {
	scenario.defaults()
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Transport == nil {
		cfg.Transport = bus.NewBus(bus.Config{Clock: cfg.Clock})
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "simfleet ", log.LstdFlags)
	}
	s := &Simulator{
		cfg:      cfg,
		scenario: scenario,
		bus:      cfg.Transport,
		logger:   cfg.Logger,
		kinds:    map[string]string{},
		located:  map[string]located{},
		stopReq:  make(chan struct{}),
	}
	if err := s.provision(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Simulator) agentConfig() agent.Config {
	return agent.Config{Trace: s.cfg.Trace, Clock: s.cfg.Clock, Logger: s.cfg.Logger}
}

func (s *Simulator) add(kind string, r runner) {
	s.runners = append(s.runners, r)
	s.kinds[r.JID()] = kind
	s.order = append(s.order, r.JID())
	if l, ok := r.(located); ok {
		s.located[r.JID()] = l
	}
}

func (s *Simulator) provision() error {
	sc := s.scenario
	acfg := s.agentConfig()
	directoryJID := sc.JID(sc.DirectoryName)

	s.directory = directory.New(directoryJID, s.bus, acfg)
	s.add("directory", s.directory)

	router := s.cfg.Router
	if router == nil {
		cache := routing.NewCache(s.cfg.CachePath, routing.NewOSRMClient(routing.OSRMConfig{Host: sc.RouteHost}))
		s.routeAgent = routing.NewAgent(sc.JID(sc.RouteName), s.bus, cache, acfg)
		s.add("route", s.routeAgent)
		router = routing.Client{RouteAgent: s.routeAgent.JID(), Timeout: s.cfg.ReplyTimeout}
	}

	s.oracle = agent.New(sc.JID(sc.SimulatorName), s.bus, acfg)
	s.oracle.AddBehaviour(agent.NewCyclic("coordination", s.answerProximity), bus.Template{
		Protocol:     bus.ProtocolCoordination,
		Performative: bus.PerformativeRequest,
	})
	s.add("simulator", s.oracle)

	for _, f := range sc.Fleets {
		m := directory.NewFleetManager(sc.JID(f.Name), s.bus, directory.FleetConfig{
			FleetType:       f.FleetType,
			Name:            f.Name,
			Directory:       directoryJID,
			RegisterTimeout: s.cfg.RegisterTimeout,
			Agent:           acfg,
		})
		s.managers = append(s.managers, m)
		s.add("fleetmanager", m)
	}

	stationCfg := func(pos geo.Coordinate) station.Config {
		return station.Config{
			Position:         pos,
			Simulator:        s.oracle.JID(),
			Directory:        directoryJID,
			ProximityTimeout: s.cfg.ProximityTimeout,
			PollInterval:     s.cfg.PollInterval,
			TimeScale:        sc.TimeScale,
			RegisterTimeout:  s.cfg.RegisterTimeout,
			Agent:            acfg,
		}
	}
	for _, spec := range sc.Stations {
		st := station.NewServiceStation(sc.JID(spec.Name), s.bus, stationCfg(*spec.Position))
		for _, svc := range spec.Services {
			st.AddService(svc.Type, svc.Slots, handlers[svc.Behaviour], svc.Args)
		}
		s.stations = append(s.stations, st)
		s.add("station", st)
	}
	for _, spec := range sc.Stops {
		name := spec.Name
		if name == "" {
			name = spec.ID
		}
		st := station.NewBusStop(sc.JID(spec.ID), name, s.bus, stationCfg(*spec.Position))
		for _, l := range spec.Lines {
			st.AddQueue(l, nil)
		}
		s.stops = append(s.stops, st)
		s.add("stop", st)
	}

	for _, spec := range sc.Transports {
		base := transport.Config{
			Vehicle: fleet.VehicleConfig{
				SpeedKmh:  spec.Speed,
				TimeScale: sc.TimeScale,
				Router:    router,
			},
			FleetManager:    sc.fleetManager(spec.fleetType()),
			FleetType:       spec.fleetType(),
			Directory:       directoryJID,
			PollInterval:    s.cfg.PollInterval,
			RegisterTimeout: s.cfg.RegisterTimeout,
			Agent:           acfg,
		}
		switch spec.Class {
		case ClassTaxi:
			base.Position = *spec.Position
			t := transport.NewTaxi(sc.JID(spec.Name), s.bus, transport.TaxiConfig{
				Config:          base,
				ProposalTimeout: s.cfg.ReplyTimeout,
				Autonomy:        spec.Autonomy * 1000,
				Service:         spec.Service,
				StationTimeout:  s.cfg.ReplyTimeout,
			})
			s.taxis = append(s.taxis, t)
			s.add("taxi", t)
		case ClassBus:
			line, _ := sc.line(spec.Line)
			stops := make([]geo.Coordinate, 0, len(line.Stops))
			for _, id := range line.Stops {
				st, _ := sc.stop(id)
				stops = append(stops, *st.Position)
			}
			base.Position = stops[0]
			if spec.Position != nil {
				if !geo.Contains(stops, *spec.Position) {
					return fmt.Errorf("%w: bus %s must start at a stop of line %s", ErrConfig, spec.Name, line.ID)
				}
				base.Position = *spec.Position
			}
			b, err := transport.NewBus(sc.JID(spec.Name), s.bus, transport.BusConfig{
				Config:         base,
				Line:           line.ID,
				LineType:       transport.LineType(line.LineType),
				Stops:          stops,
				Capacity:       spec.Capacity,
				BoardingWindow: s.cfg.BoardingWindow,
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrConfig, err)
			}
			s.buses = append(s.buses, b)
			s.add("bus", b)
		}
	}

	for _, spec := range sc.Customers {
		cfg := customer.Config{
			Position:        *spec.Position,
			Destination:     *spec.Destination,
			FleetManager:    sc.fleetManager(spec.fleetType()),
			FleetType:       spec.fleetType(),
			Directory:       directoryJID,
			Line:            spec.Line,
			RequestInterval: s.cfg.RequestInterval,
			ReplyTimeout:    s.cfg.ReplyTimeout,
			PollInterval:    s.cfg.PollInterval,
			Agent:           acfg,
		}
		switch spec.Class {
		case ClassTaxi:
			c := customer.NewTaxiCustomer(sc.JID(spec.Name), s.bus, cfg)
			s.customers = append(s.customers, c.Customer)
			s.add("taxi-customer", c)
		case ClassBus:
			c := customer.NewBusCustomer(sc.JID(spec.Name), s.bus, cfg)
			s.customers = append(s.customers, c.Customer)
			s.add("bus-customer", c)
		}
	}
	return nil
}

// answerProximity is the position oracle stations use before admitting
// an agent.
func (s *Simulator) answerProximity(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, 0)
	if !ok {
		return nil
	}
	q, err := protocol.Decode[protocol.ProximityQuery](msg)
	if err != nil {
		s.logger.Printf("warning: %s %v", s.oracle.JID(), err)
		return nil
	}
	l, ok := s.located[s.scenario.JID(q.UserAgentID)]
	if !ok {
		s.logger.Printf("warning: %s position asked for unknown agent %s", s.oracle.JID(), q.UserAgentID)
		return nil
	}
	pos := l.Position()
	reply, err := msg.Reply(bus.PerformativeInform, protocol.ProximityReply{
		UserAgentID:   q.UserAgentID,
		AgentPosition: &pos,
	})
	if err != nil {
		return err
	}
	return b.Send(ctx, reply)
}

func (s *Simulator) Scenario() Scenario {
	return s.scenario
}

// Run starts every agent and blocks until all customers have arrived,
// MaxTime has elapsed, RequestStop is called or ctx ends. Agents are
// stopped before it returns.
func (s *Simulator) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("simulation %s already running", s.scenario.Name)
	}
	s.running = true
	s.startedAt = s.cfg.Clock()
	s.mu.Unlock()
	defer s.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, r := range s.runners {
		if err := r.Start(runCtx); err != nil {
			return fmt.Errorf("start %s: %w", r.JID(), err)
		}
	}
	s.logger.Printf("simulation %s started agents=%d customers=%d", s.scenario.Name, len(s.runners), len(s.customers))

	var deadline <-chan time.Time
	if s.scenario.MaxTime > 0 {
		t := time.NewTimer(time.Duration(s.scenario.MaxTime * float64(time.Second)))
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-s.allArrived(runCtx):
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		s.logger.Printf("simulation %s finished: every customer arrived", s.scenario.Name)
	case <-deadline:
		s.logger.Printf("simulation %s reached max_time=%.0fs", s.scenario.Name, s.scenario.MaxTime)
	case <-s.stopReq:
		s.logger.Printf("simulation %s stop requested", s.scenario.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// allArrived fires once every customer is in its destination. With no
// customers it never fires.
func (s *Simulator) allArrived(ctx context.Context) <-chan struct{} {
	out := make(chan struct{})
	if len(s.customers) == 0 {
		return out
	}
	go func() {
		for _, c := range s.customers {
			select {
			case <-c.Arrived():
			case <-ctx.Done():
				return
			}
		}
		close(out)
	}()
	return out
}

// RequestStop ends a running simulation early.
func (s *Simulator) RequestStop() {
	s.reqOnce.Do(func() { close(s.stopReq) })
}

// Stop stops every agent in reverse start order. It is safe to call more
// than once.
func (s *Simulator) Stop() {
	s.stopOnce.Do(func() {
		for i := len(s.runners) - 1; i >= 0; i-- {
			s.runners[i].Stop()
		}
		s.mu.Lock()
		s.endedAt = s.cfg.Clock()
		s.mu.Unlock()
	})
}

// Agents lists every agent that has a position, in provisioning order.
func (s *Simulator) Agents() []AgentInfo {
	out := make([]AgentInfo, 0, len(s.located))
	for _, jid := range s.order {
		l, ok := s.located[jid]
		if !ok {
			continue
		}
		info := AgentInfo{JID: jid, Kind: s.kinds[jid], Position: l.Position()}
		if st := protocol.Status(l.Status()); st.Known() {
			info.Status = st.String()
		}
		out = append(out, info)
	}
	return out
}

// Trace returns the messages jid has sent.
func (s *Simulator) Trace(jid string) []bus.Message {
	for _, r := range s.runners {
		if r.JID() != jid {
			continue
		}
		if t, ok := r.(interface{ Trace() []bus.Message }); ok {
			return t.Trace()
		}
	}
	return nil
}

// Inject delivers msg on the simulation transport. It is how an operator
// talks to agents from outside; From defaults to the simulator. A message
// sent in the name of a simulation agent goes through that agent's Send so
// it lands in its trace.
func (s *Simulator) Inject(ctx context.Context, msg bus.Message) error {
	if msg.From == "" {
		msg.From = s.oracle.JID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.cfg.Clock()
	}
	if len(msg.Body) == 0 {
		msg.Body = []byte(`{}`)
	}
	for _, r := range s.runners {
		if r.JID() != msg.From {
			continue
		}
		sender, ok := r.(interface {
			Send(context.Context, bus.Message) error
		})
		if !ok {
			break
		}
		err := sender.Send(ctx, msg)
		if errors.Is(err, agent.ErrNotStarted) {
			return bus.NewUnavailableError(msg.From + " is not running")
		}
		return err
	}
	return s.bus.Deliver(ctx, msg)
}

// Health reports the run state and, when the transport exposes them, its
// delivery counters.
func (s *Simulator) Health() map[string]any {
	out := map[string]any{"ok": true}
	if h, ok := s.bus.(interface{ Health() map[string]any }); ok {
		for k, v := range h.Health() {
			out[k] = v
		}
	}
	s.mu.Lock()
	out["simulation"] = s.scenario.Name
	out["running"] = s.running && s.endedAt.IsZero()
	out["finished"] = s.finished
	s.mu.Unlock()
	return out
}
