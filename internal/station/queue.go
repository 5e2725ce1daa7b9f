// Package station implements the fixed agents transports and customers
// queue at: service stations with slot-limited handlers and bus stops that
// match waiting customers with arriving buses.
package station

import (
	"context"
	"maps"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

type Config struct {
	Position  geo.Coordinate
	Simulator string
	Directory string
	// ProximityTimeout bounds the wait for the simulator's position reply.
	ProximityTimeout time.Duration
	Near             func(a, b geo.Coordinate) bool
	PollInterval     time.Duration
	TimeScale        float64
	RegisterTimeout  time.Duration
	Agent            agent.Config
}

// Entry is one waiting agent and the opaque args it queued with.
type Entry struct {
	AgentID string         `json:"agent_id"`
	Args    map[string]any `json:"args,omitempty"`
}

// Service is a queue descriptor. Queues added with AddQueue have no slots
// and no handler.
type Service struct {
	Name    string
	Slots   int
	InUse   int
	Handler Handler
	Args    map[string]any
	Served  int
}

type Stats struct {
	TransportsInQueueTime time.Time     `json:"transports_in_queue_time"`
	EmptyQueueTime        time.Time     `json:"empty_queue_time"`
	TotalBusyTime         time.Duration `json:"total_busy_time"`
	MaxQueueLength        int           `json:"max_queue_length"`
	Accepted              int           `json:"accepted"`
	Refused               int           `json:"refused"`
	Cancelled             int           `json:"cancelled"`
}

// QueueStation owns named FIFO queues and admits agents that stand near
// it. All queue state is mutated only by its own behaviours.
type QueueStation struct {
	*fleet.GeoAgent
	cfg Config

	order    []string
	services map[string]*Service
	queues   map[string][]Entry
	stats    Stats

	wake         chan struct{}
	registration *fleet.Registration
	registerBody func() any
}

func NewQueueStation(jid string, transport bus.Transport, cfg Config) *QueueStation {
	if cfg.ProximityTimeout <= 0 {
		cfg.ProximityTimeout = 30 * time.Second
	}
	if cfg.Near == nil {
		cfg.Near = geo.Near
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	s := &QueueStation{
		GeoAgent: fleet.NewGeoAgent(agent.New(jid, transport, cfg.Agent), cfg.Position),
		cfg:      cfg,
		services: map[string]*Service{},
		queues:   map[string][]Entry{},
		wake:     make(chan struct{}, 1),
	}
	s.registerBody = s.stationRegistration
	s.AddBehaviour(agent.NewCyclic("admission", s.admit), bus.AnyOf(
		bus.Template{Protocol: bus.ProtocolRequest, Performative: bus.PerformativeRequest},
		bus.Template{Protocol: bus.ProtocolRequest, Performative: bus.PerformativeCancel},
	))
	return s
}

// AddService registers a slot-limited service. Re-adding a name logs a
// warning and changes nothing.
func (s *QueueStation) AddService(name string, slots int, handler Handler, args map[string]any) {
	if _, ok := s.services[name]; ok {
		s.Logger().Printf("warning: %s service %s already registered", s.JID(), name)
		return
	}
	s.services[name] = &Service{Name: name, Slots: slots, Handler: handler, Args: maps.Clone(args)}
	s.queues[name] = nil
	s.order = append(s.order, name)
}

// AddQueue registers a plain matchmaking queue.
func (s *QueueStation) AddQueue(name string, args map[string]any) {
	s.AddService(name, 0, nil, args)
}

// ShowServices lists the registered names in registration order.
func (s *QueueStation) ShowServices() []string {
	return append([]string{}, s.order...)
}

// Registration is nil until the station has started with a directory.
func (s *QueueStation) Registration() *fleet.Registration {
	return s.registration
}

// Start registers with the directory, when one is configured, and starts
// the agent. Services must be added before Start.
func (s *QueueStation) Start(ctx context.Context) error {
	if s.cfg.Directory != "" {
		s.registration = &fleet.Registration{
			Target:  s.cfg.Directory,
			Body:    s.registerBody(),
			Timeout: s.cfg.RegisterTimeout,
		}
		s.registration.Attach(s.Agent)
	}
	return s.Agent.Start(ctx)
}

func (s *QueueStation) stationRegistration() any {
	pos := s.Position()
	return protocol.Registration{
		JID:      s.JID(),
		Type:     protocol.Types(s.ShowServices()),
		Name:     s.Name(),
		Position: &pos,
	}
}

func (s *QueueStation) admit(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, s.cfg.PollInterval)
	if !ok {
		return nil
	}
	switch msg.Performative {
	case bus.PerformativeRequest:
		req, err := protocol.Decode[protocol.Admission](msg)
		if err != nil {
			s.Logger().Printf("warning: %s %v", s.JID(), err)
			return nil
		}
		// Admissions run one at a time so a later CANCEL from the same
		// agent cannot overtake its REQUEST.
		return s.checkAndEnqueue(ctx, b, msg, req)
	case bus.PerformativeCancel:
		c, err := protocol.Decode[protocol.Cancel](msg)
		if err != nil {
			s.Logger().Printf("warning: %s %v", s.JID(), err)
			return nil
		}
		if s.Dequeue(c.Key(), msg.From) {
			s.stats.Cancelled++
			s.Logger().Printf("%s cancelled agent=%s queue=%s", s.JID(), msg.From, c.Key())
		}
	}
	return nil
}

func (s *QueueStation) checkAndEnqueue(ctx context.Context, b *agent.Behaviour, msg bus.Message, req protocol.Admission) error {
	query, err := bus.NewMessage(s.cfg.Simulator, bus.ProtocolCoordination, bus.PerformativeRequest, protocol.ProximityQuery{
		UserAgentID: msg.From,
		ObjectType:  req.ObjectType,
	})
	if err != nil {
		return err
	}
	reply, err := agent.Request(ctx, b, query, bus.Template{Protocol: bus.ProtocolCoordination, Performative: bus.PerformativeInform}, s.cfg.ProximityTimeout)
	if err != nil {
		s.Logger().Printf("%s admission of %s aborted: %v", s.JID(), msg.From, err)
		return nil
	}
	where, err := protocol.Decode[protocol.ProximityReply](reply)
	if err != nil {
		s.Logger().Printf("warning: %s %v", s.JID(), err)
		return nil
	}
	name := req.Key()
	if _, known := s.services[name]; !known || !s.cfg.Near(s.Position(), *where.AgentPosition) {
		s.stats.Refused++
		s.Logger().Printf("%s refused agent=%s queue=%s known=%t", s.JID(), msg.From, name, known)
		refuse, err := msg.Reply(bus.PerformativeRefuse, nil)
		if err != nil {
			return err
		}
		return b.Send(ctx, refuse)
	}
	if s.Enqueue(name, Entry{AgentID: msg.From, Args: req.Args}) {
		s.stats.Accepted++
	}
	accept, err := msg.Reply(bus.PerformativeAccept, protocol.StationAccept{StationID: s.JID()})
	if err != nil {
		return err
	}
	return b.Send(ctx, accept)
}

// Enqueue appends e to the named queue unless the agent is already in it.
// It must run under the agent lock.
func (s *QueueStation) Enqueue(name string, e Entry) bool {
	q := s.queues[name]
	for _, x := range q {
		if x.AgentID == e.AgentID {
			return false
		}
	}
	if len(q) == 0 {
		s.stats.TransportsInQueueTime = s.Now()
	}
	q = append(q, e)
	s.queues[name] = q
	if len(q) > s.stats.MaxQueueLength {
		s.stats.MaxQueueLength = len(q)
	}
	s.signal()
	return true
}

// Dequeue removes the first entry of agentID from the named queue.
func (s *QueueStation) Dequeue(name, agentID string) bool {
	q, ok := s.queues[name]
	if !ok {
		s.Logger().Printf("warning: %s no queue named %s", s.JID(), name)
		return false
	}
	for i, x := range q {
		if x.AgentID == agentID {
			s.queues[name] = append(q[:i:i], q[i+1:]...)
			s.drained(name)
			return true
		}
	}
	return false
}

func (s *QueueStation) pop(name string) (Entry, bool) {
	q := s.queues[name]
	if len(q) == 0 {
		return Entry{}, false
	}
	head := q[0]
	s.queues[name] = q[1:]
	s.drained(name)
	return head, true
}

func (s *QueueStation) drained(name string) {
	if len(s.queues[name]) != 0 {
		return
	}
	s.stats.EmptyQueueTime = s.Now()
	if !s.stats.TransportsInQueueTime.IsZero() {
		s.stats.TotalBusyTime += s.stats.EmptyQueueTime.Sub(s.stats.TransportsInQueueTime)
	}
}

// Queue returns a copy of the named queue.
func (s *QueueStation) Queue(name string) []Entry {
	return append([]Entry{}, s.queues[name]...)
}

func (s *QueueStation) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type ServiceSnapshot struct {
	Name   string  `json:"name"`
	Slots  int     `json:"slots"`
	InUse  int     `json:"in_use"`
	Served int     `json:"served"`
	Queue  []Entry `json:"queue"`
}

type Snapshot struct {
	JID      string            `json:"jid"`
	Position geo.Coordinate    `json:"position"`
	Services []ServiceSnapshot `json:"services"`
	Stats    Stats             `json:"stats"`
}

// Snapshot copies the station state while no behaviour runs.
func (s *QueueStation) Snapshot() Snapshot {
	var out Snapshot
	s.Inspect(func() {
		out = Snapshot{JID: s.JID(), Position: s.Position(), Stats: s.stats}
		for _, name := range s.order {
			svc := s.services[name]
			out.Services = append(out.Services, ServiceSnapshot{
				Name:   name,
				Slots:  svc.Slots,
				InUse:  svc.InUse,
				Served: svc.Served,
				Queue:  s.Queue(name),
			})
		}
	})
	return out
}
