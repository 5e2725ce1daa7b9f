package directory

import (
	"context"
	"slices"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/protocol"
)

type FleetConfig struct {
	FleetType string
	Name      string
	// Directory is optional; when set the manager lists itself there
	// under its fleet type.
	Directory       string
	RegisterTimeout time.Duration
	Agent           agent.Config
}

// FleetManager keeps the transports of one fleet type and forwards every
// customer travel request to all of them.
type FleetManager struct {
	*agent.Agent
	cfg          FleetConfig
	transports   []string
	registration *fleet.Registration
	forwarded    int
}

func NewFleetManager(jid string, transport bus.Transport, cfg FleetConfig) *FleetManager {
	m := &FleetManager{
		Agent: agent.New(jid, transport, cfg.Agent),
		cfg:   cfg,
	}
	m.AddBehaviour(agent.NewCyclic("transport-registration", m.register), bus.Template{
		Protocol:     bus.ProtocolRegister,
		Performative: bus.PerformativeRequest,
	})
	m.AddBehaviour(agent.NewCyclic("travel-requests", m.forward), bus.Template{
		Protocol:     bus.ProtocolRequest,
		Performative: bus.PerformativeRequest,
	})
	return m
}

func (m *FleetManager) FleetType() string {
	return m.cfg.FleetType
}

func (m *FleetManager) Registration() *fleet.Registration {
	return m.registration
}

func (m *FleetManager) Start(ctx context.Context) error {
	if m.cfg.Directory != "" {
		m.registration = &fleet.Registration{
			Target: m.cfg.Directory,
			Body: protocol.Registration{
				JID:  m.JID(),
				Type: protocol.Types{m.cfg.FleetType},
				Name: m.cfg.Name,
			},
			Timeout: m.cfg.RegisterTimeout,
		}
		m.registration.Attach(m.Agent)
	}
	return m.Agent.Start(ctx)
}

func (m *FleetManager) register(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, 0)
	if !ok {
		return nil
	}
	req, err := protocol.Decode[protocol.RegisterTransport](msg)
	if err != nil {
		m.Logger().Printf("warning: %s %v", m.JID(), err)
		return nil
	}
	if req.FleetType != m.cfg.FleetType {
		m.Logger().Printf("%s refused transport=%s fleet_type=%s", m.JID(), req.JID, req.FleetType)
		reply, err := msg.Reply(bus.PerformativeRefuse, nil)
		if err != nil {
			return err
		}
		return b.Send(ctx, reply)
	}
	if !slices.Contains(m.transports, req.JID) {
		m.transports = append(m.transports, req.JID)
	}
	m.Logger().Printf("%s registered transport=%s name=%s", m.JID(), req.JID, req.Name)
	reply, err := msg.Reply(bus.PerformativeAccept, protocol.RegisterAccept{FleetType: m.cfg.FleetType})
	if err != nil {
		return err
	}
	return b.Send(ctx, reply)
}

func (m *FleetManager) forward(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, 0)
	if !ok {
		return nil
	}
	if _, err := protocol.Decode[protocol.TravelRequest](msg); err != nil {
		m.Logger().Printf("warning: %s %v", m.JID(), err)
		return nil
	}
	if len(m.transports) == 0 {
		m.Logger().Printf("warning: %s no transports for request from %s", m.JID(), msg.From)
		return nil
	}
	for _, jid := range m.transports {
		out, err := bus.NewMessage(jid, bus.ProtocolRequest, bus.PerformativeRequest, msg.Body)
		if err != nil {
			return err
		}
		if err := b.Send(ctx, out); err != nil {
			m.Logger().Printf("%s forward to %s failed: %v", m.JID(), jid, err)
		}
	}
	m.forwarded++
	return nil
}

// Transports lists registered transports in registration order.
func (m *FleetManager) Transports() []string {
	var out []string
	m.Inspect(func() {
		out = append(out, m.transports...)
	})
	return out
}

// Forwarded counts customer requests passed on to the fleet.
func (m *FleetManager) Forwarded() int {
	var n int
	m.Inspect(func() { n = m.forwarded })
	return n
}
