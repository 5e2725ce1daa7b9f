package station

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/protocol"
)

// Job is one dispatched queue entry.
type Job struct {
	AgentID   string
	Service   string
	Args      map[string]any
	TimeScale float64
}

// Handler serves one job. It runs as a one-shot behaviour of the station
// and holds one slot of its service until it returns.
type Handler func(ctx context.Context, b *agent.Behaviour, job Job) error

// ServiceStation is a queue station whose queues are drained by a
// dispatcher into slot-limited handlers.
type ServiceStation struct {
	*QueueStation
}

func NewServiceStation(jid string, transport bus.Transport, cfg Config) *ServiceStation {
	s := &ServiceStation{QueueStation: NewQueueStation(jid, transport, cfg)}
	s.AddBehaviour(agent.NewCyclic("dispatcher", s.dispatch), nil)
	return s
}

// dispatch walks the services in registration order and hands each queue
// head to a handler while slots are free, then sleeps until an enqueue or
// a release wakes it.
func (s *ServiceStation) dispatch(ctx context.Context, b *agent.Behaviour) error {
	for _, name := range s.order {
		svc := s.services[name]
		if svc.Handler == nil {
			continue
		}
		for svc.InUse < svc.Slots {
			entry, ok := s.pop(name)
			if !ok {
				break
			}
			svc.InUse++
			s.serve(ctx, b, svc, entry)
		}
	}
	b.Await(ctx, s.wake, s.cfg.PollInterval)
	return nil
}

func (s *ServiceStation) serve(ctx context.Context, b *agent.Behaviour, svc *Service, entry Entry) {
	inform, err := bus.NewMessage(entry.AgentID, bus.ProtocolRequest, bus.PerformativeInform, protocol.Serving{
		StationID: s.JID(),
		Serving:   true,
	})
	if err == nil {
		err = b.Send(ctx, inform)
	}
	if err != nil {
		s.Logger().Printf("%s serving inform to %s failed: %v", s.JID(), entry.AgentID, err)
	}

	args := maps.Clone(entry.Args)
	if args == nil {
		args = map[string]any{}
	}
	for k, v := range svc.Args {
		if _, ok := args[k]; !ok {
			args[k] = v
		}
	}
	args["service_name"] = svc.Name
	job := Job{AgentID: entry.AgentID, Service: svc.Name, Args: args, TimeScale: s.cfg.TimeScale}

	s.Logger().Printf("%s dispatch service=%s agent=%s in_use=%d/%d", s.JID(), svc.Name, entry.AgentID, svc.InUse, svc.Slots)
	h := agent.NewOneShot("service-"+svc.Name, func(ctx context.Context, hb *agent.Behaviour) error {
		ctx, span := otel.Tracer("simfleet/station").Start(ctx, "station.service")
		defer span.End()
		span.SetAttributes(
			attribute.String("station.jid", s.JID()),
			attribute.String("station.service", job.Service),
			attribute.String("station.agent", job.AgentID),
		)
		if err := svc.Handler(ctx, hb, job); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
			if errors.Is(err, protocol.ErrViolation) {
				s.Logger().Printf("warning: %s service=%s agent=%s %v", s.JID(), job.Service, job.AgentID, err)
				return nil
			}
			return err
		}
		svc.Served++
		return nil
	})
	h.OnEnd(func(*agent.Behaviour) {
		svc.InUse--
		s.signal()
	})
	s.AddBehaviour(h, bus.Template{
		Protocol:     bus.ProtocolRequest,
		Performative: bus.PerformativeInform,
		Sender:       entry.AgentID,
	})
}

// ChargingService charges transport_need at power units per second.
func ChargingService(ctx context.Context, b *agent.Behaviour, job Job) error {
	return refill(ctx, b, job, "power")
}

// FuelService refuels transport_need at refueling_rate units per second.
func FuelService(ctx context.Context, b *agent.Behaviour, job Job) error {
	return refill(ctx, b, job, "refueling_rate")
}

func refill(ctx context.Context, b *agent.Behaviour, job Job, rateKey string) error {
	need, _ := number(job.Args["transport_need"])
	rate, ok := number(job.Args[rateKey])
	if !ok || rate <= 0 {
		return fmt.Errorf("%w: %s must be a positive number, got %v", protocol.ErrViolation, rateKey, job.Args[rateKey])
	}
	d := time.Duration(need / rate * job.TimeScale * float64(time.Second))
	if err := b.Sleep(ctx, d); err != nil {
		return err
	}
	done, err := bus.NewMessage(job.AgentID, bus.ProtocolRequest, bus.PerformativeInform, protocol.Charged{Charged: true})
	if err != nil {
		return err
	}
	return b.Send(ctx, done)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
