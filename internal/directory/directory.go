// Package directory holds the two lookup agents of a simulation: the
// directory that stations, stops and fleet managers register with, and the
// fleet manager that transports register with and customers ask for rides.
package directory

import (
	"context"
	"maps"
	"slices"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/protocol"
)

// Directory answers QUERY/REQUEST with every entry registered under the
// queried type.
type Directory struct {
	*agent.Agent
	entries map[string]map[string]protocol.Registration
}

func New(jid string, transport bus.Transport, cfg agent.Config) *Directory {
	d := &Directory{
		Agent:   agent.New(jid, transport, cfg),
		entries: map[string]map[string]protocol.Registration{},
	}
	d.AddBehaviour(agent.NewCyclic("register", d.register), bus.Template{
		Protocol:     bus.ProtocolRegister,
		Performative: bus.PerformativeRequest,
	})
	d.AddBehaviour(agent.NewCyclic("query", d.query), bus.Template{
		Protocol:     bus.ProtocolQuery,
		Performative: bus.PerformativeRequest,
	})
	return d
}

func (d *Directory) register(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, 0)
	if !ok {
		return nil
	}
	entry, err := protocol.Decode[protocol.Registration](msg)
	if err != nil {
		d.Logger().Printf("warning: %s %v", d.JID(), err)
		reply, rerr := msg.Reply(bus.PerformativeRefuse, nil)
		if rerr != nil {
			return rerr
		}
		return b.Send(ctx, reply)
	}
	d.Add(entry)
	d.Logger().Printf("%s registered jid=%s type=%v", d.JID(), entry.JID, []string(entry.Type))
	reply, err := msg.Reply(bus.PerformativeAccept, nil)
	if err != nil {
		return err
	}
	return b.Send(ctx, reply)
}

func (d *Directory) query(ctx context.Context, b *agent.Behaviour) error {
	msg, ok := b.Receive(ctx, 0)
	if !ok {
		return nil
	}
	q, err := protocol.Decode[protocol.DirectoryQuery](msg)
	if err != nil {
		d.Logger().Printf("warning: %s %v", d.JID(), err)
		return nil
	}
	listing := d.Lookup(q.Type)
	var reply bus.Message
	if len(listing) == 0 {
		reply, err = msg.Reply(bus.PerformativeCancel, nil)
	} else {
		reply, err = msg.Reply(bus.PerformativeInform, listing)
	}
	if err != nil {
		return err
	}
	return b.Send(ctx, reply)
}

// Add files entry under every type it names. Callers outside a behaviour
// go through Inspect.
func (d *Directory) Add(entry protocol.Registration) {
	for _, typ := range entry.Type {
		if d.entries[typ] == nil {
			d.entries[typ] = map[string]protocol.Registration{}
		}
		d.entries[typ][entry.JID] = entry
	}
}

func (d *Directory) Lookup(typ string) protocol.DirectoryListing {
	out := protocol.DirectoryListing{}
	maps.Copy(out, d.entries[typ])
	return out
}

// Types lists the registered types in order.
func (d *Directory) Types() []string {
	var out []string
	d.Inspect(func() {
		out = slices.Sorted(maps.Keys(d.entries))
	})
	return out
}

// Listing is Lookup for readers outside the agent.
func (d *Directory) Listing(typ string) protocol.DirectoryListing {
	var out protocol.DirectoryListing
	d.Inspect(func() { out = d.Lookup(typ) })
	return out
}
