package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

// Router resolves paths on behalf of a running behaviour.
type Router interface {
	Route(ctx context.Context, b *agent.Behaviour, origin, destination geo.Coordinate) (Entry, error)
}

// CacheRouter looks routes up in an in-process cache, releasing the agent
// lock while the remote call is in flight.
type CacheRouter struct {
	Cache *Cache
}

func (r CacheRouter) Route(ctx context.Context, b *agent.Behaviour, origin, destination geo.Coordinate) (Entry, error) {
	var e Entry
	var err error
	b.Blocking(func() {
		e, err = r.Cache.GetRoute(ctx, origin, destination)
	})
	return e, err
}

// Client asks a route agent over the bus.
type Client struct {
	RouteAgent string
	Timeout    time.Duration
}

func (c Client) Route(ctx context.Context, b *agent.Behaviour, origin, destination geo.Coordinate) (Entry, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	msg, err := bus.NewMessage(c.RouteAgent, bus.ProtocolRoute, bus.PerformativeRequest, protocol.RouteRequest{
		Origin:      origin,
		Destination: destination,
	})
	if err != nil {
		return Entry{}, err
	}
	reply, err := agent.Request(ctx, b, msg, bus.Template{Protocol: bus.ProtocolRoute, Performative: bus.PerformativeInform}, timeout)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrPathRequest, err)
	}
	var r Reply
	if err := json.Unmarshal(reply.Body, &r); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrPathRequest, err)
	}
	if r.Type != ReplySuccess {
		return Entry{}, fmt.Errorf("%w: %s", ErrPathRequest, r.Body)
	}
	return r.Entry, nil
}

// RequestPath resolves a path. Equal endpoints yield a single-point path
// without a lookup.
func RequestPath(ctx context.Context, r Router, b *agent.Behaviour, origin, destination geo.Coordinate) (Entry, error) {
	if origin == destination {
		return Entry{Path: []geo.Coordinate{origin}}, nil
	}
	e, err := r.Route(ctx, b, origin, destination)
	if err != nil {
		if errors.Is(err, ErrPathRequest) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrPathRequest, err)
	}
	return e, nil
}

const (
	ReplySuccess = "success"
	ReplyError   = "error"
)

// Reply is the ROUTE/INFORM body: the entry plus type "success", or
// {type:"error", body}.
type Reply struct {
	Entry
	Type string `json:"type"`
	Body string `json:"body,omitempty"`
}

func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Type == ReplyError {
		return json.Marshal(struct {
			Type string `json:"type"`
			Body string `json:"body"`
		}{r.Type, r.Body})
	}
	return json.Marshal(struct {
		Path     []geo.Coordinate `json:"path"`
		Distance float64          `json:"distance"`
		Duration float64          `json:"duration"`
		Type     string           `json:"type"`
	}{r.Path, r.Distance, r.Duration, ReplySuccess})
}

// NewReply builds the wire reply for a lookup result.
func NewReply(e Entry, err error) Reply {
	if err != nil {
		return Reply{Type: ReplyError, Body: err.Error()}
	}
	return Reply{Entry: e, Type: ReplySuccess}
}
