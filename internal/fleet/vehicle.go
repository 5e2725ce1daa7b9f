// Package fleet is the geolocated agent base shared by transports,
// customers and stations: position, movement along routed paths, arrival
// detection, registration and directory lookups.
package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/routing"
)

// ErrAlreadyInDestination is returned by MoveTo when the vehicle already
// stands at the destination. Strategies call their arrival handler.
var ErrAlreadyInDestination = errors.New("already in destination")

// GeoAgent is an agent with an observable position.
type GeoAgent struct {
	*agent.Agent
	position *agent.Cell[geo.Coordinate]
}

func NewGeoAgent(a *agent.Agent, position geo.Coordinate) *GeoAgent {
	return &GeoAgent{Agent: a, position: agent.NewCell(position)}
}

// Position is safe to call from any goroutine.
func (g *GeoAgent) Position() geo.Coordinate {
	return g.position.Get()
}

func (g *GeoAgent) PositionCell() *agent.Cell[geo.Coordinate] {
	return g.position
}

// Near reports whether other is within the proximity threshold.
func (g *GeoAgent) Near(other geo.Coordinate) bool {
	return geo.Near(g.Position(), other)
}

type VehicleConfig struct {
	SpeedKmh float64
	// TimeScale multiplies every travel wait; 0 < TimeScale < 1 speeds the
	// simulation up.
	TimeScale   float64
	PathRetries int
	Router      routing.Router
}

type PositionHook func(ctx context.Context, b *agent.Behaviour, pos geo.Coordinate)
type ArrivalHook func(ctx context.Context, b *agent.Behaviour)

// Vehicle moves along routed paths one chunk per step. All fields are
// owned by the agent's behaviours.
type Vehicle struct {
	*GeoAgent
	cfg VehicleConfig

	dest    geo.Coordinate
	hasDest bool
	path    []geo.Coordinate
	moving  *agent.Behaviour

	onPosition []PositionHook
	onArrival  ArrivalHook

	odometer  float64
	distances []float64
	durations []float64
}

func NewVehicle(a *agent.Agent, position geo.Coordinate, cfg VehicleConfig) *Vehicle {
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = 50
	}
	if cfg.TimeScale < 0 {
		cfg.TimeScale = 0
	}
	if cfg.TimeScale == 0 {
		cfg.TimeScale = 1
	}
	if cfg.PathRetries <= 0 {
		cfg.PathRetries = 5
	}
	return &Vehicle{GeoAgent: NewGeoAgent(a, position), cfg: cfg}
}

func (v *Vehicle) Speed() float64 {
	return v.cfg.SpeedKmh
}

func (v *Vehicle) TimeScale() float64 {
	return v.cfg.TimeScale
}

// OnPosition registers a hook run after every position change.
func (v *Vehicle) OnPosition(fn PositionHook) {
	v.onPosition = append(v.onPosition, fn)
}

// OnArrival sets the hook run when a move reaches its destination.
func (v *Vehicle) OnArrival(fn ArrivalHook) {
	v.onArrival = fn
}

// SetPosition moves the vehicle instantly and runs the position hooks.
func (v *Vehicle) SetPosition(ctx context.Context, b *agent.Behaviour, pos geo.Coordinate) {
	v.position.Set(pos)
	for _, fn := range v.onPosition {
		fn(ctx, b, pos)
	}
}

func (v *Vehicle) Destination() (geo.Coordinate, bool) {
	return v.dest, v.hasDest
}

func (v *Vehicle) IsInDestination() bool {
	return v.hasDest && v.Position() == v.dest
}

func (v *Vehicle) IsMoving() bool {
	return v.moving != nil
}

// Odometer is the distance travelled so far in meters.
func (v *Vehicle) Odometer() float64 {
	return v.odometer
}

// Trips returns the planned distance and duration of every move.
func (v *Vehicle) Trips() (distances, durations []float64) {
	return append([]float64{}, v.distances...), append([]float64{}, v.durations...)
}

// MoveTo plans a path to dest and starts the moving behaviour. It returns
// ErrAlreadyInDestination when no move is needed and an error wrapping
// routing.ErrPathRequest when no path was found after the configured
// retries.
func (v *Vehicle) MoveTo(ctx context.Context, b *agent.Behaviour, dest geo.Coordinate) error {
	v.StopMoving()
	pos := v.Position()
	if pos == dest {
		v.dest, v.hasDest = dest, true
		return ErrAlreadyInDestination
	}
	var entry routing.Entry
	var err error
	for i := 0; i < v.cfg.PathRetries; i++ {
		entry, err = routing.RequestPath(ctx, v.cfg.Router, b, pos, dest)
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		v.Logger().Printf("%s path request failed from=%v to=%v err=%v", v.JID(), pos, dest, err)
		return err
	}
	v.dest, v.hasDest = dest, true
	v.distances = append(v.distances, entry.Distance)
	v.durations = append(v.durations, entry.Duration)

	step := geo.KmhToMs(v.cfg.SpeedKmh)
	chunked := geo.ChunkPath(entry.Path, step)
	if len(chunked) > 0 && chunked[0] == pos {
		chunked = chunked[1:]
	}
	v.path = chunked
	v.moving = agent.NewCyclic("moving", v.step)
	v.AddBehaviour(v.moving, nil)
	return nil
}

// StopMoving cancels any move in progress.
func (v *Vehicle) StopMoving() {
	if v.moving != nil {
		v.moving.Kill(0)
		v.moving = nil
	}
	v.path = nil
}

func (v *Vehicle) step(ctx context.Context, b *agent.Behaviour) error {
	if b != v.moving {
		b.Kill(0)
		return nil
	}
	if len(v.path) == 0 {
		v.arrive(ctx, b)
		return nil
	}
	next := v.path[0]
	d := geo.Distance(v.Position(), next)
	hop := time.Duration(d / geo.KmhToMs(v.cfg.SpeedKmh) * v.cfg.TimeScale * float64(time.Second))
	if err := b.Sleep(ctx, hop); err != nil {
		return nil
	}
	if b != v.moving {
		return nil
	}
	v.path = v.path[1:]
	v.odometer += d
	v.SetPosition(ctx, b, next)
	if len(v.path) == 0 {
		v.arrive(ctx, b)
	}
	return nil
}

func (v *Vehicle) arrive(ctx context.Context, b *agent.Behaviour) {
	v.moving = nil
	b.Kill(0)
	if v.onArrival != nil {
		v.onArrival(ctx, b)
	}
}
