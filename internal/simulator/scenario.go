package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/transport"
)

// ErrConfig marks a scenario that cannot be simulated.
var ErrConfig = errors.New("invalid scenario")

type Scenario struct {
	Name string `json:"simulation_name"`
	// MaxTime is the wall-clock limit in seconds; zero runs until every
	// customer has arrived.
	MaxTime   float64 `json:"max_time"`
	TimeScale float64 `json:"time_scale"`
	RouteHost string  `json:"route_host"`
	Domain    string  `json:"host"`

	DirectoryName string `json:"directory_name"`
	SimulatorName string `json:"simulator_name"`
	RouteName     string `json:"route_name"`

	Fleets     []FleetSpec     `json:"fleets"`
	Transports []TransportSpec `json:"transports"`
	Customers  []CustomerSpec  `json:"customers"`
	Stations   []StationSpec   `json:"stations"`
	Stops      []StopSpec      `json:"stops"`
	Lines      []LineSpec      `json:"lines"`
}

type FleetSpec struct {
	Name      string `json:"name"`
	FleetType string `json:"fleet_type"`
}

type TransportSpec struct {
	Name      string          `json:"name"`
	Class     string          `json:"class"`
	FleetType string          `json:"fleet_type"`
	Position  *geo.Coordinate `json:"position"`
	// Speed in km/h.
	Speed float64 `json:"speed"`
	// Autonomy in km.
	Autonomy float64 `json:"autonomy"`
	Service  string  `json:"service"`
	Line     string  `json:"line"`
	Capacity int     `json:"capacity"`
}

type CustomerSpec struct {
	Name        string          `json:"name"`
	Class       string          `json:"class"`
	FleetType   string          `json:"fleet_type"`
	Position    *geo.Coordinate `json:"position"`
	Destination *geo.Coordinate `json:"destination"`
	Line        string          `json:"line"`
}

type StationSpec struct {
	Name     string          `json:"name"`
	Position *geo.Coordinate `json:"position"`
	Services []ServiceSpec   `json:"services"`
}

type ServiceSpec struct {
	Type string `json:"type"`
	// Behaviour selects the handler: "charging" or "fuel".
	Behaviour string         `json:"behaviour"`
	Slots     int            `json:"slots"`
	Args      map[string]any `json:"args"`
}

type StopSpec struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Position *geo.Coordinate `json:"position"`
	Lines    []string        `json:"lines"`
}

type LineSpec struct {
	ID       string   `json:"id"`
	Stops    []string `json:"stops"`
	LineType string   `json:"line_type"`
}

const (
	ClassTaxi = "taxi"
	ClassBus  = "bus"
)

// LoadScenario reads and validates a JSON scenario file.
func LoadScenario(path string) (Scenario, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	return ParseScenario(blob)
}

func ParseScenario(blob []byte) (Scenario, error) {
	var s Scenario
	if err := json.Unmarshal(blob, &s); err != nil {
		return Scenario{}, fmt.Errorf("%w: decode: %v", ErrConfig, err)
	}
	s.defaults()
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

func (s *Scenario) defaults() {
	if s.Name == "" {
		s.Name = "simfleet"
	}
	if s.TimeScale <= 0 {
		s.TimeScale = 1
	}
	if s.Domain == "" {
		s.Domain = "localhost"
	}
	if s.DirectoryName == "" {
		s.DirectoryName = "directory"
	}
	if s.SimulatorName == "" {
		s.SimulatorName = "simulator"
	}
	if s.RouteName == "" {
		s.RouteName = "route"
	}
	if s.RouteHost == "" {
		s.RouteHost = "http://router.project-osrm.org/"
	}
}

// JID qualifies an agent name with the scenario domain.
func (s Scenario) JID(name string) string {
	if strings.Contains(name, "@") {
		return name
	}
	return name + "@" + s.Domain
}

// Validate checks names and cross references. Every failure wraps
// ErrConfig.
func (s Scenario) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	seen := map[string]bool{}
	name := func(kind, n string) {
		if strings.TrimSpace(n) == "" {
			fail("%s without name", kind)
			return
		}
		if seen[n] {
			fail("duplicate agent name %q", n)
		}
		seen[n] = true
	}
	for _, n := range []string{s.DirectoryName, s.SimulatorName, s.RouteName} {
		name("system agent", n)
	}

	fleets := map[string]bool{}
	for _, f := range s.Fleets {
		name("fleet", f.Name)
		if f.FleetType == "" {
			fail("fleet %s without fleet_type", f.Name)
		}
		fleets[f.FleetType] = true
	}

	stops := map[string]bool{}
	for _, st := range s.Stops {
		name("stop", st.ID)
		if st.Position == nil {
			fail("stop %s without position", st.ID)
		}
		stops[st.ID] = true
	}
	lines := map[string]bool{}
	for _, l := range s.Lines {
		if l.ID == "" {
			fail("line without id")
		}
		if lines[l.ID] {
			fail("duplicate line %q", l.ID)
		}
		lines[l.ID] = true
		if !transport.LineType(l.LineType).Valid() {
			fail("line %s: unknown line_type %q", l.ID, l.LineType)
		}
		if len(l.Stops) == 0 {
			fail("line %s has no stops", l.ID)
		}
		for _, id := range l.Stops {
			if !stops[id] {
				fail("line %s: unknown stop %q", l.ID, id)
			}
		}
	}
	for _, st := range s.Stops {
		for _, l := range st.Lines {
			if !lines[l] {
				fail("stop %s: unknown line %q", st.ID, l)
			}
		}
	}

	for _, st := range s.Stations {
		name("station", st.Name)
		if st.Position == nil {
			fail("station %s without position", st.Name)
		}
		for _, svc := range st.Services {
			if svc.Type == "" {
				fail("station %s: service without type", st.Name)
			}
			if svc.Slots <= 0 {
				fail("station %s: service %s needs slots > 0", st.Name, svc.Type)
			}
			if _, ok := handlers[svc.Behaviour]; !ok {
				fail("station %s: unknown service behaviour %q", st.Name, svc.Behaviour)
			}
		}
	}

	for _, t := range s.Transports {
		name("transport", t.Name)
		switch t.Class {
		case ClassTaxi:
			if t.Position == nil {
				fail("taxi %s without position", t.Name)
			}
			if !fleets[t.fleetType()] {
				fail("taxi %s: no fleet of type %q", t.Name, t.fleetType())
			}
		case ClassBus:
			if !lines[t.Line] {
				fail("bus %s: unknown line %q", t.Name, t.Line)
			}
			if t.Capacity < 0 {
				fail("bus %s: negative capacity", t.Name)
			}
		default:
			fail("transport %s: unknown class %q", t.Name, t.Class)
		}
	}

	for _, c := range s.Customers {
		name("customer", c.Name)
		if c.Position == nil || c.Destination == nil {
			fail("customer %s needs position and destination", c.Name)
		}
		switch c.Class {
		case ClassTaxi:
			if !fleets[c.fleetType()] {
				fail("customer %s: no fleet of type %q", c.Name, c.fleetType())
			}
		case ClassBus:
			if !lines[c.Line] {
				fail("customer %s: unknown line %q", c.Name, c.Line)
			}
		default:
			fail("customer %s: unknown class %q", c.Name, c.Class)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (t TransportSpec) fleetType() string {
	if t.FleetType != "" {
		return t.FleetType
	}
	return t.Class
}

func (c CustomerSpec) fleetType() string {
	if c.FleetType != "" {
		return c.FleetType
	}
	return c.Class
}

func (s Scenario) fleetManager(fleetType string) string {
	for _, f := range s.Fleets {
		if f.FleetType == fleetType {
			return s.JID(f.Name)
		}
	}
	return ""
}

func (s Scenario) line(id string) (LineSpec, bool) {
	for _, l := range s.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return LineSpec{}, false
}

func (s Scenario) stop(id string) (StopSpec, bool) {
	for _, st := range s.Stops {
		if st.ID == id {
			return st, true
		}
	}
	return StopSpec{}, false
}
