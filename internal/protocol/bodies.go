package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/joelkehle/simfleet/internal/geo"
)

// Types is a directory type list. On the wire it is either a single
// string or a list of strings.
type Types []string

func (t *Types) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = Types{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

func (t Types) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// RegisterTransport is what a transport sends its fleet manager.
type RegisterTransport struct {
	Name      string `json:"name"`
	JID       string `json:"jid"`
	FleetType string `json:"fleet_type"`
}

func (r RegisterTransport) Validate() error {
	if r.JID == "" || r.FleetType == "" {
		return errors.New("jid and fleet_type are required")
	}
	return nil
}

// RegisterAccept answers a transport registration.
type RegisterAccept struct {
	FleetType string `json:"fleet_type,omitempty"`
}

// Registration is a directory entry: stations, stops and fleet managers.
type Registration struct {
	JID      string          `json:"jid"`
	Type     Types           `json:"type"`
	Name     string          `json:"name,omitempty"`
	StopName string          `json:"stop_name,omitempty"`
	Position *geo.Coordinate `json:"position,omitempty"`
	Lines    []string        `json:"lines,omitempty"`
}

func (r Registration) Validate() error {
	if r.JID == "" || len(r.Type) == 0 {
		return errors.New("jid and type are required")
	}
	return nil
}

// DirectoryQuery names the agent type looked up. A bare JSON string is
// accepted as the type.
type DirectoryQuery struct {
	Type string `json:"type"`
}

func (q *DirectoryQuery) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		q.Type = one
		return nil
	}
	type plain DirectoryQuery
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*q = DirectoryQuery(p)
	return nil
}

func (q DirectoryQuery) Validate() error {
	if strings.TrimSpace(q.Type) == "" {
		return errors.New("type is required")
	}
	return nil
}

// DirectoryListing is the QUERY/INFORM reply: jid -> registration.
type DirectoryListing map[string]Registration

// Admission is the REQUEST/REQUEST body sent to stations and stops.
type Admission struct {
	ServiceName string         `json:"service_name,omitempty"`
	Line        string         `json:"line,omitempty"`
	ObjectType  string         `json:"object_type"`
	Args        map[string]any `json:"args,omitempty"`
}

// Key is the queue the request targets; service_name wins over line.
func (a Admission) Key() string {
	if a.ServiceName != "" {
		return a.ServiceName
	}
	return a.Line
}

func (a Admission) Validate() error {
	if a.Key() == "" {
		return errors.New("service_name or line is required")
	}
	return nil
}

// Cancel withdraws a queued request.
type Cancel struct {
	ServiceName string `json:"service_name,omitempty"`
	Line        string `json:"line,omitempty"`
}

func (c Cancel) Key() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	return c.Line
}

func (c Cancel) Validate() error {
	if c.Key() == "" {
		return errors.New("service_name or line is required")
	}
	return nil
}

type ProximityQuery struct {
	UserAgentID string `json:"user_agent_id"`
	ObjectType  string `json:"object_type"`
}

func (q ProximityQuery) Validate() error {
	if q.UserAgentID == "" {
		return errors.New("user_agent_id is required")
	}
	return nil
}

type ProximityReply struct {
	UserAgentID   string          `json:"user_agent_id"`
	AgentPosition *geo.Coordinate `json:"agent_position"`
}

func (r ProximityReply) Validate() error {
	if r.AgentPosition == nil {
		return errors.New("agent_position is required")
	}
	return nil
}

type StationAccept struct {
	StationID string `json:"station_id"`
}

type Serving struct {
	StationID string `json:"station_id"`
	Serving   bool   `json:"serving"`
}

type Charged struct {
	Charged bool `json:"charged"`
}

// LineInform is what a bus tells the stop it stands at. A nil
// ListOfStops is the dequeue signal a boarded customer sends.
type LineInform struct {
	Line        string           `json:"line"`
	ListOfStops []geo.Coordinate `json:"list_of_stops,omitempty"`
}

func (l LineInform) Validate() error {
	if l.Line == "" {
		return errors.New("line is required")
	}
	return nil
}

// Inform is the generic REQUEST/INFORM and TRAVEL/INFORM body.
type Inform struct {
	Status    Status          `json:"status"`
	Location  *geo.Coordinate `json:"location,omitempty"`
	Transport string          `json:"transport,omitempty"`
	StationID string          `json:"station_id,omitempty"`
	Serving   bool            `json:"serving,omitempty"`
	Charged   bool            `json:"charged,omitempty"`
}

// Trip is a boarding request; an accepted boarding echoes it.
type Trip struct {
	Origin geo.Coordinate `json:"origin"`
	Dest   geo.Coordinate `json:"dest"`
}

// TravelRequest is what a taxi customer sends its fleet manager.
type TravelRequest struct {
	CustomerID string         `json:"customer_id"`
	Origin     geo.Coordinate `json:"origin"`
	Dest       geo.Coordinate `json:"dest"`
}

func (r TravelRequest) Validate() error {
	if r.CustomerID == "" {
		return errors.New("customer_id is required")
	}
	return nil
}

type RouteRequest struct {
	Origin      geo.Coordinate `json:"origin"`
	Destination geo.Coordinate `json:"destination"`
}
