package simulator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/simfleet/internal/customer"
	"github.com/joelkehle/simfleet/internal/station"
	"github.com/joelkehle/simfleet/internal/transport"
)

type ManagerStats struct {
	JID        string `json:"jid"`
	FleetType  string `json:"fleet_type"`
	Transports int    `json:"transports_in_fleet"`
	Forwarded  int    `json:"forwarded_requests"`
}

// Summary aggregates the per-agent rows. Times are in seconds, distances
// in meters.
type Summary struct {
	Customers          int     `json:"customers"`
	Arrived            int     `json:"arrived"`
	AvgWaitingTime     float64 `json:"avg_customer_waiting_time"`
	AvgTotalTime       float64 `json:"avg_customer_total_time"`
	AvgDistance        float64 `json:"avg_distance"`
	ChargedTransports  int     `json:"charged_transports"`
	BusRounds          int     `json:"bus_rounds"`
	AvgBusOccupation   float64 `json:"avg_bus_occupation"`
	MaxStationQueue    int     `json:"max_station_queue_length"`
	SimulationFinished bool    `json:"simulation_finished"`
}

type Stats struct {
	Name       string               `json:"simulation_name"`
	StartedAt  time.Time            `json:"started_at"`
	EndedAt    time.Time            `json:"ended_at,omitempty"`
	Duration   float64              `json:"duration"`
	Summary    Summary              `json:"summary"`
	Managers   []ManagerStats       `json:"fleets"`
	Transports []transport.Snapshot `json:"transports"`
	Customers  []customer.Snapshot  `json:"customers"`
	Stations   []station.Snapshot   `json:"stations"`
	Stops      []station.Snapshot   `json:"stops"`
}

// Stats collects a consistent snapshot of every agent. It can be called
// while the simulation runs.
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Name:      s.scenario.Name,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
	st.Summary.SimulationFinished = s.finished
	s.mu.Unlock()

	end := st.EndedAt
	if end.IsZero() {
		end = s.cfg.Clock()
	}
	if !st.StartedAt.IsZero() {
		st.Duration = end.Sub(st.StartedAt).Seconds()
	}

	for _, m := range s.managers {
		st.Managers = append(st.Managers, ManagerStats{
			JID:        m.JID(),
			FleetType:  m.FleetType(),
			Transports: len(m.Transports()),
			Forwarded:  m.Forwarded(),
		})
	}
	for _, t := range s.taxis {
		st.Transports = append(st.Transports, t.Snapshot())
	}
	for _, b := range s.buses {
		st.Transports = append(st.Transports, b.Snapshot())
	}
	for _, c := range s.customers {
		st.Customers = append(st.Customers, c.Snapshot())
	}
	for _, x := range s.stations {
		st.Stations = append(st.Stations, x.Snapshot())
	}
	for _, x := range s.stops {
		st.Stops = append(st.Stops, x.Snapshot())
	}
	st.Summary = summarize(st)
	return st
}

func summarize(st Stats) Summary {
	sum := st.Summary
	sum.Customers = len(st.Customers)
	for _, c := range st.Customers {
		sum.AvgWaitingTime += c.WaitingTime
		sum.AvgTotalTime += c.TotalTime
		if c.Arrived {
			sum.Arrived++
		}
	}
	if sum.Customers > 0 {
		sum.AvgWaitingTime /= float64(sum.Customers)
		sum.AvgTotalTime /= float64(sum.Customers)
	}
	var buses int
	for _, t := range st.Transports {
		sum.AvgDistance += t.Odometer
		if n, ok := t.Extra["charges"].(int); ok && n > 0 {
			sum.ChargedTransports++
		}
		if r, ok := t.Extra["rounds"].(int); ok {
			sum.BusRounds += r
			buses++
		}
		if occ, ok := t.Extra["average_occupation"].(float64); ok {
			sum.AvgBusOccupation += occ
		}
	}
	if len(st.Transports) > 0 {
		sum.AvgDistance /= float64(len(st.Transports))
	}
	if buses > 0 {
		sum.AvgBusOccupation /= float64(buses)
	}
	for _, x := range st.Stations {
		sum.MaxStationQueue = max(sum.MaxStationQueue, x.Stats.MaxQueueLength)
	}
	return sum
}

// WriteJSON stores stats at path. The file is replaced atomically.
func WriteJSON(path string, st Stats) error {
	blob, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

const statsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	duration    REAL NOT NULL,
	finished    INTEGER NOT NULL,
	customers   INTEGER NOT NULL,
	arrived     INTEGER NOT NULL,
	avg_waiting REAL NOT NULL,
	avg_total   REAL NOT NULL,
	avg_distance REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS customers (
	run_id       INTEGER NOT NULL,
	jid          TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	transport    TEXT NOT NULL DEFAULT '',
	waiting_time REAL NOT NULL,
	total_time   REAL NOT NULL,
	arrived      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transports (
	run_id     INTEGER NOT NULL,
	jid        TEXT NOT NULL,
	fleet_type TEXT NOT NULL,
	status     TEXT NOT NULL,
	served     INTEGER NOT NULL,
	odometer   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS services (
	run_id  INTEGER NOT NULL,
	station TEXT NOT NULL,
	service TEXT NOT NULL,
	slots   INTEGER NOT NULL,
	served  INTEGER NOT NULL,
	max_queue_length INTEGER NOT NULL
);
`

type RunRow struct {
	ID          int64   `db:"id"`
	Name        string  `db:"name"`
	StartedAt   string  `db:"started_at"`
	Duration    float64 `db:"duration"`
	Finished    bool    `db:"finished"`
	Customers   int     `db:"customers"`
	Arrived     int     `db:"arrived"`
	AvgWaiting  float64 `db:"avg_waiting"`
	AvgTotal    float64 `db:"avg_total"`
	AvgDistance float64 `db:"avg_distance"`
}

type CustomerRow struct {
	RunID       int64   `db:"run_id"`
	JID         string  `db:"jid"`
	Kind        string  `db:"kind"`
	Status      string  `db:"status"`
	Transport   string  `db:"transport"`
	WaitingTime float64 `db:"waiting_time"`
	TotalTime   float64 `db:"total_time"`
	Arrived     bool    `db:"arrived"`
}

type TransportRow struct {
	RunID     int64   `db:"run_id"`
	JID       string  `db:"jid"`
	FleetType string  `db:"fleet_type"`
	Status    string  `db:"status"`
	Served    int     `db:"served"`
	Odometer  float64 `db:"odometer"`
}

type ServiceRow struct {
	RunID          int64  `db:"run_id"`
	Station        string `db:"station"`
	Service        string `db:"service"`
	Slots          int    `db:"slots"`
	Served         int    `db:"served"`
	MaxQueueLength int    `db:"max_queue_length"`
}

// ExportSQLite appends the run to the SQLite database at path and returns
// the run id.
func ExportSQLite(path string, st Stats) (int64, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return 0, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(statsSchema); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.NamedExec(`INSERT INTO runs (name, started_at, duration, finished, customers, arrived,
		avg_waiting, avg_total, avg_distance)
		VALUES (:name, :started_at, :duration, :finished, :customers, :arrived, :avg_waiting, :avg_total, :avg_distance)`,
		RunRow{
			Name:        st.Name,
			StartedAt:   st.StartedAt.UTC().Format(time.RFC3339Nano),
			Duration:    st.Duration,
			Finished:    st.Summary.SimulationFinished,
			Customers:   st.Summary.Customers,
			Arrived:     st.Summary.Arrived,
			AvgWaiting:  st.Summary.AvgWaitingTime,
			AvgTotal:    st.Summary.AvgTotalTime,
			AvgDistance: st.Summary.AvgDistance,
		})
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, c := range st.Customers {
		if _, err := tx.NamedExec(`INSERT INTO customers (run_id, jid, kind, status, transport, waiting_time, total_time, arrived)
			VALUES (:run_id, :jid, :kind, :status, :transport, :waiting_time, :total_time, :arrived)`,
			CustomerRow{
				RunID:       runID,
				JID:         c.JID,
				Kind:        c.Kind,
				Status:      c.Status,
				Transport:   c.Transport,
				WaitingTime: c.WaitingTime,
				TotalTime:   c.TotalTime,
				Arrived:     c.Arrived,
			}); err != nil {
			return 0, fmt.Errorf("insert customer %s: %w", c.JID, err)
		}
	}
	for _, t := range st.Transports {
		if _, err := tx.NamedExec(`INSERT INTO transports (run_id, jid, fleet_type, status, served, odometer)
			VALUES (:run_id, :jid, :fleet_type, :status, :served, :odometer)`,
			TransportRow{
				RunID:     runID,
				JID:       t.JID,
				FleetType: t.FleetType,
				Status:    t.Status,
				Served:    t.Served,
				Odometer:  t.Odometer,
			}); err != nil {
			return 0, fmt.Errorf("insert transport %s: %w", t.JID, err)
		}
	}
	for _, x := range st.Stations {
		for _, svc := range x.Services {
			if _, err := tx.NamedExec(`INSERT INTO services (run_id, station, service, slots, served, max_queue_length)
				VALUES (:run_id, :station, :service, :slots, :served, :max_queue_length)`,
				ServiceRow{
					RunID:          runID,
					Station:        x.JID,
					Service:        svc.Name,
					Slots:          svc.Slots,
					Served:         svc.Served,
					MaxQueueLength: x.Stats.MaxQueueLength,
				}); err != nil {
				return 0, fmt.Errorf("insert service %s/%s: %w", x.JID, svc.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return runID, nil
}

// LoadRuns reads back the exported run rows, newest first.
func LoadRuns(path string) ([]RunRow, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	var rows []RunRow
	if err := db.Select(&rows, `SELECT id, name, started_at, duration, finished, customers, arrived,
		avg_waiting, avg_total, avg_distance FROM runs ORDER BY id DESC`); err != nil {
		return nil, err
	}
	return rows, nil
}

// RenderMarkdown lays the statistics out as GitHub-flavoured tables.
func RenderMarkdown(st Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Simulation %s\n\n", st.Name)
	finished := "no"
	if st.Summary.SimulationFinished {
		finished = "yes"
	}
	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Duration (s) | %.2f |\n", st.Duration)
	fmt.Fprintf(&b, "| Customers arrived | %d / %d |\n", st.Summary.Arrived, st.Summary.Customers)
	fmt.Fprintf(&b, "| Avg customer waiting time (s) | %.2f |\n", st.Summary.AvgWaitingTime)
	fmt.Fprintf(&b, "| Avg customer total time (s) | %.2f |\n", st.Summary.AvgTotalTime)
	fmt.Fprintf(&b, "| Avg distance (m) | %.1f |\n", st.Summary.AvgDistance)
	fmt.Fprintf(&b, "| Charged transports | %d |\n", st.Summary.ChargedTransports)
	fmt.Fprintf(&b, "| Bus rounds | %d |\n", st.Summary.BusRounds)
	fmt.Fprintf(&b, "| Avg bus occupation | %.2f |\n", st.Summary.AvgBusOccupation)
	fmt.Fprintf(&b, "| Simulation finished | %s |\n", finished)

	if len(st.Managers) > 0 {
		b.WriteString("\n## Fleets\n\n| Fleet | Type | Transports | Requests |\n|---|---|---|---|\n")
		for _, m := range st.Managers {
			fmt.Fprintf(&b, "| %s | %s | %d | %d |\n", m.JID, m.FleetType, m.Transports, m.Forwarded)
		}
	}
	if len(st.Customers) > 0 {
		b.WriteString("\n## Customers\n\n| Customer | Kind | Status | Transport | Waiting (s) | Total (s) |\n|---|---|---|---|---|---|\n")
		for _, c := range st.Customers {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %.2f | %.2f |\n", c.JID, c.Kind, c.Status, c.Transport, c.WaitingTime, c.TotalTime)
		}
	}
	if len(st.Transports) > 0 {
		b.WriteString("\n## Transports\n\n| Transport | Fleet | Status | Served | Distance (m) |\n|---|---|---|---|---|\n")
		for _, t := range st.Transports {
			fmt.Fprintf(&b, "| %s | %s | %s | %d | %.1f |\n", t.JID, t.FleetType, t.Status, t.Served, t.Odometer)
		}
	}
	if len(st.Stations) > 0 {
		b.WriteString("\n## Stations\n\n| Station | Service | Slots | Served | Max queue |\n|---|---|---|---|---|\n")
		for _, x := range st.Stations {
			for _, svc := range x.Services {
				fmt.Fprintf(&b, "| %s | %s | %d | %d | %d |\n", x.JID, svc.Name, svc.Slots, svc.Served, x.Stats.MaxQueueLength)
			}
		}
	}
	if len(st.Stops) > 0 {
		b.WriteString("\n## Stops\n\n| Stop | Line | Waiting | Max queue |\n|---|---|---|---|\n")
		for _, x := range st.Stops {
			for _, svc := range x.Services {
				fmt.Fprintf(&b, "| %s | %s | %d | %d |\n", x.JID, svc.Name, len(svc.Queue), x.Stats.MaxQueueLength)
			}
		}
	}
	return b.String()
}

// RenderHTMLReport converts the markdown statistics into a standalone
// HTML page.
func RenderHTMLReport(st Stats) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(RenderMarkdown(st)), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>simfleet report</title>" +
		"<style>body{font-family:sans-serif;max-width:1000px;margin:0 auto;padding:1rem;} " +
		"table{width:100%;border-collapse:collapse;font-size:0.85rem;margin-bottom:1.5rem;} " +
		"th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;} " +
		"thead th{background:#f1f5f9;}</style></head><body>" +
		content.String() +
		"</body></html>", nil
}
