package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteTrace implements TraceStore with SQLite-backed persistence so a
// run's message log can be inspected after the simulation ends.
type SQLiteTrace struct {
	db *sqlx.DB
	mu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	agent        TEXT NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	to_agent     TEXT NOT NULL,
	from_agent   TEXT NOT NULL DEFAULT '',
	protocol     TEXT NOT NULL,
	performative TEXT NOT NULL,
	thread       TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '{}',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_agent ON messages (agent, seq);
`

type traceRow struct {
	Seq          int64  `db:"seq"`
	Agent        string `db:"agent"`
	MessageID    string `db:"message_id"`
	To           string `db:"to_agent"`
	From         string `db:"from_agent"`
	Protocol     string `db:"protocol"`
	Performative string `db:"performative"`
	Thread       string `db:"thread"`
	Body         string `db:"body"`
	CreatedAt    string `db:"created_at"`
}

func NewSQLiteTrace(dbPath string) (*SQLiteTrace, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteTrace{db: db}, nil
}

func (s *SQLiteTrace) Close() error {
	return s.db.Close()
}

func (s *SQLiteTrace) Append(jid string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := string(msg.Body)
	if body == "" {
		body = "{}"
	}
	_, err := s.db.NamedExec(`INSERT INTO messages (agent, message_id, to_agent, from_agent, protocol,
		performative, thread, body, created_at)
		VALUES (:agent, :message_id, :to_agent, :from_agent, :protocol, :performative, :thread, :body, :created_at)`,
		traceRow{
			Agent:        jid,
			MessageID:    msg.ID,
			To:           msg.To,
			From:         msg.From,
			Protocol:     string(msg.Protocol),
			Performative: string(msg.Performative),
			Thread:       msg.Thread,
			Body:         body,
			CreatedAt:    timeToString(msg.CreatedAt),
		})
	return err
}

// List returns the agent's trace in send order. Read errors yield an
// empty list.
func (s *SQLiteTrace) List(jid string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []traceRow
	if err := s.db.Select(&rows, `SELECT seq, agent, message_id, to_agent, from_agent, protocol,
		performative, thread, body, created_at
		FROM messages WHERE agent = ? ORDER BY seq`, jid); err != nil {
		return nil
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		m := Message{
			ID:           r.MessageID,
			To:           r.To,
			From:         r.From,
			Protocol:     Protocol(r.Protocol),
			Performative: Performative(r.Performative),
			Thread:       r.Thread,
			Body:         []byte(r.Body),
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
		out = append(out, m)
	}
	return out
}

// Count returns the number of traced messages per agent.
func (s *SQLiteTrace) Count() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []struct {
		Agent string `db:"agent"`
		N     int    `db:"n"`
	}
	if err := s.db.Select(&rows, `SELECT agent, COUNT(*) AS n FROM messages GROUP BY agent`); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Agent] = r.N
	}
	return out, nil
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var _ TraceStore = (*SQLiteTrace)(nil)
var _ TraceStore = (*MemoryTrace)(nil)
