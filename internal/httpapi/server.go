package httpapi

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/simulator"
)

// Simulation is what the operator API drives.
type Simulation interface {
	Health() map[string]any
	Agents() []simulator.AgentInfo
	Trace(jid string) []bus.Message
	Stats() simulator.Stats
	RequestStop()
	Inject(ctx context.Context, msg bus.Message) error
}

type Config struct {
	// Secret signs control requests. Empty disables the check.
	Secret string
	// ObserveInterval paces /v1/observe frames.
	ObserveInterval time.Duration
}

type Server struct {
	sim       Simulation
	cfg       Config
	allowlist map[string]struct{}
	pdf       *simulator.PDFRenderer
}

func NewServer(sim Simulation, cfg Config) http.Handler {
	allowset := map[string]struct{}{}
	for _, raw := range strings.Split(os.Getenv("INJECT_ALLOWLIST"), ",") {
		v := strings.TrimSpace(raw)
		if v != "" {
			allowset[v] = struct{}{}
		}
	}
	if cfg.ObserveInterval <= 0 {
		cfg.ObserveInterval = time.Second
	}

	s := &Server{sim: sim, cfg: cfg, allowlist: allowset, pdf: simulator.NewPDFRenderer()}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/agents", s.handleListAgents)
	mux.HandleFunc("/v1/agents/", s.handleAgentMessages)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/report", s.handleReport)
	mux.HandleFunc("/v1/observe", s.handleObserve)
	mux.HandleFunc("/v1/inject", s.handleInject)
	mux.HandleFunc("/v1/stop", s.handleStop)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBusError(w http.ResponseWriter, err error) {
	var be *bus.Error
	if errors.As(err, &be) {
		payload := map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      be.Code,
				"message":   be.Message,
				"transient": be.Transient,
			},
		}
		if be.RetryAfter > 0 {
			payload["error"].(map[string]any)["retry_after"] = be.RetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(be.RetryAfter))
		}
		writeJSON(w, be.Status, payload)
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      bus.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// Sign returns the X-Sim-Signature value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) verifySignature(signature string, payload []byte) error {
	if s.cfg.Secret == "" {
		return nil
	}
	sig := strings.TrimSpace(signature)
	if sig == "" {
		return bus.NewUnauthorizedError("X-Sim-Signature required")
	}
	if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
		sig = sig[len("sha256="):]
	}
	provided, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return bus.NewUnauthorizedError("invalid signature encoding")
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	_, _ = mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return bus.NewUnauthorizedError("invalid signature")
	}
	return nil
}

func (s *Server) isAllowed(jid string) bool {
	if len(s.allowlist) == 0 {
		return true
	}
	_, ok := s.allowlist[jid]
	return ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, s.sim.Health())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	agents := s.sim.Agents()
	if kind != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if a.Kind == kind {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	writeJSON(w, 200, map[string]any{"agents": agents})
}

// handleAgentMessages serves /v1/agents/{jid}/messages from the trace.
func (s *Server) handleAgentMessages(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	if !strings.HasSuffix(path, "/messages") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	jid := strings.TrimSuffix(strings.TrimSuffix(path, "/messages"), "/")
	if jid == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	known := false
	for _, a := range s.sim.Agents() {
		if a.JID == jid {
			known = true
			break
		}
	}
	messages := s.sim.Trace(jid)
	if !known && messages == nil {
		writeBusError(w, bus.NewNotFoundError("agent not found: "+jid))
		return
	}

	cursor := max(parseInt(r.URL.Query().Get("cursor"), 0), 0)
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if limit <= 0 {
		limit = 50
	}
	cursor = min(cursor, len(messages))
	end := min(cursor+limit, len(messages))
	writeJSON(w, 200, map[string]any{
		"jid":      jid,
		"messages": messages[cursor:end],
		"cursor":   strconv.Itoa(end),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, s.sim.Stats())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	st := s.sim.Stats()
	switch r.URL.Query().Get("format") {
	case "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, simulator.RenderMarkdown(st))
		return
	case "pdf":
		pdf, err := s.pdf.Render(r.Context(), st)
		if errors.Is(err, simulator.ErrNoChrome) {
			writeBusError(w, bus.NewUnavailableError("pdf rendering unavailable: "+err.Error()))
			return
		}
		if err != nil {
			writeBusError(w, bus.NewInternalError(err.Error()))
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		_, _ = w.Write(pdf)
		return
	}
	html, err := simulator.RenderHTMLReport(st)
	if err != nil {
		writeBusError(w, bus.NewInternalError(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, html)
}

// handleObserve streams the agent listing as server-sent events until the
// client goes away.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeBusError(w, bus.NewInternalError("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	limit := parseInt(r.URL.Query().Get("frames"), 0)
	bw := bufio.NewWriter(w)
	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.ObserveInterval)
	defer ticker.Stop()

	for id := 1; limit <= 0 || id <= limit; id++ {
		var agents []simulator.AgentInfo
		for _, a := range s.sim.Agents() {
			if kind == "" || a.Kind == kind {
				agents = append(agents, a)
			}
		}
		blob, err := json.Marshal(agents)
		if err != nil {
			return
		}
		if _, err := bw.WriteString(fmt.Sprintf("id: %d\nevent: agents\ndata: ", id)); err != nil {
			return
		}
		if _, err := bw.Write(blob); err != nil {
			return
		}
		if _, err := bw.WriteString("\n\n"); err != nil {
			return
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeBusError(w, bus.NewValidationJSONError(err))
		return
	}
	if err := s.verifySignature(r.Header.Get("X-Sim-Signature"), blob); err != nil {
		writeBusError(w, err)
		return
	}
	var req struct {
		From         string          `json:"from"`
		To           string          `json:"to"`
		Protocol     string          `json:"protocol"`
		Performative string          `json:"performative"`
		Thread       string          `json:"thread"`
		Body         json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeBusError(w, bus.NewValidationJSONError(err))
		return
	}
	req.To = strings.TrimSpace(req.To)
	if !s.isAllowed(req.To) {
		writeBusError(w, bus.NewUnauthorizedError("recipient not allowlisted: "+req.To))
		return
	}
	msg, err := bus.NewMessage(req.To, bus.Protocol(req.Protocol), bus.Performative(req.Performative), req.Body)
	if err != nil {
		writeBusError(w, bus.NewValidationJSONError(err))
		return
	}
	msg.From = strings.TrimSpace(req.From)
	msg.Thread = req.Thread
	if err := msg.Validate(); err != nil {
		writeBusError(w, err)
		return
	}
	if err := s.sim.Inject(r.Context(), msg); err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "to": msg.To})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeBusError(w, bus.NewValidationJSONError(err))
		return
	}
	if err := s.verifySignature(r.Header.Get("X-Sim-Signature"), blob); err != nil {
		writeBusError(w, err)
		return
	}
	s.sim.RequestStop()
	writeJSON(w, 202, map[string]any{"ok": true})
}
