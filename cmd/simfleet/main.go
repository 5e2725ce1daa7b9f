package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/httpapi"
	"github.com/joelkehle/simfleet/internal/simulator"
	"github.com/joelkehle/simfleet/internal/telemetry"
)

func envOr(flagValue, env, def string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func main() {
	scenarioFlag := flag.String("scenario", "", "scenario JSON file (overrides SCENARIO env var)")
	osrmFlag := flag.String("osrm", "", "OSRM base url (overrides OSRM_HOST and the scenario route_host)")
	cacheFlag := flag.String("cache", "", "route cache file (overrides ROUTE_CACHE env var)")
	traceFlag := flag.String("trace-db", "", "SQLite file for the message trace (overrides TRACE_DB env var)")
	statsFlag := flag.String("stats-out", "", "write statistics here; .db exports to SQLite, .html and .pdf render the report, anything else is JSON")
	natsFlag := flag.String("nats", "", "NATS url; empty runs the in-process bus (overrides NATS_URL env var)")
	otlpFlag := flag.String("otlp", "", "OTLP/HTTP trace collector (overrides OTEL_EXPORTER_OTLP_ENDPOINT env var)")
	flag.Parse()

	logger := log.New(os.Stdout, "simfleet ", log.LstdFlags)

	scenarioPath := envOr(*scenarioFlag, "SCENARIO", "")
	if scenarioPath == "" {
		log.Fatalf("a scenario is required: --scenario or SCENARIO")
	}
	scenario, err := simulator.LoadScenario(scenarioPath)
	if err != nil {
		log.Fatalf("failed to load scenario (%s): %v", scenarioPath, err)
	}
	if host := envOr(*osrmFlag, "OSRM_HOST", ""); host != "" {
		scenario.RouteHost = host
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "simfleet",
		Endpoint:    envOr(*otlpFlag, "OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	})
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("warning: trace shutdown: %v", err)
		}
	}()

	cfg := simulator.Config{
		CachePath: envOr(*cacheFlag, "ROUTE_CACHE", "./data/routes.json"),
		Logger:    logger,
	}

	if natsURL := envOr(*natsFlag, "NATS_URL", ""); natsURL != "" {
		nt, err := bus.NewNATSTransport(bus.NATSConfig{URL: natsURL, Name: scenario.Name})
		if err != nil {
			log.Fatalf("failed to connect to nats (%s): %v", natsURL, err)
		}
		defer nt.Close()
		cfg.Transport = nt
		logger.Printf("using nats transport at %s", natsURL)
	}

	if tracePath := envOr(*traceFlag, "TRACE_DB", ""); tracePath != "" {
		ts, err := bus.NewSQLiteTrace(tracePath)
		if err != nil {
			log.Fatalf("failed to initialize sqlite trace (%s): %v", tracePath, err)
		}
		defer ts.Close()
		cfg.Trace = ts
		logger.Printf("using sqlite trace at %s", tracePath)
	}

	sim, err := simulator.New(cfg, scenario)
	if err != nil {
		log.Fatalf("failed to build simulation: %v", err)
	}

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewServer(sim, httpapi.Config{Secret: os.Getenv("OPERATOR_SECRET")}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Printf("simfleet listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("critical: http server: %v", err)
		}
	}()

	runErr := sim.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Printf("warning: simulation ended with error: %v", runErr)
	}

	st := sim.Stats()
	logger.Printf("simulation=%s finished=%t arrived=%d/%d avg_waiting=%.2fs avg_total=%.2fs",
		st.Name, st.Summary.SimulationFinished, st.Summary.Arrived, st.Summary.Customers,
		st.Summary.AvgWaitingTime, st.Summary.AvgTotalTime)
	if out := *statsFlag; out != "" {
		if err := writeStats(out, st); err != nil {
			logger.Printf("warning: stats export (%s): %v", out, err)
		} else {
			logger.Printf("stats written to %s", out)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func writeStats(path string, st simulator.Stats) error {
	switch filepath.Ext(path) {
	case ".db", ".sqlite":
		_, err := simulator.ExportSQLite(path, st)
		return err
	case ".pdf":
		pdf, err := simulator.NewPDFRenderer().Render(context.Background(), st)
		if err != nil {
			return err
		}
		return os.WriteFile(path, pdf, 0o644)
	case ".html":
		html, err := simulator.RenderHTMLReport(st)
		if err != nil {
			return err
		}
		return os.WriteFile(path, []byte(html), 0o644)
	default:
		return simulator.WriteJSON(path, st)
	}
}
