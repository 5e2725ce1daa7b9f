package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joelkehle/simfleet/internal/simclient"
)

const usage = `usage: simctl [flags] <command> [args]

commands:
  health                       print the simulation health
  agents [kind]                list agents, optionally of one kind
  messages <jid>               dump the message trace of an agent
  stats                        print the statistics as JSON
  report [md|html]             print the rendered report (default md)
  inject <to> <protocol> <performative> [body-json]
  stop                         ask the simulation to stop
`

func main() {
	addr := flag.String("addr", envOr("SIMFLEET_URL", "http://localhost:8080"), "operator API base url (SIMFLEET_URL)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := simclient.NewClient(*addr, os.Getenv("OPERATOR_SECRET"))
	if err := run(ctx, c, flag.Args()); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func envOr(env, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, c *simclient.Client, args []string) error {
	switch args[0] {
	case "health":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(h)
	case "agents":
		kind := ""
		if len(args) > 1 {
			kind = args[1]
		}
		agents, err := c.ListAgents(ctx, kind)
		if err != nil {
			return err
		}
		for _, a := range agents {
			fmt.Printf("%-32s %-10s %-24s %.6f,%.6f\n", a.JID, a.Kind, a.Status, a.Position.Lat(), a.Position.Lon())
		}
		return nil
	case "messages":
		if len(args) < 2 {
			return fmt.Errorf("missing jid")
		}
		cursor := 0
		for {
			msgs, next, err := c.Messages(ctx, args[1], cursor, 200)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("%s %s -> %s %s thread=%s %s\n", m.CreatedAt.Format(time.RFC3339), m.From, m.To, m.Key(), m.Thread, m.Body)
			}
			if next == cursor || len(msgs) == 0 {
				return nil
			}
			cursor = next
		}
	case "stats":
		st, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	case "report":
		md := len(args) < 2 || args[1] != "html"
		out, err := c.Report(ctx, md)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	case "inject":
		if len(args) < 4 {
			return fmt.Errorf("usage: inject <to> <protocol> <performative> [body-json]")
		}
		req := simclient.InjectRequest{To: args[1], Protocol: args[2], Performative: args[3]}
		if len(args) > 4 {
			if !json.Valid([]byte(args[4])) {
				return fmt.Errorf("body is not valid json")
			}
			req.Body = json.RawMessage(args[4])
		}
		if err := c.Inject(ctx, req); err != nil {
			return err
		}
		fmt.Printf("delivered to %s\n", req.To)
		return nil
	case "stop":
		if err := c.Stop(ctx); err != nil {
			return err
		}
		fmt.Println("stop requested")
		return nil
	default:
		return fmt.Errorf("unknown command (see -h)")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
