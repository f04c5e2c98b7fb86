// Command canvass is the Canvass CLI client.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/canvass-io/canvass/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "canvass server URL")
		token     = flag.String("token", os.Getenv("CANVASS_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "state":
		err = cli.cmdState(rest)
	case "states":
		err = cli.cmdStates(rest)
	case "advance":
		err = cli.cmdAdvance(rest)
	case "gates":
		err = cli.cmdGates(rest)
	case "approve":
		err = cli.cmdApprove(rest)
	case "history":
		err = cli.cmdHistory(rest)
	case "reset":
		err = cli.cmdReset(rest)
	case "agents":
		err = cli.cmdAgents(rest)
	case "agent":
		err = cli.cmdAgent(rest)
	case "audit":
		err = cli.cmdAudit(rest)
	case "settings":
		err = cli.cmdSettings(rest)
	case "set":
		err = cli.cmdSet(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `canvass — Canvass CLI

Usage:
  canvass [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  JWT auth token (or $CANVASS_TOKEN)

Commands:
  version                    print version
  status                     show server status
  state                      show current campaign state
  states                     list all campaign states
  advance [--by name]        advance to the next state
  gates                      list review gates
  approve <gate> [--by name] approve a review gate
  history                    show the transition log
  reset                      restart the campaign cycle
  agents                     list agents
  agent pause <id>           pause an agent
  agent resume <id>          resume an agent
  audit [agent_type]         show recent audit events
  settings                   list settings (secrets masked)
  set <key> <value>          update a setting
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("canvass %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// post performs a POST and decodes JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	return c.do(http.MethodPost, path, body, v)
}

func (c *Client) do(method, path string, body io.Reader, v any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", strVal(result["status"]))
	fmt.Printf("version: %s\n", strVal(result["version"]))
	fmt.Printf("state:   %s\n", strVal(result["current_state"]))
	return nil
}

// --- lifecycle ---

func (c *Client) cmdState(_ []string) error {
	var snap map[string]any
	if err := c.get("/api/lifecycle/state", &snap); err != nil {
		return err
	}
	fmt.Printf("state:       %s — %s\n", strVal(snap["current_state"]), strVal(snap["state_name"]))
	fmt.Printf("description: %s\n", strVal(snap["state_description"]))
	fmt.Printf("can advance: %v\n", snap["can_advance"])
	if g := strVal(snap["pending_gate"]); g != "" {
		fmt.Printf("pending:     %s\n", g)
	}
	return nil
}

func (c *Client) cmdStates(_ []string) error {
	var states []map[string]any
	if err := c.get("/api/lifecycle/states", &states); err != nil {
		return err
	}
	fmt.Printf("%-12s %-32s %-10s\n", "STATE", "NAME", "STATUS")
	fmt.Println(strings.Repeat("-", 58))
	for _, s := range states {
		fmt.Printf("%-12s %-32s %-10s\n",
			strVal(s["state_id"]), truncate(strVal(s["name"]), 31), strVal(s["status"]))
	}
	return nil
}

func approvalBody(args []string) io.Reader {
	by := ""
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "--by" {
			by = args[i+1]
		}
	}
	return strings.NewReader(fmt.Sprintf(`{"approved_by":%q}`, by))
}

func (c *Client) cmdAdvance(args []string) error {
	var snap map[string]any
	if err := c.post("/api/lifecycle/advance", approvalBody(args), &snap); err != nil {
		return err
	}
	fmt.Printf("advanced to %s — %s\n", strVal(snap["current_state"]), strVal(snap["state_name"]))
	return nil
}

func (c *Client) cmdGates(_ []string) error {
	var gates []map[string]any
	if err := c.get("/api/lifecycle/gates", &gates); err != nil {
		return err
	}
	fmt.Printf("%-12s %-32s %-10s %-8s %s\n", "GATE", "NAME", "STATUS", "ACTIVE", "APPROVED BY")
	fmt.Println(strings.Repeat("-", 80))
	for _, g := range gates {
		fmt.Printf("%-12s %-32s %-10s %-8v %s\n",
			strVal(g["gate_id"]), truncate(strVal(g["name"]), 31),
			strVal(g["status"]), g["is_active"], strVal(g["approved_by"]))
	}
	return nil
}

func (c *Client) cmdApprove(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: canvass approve <gate> [--by name]")
	}
	gate := args[0]
	if err := c.post("/api/lifecycle/gates/"+gate+"/approve", approvalBody(args[1:]), nil); err != nil {
		return err
	}
	fmt.Printf("gate %s approved\n", gate)
	return nil
}

func (c *Client) cmdHistory(_ []string) error {
	var transitions []map[string]any
	if err := c.get("/api/lifecycle/history", &transitions); err != nil {
		return err
	}
	if len(transitions) == 0 {
		fmt.Println("no transitions")
		return nil
	}
	fmt.Printf("%-12s %-12s %-20s %s\n", "FROM", "TO", "WHEN", "BY")
	fmt.Println(strings.Repeat("-", 60))
	for _, tr := range transitions {
		fmt.Printf("%-12s %-12s %-20s %s\n",
			strVal(tr["from_state"]), strVal(tr["to_state"]),
			truncate(strVal(tr["timestamp"]), 19), strVal(tr["approved_by"]))
	}
	return nil
}

func (c *Client) cmdReset(_ []string) error {
	var snap map[string]any
	if err := c.post("/api/lifecycle/reset", nil, &snap); err != nil {
		return err
	}
	fmt.Printf("campaign reset to %s — %s\n", strVal(snap["current_state"]), strVal(snap["state_name"]))
	return nil
}

// --- agents ---

func (c *Client) cmdAgents(_ []string) error {
	var agents []map[string]any
	if err := c.get("/api/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}
	fmt.Printf("%-20s %-14s %-12s %-10s %s\n", "ID", "TYPE", "STATUS", "PROCESSED", "ERRORS")
	fmt.Println(strings.Repeat("-", 68))
	for _, a := range agents {
		fmt.Printf("%-20s %-14s %-12s %-10s %s\n",
			strVal(a["id"]), strVal(a["type"]), strVal(a["status"]),
			strVal(a["messages_processed"]), strVal(a["errors"]))
	}
	return nil
}

func (c *Client) cmdAgent(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: canvass agent <pause|resume> <id>")
		os.Exit(1)
	}
	sub, id := args[0], args[1]
	switch sub {
	case "pause", "resume":
		if err := c.post("/api/agents/"+id+"/"+sub, nil, nil); err != nil {
			return err
		}
		fmt.Printf("agent %s %sd\n", id, sub)
	default:
		return fmt.Errorf("unknown agent subcommand: %s", sub)
	}
	return nil
}

// --- audit ---

func (c *Client) cmdAudit(args []string) error {
	path := "/api/audit/events?limit=25"
	if len(args) > 0 {
		path += "&agent_type=" + args[0]
	}
	var events []map[string]any
	if err := c.get(path, &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return nil
	}
	fmt.Printf("%-14s %-28s %-10s %s\n", "AGENT", "EVENT", "STATUS", "MS")
	fmt.Println(strings.Repeat("-", 62))
	for _, e := range events {
		fmt.Printf("%-14s %-28s %-10s %s\n",
			strVal(e["agent_type"]), truncate(strVal(e["event_type"]), 27),
			strVal(e["status"]), strVal(e["duration_ms"]))
	}
	return nil
}

// --- settings ---

func (c *Client) cmdSettings(_ []string) error {
	var list []map[string]any
	if err := c.get("/api/settings", &list); err != nil {
		return err
	}
	fmt.Printf("%-28s %-14s %s\n", "KEY", "CATEGORY", "VALUE")
	fmt.Println(strings.Repeat("-", 64))
	for _, s := range list {
		fmt.Printf("%-28s %-14s %s\n",
			strVal(s["key"]), strVal(s["category"]), truncate(strVal(s["value"]), 30))
	}
	return nil
}

func (c *Client) cmdSet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: canvass set <key> <value>")
	}
	key, value := args[0], strings.Join(args[1:], " ")
	body := strings.NewReader(fmt.Sprintf(`{"value":%q}`, value))
	if err := c.do(http.MethodPut, "/api/settings/"+key, body, nil); err != nil {
		return err
	}
	fmt.Printf("setting %s updated\n", key)
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
