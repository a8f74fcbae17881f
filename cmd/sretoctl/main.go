// Command sretoctl is the operator CLI for a running sretod: daemon
// control commands (status/peers/routes/sessions/transfers/close) plus an
// offline "doctor" config validator. Grounded on the teacher's
// cmd/vpnctl/main.go (the --json flag, the JSON-over-UDS runDaemonCommand
// helper, and the doctor report format), trimmed of the onboarding commands
// (init/invite/join/add-peer) that depended on the teacher's
// certificate-based identity and exported-network model, neither of which
// this domain has: identity here is a bare peerid.Identifier.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"sreto/config"
	"sreto/control"
	"sreto/peerid"
)

const defaultSocketPath = "/var/run/sretod.sock"
const defaultConfigPath = "/etc/sreto/config.toml"

func main() {
	jsonMode := flag.Bool("json", false, "Output raw JSON for daemon commands")
	socketPath := flag.String("socket", defaultSocketPath, "Path to the daemon's control socket")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "status", "peers", "routes", "sessions", "transfers":
		err = runDaemonCommand(*socketPath, control.CommandRequest{Cmd: cmd}, *jsonMode)
	case "close":
		if len(args) != 1 {
			err = errors.New("close requires exactly one argument: <peer-id>")
			break
		}
		err = runDaemonCommand(*socketPath, control.CommandRequest{Cmd: "close", Peer: args[0]}, *jsonMode)
	case "doctor":
		err = runDoctor(args)
	default:
		flag.Usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [--json] [--socket path] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Daemon control commands:")
	fmt.Fprintln(os.Stderr, "  status | peers | routes | sessions | transfers | close <peer-id>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Offline commands:")
	fmt.Fprintln(os.Stderr, "  doctor    Validate a config file's identity/peers/backoff settings")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func runDaemonCommand(socketPath string, req control.CommandRequest, jsonMode bool) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var resp control.CommandResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.Status != "ok" {
		return errors.New(resp.Error)
	}

	if jsonMode {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Output)
	}

	printOutput(req.Cmd, resp.Output)
	return nil
}

func printOutput(cmd string, output interface{}) {
	switch cmd {
	case "status":
		m, _ := output.(map[string]interface{})
		fmt.Printf("Self:     %v\n", m["self"])
		fmt.Printf("Uptime:   %v\n", m["uptime"])
		fmt.Printf("Peers:    %v\n", m["peers"])
		fmt.Printf("Routes:   %v\n", m["routes"])
		fmt.Printf("Sessions: %v\n", m["sessions"])
	case "peers":
		peers, _ := output.([]interface{})
		for _, item := range peers {
			p := item.(map[string]interface{})
			fmt.Printf("Peer: %s\n", p["id"])
		}
	case "routes":
		routes, _ := output.([]interface{})
		for _, item := range routes {
			r := item.(map[string]interface{})
			fmt.Printf("Destination: %-38s Next-hop: %-38s Hops: %v\n", r["destination"], r["next_hop"], r["hop_count"])
		}
	case "sessions":
		m, _ := output.(map[string]interface{})
		fmt.Printf("Active sessions: %v\n", m["active"])
	case "transfers":
		perPeer, _ := output.([]interface{})
		for _, item := range perPeer {
			pt := item.(map[string]interface{})
			transfers, _ := pt["transfers"].([]interface{})
			if len(transfers) == 0 {
				continue
			}
			fmt.Printf("Peer: %s\n", pt["peer"])
			for _, item := range transfers {
				t := item.(map[string]interface{})
				fmt.Printf("  #%v %-9s %v/%v bytes (%s)\n", t["id"], t["direction"], t["progress"], t["length"], t["state"])
			}
		}
	default:
		fmt.Println("OK")
	}
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s doctor [options]\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	passCount, warnCount, failCount := 0, 0, 0
	report := func(level, check, message string) {
		fmt.Printf("%s %s: %s\n", level, check, message)
		switch level {
		case "PASS":
			passCount++
		case "WARN":
			warnCount++
		case "FAIL":
			failCount++
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		report("FAIL", "1) config parse/load", fmt.Sprintf("load config %q: %v", *configPath, err))
		fmt.Printf("Summary: PASS=%d WARN=%d FAIL=%d\n", passCount, warnCount, failCount)
		return fmt.Errorf("doctor detected %d failing checks", failCount)
	}
	report("PASS", "1) config parse/load", fmt.Sprintf("loaded %q", *configPath))

	if strings.TrimSpace(cfg.Identity.PeerID) == "" {
		report("WARN", "2) identity.peer_id set", "empty; a fresh identifier will be generated at each startup (not persisted)")
	} else if _, err := peerid.Parse(cfg.Identity.PeerID); err != nil {
		report("FAIL", "2) identity.peer_id set", fmt.Sprintf("invalid peer_id %q: %v", cfg.Identity.PeerID, err))
	} else {
		report("PASS", "2) identity.peer_id set", "parses as a valid identifier")
	}

	if len(cfg.Peers) == 0 {
		report("WARN", "3) peers configured", "no peers configured")
	} else {
		invalid := make([]string, 0)
		seenNames := make(map[string]bool)
		for i, peer := range cfg.Peers {
			if strings.TrimSpace(peer.Name) == "" {
				invalid = append(invalid, fmt.Sprintf("peer[%d] missing name", i))
				continue
			}
			if seenNames[peer.Name] {
				invalid = append(invalid, fmt.Sprintf("peer[%d] duplicate name %q", i, peer.Name))
				continue
			}
			seenNames[peer.Name] = true
			if _, err := peerid.Parse(peer.PeerID); err != nil {
				invalid = append(invalid, fmt.Sprintf("peer %q has invalid peer_id %q: %v", peer.Name, peer.PeerID, err))
			}
			if strings.TrimSpace(peer.Address) == "" {
				invalid = append(invalid, fmt.Sprintf("peer %q missing address", peer.Name))
			}
		}
		if len(invalid) > 0 {
			report("FAIL", "3) peers configured", strings.Join(invalid, "; "))
		} else {
			report("PASS", "3) peers configured", fmt.Sprintf("%d peer(s) valid", len(cfg.Peers)))
		}
	}

	settings := cfg.Backoff.Settings()
	if settings.BackoffFactor <= 1 || settings.InitialDelay <= 0 || settings.MaximumDelay < settings.InitialDelay {
		report("FAIL", "4) backoff settings sane", fmt.Sprintf("%+v", settings))
	} else {
		report("PASS", "4) backoff settings sane", fmt.Sprintf("initial=%s factor=%v max=%s", settings.InitialDelay, settings.BackoffFactor, settings.MaximumDelay))
	}

	if cfg.Transfer.ChunkSizeBytes < 0 {
		report("FAIL", "5) transfer chunk size", fmt.Sprintf("negative chunk_size_bytes=%d", cfg.Transfer.ChunkSizeBytes))
	} else {
		report("PASS", "5) transfer chunk size", "non-negative")
	}

	if cfg.Metrics.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.ListenAddress); err != nil {
			report("FAIL", "6) metrics listen address", fmt.Sprintf("invalid %q: %v", cfg.Metrics.ListenAddress, err))
		} else {
			report("PASS", "6) metrics listen address", "parses as host:port")
		}
	} else {
		report("WARN", "6) metrics listen address", "not set; metrics exporter will not start")
	}

	fmt.Printf("Summary: PASS=%d WARN=%d FAIL=%d\n", passCount, warnCount, failCount)
	if failCount > 0 {
		return fmt.Errorf("doctor detected %d failing checks", failCount)
	}
	return nil
}
