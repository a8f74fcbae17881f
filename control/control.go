// Package control implements the operator control protocol: a JSON request
// over a Unix domain socket gets a JSON response back. Grounded on the
// teacher's control/control.go + control/handlers.go (the same
// CommandRequest/CommandResponse shape and a Handle(cmd, ...) switch), with
// the handler set replaced: status/peers/routes/sessions/transfers/close
// instead of networks/reload/goodbye, and the daemon's state exposed as an interface
// instead of package-level globals (Register/GetRouteTable and friends in
// the teacher).
package control

import (
	"fmt"
	"time"

	"sreto/log"
	"sreto/peerid"
	"sreto/router"
)

// CommandRequest is the single JSON object a client sends.
type CommandRequest struct {
	Cmd  string `json:"cmd"`
	Peer string `json:"peer,omitempty"`
}

// CommandResponse is the single JSON object the daemon replies with.
type CommandResponse struct {
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Daemon is the subset of a running sreto node Handle needs to answer
// control commands. router.Router satisfies it directly.
type Daemon interface {
	Self() peerid.Identifier
	Peers() []peerid.Identifier
	Routes() []router.RouteInfo
	ActiveSessionCount() int
	ClosePeer(peerid.Identifier) bool
	Transfers() []router.PeerTransferInfo
}

// Server dispatches CommandRequests against a Daemon. startupTime anchors
// the "status" command's uptime field (the teacher's control/state.go
// package-level startupTime var, made an instance field here since Server
// is no longer a process-wide singleton).
type Server struct {
	daemon      Daemon
	startupTime time.Time
	logger      *log.Logger
}

// NewServer constructs a control Server fronting daemon.
func NewServer(daemon Daemon) *Server {
	return &Server{daemon: daemon, startupTime: time.Now(), logger: log.New("control")}
}

// Handle executes one CommandRequest and returns the response to send
// back.
func (s *Server) Handle(req CommandRequest) CommandResponse {
	switch req.Cmd {
	case "status":
		return CommandResponse{Status: "ok", Output: map[string]interface{}{
			"self":     s.daemon.Self().String(),
			"uptime":   time.Since(s.startupTime).Round(time.Second).String(),
			"peers":    len(s.daemon.Peers()),
			"routes":   len(s.daemon.Routes()),
			"sessions": s.daemon.ActiveSessionCount(),
		}}

	case "peers":
		peers := s.daemon.Peers()
		output := make([]map[string]interface{}, 0, len(peers))
		for _, p := range peers {
			output = append(output, map[string]interface{}{"id": p.String()})
		}
		return CommandResponse{Status: "ok", Output: output}

	case "routes":
		routes := s.daemon.Routes()
		output := make([]map[string]interface{}, 0, len(routes))
		for _, r := range routes {
			output = append(output, map[string]interface{}{
				"destination": r.Destination.String(),
				"next_hop":    r.NextHop.String(),
				"hop_count":   r.HopCount,
			})
		}
		return CommandResponse{Status: "ok", Output: output}

	case "sessions":
		return CommandResponse{Status: "ok", Output: map[string]interface{}{
			"active": s.daemon.ActiveSessionCount(),
		}}

	case "transfers":
		perPeer := s.daemon.Transfers()
		output := make([]map[string]interface{}, 0, len(perPeer))
		for _, pt := range perPeer {
			transfers := make([]map[string]interface{}, 0, len(pt.Transfers))
			for _, t := range pt.Transfers {
				transfers = append(transfers, map[string]interface{}{
					"id":        t.ID,
					"direction": t.Direction,
					"length":    t.Length,
					"progress":  t.Progress,
					"state":     t.State.String(),
				})
			}
			output = append(output, map[string]interface{}{
				"peer":      pt.Peer.String(),
				"transfers": transfers,
			})
		}
		return CommandResponse{Status: "ok", Output: output}

	case "close":
		id, err := peerid.Parse(req.Peer)
		if err != nil {
			return CommandResponse{Status: "error", Error: fmt.Sprintf("invalid peer id %q: %v", req.Peer, err)}
		}
		if !s.daemon.ClosePeer(id) {
			return CommandResponse{Status: "error", Error: fmt.Sprintf("no routing link to peer %s", req.Peer)}
		}
		return CommandResponse{Status: "ok", Output: map[string]interface{}{"message": "close requested"}}

	default:
		s.logger.Warnf("unknown control command: %s", req.Cmd)
		return CommandResponse{Status: "error", Error: "unknown command: " + req.Cmd}
	}
}
