package control

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"sreto/log"
)

const udsTimeout = 2 * time.Second

// StartUDS listens for operator commands on a Unix domain socket at path
// until ctx is cancelled. Grounded on the teacher's control/uds.go
// (os.Remove-then-Listen-then-Accept-loop), generalized to stop cleanly on
// context cancellation instead of running forever, so cmd/sretod's
// shutdown sequence can wait for it.
func (s *Server) StartUDS(ctx context.Context, path string) error {
	logger := log.New("control/uds")

	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warnf("failed to set socket permissions: %v", err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			logger.Warnf("UDS accept error: %v", err)
			continue
		}
		go s.handleConn(conn, logger)
	}
}

func (s *Server) handleConn(c net.Conn, logger *log.Logger) {
	defer c.Close()

	_ = c.SetDeadline(time.Now().Add(udsTimeout))

	var req CommandRequest
	dec := json.NewDecoder(c)
	if err := dec.Decode(&req); err != nil {
		logger.Warnf("UDS decode error: %v", err)
		return
	}

	logger.Infof("received command: %s", req.Cmd)
	resp := s.Handle(req)

	enc := json.NewEncoder(c)
	if err := enc.Encode(resp); err != nil {
		logger.Warnf("UDS encode error: %v", err)
	}
}
