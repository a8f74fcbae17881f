// Command sretod is the routing-core daemon: it loads a config, brings up
// a transport.Module, constructs a Router over it, and serves metrics and
// operator control until it receives a termination signal. Grounded on the
// teacher's cmd/vpn/main.go, whose overall shape (load config -> construct
// components -> start background services -> accept loop -> signal-driven
// graceful shutdown -> block) is kept; the TUN/QUIC/TLS/route-table wiring
// specific to tunneling a VPN is replaced with router/reliability/transfer.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sreto/config"
	"sreto/control"
	"sreto/log"
	"sreto/metrics"
	"sreto/packet"
	"sreto/peerid"
	"sreto/router"
	"sreto/transport"
)

func main() {
	configPath := flag.String("config", "/etc/sreto/config.toml", "Path to config file")
	flag.Parse()

	logger := log.New("sretod")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config %q: %v", *configPath, err)
	}

	self, err := resolveIdentity(cfg.Identity.PeerID, logger)
	if err != nil {
		logger.Fatalf("resolve identity: %v", err)
	}
	logger.Infof("starting as %s", self)

	tlsConf, err := generateEphemeralTLS()
	if err != nil {
		logger.Fatalf("generate transport TLS material: %v", err)
	}

	module := transport.NewQUICModule(self, tlsConf)
	r := router.New(self, module, cfg.Reliability.Delays())
	registry := metrics.NewRegistry()
	r.SetMetrics(registry)
	r.SetTransferChunkSize(cfg.Transfer.ChunkSizeBytes)

	r.OnIncomingRoutedConnection(func(rc *router.RoutedConnection) {
		rc.OnData(func(from peerid.Identifier, data []byte) {
			logger.Infof("routed connection data from %s: %d bytes", from, len(data))
		})
	})

	if cfg.Transport.ListenAddress != "" {
		if err := module.Listen(cfg.Transport.ListenAddress); err != nil {
			logger.Fatalf("listen on %s: %v", cfg.Transport.ListenAddress, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	for _, p := range cfg.Peers {
		id, err := peerid.Parse(p.PeerID)
		if err != nil {
			logger.Warnf("skipping peer %q: invalid peer_id %q: %v", p.Name, p.PeerID, err)
			continue
		}
		module.Announce(id, p.Address)
		go dialPeer(ctx, r, id, p.Name, logger)
	}

	if cfg.Metrics.ListenAddress != "" {
		go func() {
			if err := registry.Serve(ctx, cfg.Metrics.ListenAddress); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	controlDone := make(chan struct{})
	if cfg.Control.SocketPath != "" {
		controlServer := control.NewServer(r)
		go func() {
			if err := controlServer.StartUDS(ctx, cfg.Control.SocketPath); err != nil {
				logger.Errorf("control socket: %v", err)
			}
			close(controlDone)
		}()
	} else {
		close(controlDone)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infof("shutting down")

	cancel()
	r.CloseAllSessions()
	<-controlDone
	os.Exit(0)
}

// dialPeer establishes the outbound routing link to a statically
// configured peer, retrying on failure with a fixed backoff. reliability
// takes over reconnect behavior once the link is up; this loop only
// concerns itself with the very first connection.
func dialPeer(ctx context.Context, r *router.Router, id peerid.Identifier, name string, logger *log.Logger) {
	for {
		dialCtx, cancel := context.WithTimeout(ctx, router.HandshakeTimeout)
		_, err := r.EstablishDirectConnection(dialCtx, id, packet.PurposeRouting)
		cancel()
		if err == nil {
			logger.Infof("connected to peer %s (%s)", name, id)
			return
		}
		logger.Warnf("dial to peer %s (%s) failed: %v", name, id, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// resolveIdentity parses a configured peer_id, or generates and logs a
// fresh one if none was configured. Persisting a generated identity back to
// disk is left to the operator; an identifier only needs to stay stable
// for the node's lifetime.
func resolveIdentity(configured string, logger *log.Logger) (peerid.Identifier, error) {
	if configured == "" {
		id := peerid.New()
		logger.Infof("no identity.peer_id configured, generated %s", id)
		return id, nil
	}
	return peerid.Parse(configured)
}

// generateEphemeralTLS produces a throwaway self-signed certificate so the
// QUIC transport has something to present. Peer authentication is out of
// scope for the routing core; this exists only because QUIC's handshake
// requires a certificate, not because sretod verifies anything about it.
func generateEphemeralTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{"sreto"},
	}, nil
}
