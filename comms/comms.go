// SPDX-License-Identifier: MPL-2.0

// Package comms provides the NATS connection used for the shared result
// cache. It either embeds a NATS server with JetStream or connects to an
// existing one.
package comms

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	CONNECT_TIMEOUT = 10 * time.Second
)

type Config struct {
	// URL of an external NATS server. When empty a server is embedded.
	URL        string
	Host       string
	Port       int
	Dir        string
	DontListen bool
	Logger     *slog.Logger
}

type Comms struct {
	Conn      *nats.Conn
	JetStream jetstream.JetStream
	Server    *server.Server
}

func New(config Config) (*Comms, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.URL != "" {
		nc, err := nats.Connect(config.URL, nats.Timeout(CONNECT_TIMEOUT), nats.Name("vizql"))
		if err != nil {
			return nil, fmt.Errorf("error connecting to nats: %w", err)
		}
		return withJetStream(&Comms{Conn: nc})
	}

	// TODO: expose NATS auth options once the cache is shared between hosts
	opts := &server.Options{
		ServerName:             "vizql",
		Host:                   config.Host,
		Port:                   config.Port,
		JetStream:              true,
		DisableJetStreamBanner: true,
		DontListen:             config.DontListen,
		StoreDir:               config.Dir,
		NoSigs:                 true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("error creating nats server: %w", err)
	}
	natsLog := newNATSLogger(logger, opts.ServerName)
	debug, trace := natsLog.levels()
	ns.SetLoggerV2(natsLog, debug, trace, false)
	go ns.Start()
	if !ns.ReadyForConnections(CONNECT_TIMEOUT) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", CONNECT_TIMEOUT)
	}
	nc, err := nats.Connect(ns.ClientURL(), nats.InProcessServer(ns))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("error connecting to embedded nats: %w", err)
	}
	logger.Info("Embedded NATS server started", slog.String("url", ns.ClientURL()), slog.Bool("dontListen", config.DontListen))
	return withJetStream(&Comms{Conn: nc, Server: ns})
}

func withJetStream(c *Comms) (*Comms, error) {
	js, err := jetstream.New(c.Conn)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("error creating jetstream context: %w", err)
	}
	c.JetStream = js
	return c, nil
}

func (c *Comms) Close() {
	if c.Conn != nil {
		c.Conn.Close()
	}
	if c.Server != nil {
		c.Server.Shutdown()
		c.Server.WaitForShutdown()
	}
}
