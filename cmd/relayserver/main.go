// Command relayserver runs the SSE relay: it holds client event streams,
// starts upstream completions for submitted messages and relays the streamed
// fragments. Configuration comes from the environment and an optional .env
// file; see internal/config.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sserelay/relay/internal/cluster"
	"github.com/sserelay/relay/internal/config"
	"github.com/sserelay/relay/internal/heartbeat"
	"github.com/sserelay/relay/internal/httpapi"
	"github.com/sserelay/relay/internal/logging"
	"github.com/sserelay/relay/internal/messaging"
	"github.com/sserelay/relay/internal/relay"
	"github.com/sserelay/relay/internal/session"
	"github.com/sserelay/relay/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("relayserver exited")
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	logCloser := logging.Setup(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	defer logCloser.Close()

	log.WithFields(log.Fields{
		"listen_addr":        cfg.Addr(),
		"upstream":           cfg.UpstreamBaseURL,
		"heartbeat_interval": cfg.HeartbeatInterval,
		"max_sessions":       cfg.MaxSessions,
		"redis_addr":         cfg.RedisAddr,
		"nats_url":           cfg.NATSURL,
		"server_name":        cfg.ServerName,
	}).Info("SSE relay starting")

	client := upstream.New(
		upstream.WithBaseURL(cfg.UpstreamBaseURL),
		upstream.WithTimeout(cfg.UpstreamTimeout),
	)

	// --- Redis (optional) ---
	var (
		directory *session.Directory
		dir       relay.Directory
	)
	if cfg.ClusterEnabled() {
		directory, err = session.NewDirectory(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return err
		}
		defer directory.Close()
		dir = directory
	}

	relayConfig := relay.DefaultConfig()
	relayConfig.Heartbeat = heartbeat.Config{Interval: cfg.HeartbeatInterval}
	relayConfig.MaxSessions = cfg.MaxSessions
	rl := relay.New(client, dir, relayConfig)

	// --- NATS (optional) ---
	var (
		natsClient *messaging.NATSClient
		forwarder  *cluster.Forwarder
		fwd        httpapi.Forwarder
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "sserelay-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		forwarder = cluster.NewForwarder(cfg.ServerName, natsClient, directory)
		fwd = forwarder
	}

	serverConfig := httpapi.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Addr()
	serverConfig.ServerName = cfg.ServerName
	server := httpapi.NewServer(serverConfig, rl, client, fwd)

	if forwarder != nil {
		if err := forwarder.Serve(server.Submit); err != nil {
			return err
		}
	}

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.WithField("pid", os.Getpid()).Info("SSE relay stopped")
	return nil
}
