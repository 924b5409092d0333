// Command server runs the messaging relay: the HTTP control plane
// (createServer/closeServer) and the WebSocket session transport on one
// listener. All state is in-memory; a restart loses every room.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"bken/server/internal/config"
	"bken/server/internal/control"
	"bken/server/internal/ratelimit"
	"bken/server/internal/registry"
	"bken/server/internal/session"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	reg := registry.New()
	owners := ratelimit.NewOwnershipCounter()
	newLimiter := func() *ratelimit.RoomLimiter {
		return ratelimit.NewRoomLimiter(cfg.MaxUsers, cfg.PerNSeconds, cfg.BanFor)
	}

	ctrl := control.New(reg, owners, newLimiter)
	session.New(reg).Register(ctrl.Echo())
	if cfg.EnableInspect {
		registerInspector(ctrl.Echo(), reg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("relay shutting down")
		cancel()
	}()

	slog.Info("relay listening",
		"addr", cfg.Addr, "max_users", cfg.MaxUsers, "per_n_seconds", cfg.PerNSeconds, "ban_for", cfg.BanFor, "tls", cfg.TLS)

	var runErr error
	if cfg.TLS {
		hostname := ""
		if host, _, err := net.SplitHostPort(cfg.Addr); err == nil && host != "" {
			hostname = host
		}
		tlsConfig, fingerprint, err := generateTLSConfig(cfg.CertValidity, hostname)
		if err != nil {
			slog.Error("generate tls config", "err", err)
			os.Exit(1)
		}
		slog.Info("tls certificate fingerprint", "sha256", fingerprint)
		runErr = ctrl.RunTLS(ctx, cfg.Addr, tlsConfig)
	} else {
		runErr = ctrl.Run(ctx, cfg.Addr)
	}

	if runErr != nil {
		slog.Error("relay exited", "err", runErr)
		os.Exit(1)
	}
}
