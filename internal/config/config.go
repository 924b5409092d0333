// Package config parses the relay's startup flags into a Config value.
package config

import (
	"flag"
	"os"
	"time"
)

const defaultPort = "8000"

// Config holds every startup-tunable the relay reads once at boot.
type Config struct {
	Addr          string
	MaxUsers      int
	PerNSeconds   int64
	BanFor        int64
	EnableInspect bool
	TLS           bool
	CertValidity  time.Duration
}

// Parse builds a Config from args (ordinarily os.Args[1:]), falling back
// to the PORT environment variable for the listen address when -addr is
// not given. Taking args explicitly (rather than reading os.Args inside)
// lets tests exercise flag parsing without touching process-global state.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)

	addr := fs.String("addr", "", "listen address (default: :$PORT or :8000)")
	maxUsers := fs.Int("max-users", 3, "join strikes allowed per room per address before a temporary ban")
	perNSeconds := fs.Int64("per-n-seconds", 1, "join strike window, in seconds")
	banFor := fs.Int64("ban-for", 200, "temporary join ban duration once max-users is exceeded, in seconds")
	inspect := fs.Bool("inspect", false, "enable the read-only room inspector endpoint")
	useTLS := fs.Bool("tls", false, "serve over a self-signed TLS certificate instead of plain HTTP")
	certValidity := fs.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	listenAddr := *addr
	if listenAddr == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = defaultPort
		}
		listenAddr = ":" + port
	}

	return &Config{
		Addr:          listenAddr,
		MaxUsers:      *maxUsers,
		PerNSeconds:   *perNSeconds,
		BanFor:        *banFor,
		EnableInspect: *inspect,
		TLS:           *useTLS,
		CertValidity:  *certValidity,
	}, nil
}
