// Package tracker parses tracker command flags and composes the ledger
// service entrypoint.
package tracker

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	server "github.com/fernwick/timeledger/internal/ledger/app"
	"github.com/fernwick/timeledger/internal/ledger/broadcast"
	"github.com/fernwick/timeledger/internal/ledger/domain"
	"github.com/fernwick/timeledger/internal/ledger/storage/sqlite"
	entrypoint "github.com/fernwick/timeledger/internal/platform/cmd"
)

// Config holds tracker command configuration.
type Config struct {
	HTTPAddr      string `env:"TIMELEDGER_HTTP_ADDR"       envDefault:":8080"`
	DBPath        string `env:"TIMELEDGER_DB_PATH"         envDefault:"timeledger.db"`
	AuthIssuer    string `env:"TIMELEDGER_AUTH_ISSUER"`
	AuthAudience  string `env:"TIMELEDGER_AUTH_AUDIENCE"`
	AuthPublicKey string `env:"TIMELEDGER_AUTH_PUBLIC_KEY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "tracker HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "ledger SQLite database path")
	fs.StringVar(&cfg.AuthIssuer, "auth-issuer", cfg.AuthIssuer, "access token issuer")
	fs.StringVar(&cfg.AuthAudience, "auth-audience", cfg.AuthAudience, "access token audience")
	fs.StringVar(&cfg.AuthPublicKey, "auth-public-key", cfg.AuthPublicKey, "base64 Ed25519 access token public key")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run assembles the ledger store, change feed and domain service, then
// serves the HTTP/WebSocket surface until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTracker, func(context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close ledger store: %v", err)
			}
		}()

		verifier, err := buildVerifier(cfg)
		if err != nil {
			return err
		}

		feed := broadcast.New()
		svc := domain.NewService(store, feed, nil, nil)

		if err := server.Run(ctx, server.Config{HTTPAddr: cfg.HTTPAddr}, svc, feed, verifier); err != nil {
			return fmt.Errorf("serve tracker: %w", err)
		}
		return nil
	})
}

// buildVerifier returns nil when no auth settings are present, which keeps
// local development unauthenticated. Partial settings are a config error.
func buildVerifier(cfg Config) (*server.Verifier, error) {
	issuer := strings.TrimSpace(cfg.AuthIssuer)
	audience := strings.TrimSpace(cfg.AuthAudience)
	publicKey := strings.TrimSpace(cfg.AuthPublicKey)
	if issuer == "" && audience == "" && publicKey == "" {
		log.Printf("tracker auth is not configured, trusting caller-supplied owners")
		return nil, nil
	}
	verifier, err := server.NewVerifier(issuer, audience, publicKey)
	if err != nil {
		return nil, fmt.Errorf("configure token verifier: %w", err)
	}
	return verifier, nil
}
