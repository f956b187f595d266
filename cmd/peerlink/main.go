// Command peerlink is the account linking and peer rendezvous server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/xelth-com/peerlinkgo/internal/config"
	"github.com/xelth-com/peerlinkgo/internal/logging"
)

// CLI is the command line of peerlink.
type CLI struct {
	EnvFile   []string `name:"env-file" help:"Env files to load before reading the environment." default:".env"`
	LogLevel  string   `help:"Override LOG_LEVEL (debug, info, warn, error)."`
	LogFormat string   `help:"Override LOG_FORMAT (text, json)."`

	Serve       ServeCmd       `cmd:"" default:"1" help:"Run the HTTP API, presence gateway and UDP listener."`
	Migrate     MigrateCmd     `cmd:"" help:"Create or update the record store schema."`
	Fingerprint FingerprintCmd `cmd:"" help:"Print the fingerprint of a PEM public key."`
	Token       TokenCmd       `cmd:"" help:"Issue a token for an existing peer."`
}

// app is bound into every command's Run method.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("peerlink"),
		kong.Description("Account linking and peer rendezvous server."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.EnvFile...)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	return kctx.Run(&app{cfg: cfg, logger: logger})
}
