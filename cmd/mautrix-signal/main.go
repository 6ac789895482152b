// Copyright 2024-2026 Aiku AI

// Command mautrix-signal is a Matrix-Signal puppeting bridge. It keeps
// conversations, messages, edits, reactions and membership synchronized
// in both directions through per-conversation pipelines with durable
// message correlation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	_ "go.mau.fi/util/dbutil/litestream"

	"github.com/aiku/mautrix-signal/pkg/bridge"
	"github.com/aiku/mautrix-signal/pkg/config"
	"github.com/aiku/mautrix-signal/pkg/matrix"
	signalpkg "github.com/aiku/mautrix-signal/pkg/signal"
	"github.com/aiku/mautrix-signal/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "mautrix-signal",
		Usage:   "A Matrix-Signal puppeting bridge",
		Version: fmt.Sprintf("0.1.0 (%s, %s, %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file",
				Value:   "config.yaml",
			},
			&cli.BoolFlag{
				Name:  "generate-config",
				Usage: "Write the example config to the config path and exit",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	configPath := ctx.String("config")
	if ctx.Bool("generate-config") {
		if err := config.WriteExample(configPath); err != nil {
			return fmt.Errorf("failed to write example config: %w", err)
		}
		fmt.Println("Example config written to", configPath)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log.Info().
		Str("tag", Tag).
		Str("commit", Commit).
		Str("built", BuildTime).
		Msg("Starting mautrix-signal")

	rawDB, err := dbutil.NewFromConfig("mautrix-signal", cfg.Database, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		_ = rawDB.Close()
	}()
	db := store.New(rawDB)
	if err = db.Upgrade(context.Background()); err != nil {
		return fmt.Errorf("failed to upgrade database schema: %w", err)
	}

	bot := id.NewUserID(cfg.Appservice.BotUsername, cfg.Homeserver.Domain)
	mxClient := matrix.NewClient(*log, cfg.Homeserver.Address, cfg.Appservice.ASToken, bot)
	if err = loadPuppetTokens(context.Background(), db, mxClient); err != nil {
		return err
	}

	session := signalpkg.NewSocketSession(cfg.Signal.SocketPath, "", log.With().Str("component", "signald").Logger())
	manager := signalpkg.NewManager(session, *log)

	registry := prometheus.NewRegistry()
	metrics := bridge.NewCollector(registry)

	br := bridge.New(*log, &cfg.Bridge, db, mxClient, manager, metrics)
	adminAPI := bridge.NewAdminAPI(br, cfg.AdminAPIAddr, registry)
	appservice := matrix.NewAppservice(*log, cfg.Appservice.Address, cfg.Appservice.HSToken, br.Dispatcher)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err = br.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	appservice.Start()
	adminAPI.Start()
	log.Info().Msg("Bridge started")

	<-runCtx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appservice.Stop(shutdownCtx)
	adminAPI.Stop(shutdownCtx)
	br.Stop()
	return nil
}

// loadPuppetTokens hands stored double puppet tokens to the Matrix
// client so linked users speak with their own identity after a restart.
func loadPuppetTokens(ctx context.Context, db *store.Database, client *matrix.Client) error {
	users, err := db.User.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	for _, user := range users {
		if user.DoublePuppetToken != "" {
			client.AddPuppetToken(user.MXID, user.DoublePuppetToken)
		}
	}
	return nil
}
