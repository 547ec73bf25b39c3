// skinsettle - Steam delivery oracle and escrow settlement engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/skinsettle/internal/config"
	"github.com/mbd888/skinsettle/internal/logging"
	"github.com/mbd888/skinsettle/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "json")

	logger.Info("starting skinsettle",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"escrow_contract", cfg.EscrowContract,
		"steam_app_id", cfg.SteamAppID,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
