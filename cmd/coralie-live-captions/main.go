package main

import (
	"context"
	"os"

	"github.com/LastBotInc/coralie-live-captions/internal/app"
	"github.com/LastBotInc/coralie-live-captions/internal/config"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
	"github.com/LastBotInc/coralie-live-captions/internal/version"
)

func main() {
	// Initialize logging
	logging.Init()
	defer logging.Shutdown(context.Background())

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to load configuration: %v", err)
		os.Exit(1)
	}
	logging.InitWith(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	logging.Info(logging.CategoryApp, "starting coralie-live-captions version=%s role=%s room=%s", version.String(), cfg.Role, cfg.RoomID)

	a, err := app.New(cfg)
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to create client: %v", err)
		os.Exit(1)
	}

	// Start client (blocks until the session leaves)
	if err := a.Start(); err != nil {
		logging.Fail(logging.CategoryApp, "session failed: %v", err)
		os.Exit(1)
	}

	logging.Success(logging.CategoryApp, "session ended")
}
