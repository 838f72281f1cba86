package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tangbaotrann/cnm-socket-server-heroku/internal/server"
	"github.com/tangbaotrann/cnm-socket-server-heroku/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Config: defaults, then optional CONFIG_FILE, then env overrides.
	var base *server.Config
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := server.NewConfigFromFile(path)
		if err != nil {
			logging.NewLogger("socket-server", "info").Error("failed to load config file", "path", path, "err", err)
			os.Exit(1)
		}
		base = fileCfg
	}
	config := server.NewConfigFromEnv(base)
	server.SetConfig(config)

	log := logging.NewLogger("socket-server", config.LogLevel)
	log.Info("starting socket server", "port", config.Port)

	server.StartHub()

	mux := server.SetupRoutes()
	httpServer := server.CreateServer(config.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Warn("HTTP shutdown did not complete cleanly", "err", err)
	}
	if err := server.GetHub().Shutdown(shutdownTimeout); err != nil {
		log.Warn("hub shutdown did not complete cleanly", "err", err)
	}
}
