package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/comment-overlay/internal/config"
	"github.com/taskmgr818/comment-overlay/internal/overlay"
	"github.com/taskmgr818/comment-overlay/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("starting comment overlay",
		"version", version.Version,
		"commit", version.Commit,
		"server", cfg.Server.URL,
		"room", cfg.Room.Name,
		"measure", cfg.Marquee.Measure,
	)
	if cfg.Dashboard.Enabled {
		logger.Info("dashboard enabled", "addr", cfg.Dashboard.Address)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := overlay.New(cfg, overlay.WithLogger(logger))
	if err := o.Run(ctx); err != nil {
		logger.Error("overlay stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("overlay stopped")
}
