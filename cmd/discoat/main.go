// Package main implements the entry point for the Discoat daemon: a
// multi-platform chat bridge relaying messages between Discord, Telegram,
// WhatsApp, Signal and Stoat channels grouped into logical bridges.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/SrDicov/Discoat/config"
	"github.com/SrDicov/Discoat/kernel"
	"github.com/SrDicov/Discoat/tracectx"

	// Adapters register themselves by platform name.
	_ "github.com/SrDicov/Discoat/adapters/discord"
	_ "github.com/SrDicov/Discoat/adapters/signal"
	_ "github.com/SrDicov/Discoat/adapters/stoat"
	_ "github.com/SrDicov/Discoat/adapters/telegram"
	_ "github.com/SrDicov/Discoat/adapters/whatsapp"
)

const (
	version = "0.1.0"
	appName = "discoat"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting discoat",
		"version", version, "node", cfg.NodeID, "platforms", cfg.EnabledPlatforms())

	return kernel.New(cfg, logger).Run(context.Background())
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "error":
		lvl = slog.LevelError
	case "warn":
		lvl = slog.LevelWarn
	case "debug", "trace":
		lvl = slog.LevelDebug
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		inner = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(tracectx.NewHandler(inner))
}
