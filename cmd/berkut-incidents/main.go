package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"berkut-incidents/api"
	"berkut-incidents/config"
	"berkut-incidents/core/appbootstrap"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	rulesPath := flag.String("rules", "", "YAML file with assignment and escalation rules to import at start-up")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if strings.TrimSpace(*rulesPath) != "" {
		cfg.RulesFile = *rulesPath
	}
	logger := utils.NewLoggerWithWriter(os.Stderr, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logger *utils.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		return err
	}

	rt, err := appbootstrap.Compose(cfg, db, logger, appbootstrap.Overrides{})
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.ImportRules(ctx); err != nil {
		return err
	}

	srv := api.NewServer(cfg, rt.ServerDeps(), logger, rt.Workers...)
	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Printf("stopped")
	return serveErr
}
