// Command interpd is the frame interpolation server: uploads, the job API,
// the legacy single-request endpoint and the background workers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hazyhaar/interp/dbopen"
	"github.com/hazyhaar/interp/jobserver"

	_ "modernc.org/sqlite"
)

func main() {
	// A missing .env is fine: the environment may already be set.
	_ = godotenv.Load()

	configPath := flag.String("config", env("INTERPD_CONFIG", ""), "YAML config file")
	flag.Parse()

	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := jobserver.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		slog.Error("config env", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(jobserver.Schema))
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	proc, err := jobserver.NewProcessor(cfg.Processor)
	if err != nil {
		slog.Error("processor", "error", err)
		os.Exit(1)
	}

	srv, err := jobserver.New(cfg, db, proc, jobserver.WithLogger(logger))
	if err != nil {
		slog.Error("init server", "error", err)
		os.Exit(1)
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := srv.Run(ctx); err != nil {
			slog.Error("workers stopped", "error", err)
			cancel()
		}
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server", "error", err)
		cancel()
		<-workersDone
		os.Exit(1)
	}
	<-workersDone
	slog.Info("interpd stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
