package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mentiontrack/internal/app"
	"mentiontrack/internal/config"
	"mentiontrack/internal/perf"
	"mentiontrack/internal/util"
)

func main() {
	windowDays := flag.Int("window-days", -1, "only mentions dated within the last N days (0 for all, default from config)")
	stock := flag.String("stock", "", "restrict the run to one stock code")
	prefetch := flag.Bool("prefetch", false, "bulk backfill every symbol before computing")
	reset := flag.Bool("reset", false, "delete all performance records before running")
	flag.Parse()

	cfgPath := "config/mentiontrack.yaml"
	if p := os.Getenv("MENTION_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *prefetch {
		cfg.Performance.PrefetchBackfill = true
	}
	if *windowDays < 0 {
		*windowDays = cfg.Performance.WindowDays
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *reset {
		n, err := a.Mentions.ResetPerformance(ctx)
		if err != nil {
			log.Fatalf("resetting performance: %v", err)
		}
		logger.Info("performance records reset", "deleted", n)
	}

	res, err := a.Scheduler.Run(ctx, perf.RunRequest{WindowDays: *windowDays, StockCode: *stock})
	if err != nil {
		log.Fatalf("backlog run: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Fatalf("encoding result: %v", err)
	}
	if res.AbortReason != "" && res.AbortReason != perf.AbortCancelled {
		a.Close()
		os.Exit(2)
	}
}
