// Command audit runs the ledger integrity checks once and exits non-zero when
// an integrity violation is found.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"librarydesk/config"
	"librarydesk/internal/audit"
	"librarydesk/internal/platform/database"
	"librarydesk/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	timeout := flag.Duration("timeout", time.Minute, "overall audit timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := database.Open(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report := audit.NewAuditor(db, log).Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)

	if !report.Healthy || len(report.Errors) > 0 {
		log.Error("audit failed",
			zap.Int("violations", len(report.Violations)),
			zap.Int("errors", len(report.Errors)),
		)
		db.Close()
		os.Exit(1)
	}
	log.Info("ledger is consistent", zap.Duration("duration", report.Duration))
}
