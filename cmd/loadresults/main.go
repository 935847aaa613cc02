// Command loadresults stages result JSON files from a directory and replays
// them against a running tallywire gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tallywire/tallywire/config"
	"github.com/tallywire/tallywire/internal/importer"
	"github.com/tallywire/tallywire/internal/observability"
)

const (
	defaultConfigPath  = "config/app.yaml"
	loaderLoggerPrefix = "loadresults "
)

func main() {
	var (
		cfgPath  = flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
		dir      = flag.String("dir", "", "Directory of result JSON files to stage (required)")
		endpoint = flag.String("endpoint", "", "Results endpoint URL (default: derived from server.addr)")
		verbose  = flag.Bool("v", false, "Print a verdict line per staged item")
	)
	flag.Parse()

	logger := log.New(os.Stdout, loaderLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	if *dir == "" {
		logger.Fatal("-dir is required")
	}

	configPath := *cfgPath
	if configPath == "" {
		configPath = filepath.Clean(defaultConfigPath)
	}
	appCfg, _, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	observability.SetLogger(observability.NewStdLogger(logger, appCfg.Environment == config.EnvDev))

	target := *endpoint
	if target == "" {
		target = deriveEndpoint(appCfg.Server.Addr)
	}

	imp, err := importer.New(importer.Config{
		Endpoint:    target,
		Workers:     appCfg.Import.Workers,
		RatePerSec:  appCfg.Import.RatePerSec,
		Burst:       appCfg.Import.Burst,
		MaxAttempts: appCfg.Import.MaxAttempts,
	})
	if err != nil {
		logger.Fatalf("build importer: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	items, err := imp.Stage(*dir)
	if err != nil {
		logger.Fatalf("stage %s: %v", *dir, err)
	}
	logger.Printf("staged %d items from %s, submitting to %s", len(items), *dir, target)

	start := time.Now()
	report, err := imp.Run(ctx, items)
	if err != nil {
		logger.Fatalf("run import: %v", err)
	}

	if *verbose {
		for _, item := range report.Items {
			line, err := json.Marshal(item)
			if err != nil {
				continue
			}
			logger.Printf("%s", line)
		}
	}
	logger.Printf("import finished in %v: created=%d overridden=%d invalid=%d failed=%d",
		time.Since(start).Round(time.Millisecond),
		report.Created, report.Overridden, report.Invalid, report.Failed)

	if report.Failed > 0 {
		os.Exit(1)
	}
}

func deriveEndpoint(addr string) string {
	host := addr
	if len(host) > 0 && host[0] == ':' {
		host = "localhost" + host
	}
	return "http://" + host + "/api/results"
}
