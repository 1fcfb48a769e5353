package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"vulnmirror/internal/config"
	"vulnmirror/internal/db"
	"vulnmirror/internal/logger"
	"vulnmirror/internal/mirror"
	"vulnmirror/internal/pgstore"
	"vulnmirror/pkg/epss"
	"vulnmirror/pkg/ghsa"
	"vulnmirror/pkg/kev"
	"vulnmirror/pkg/nvd"
)

const version = "1.0.0"

const (
	exitOK       = 0
	exitError    = 1
	exitUpstream = 2
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	cacheDir := flag.String("cache-dir", "", "Cache directory (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	jsonOut := flag.Bool("json", false, "Stream records as JSON to stdout instead of updating the cache")
	source := flag.String("source", "nvd", "Data source: nvd, ghsa, kev or epss")
	useDB := flag.Bool("db", false, "Also mirror records into Postgres")
	migrationsDir := flag.String("migrations", "migrations", "Goose migrations directory (with -db)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vulnmirror version %s\n", version)
		os.Exit(exitOK)
	}

	logger.Setup(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(exitError)
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *source, *jsonOut, *useDB, *migrationsDir); err != nil {
		slog.Error("Run failed", "source", *source, "error", err)
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, cfg *config.Config, source string, jsonOut, useDB bool, migrationsDir string) error {
	switch source {
	case "nvd":
		return runNvd(ctx, cfg, jsonOut, useDB, migrationsDir)
	case "ghsa":
		return runGhsa(ctx, cfg)
	case "kev":
		return runKev(ctx, cfg)
	case "epss":
		return runEpss(ctx, cfg)
	default:
		return fmt.Errorf("unknown source %q", source)
	}
}

func runNvd(ctx context.Context, cfg *config.Config, jsonOut, useDB bool, migrationsDir string) error {
	nvdCfg := nvd.Config{
		APIKey:         cfg.NVD.ApiKey,
		Endpoint:       cfg.NVD.URL,
		Delay:          cfg.NVD.Delay(),
		Threads:        cfg.NVD.Threads,
		MaxPages:       cfg.NVD.MaxPages,
		ResultsPerPage: cfg.NVD.ResultsPerPage,
		MaxRetries:     cfg.NVD.MaxRetries,
	}

	if jsonOut {
		return mirror.Fetch(ctx, nvdCfg, os.Stdout)
	}

	opts := mirror.Options{
		CacheDir: cfg.CacheDir,
		Prefix:   cfg.Prefix,
		NVD:      nvdCfg,
	}
	if useDB {
		if cfg.DB.DatabaseURL == "" {
			return fmt.Errorf("-db requires db.database_url")
		}
		if err := db.Migrate(cfg.DB.DatabaseURL, migrationsDir); err != nil {
			return err
		}
		pool, err := db.NewPool(ctx, cfg.DB.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		opts.Sink = pgstore.New(pool)
	}
	return mirror.Run(ctx, opts)
}

// runGhsa streams advisories to stdout as a JSON array of raw nodes.
func runGhsa(ctx context.Context, cfg *config.Config) error {
	if cfg.GHSA.Token == "" {
		return fmt.Errorf("GHSA requires GITHUB_TOKEN")
	}
	it := ghsa.NewIterator(ghsa.Config{
		Token:           cfg.GHSA.Token,
		Endpoint:        cfg.GHSA.URL,
		Classifications: cfg.GHSA.Classifications,
		MaxRetries:      cfg.GHSA.MaxRetries,
	})
	defer it.Close()

	fmt.Print("[")
	count := 0
	for it.HasNext() {
		batch, err := it.Next(ctx)
		if err != nil {
			fmt.Println("]")
			return err
		}
		for _, rec := range batch.Records {
			if count > 0 {
				fmt.Print(",")
			}
			os.Stdout.Write(rec.Raw)
			count++
		}
		slog.Info("Fetched advisory page", "records", len(batch.Records), "total", it.TotalResults())
	}
	fmt.Println("]")
	return nil
}

func runKev(ctx context.Context, cfg *config.Config) error {
	client := kev.NewClient(cfg.KEV.URL, 0)
	catalog, err := client.GetCatalog(ctx)
	if err != nil {
		return err
	}
	slog.Info("Fetched KEV catalog", "version", catalog.CatalogVersion, "count", catalog.Count)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(catalog)
}

func runEpss(ctx context.Context, cfg *config.Config) error {
	client := epss.NewClient(cfg.EPSS.URL, cfg.EPSS.PageSize, 0)
	enc := json.NewEncoder(os.Stdout)
	total := 0
	err := client.Fetch(ctx, func(rows []epss.Row) error {
		total += len(rows)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
		return nil
	})
	slog.Info("Fetched EPSS scores", "count", total)
	return err
}

func exitCode(err error) int {
	var nvdStatus *nvd.StatusError
	var ghsaStatus *ghsa.StatusError
	if errors.As(err, &nvdStatus) || errors.As(err, &ghsaStatus) {
		return exitUpstream
	}
	return exitError
}
