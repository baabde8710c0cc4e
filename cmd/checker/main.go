package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"proxyhunter/internal/coord"
	"proxyhunter/internal/shared/config"
	"proxyhunter/internal/shared/logger"
	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/checker"
	"proxyhunter/proxypool/discovery"
	"proxyhunter/proxypool/geo"
	"proxyhunter/proxypool/snapshot"
	"proxyhunter/proxypool/storage"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	proxyArg := flag.String("proxy", "", "Candidate proxies to check immediately (comma separated ip:port)")
	maxArg := flag.Int("max", 0, "Batch size override")
	userID := flag.String("userId", "", "Operator configuration profile")
	lockFile := flag.String("lockFile", "", "Advisory lock location override")
	runner := flag.String("runner", "", "Self-cleaning launcher script to remove on exit")
	admin := flag.Bool("admin", false, "Bypass lock contention for privileged runs")
	endless := flag.Bool("endless", false, "Remove the wall-clock budget")
	flag.Bool("delete", false, "Accepted for flag compatibility; deduplication runs in the scanner")
	flag.Parse()

	cfg := new(types.Config)
	iniPath := config.ProfilePath(*configDir, *userID)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if *maxArg > 0 {
		cfg.CheckerConf.MaxChecks = *maxArg
	}
	if *lockFile != "" {
		cfg.PathsConf.LockFile = *lockFile
	}
	if *runner != "" {
		cfg.PathsConf.Runner = *runner
	}

	// Missing or uncreatable directories are the only fatal error class.
	if err := config.EnsureDirs(cfg); err != nil {
		logger.Fatal().Err(err).Msg("Cannot create required directories.")
	}

	store, err := storage.New(cfg.StorageConf)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot open proxy store.")
	}

	// Exit tasks run on every path out of the process, in key order. The
	// snapshot rewrite and status reset join the registry only once this
	// run owns the job lock.
	ctx := context.Background()
	writer := snapshot.NewWriter(cfg.PathsConf, store)
	coord.Register("10-release-locks", coord.ReleaseAll)
	coord.Register("95-close-store", func() { _ = store.Close() })
	if cfg.PathsConf.Runner != "" {
		runnerPath := cfg.PathsConf.Runner
		coord.Register("85-remove-runner", func() { _ = os.Remove(runnerPath) })
	}
	defer coord.RunAll()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Msg("Signal received, running exit tasks.")
		coord.RunAll()
		os.Exit(0)
	}()

	// Web-triggered, cron and manual runs all race for the same job lock;
	// skip-on-contention keeps them from duplicating work.
	if !acquireRun(ctx, writer, cfg.PathsConf.LockFile, *admin, coord.Register) {
		logger.Info().Str("lock", cfg.PathsConf.LockFile).Msg("Another check run is active, nothing to do.")
		return
	}

	resolver := geo.NewResolver(cfg.GeoConf, cfg.PathsConf.CacheDir, store)
	defer resolver.Close()
	ingestor := discovery.NewIngestor(cfg.PathsConf.StagingDir, store)

	c := checker.New(cfg.CheckerConf, cfg.PathsConf, store, resolver, ingestor)
	c.Endless = *endless
	c.Admin = *admin

	var submitted []string
	if *proxyArg != "" {
		submitted = strings.FieldsFunc(*proxyArg, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n'
		})
	}

	if _, err := c.RunBatch(ctx, submitted...); err != nil {
		logger.Error().Err(err).Msg("Probe batch failed.")
	}

	if err := store.Maintain(ctx); err != nil {
		logger.Warn().Err(err).Msg("Store maintenance failed.")
	}
}

// acquireRun takes the job lock (bypassed for privileged runs) and, only once
// this run owns the batch, registers the snapshot and status-reset exit tasks
// and publishes "running". A run that lost the race registers neither, so its
// exit cannot flip the winner's status file back to idle.
func acquireRun(ctx context.Context, writer *snapshot.Writer, lockFile string, admin bool, register func(string, func())) bool {
	if !admin && !coord.Acquire(lockFile, false) {
		return false
	}
	register("80-snapshot", func() { writer.WriteAll(ctx) })
	register("90-status-idle", func() { writer.WriteStatus("idle") })
	writer.WriteStatus("running")
	return true
}
