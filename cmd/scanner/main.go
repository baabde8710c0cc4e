package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"

	"proxyhunter/internal/coord"
	"proxyhunter/internal/shared/config"
	"proxyhunter/internal/shared/logger"
	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/discovery"
	"proxyhunter/proxypool/geo"
	"proxyhunter/proxypool/snapshot"
	"proxyhunter/proxypool/storage"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	userID := flag.String("userId", "", "Operator configuration profile")
	lockFile := flag.String("lockFile", "", "Advisory lock location override")
	cidr := flag.String("cidr", "", "CIDR range to expand into the scan target list")
	source := flag.String("source", "", "Scan target list override (one IP per line)")
	admin := flag.Bool("admin", false, "Bypass lock contention for privileged runs")
	hardDelete := flag.Bool("delete", false, "Enable hard-delete during deduplication")
	flag.Parse()

	cfg := new(types.Config)
	iniPath := config.ProfilePath(*configDir, *userID)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if *lockFile != "" {
		cfg.PathsConf.LockFile = *lockFile
	} else {
		cfg.PathsConf.LockFile = filepath.Join(cfg.PathsConf.DataDir, "locks", "scanner.lock")
	}
	if err := config.EnsureDirs(cfg); err != nil {
		logger.Fatal().Err(err).Msg("Cannot create required directories.")
	}

	store, err := storage.New(cfg.StorageConf)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot open proxy store.")
	}

	ctx := context.Background()
	writer := snapshot.NewWriter(cfg.PathsConf, store)
	coord.Register("10-release-locks", coord.ReleaseAll)
	coord.Register("95-close-store", func() { _ = store.Close() })
	defer coord.RunAll()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Msg("Signal received, running exit tasks.")
		coord.RunAll()
		os.Exit(0)
	}()

	if !acquireRun(ctx, writer, cfg.PathsConf.LockFile, *admin, coord.Register) {
		logger.Info().Str("lock", cfg.PathsConf.LockFile).Msg("Another discovery run is active, nothing to do.")
		return
	}

	targetList := *source
	if targetList == "" {
		targetList = filepath.Join(cfg.PathsConf.DataDir, "scan-targets.txt")
	}

	if *cidr != "" {
		if err := stageCIDR(*cidr, targetList); err != nil {
			logger.Error().Err(err).Str("cidr", *cidr).Msg("Failed to stage CIDR range.")
		}
	}

	// External lists first so the scan can skip ports the pools already cover.
	ingestor := discovery.NewIngestor(cfg.PathsConf.StagingDir, store)
	registerDefaultSources(ingestor, cfg.PathsConf.CacheDir)
	if added, err := ingestor.Run(ctx); err == nil {
		logger.Info().Int("added", added).Msg("External-list ingestion finished.")
	}

	scanner := discovery.NewPortScanner(cfg.ScanConf, store)
	runScan(ctx, scanner, targetList)

	writer.WriteStatus("respawn")
	dialTimeout := time.Duration(cfg.ScanConf.TimeoutSeconds) * time.Second
	cooldown := time.Duration(cfg.ScanConf.CooldownHours) * time.Hour
	if _, err := discovery.Respawn(ctx, store, cooldown, dialTimeout); err != nil {
		logger.Error().Err(err).Msg("Respawn pass failed.")
	}

	staleAfter := time.Duration(cfg.ScanConf.StaleDays) * 24 * time.Hour
	if _, err := discovery.Cleanup(ctx, store, staleAfter, dialTimeout, *hardDelete); err != nil {
		logger.Error().Err(err).Msg("Cleanup pass failed.")
	}

	backfillGeo(ctx, cfg, store)

	if err := store.Maintain(ctx); err != nil {
		logger.Warn().Err(err).Msg("Store maintenance failed.")
	}
}

// acquireRun takes the job lock (bypassed for privileged runs) and, only once
// this run owns the pass, registers the snapshot and status-reset exit tasks
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

// runScan wraps the port scan with a progress bar sized to the remaining
// target list.
func runScan(ctx context.Context, scanner *discovery.PortScanner, targetList string) {
	total := 0
	if data, err := os.ReadFile(targetList); err == nil {
		for _, b := range data {
			if b == '\n' {
				total++
			}
		}
	}
	if total == 0 {
		return
	}

	bar := pb.StartNew(total)
	defer bar.Finish()
	if _, err := scanner.ScanFile(ctx, targetList, func(done int) {
		bar.SetCurrent(int64(done))
	}); err != nil {
		logger.Error().Err(err).Msg("Port scan failed.")
	}
}

// stageCIDR expands a range and appends the host addresses to the scan
// target list for this and subsequent runs.
func stageCIDR(cidr, targetList string) error {
	hosts, err := discovery.ExpandCIDR(cidr)
	if err != nil {
		// Large v6 ranges are capped rather than enumerated in full.
		hosts, err = discovery.ExpandCIDR6(cidr, 4096)
		if err != nil {
			return err
		}
	}
	f, err := os.OpenFile(targetList, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, h := range hosts {
		if _, err := fmt.Fprintln(f, h); err != nil {
			return err
		}
	}
	logger.Info().Int("hosts", len(hosts)).Str("cidr", cidr).Msg("Staged CIDR range for scanning.")
	return nil
}

// registerDefaultSources wires the stock third-party lists. Sources are
// cached on disk with a long TTL so repeated runs stay polite.
func registerDefaultSources(in *discovery.Ingestor, cacheDir string) {
	ttl := 12 * time.Hour
	in.AddSource(discovery.NewPlainTextSource("proxyscrape",
		"https://api.proxyscrape.com/v2/?request=displayproxies&protocol=all&timeout=10000", cacheDir, ttl))
	in.AddSource(discovery.NewPlainTextSource("proxy-list.download",
		"https://www.proxy-list.download/api/v1/get?type=http", cacheDir, ttl))
	in.AddSource(discovery.NewHTMLTableSource("free-proxy-list",
		"https://free-proxy-list.net/", "table.table-striped tbody tr", cacheDir, ttl))
	in.AddSource(discovery.NewCrawlSource("proxydb", "https://proxydb.net/"))
}

// backfillGeo fills location fields for active records the prober left
// without a country, preferring the cheap offline tier under load.
func backfillGeo(ctx context.Context, cfg *types.Config, store storage.Backend) {
	resolver := geo.NewResolver(cfg.GeoConf, cfg.PathsConf.CacheDir, store)
	defer resolver.Close()

	working, err := store.WorkingProxies(ctx, 50)
	if err != nil {
		return
	}
	for _, rec := range working {
		if rec.Country != "" {
			continue
		}
		if err := resolver.Resolve(ctx, rec); err != nil {
			logger.Debug().Err(err).Str("proxy", rec.Proxy).Msg("Geo backfill failed.")
		}
	}
}
