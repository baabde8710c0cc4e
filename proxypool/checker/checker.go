package checker

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxyhunter/internal/coord"
	"proxyhunter/internal/shared/logger"
	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/discovery"
	"proxyhunter/proxypool/model"
	"proxyhunter/proxypool/storage"
)

var protocols = []string{"http", "socks4", "socks5"}

// GeoFiller lazily resolves location and fingerprint fields for records that
// just turned active. Optional; a nil filler skips the step.
type GeoFiller interface {
	Fill(ctx context.Context, rec *model.ProxyRecord) storage.Fields
}

// StagingCleaner removes an indexed proxy string from discovery staging
// files so it is not reprocessed as new.
type StagingCleaner interface {
	RemoveFromStaging(key string)
}

// Checker is the multi-protocol prober. One instance runs one batch; many
// independently launched processes cooperate through per-proxy file locks.
type Checker struct {
	store   storage.Backend
	geo     GeoFiller
	staging StagingCleaner

	max             int
	timeout         time.Duration
	budget          time.Duration
	judgeURL        string
	fallbackURL     string
	workingSample   int
	deadSample      int
	deadRetryEvery  int
	ambiguousErrors []string

	lockDir string
	seqFile string

	// Endless removes the wall-clock budget (--endless).
	Endless bool
	// Admin bypasses per-proxy lock contention for privileged runs (--admin).
	Admin bool
}

// BatchStats summarizes one probe batch for logs and the status snapshot.
type BatchStats struct {
	Checked        int
	Active         int
	Dead           int
	PortClosed     int
	Untouched      int // ambiguous outcomes left untested
	Skipped        int // lock contention
	Deleted        int // syntax failures
	BudgetExceeded bool
}

func New(cfg types.CheckerConf, paths types.PathsConf, store storage.Backend, geo GeoFiller, staging StagingCleaner) *Checker {
	if cfg.DeadRetryEvery <= 0 {
		cfg.DeadRetryEvery = 5
	}
	return &Checker{
		store:           store,
		geo:             geo,
		staging:         staging,
		max:             cfg.MaxChecks,
		timeout:         time.Duration(cfg.TimeoutSeconds) * time.Second,
		budget:          time.Duration(cfg.BudgetSeconds) * time.Second,
		judgeURL:        cfg.JudgeURL,
		fallbackURL:     cfg.FallbackURL,
		workingSample:   cfg.WorkingSample,
		deadSample:      cfg.DeadSample,
		deadRetryEvery:  cfg.DeadRetryEvery,
		ambiguousErrors: cfg.AmbiguousErrors,
		lockDir:         filepath.Join(paths.DataDir, "locks", "proxies"),
		seqFile:         filepath.Join(paths.DataDir, "runseq.txt"),
	}
}

// RunBatch builds a worklist, probes each candidate and writes the results
// back. Extra keys (from --proxy) are checked ahead of the sampled pool.
// Budget exhaustion abandons the batch gracefully, never fails it.
func (c *Checker) RunBatch(ctx context.Context, extra ...string) (BatchStats, error) {
	l := logger.WithComponent("Checker")
	var stats BatchStats

	worklist, err := c.buildWorklist(ctx, extra)
	if err != nil {
		return stats, err
	}
	if len(worklist) == 0 {
		l.Info().Msg("Nothing to check.")
		return stats, nil
	}

	var deadline time.Time
	if !c.Endless {
		deadline = time.Now().Add(c.budget)
	}
	l.Info().Int("worklist", len(worklist)).Bool("endless", c.Endless).Msg("Starting probe batch.")

	for _, rec := range worklist {
		// Budget is re-checked between candidates only; an in-flight probe
		// runs to its own timeout.
		if !deadline.IsZero() && time.Now().After(deadline) {
			stats.BudgetExceeded = true
			l.Info().Int("checked", stats.Checked).Msg("Wall-clock budget exceeded, abandoning batch.")
			break
		}
		c.checkOne(ctx, rec, &stats)
	}

	l.Info().
		Int("checked", stats.Checked).
		Int("active", stats.Active).
		Int("dead", stats.Dead).
		Int("port_closed", stats.PortClosed).
		Int("skipped", stats.Skipped).
		Int("deleted", stats.Deleted).
		Msg("Probe batch finished.")
	return stats, nil
}

// buildWorklist merges untested candidates, a re-validation sample of the
// working pool and, on cadence or when untested runs thin, a sample of dead
// proxies. The merged list is deduplicated and shuffled so repeated runs do
// not favor the same candidates.
func (c *Checker) buildWorklist(ctx context.Context, extra []string) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("Checker")

	var worklist []*model.ProxyRecord
	for _, key := range extra {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := c.store.Add(ctx, key); err != nil {
			l.Warn().Err(err).Str("proxy", key).Msg("Failed to stage submitted proxy.")
			continue
		}
		if rec, err := c.store.Select(ctx, key); err == nil && rec != nil {
			worklist = append(worklist, rec)
		}
	}

	untested, err := c.store.UntestedProxies(ctx, c.max)
	if err != nil {
		return nil, err
	}
	worklist = append(worklist, untested...)

	working, err := c.store.WorkingProxies(ctx, c.workingSample)
	if err == nil {
		worklist = append(worklist, working...)
	}

	seq := c.nextRunSeq()
	if seq%c.deadRetryEvery == 0 || len(untested) < c.max/2 {
		dead, derr := c.store.DeadProxies(ctx, c.deadSample)
		if derr == nil {
			worklist = append(worklist, dead...)
		}
	}

	seen := make(map[string]bool, len(worklist))
	deduped := worklist[:0]
	for _, rec := range worklist {
		if !seen[rec.Proxy] {
			seen[rec.Proxy] = true
			deduped = append(deduped, rec)
		}
	}

	rand.Shuffle(len(deduped), func(i, j int) {
		deduped[i], deduped[j] = deduped[j], deduped[i]
	})
	if len(deduped) > c.max {
		deduped = deduped[:c.max]
	}
	return deduped, nil
}

// checkOne probes a single candidate end to end and folds the result into
// the store. Storage errors are logged and skipped per record.
func (c *Checker) checkOne(ctx context.Context, rec *model.ProxyRecord, stats *BatchStats) {
	l := logger.WithComponent("Checker")
	key := rec.Proxy

	if !model.IsValidProxy(key) {
		if err := c.store.Remove(ctx, key); err != nil {
			l.Warn().Err(err).Str("proxy", key).Msg("Failed to delete invalid proxy.")
			return
		}
		stats.Deleted++
		return
	}

	lockPath := filepath.Join(c.lockDir, strings.ReplaceAll(key, ":", "_")+".lock")
	if !c.Admin {
		if !coord.Acquire(lockPath, false) {
			// Another run owns this proxy; skip rather than wait.
			stats.Skipped++
			return
		}
		defer coord.Release(lockPath)
	}

	stats.Checked++

	// Quick connect first so closed ports never cost protocol probes.
	if !discovery.PortOpen(key, c.timeout) {
		if err := c.store.UpdateStatus(ctx, key, model.StatusPortClosed); err != nil {
			l.Warn().Err(err).Str("proxy", key).Msg("Failed to record port-closed status.")
		}
		stats.PortClosed++
		c.scheduleStagingCleanup(key)
		return
	}

	results := c.probeAll(ctx, rec, c.judgeURL)
	outcome := fold(results)

	// Certificate negotiation kills many otherwise working proxies; retry
	// hard failures once against the plain-HTTP target before giving up.
	if !outcome.anySuccess && !outcome.anyPrivate && !outcome.allAmbig &&
		strings.HasPrefix(c.judgeURL, "https://") && c.fallbackURL != "" {
		results = c.probeAll(ctx, rec, c.fallbackURL)
		outcome = fold(results)
		outcome.usedFallback = true
	}

	c.applyOutcome(ctx, rec, outcome, stats)
	c.scheduleStagingCleanup(key)
}

// probeAll fires every protocol check concurrently and joins the results.
func (c *Checker) probeAll(ctx context.Context, rec *model.ProxyRecord, target string) []model.CheckResult {
	var wg sync.WaitGroup
	results := make([]model.CheckResult, len(protocols))
	for i, protocol := range protocols {
		wg.Add(1)
		go func(slot int, proto string) {
			defer wg.Done()
			results[slot] = c.judge(c.probe(ctx, proto, rec, target))
		}(i, protocol)
	}
	wg.Wait()
	return results
}

func (c *Checker) applyOutcome(ctx context.Context, rec *model.ProxyRecord, outcome foldOutcome, stats *BatchStats) {
	l := logger.WithComponent("Checker")
	key := rec.Proxy

	switch {
	case outcome.anySuccess:
		latencyMs := outcome.maxLatency.Milliseconds()
		if latencyMs < 1 {
			latencyMs = 1
		}
		fields := storage.Fields{
			"status":    model.StatusActive,
			"type":      model.MergeTypes(rec.Types, outcome.confirmed...),
			"latency":   latencyMs,
			"anonymity": outcome.anonymity,
			"private":   false,
			"https":     strings.HasPrefix(c.judgeURL, "https://") && !outcome.usedFallback,
		}
		for col, val := range c.identityFields(ctx, rec) {
			fields[col] = val
		}
		if err := c.store.UpdateData(ctx, key, fields, true); err != nil {
			l.Warn().Err(err).Str("proxy", key).Msg("Failed to record active result.")
			return
		}
		stats.Active++
		l.Debug().Str("proxy", key).Str("type", fields["type"].(string)).Int64("latency_ms", latencyMs).Msg("Proxy confirmed working.")

	case outcome.anyPrivate:
		// The connection worked but the proxy reveals or reroutes; keep it
		// out of the working pool via the private flag.
		fields := storage.Fields{
			"status":    model.StatusActive,
			"private":   true,
			"anonymity": "transparent",
		}
		if err := c.store.UpdateData(ctx, key, fields, true); err != nil {
			l.Warn().Err(err).Str("proxy", key).Msg("Failed to record private result.")
			return
		}
		stats.Active++

	case outcome.allAmbig:
		// Ambiguous anonymity is not proof the proxy is unusable; leave it
		// untested so it is retried sooner than hard failures.
		if err := c.store.UpdateData(ctx, key, storage.Fields{"status": model.StatusUntested}, false); err != nil {
			l.Warn().Err(err).Str("proxy", key).Msg("Failed to keep ambiguous proxy untested.")
			return
		}
		stats.Untouched++

	default:
		if err := c.store.UpdateStatus(ctx, key, model.StatusDead); err != nil {
			l.Warn().Err(err).Str("proxy", key).Msg("Failed to record dead status.")
			return
		}
		stats.Dead++
	}
}

// identityFields opportunistically fills missing fingerprint and geo fields
// for a record that just proved itself working.
func (c *Checker) identityFields(ctx context.Context, rec *model.ProxyRecord) storage.Fields {
	fields := storage.Fields{}
	if rec.UserAgent == "" {
		fp := model.NewFingerprint()
		fields["useragent"] = fp.UserAgent
		fields["webgl_vendor"] = fp.WebGLVendor
		fields["webgl_renderer"] = fp.WebGLRenderer
		fields["browser_vendor"] = fp.BrowserVendor
	}
	if c.geo != nil && rec.Country == "" {
		for col, val := range c.geo.Fill(ctx, rec) {
			fields[col] = val
		}
	}
	return fields
}

func (c *Checker) scheduleStagingCleanup(key string) {
	if c.staging == nil {
		return
	}
	cleaner := c.staging
	coord.Register("staging-cleanup/"+key, func() {
		cleaner.RemoveFromStaging(key)
	})
}

// nextRunSeq persists a monotonic batch counter used to gate the dead-retry
// cadence across independently launched runs.
func (c *Checker) nextRunSeq() int {
	seq := 0
	if data, err := os.ReadFile(c.seqFile); err == nil {
		if n, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			seq = n
		}
	}
	seq++
	_ = os.WriteFile(c.seqFile, []byte(strconv.Itoa(seq)), 0o644)
	return seq
}
