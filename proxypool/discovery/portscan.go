package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"proxyhunter/internal/shared/logger"
	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/storage"
)

// PortScanner runs the time-boxed connect scan that feeds new candidates
// into the store. Progress is persisted by rewriting the source list without
// the processed IPs, so an interrupted scan resumes instead of restarting.
type PortScanner struct {
	cfg     types.ScanConf
	store   storage.Backend
	limiter *rate.Limiter
}

func NewPortScanner(cfg types.ScanConf, store storage.Backend) *PortScanner {
	return &PortScanner{
		cfg:     cfg,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond),
	}
}

// ScanFile scans every IP listed in sourcePath against the curated port list
// minus ports already represented in the live and dead pools. The global
// wall-clock budget truncates the scan early; processed IPs are removed from
// the source list either way. The progress callback may be nil.
func (s *PortScanner) ScanFile(ctx context.Context, sourcePath string, progress func(done int)) (int, error) {
	l := logger.WithComponent("Discovery/PortScan")

	ips, err := readLines(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(ips) == 0 {
		return 0, nil
	}

	ports := s.candidatePorts(ctx)
	l.Info().Int("ips", len(ips)).Int("ports", len(ports)).Msg("Starting port scan.")

	deadline := time.Now().Add(time.Duration(s.cfg.BudgetSeconds) * time.Second)
	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second

	found := 0
	processed := 0
	for _, ip := range ips {
		if time.Now().After(deadline) {
			l.Info().Int("processed", processed).Msg("Scan budget exceeded, persisting progress.")
			break
		}
		for _, port := range ports {
			if err := s.limiter.Wait(ctx); err != nil {
				// Context cancelled mid-scan; persist and bail.
				return found, writeLines(sourcePath, ips[processed:])
			}
			addr := net.JoinHostPort(ip, strconv.Itoa(port))
			if !PortOpen(addr, timeout) {
				continue
			}
			key := ip + ":" + strconv.Itoa(port)
			if err := s.store.Add(ctx, key); err != nil {
				l.Warn().Err(err).Str("proxy", key).Msg("Failed to add scanned candidate, skipping.")
				continue
			}
			found++
		}
		processed++
		if progress != nil {
			progress(processed)
		}
	}

	if err := writeLines(sourcePath, ips[processed:]); err != nil {
		return found, fmt.Errorf("failed to persist scan progress: %w", err)
	}
	l.Info().Int("found", found).Int("processed", processed).Int("remaining", len(ips)-processed).Msg("Port scan finished.")
	return found, nil
}

// candidatePorts is the curated common-proxy port list minus ports already
// seen in the live and dead pools for the same scan pass.
func (s *PortScanner) candidatePorts(ctx context.Context) []int {
	seen := make(map[int]bool)
	working, err := s.store.WorkingProxies(ctx, 0)
	if err == nil {
		for _, p := range working {
			if port, perr := strconv.Atoi(p.Port()); perr == nil {
				seen[port] = true
			}
		}
	}
	dead, err := s.store.DeadProxies(ctx, 0)
	if err == nil {
		for _, p := range dead {
			if port, perr := strconv.Atoi(p.Port()); perr == nil {
				seen[port] = true
			}
		}
	}

	out := make([]int, 0, len(s.cfg.Ports))
	for _, port := range s.cfg.Ports {
		if !seen[port] {
			out = append(out, port)
		}
	}
	if len(out) == 0 {
		// Everything filtered means the pools cover the whole curated list;
		// fall back to the full list rather than scanning nothing.
		return s.cfg.Ports
	}
	return out
}

// PortOpen reports whether a short-timeout TCP connect to addr succeeds.
// Shared with the respawn pass, which needs a fresh port-open observation
// before a dead proxy may return to the untested pool.
func PortOpen(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func writeLines(path string, lines []string) error {
	if len(lines) == 0 {
		return os.WriteFile(path, nil, 0o644)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
