package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"proxyhunter/internal/shared/logger"
	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/model"
	"proxyhunter/proxypool/storage"
)

// Writer rewrites the interchange files polled by external callers: the
// working-proxy snapshot, the single-word status file and the JSON counters.
// These files are the engine's entire surface toward the UI layer.
type Writer struct {
	paths types.PathsConf
	store storage.Backend
}

func NewWriter(paths types.PathsConf, store storage.Backend) *Writer {
	return &Writer{paths: paths, store: store}
}

// WriteWorking rewrites the pipe-delimited working snapshot. Private proxies
// are excluded even though their status is active.
func (w *Writer) WriteWorking(ctx context.Context) error {
	working, err := w.store.WorkingProxies(ctx, 0)
	if err != nil {
		return err
	}

	var sb strings.Builder
	for _, p := range working {
		if p.Private {
			continue
		}
		sb.WriteString(FormatLine(p))
		sb.WriteString("\n")
	}
	return os.WriteFile(w.paths.Snapshot, []byte(sb.String()), 0o644)
}

// FormatLine renders one snapshot row:
// proxy|latency|TYPE|region|city|country|timezone|last_check
// with missing values rendered as "-".
func FormatLine(p *model.ProxyRecord) string {
	latency := "-"
	if p.Latency >= 0 {
		latency = strconv.FormatInt(p.Latency, 10)
	}
	lastCheck := "-"
	if !p.LastCheck.IsZero() {
		lastCheck = p.LastCheck.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{
		p.Proxy,
		latency,
		orDash(strings.ToUpper(p.Types)),
		orDash(p.Region),
		orDash(p.City),
		orDash(p.Country),
		orDash(p.Timezone),
		lastCheck,
	}, "|")
}

// WriteStatus publishes the single lowercase status word polled by external
// callers ("idle", "running", "respawn", ...).
func (w *Writer) WriteStatus(word string) {
	if err := os.WriteFile(w.paths.StatusFile, []byte(word+"\n"), 0o644); err != nil {
		logger.Warn().Err(err).Str("path", w.paths.StatusFile).Msg("Failed to write status file.")
	}
}

// WriteCounters publishes the aggregate counts as a small JSON object.
func (w *Writer) WriteCounters(ctx context.Context) error {
	counts, err := w.store.Counts(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return os.WriteFile(w.paths.Counters, data, 0o644)
}

// WriteAll refreshes snapshot and counters together; registered as an exit
// task so even an interrupted batch leaves consistent files behind.
func (w *Writer) WriteAll(ctx context.Context) {
	l := logger.WithComponent("Snapshot")
	if err := w.WriteWorking(ctx); err != nil {
		l.Warn().Err(err).Msg("Failed to rewrite working snapshot.")
	}
	if err := w.WriteCounters(ctx); err != nil {
		l.Warn().Err(err).Msg("Failed to rewrite counters.")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
