package discovery

import (
	"context"
	"time"

	"proxyhunter/internal/shared/logger"
	"proxyhunter/proxypool/model"
	"proxyhunter/proxypool/storage"
)

// Cleanup deletes syntax-invalid records unconditionally and, when hardDelete
// is enabled, collapses long-stale non-active duplicate-IP clusters down to a
// single representative, preferring one whose port is currently open.
func Cleanup(ctx context.Context, store storage.Backend, staleAfter time.Duration, dialTimeout time.Duration, hardDelete bool) (int, error) {
	l := logger.WithComponent("Discovery/Cleanup")

	var pool []*model.ProxyRecord
	for _, fetch := range []func(context.Context, int) ([]*model.ProxyRecord, error){
		store.UntestedProxies, store.DeadProxies,
	} {
		records, err := fetch(ctx, 0)
		if err != nil {
			return 0, err
		}
		pool = append(pool, records...)
	}

	removed := 0
	byIP := make(map[string][]*model.ProxyRecord)
	for _, p := range pool {
		if !model.IsValidProxy(p.Proxy) {
			if err := store.Remove(ctx, p.Proxy); err != nil {
				l.Warn().Err(err).Str("proxy", p.Proxy).Msg("Failed to delete invalid record, skipping.")
				continue
			}
			removed++
			continue
		}
		// Only records with an aged observation participate in duplicate
		// collapsing; never-checked candidates are too fresh to judge.
		if !p.LastCheck.IsZero() && time.Since(p.LastCheck) > staleAfter {
			byIP[p.IP()] = append(byIP[p.IP()], p)
		}
	}

	if !hardDelete {
		l.Info().Int("removed", removed).Msg("Cleanup finished (invalid records only; hard delete disabled).")
		return removed, nil
	}

	for ip, cluster := range byIP {
		if len(cluster) < 2 {
			continue
		}
		keep := cluster[0]
		for _, p := range cluster {
			if PortOpen(p.Proxy, dialTimeout) {
				keep = p
				break
			}
		}
		for _, p := range cluster {
			if p.Proxy == keep.Proxy {
				continue
			}
			if err := store.Remove(ctx, p.Proxy); err != nil {
				l.Warn().Err(err).Str("proxy", p.Proxy).Msg("Failed to delete duplicate, skipping.")
				continue
			}
			removed++
		}
		l.Debug().Str("ip", ip).Str("kept", keep.Proxy).Int("cluster", len(cluster)).Msg("Collapsed duplicate-IP cluster.")
	}

	l.Info().Int("removed", removed).Msg("Cleanup finished.")
	return removed, nil
}

// Respawn returns dead and port-closed records to the untested pool once the
// cooldown window has passed and a fresh connect confirms the port reopened.
func Respawn(ctx context.Context, store storage.Backend, cooldown, dialTimeout time.Duration) (int, error) {
	l := logger.WithComponent("Discovery/Respawn")

	dead, err := store.DeadProxies(ctx, 0)
	if err != nil {
		return 0, err
	}

	respawned := 0
	for _, p := range dead {
		if !p.LastCheck.IsZero() && time.Since(p.LastCheck) < cooldown {
			continue
		}
		if !PortOpen(p.Proxy, dialTimeout) {
			continue
		}
		// Reset without bumping last_check: the record is untested again.
		if err := store.UpdateData(ctx, p.Proxy, storage.Fields{
			"status":  model.StatusUntested,
			"latency": model.LatencyUnmeasured,
		}, false); err != nil {
			l.Warn().Err(err).Str("proxy", p.Proxy).Msg("Failed to respawn record, skipping.")
			continue
		}
		respawned++
	}

	if respawned > 0 {
		l.Info().Int("respawned", respawned).Msg("Returned cooled-down dead proxies to the untested pool.")
	}
	return respawned, nil
}
