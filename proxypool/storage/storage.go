package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"proxyhunter/internal/shared/logger"
	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/model"
)

// Fields is the generic-map adapter applied at the storage boundary. Keys are
// column names; empty or nil values are dropped before writing.
type Fields map[string]any

// Counts are the operator-facing aggregate counters.
type Counts struct {
	Working  int `json:"working"`
	Dead     int `json:"dead"`
	Untested int `json:"untested"`
	Private  int `json:"private"`
}

// Backend is the uniform proxy store contract shared by the embedded and the
// networked implementation. A locked/busy engine is a transient condition:
// implementations retry internally and callers skip the record on persistent
// failure, never abort a whole run.
type Backend interface {
	Select(ctx context.Context, key string) (*model.ProxyRecord, error)
	Add(ctx context.Context, key string) error
	Remove(ctx context.Context, key string) error
	UpdateData(ctx context.Context, key string, fields Fields, bumpLastCheck bool) error
	UpdateStatus(ctx context.Context, key string, status model.Status) error

	WorkingProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error)
	DeadProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error)
	UntestedProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error)
	PrivateProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error)

	Counts(ctx context.Context) (Counts, error)
	Checksum(ctx context.Context, table string, columns []string) (string, error)
	Maintain(ctx context.Context) error
	Close() error
}

// New opens the backend selected by the profile.
func New(cfg types.StorageConf) (Backend, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return NewSQLite(cfg.SQLitePath, time.Duration(cfg.MaintenanceHours)*time.Hour)
	case "postgres":
		return NewPostgres(cfg.PostgresDSN, time.Duration(cfg.MaintenanceHours)*time.Hour)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// proxyColumns is the full column list in canonical order.
var proxyColumns = []string{
	"proxy", "username", "password", "status", "type", "latency", "anonymity",
	"private", "https", "country", "region", "city", "timezone", "latitude",
	"longitude", "lang", "useragent", "webgl_vendor", "webgl_renderer",
	"browser_vendor", "last_check",
}

var allowedColumns = func() map[string]bool {
	m := make(map[string]bool, len(proxyColumns))
	for _, c := range proxyColumns {
		m[c] = true
	}
	return m
}()

// filterFields drops nil/empty values and unknown columns. Unknown columns
// are a per-record malformed write: logged, skipped, never fatal.
func filterFields(key string, fields Fields) Fields {
	out := make(Fields, len(fields))
	for col, val := range fields {
		if !allowedColumns[col] || col == "proxy" {
			logger.Warn().Str("proxy", key).Str("column", col).Msg("Dropping unknown column from update.")
			continue
		}
		switch v := val.(type) {
		case nil:
			continue
		case string:
			if v == "" {
				continue
			}
		case model.Status:
			if v == "" {
				continue
			}
			val = string(v)
		}
		out[col] = val
	}
	return out
}

// stampLastCheck decides whether an update refreshes last_check: only when
// the write moves the record away from untested and the caller asked for it.
func stampLastCheck(fields Fields, bump bool) Fields {
	if !bump {
		return fields
	}
	st, ok := fields["status"]
	if !ok {
		return fields
	}
	if s, isStr := st.(string); isStr && s != "" && s != string(model.StatusUntested) {
		fields["last_check"] = time.Now().UTC().Format(time.RFC3339)
	}
	return fields
}

// scanRecord reads one row in proxyColumns order.
func scanRecord(rows interface{ Scan(...any) error }) (*model.ProxyRecord, error) {
	var p model.ProxyRecord
	var status string
	var lastCheck sql.NullString
	var latency sql.NullInt64
	err := rows.Scan(
		&p.Proxy, &p.Username, &p.Password, &status, &p.Types, &latency,
		&p.Anonymity, &p.Private, &p.HTTPS, &p.Country, &p.Region, &p.City,
		&p.Timezone, &p.Latitude, &p.Longitude, &p.Lang, &p.UserAgent,
		&p.WebGLVendor, &p.WebGLRenderer, &p.BrowserVendor, &lastCheck,
	)
	if err != nil {
		return nil, err
	}
	p.Status = model.Status(status)
	if latency.Valid {
		p.Latency = latency.Int64
	} else {
		p.Latency = model.LatencyUnmeasured
	}
	if lastCheck.Valid && lastCheck.String != "" {
		if t, perr := time.Parse(time.RFC3339, lastCheck.String); perr == nil {
			p.LastCheck = t
		}
	}
	return &p, nil
}

// rowChecksum reduces sorted, concatenated column values with sha256. Used by
// both backends so checksums stay comparable across engines.
func rowChecksum(rows *sql.Rows, columnCount int) (string, error) {
	values := make([]sql.NullString, columnCount)
	ptrs := make([]any, columnCount)
	for i := range values {
		ptrs[i] = &values[i]
	}

	var lines []string
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		parts := make([]string, columnCount)
		for i, v := range values {
			if v.Valid {
				parts[i] = v.String
			}
		}
		lines = append(lines, strings.Join(parts, "|"))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	sort.Strings(lines)
	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// busyRetry runs fn, retrying with backoff while the engine reports a
// transient lock/busy condition.
func busyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(50*(attempt+1)) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "deadlock detected")
}
