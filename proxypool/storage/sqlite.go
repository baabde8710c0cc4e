package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"proxyhunter/internal/shared/logger"
	"proxyhunter/proxypool/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS proxies (
	proxy TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'untested',
	type TEXT NOT NULL DEFAULT '',
	latency INTEGER NOT NULL DEFAULT -1,
	anonymity TEXT NOT NULL DEFAULT '',
	private INTEGER NOT NULL DEFAULT 0,
	https INTEGER NOT NULL DEFAULT 0,
	country TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	timezone TEXT NOT NULL DEFAULT '',
	latitude TEXT NOT NULL DEFAULT '',
	longitude TEXT NOT NULL DEFAULT '',
	lang TEXT NOT NULL DEFAULT '',
	useragent TEXT NOT NULL DEFAULT '',
	webgl_vendor TEXT NOT NULL DEFAULT '',
	webgl_renderer TEXT NOT NULL DEFAULT '',
	browser_vendor TEXT NOT NULL DEFAULT '',
	last_check TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_proxies_status ON proxies(status);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// SQLite is the embedded file-backed store. It relies on the engine's own
// single-writer/many-reader journal discipline; concurrent check runs see
// "database is locked" as a retryable condition.
type SQLite struct {
	db               *sql.DB
	maintenanceEvery time.Duration
}

// NewSQLite opens (and on first run bootstraps) the embedded store. Write
// ahead logging is enabled so cooperating processes can read during a write.
func NewSQLite(path string, maintenanceEvery time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// A single connection sidesteps table-lock contention between this
	// process' own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap sqlite schema: %w", err)
	}
	return &SQLite{db: db, maintenanceEvery: maintenanceEvery}, nil
}

func (s *SQLite) Select(ctx context.Context, key string) (*model.ProxyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(proxyColumns, ", ")+` FROM proxies WHERE proxy = ?`, key)
	p, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLite) Add(ctx context.Context, key string) error {
	return busyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO proxies (proxy, status, latency) VALUES (?, ?, -1)`,
			key, string(model.StatusUntested))
		return err
	})
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	return busyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE proxy = ?`, key)
		return err
	})
}

func (s *SQLite) UpdateData(ctx context.Context, key string, fields Fields, bumpLastCheck bool) error {
	fields = stampLastCheck(filterFields(key, fields), bumpLastCheck)
	if len(fields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, fields[c])
	}
	args = append(args, key)

	return busyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE proxies SET `+strings.Join(sets, ", ")+` WHERE proxy = ?`, args...)
		return err
	})
}

func (s *SQLite) UpdateStatus(ctx context.Context, key string, status model.Status) error {
	return s.UpdateData(ctx, key, Fields{"status": status}, true)
}

func (s *SQLite) WorkingProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error) {
	return s.selectByStatus(ctx, `status = 'active'`, limit)
}

func (s *SQLite) DeadProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error) {
	return s.selectByStatus(ctx, `status IN ('dead', 'port-closed')`, limit)
}

func (s *SQLite) UntestedProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error) {
	return s.selectByStatus(ctx, `status = 'untested'`, limit)
}

func (s *SQLite) PrivateProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error) {
	return s.selectByStatus(ctx, `private = 1`, limit)
}

// selectByStatus samples randomly when a limit is supplied so repeated batch
// runs see varied candidates instead of a stable page.
func (s *SQLite) selectByStatus(ctx context.Context, where string, limit int) ([]*model.ProxyRecord, error) {
	query := `SELECT ` + strings.Join(proxyColumns, ", ") + ` FROM proxies WHERE ` + where
	if limit > 0 {
		query += fmt.Sprintf(` ORDER BY RANDOM() LIMIT %d`, limit)
	} else {
		query += ` ORDER BY proxy`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ProxyRecord
	for rows.Next() {
		p, err := scanRecord(rows)
		if err != nil {
			logger.Warn().Err(err).Msg("Skipping unreadable proxy row.")
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(CASE WHEN status = 'active' THEN 1 END),
		COUNT(CASE WHEN status IN ('dead', 'port-closed') THEN 1 END),
		COUNT(CASE WHEN status = 'untested' THEN 1 END),
		COUNT(CASE WHEN private = 1 THEN 1 END)
		FROM proxies`).Scan(&c.Working, &c.Dead, &c.Untested, &c.Private)
	return c, err
}

// Checksum hashes sorted row contents so drift between the embedded and the
// networked backend can be detected. Values are cast to text on the engine
// side to keep the result comparable across dialects.
func (s *SQLite) Checksum(ctx context.Context, table string, columns []string) (string, error) {
	cols, err := checksumColumns(table, columns)
	if err != nil {
		return "", err
	}
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = "CAST(" + c + " AS TEXT)"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(exprs, ", ")+` FROM `+table)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	return rowChecksum(rows, len(cols))
}

// Maintain compacts and integrity-checks the store at most once per
// configured interval; the timestamp of the last run lives in the meta table.
func (s *SQLite) Maintain(ctx context.Context) error {
	if !maintenanceDue(ctx, s.db, "?", s.maintenanceEvery) {
		return nil
	}

	var verdict string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&verdict); err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}
	if verdict != "ok" {
		logger.Error().Str("verdict", verdict).Msg("SQLite integrity check reported corruption.")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return markMaintained(ctx, s.db, "?")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// checksumColumns validates checksum input against the known schema; an
// unknown table or column is a caller bug, not an injection vector.
func checksumColumns(table string, columns []string) ([]string, error) {
	if table != "proxies" && table != "meta" {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	if table == "meta" {
		if len(columns) == 0 {
			return []string{"key", "value"}, nil
		}
		for _, c := range columns {
			if c != "key" && c != "value" {
				return nil, fmt.Errorf("unknown column %q", c)
			}
		}
		return columns, nil
	}
	if len(columns) == 0 {
		return proxyColumns, nil
	}
	for _, c := range columns {
		if !allowedColumns[c] {
			return nil, fmt.Errorf("unknown column %q", c)
		}
	}
	return columns, nil
}

func maintenanceDue(ctx context.Context, db *sql.DB, placeholder string, every time.Duration) bool {
	var value string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = `+placeholder, "last_maintenance").Scan(&value)
	if err != nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return true
	}
	return time.Since(last) >= every
}

func markMaintained(ctx context.Context, db *sql.DB, placeholder string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if placeholder == "?" {
		_, err := db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('last_maintenance', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, now)
		return err
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('last_maintenance', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, now)
	return err
}
