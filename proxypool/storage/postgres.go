package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"proxyhunter/internal/shared/logger"
	"proxyhunter/proxypool/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS proxies (
	proxy TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'untested',
	type TEXT NOT NULL DEFAULT '',
	latency BIGINT NOT NULL DEFAULT -1,
	anonymity TEXT NOT NULL DEFAULT '',
	private BOOLEAN NOT NULL DEFAULT FALSE,
	https BOOLEAN NOT NULL DEFAULT FALSE,
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

// Postgres is the networked store, used when many hosts share one pool. The
// contract is identical to the embedded backend; only the dialect differs.
type Postgres struct {
	db               *sql.DB
	maintenanceEvery time.Duration
}

// NewPostgres connects through the pgx stdlib driver and bootstraps the
// schema on first run.
func NewPostgres(dsn string, maintenanceEvery time.Duration) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend selected but no DSN configured")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap postgres schema: %w", err)
	}
	return &Postgres{db: db, maintenanceEvery: maintenanceEvery}, nil
}

func (s *Postgres) Select(ctx context.Context, key string) (*model.ProxyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(proxyColumns, ", ")+` FROM proxies WHERE proxy = $1`, key)
	p, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Postgres) Add(ctx context.Context, key string) error {
	return busyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO proxies (proxy, status, latency) VALUES ($1, $2, -1)
			 ON CONFLICT (proxy) DO NOTHING`,
			key, string(model.StatusUntested))
		return err
	})
}

func (s *Postgres) Remove(ctx context.Context, key string) error {
	return busyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE proxy = $1`, key)
		return err
	})
}

func (s *Postgres) UpdateData(ctx context.Context, key string, fields Fields, bumpLastCheck bool) error {
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
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
		args = append(args, fields[c])
	}
	args = append(args, key)

	return busyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE proxies SET %s WHERE proxy = $%d`,
				strings.Join(sets, ", "), len(cols)+1), args...)
		return err
	})
}

func (s *Postgres) UpdateStatus(ctx context.Context, key string, status model.Status) error {
	return s.UpdateData(ctx, key, Fields{"status": status}, true)
}

func (s *Postgres) WorkingProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error) {
	return s.selectByStatus(ctx, `status = 'active'`, limit)
}

func (s *Postgres) DeadProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error) {
	return s.selectByStatus(ctx, `status IN ('dead', 'port-closed')`, limit)
}

func (s *Postgres) UntestedProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error) {
	return s.selectByStatus(ctx, `status = 'untested'`, limit)
}

func (s *Postgres) PrivateProxies(ctx context.Context, limit int) ([]*model.ProxyRecord, error) {
	return s.selectByStatus(ctx, `private`, limit)
}

func (s *Postgres) selectByStatus(ctx context.Context, where string, limit int) ([]*model.ProxyRecord, error) {
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

func (s *Postgres) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(CASE WHEN status = 'active' THEN 1 END),
		COUNT(CASE WHEN status IN ('dead', 'port-closed') THEN 1 END),
		COUNT(CASE WHEN status = 'untested' THEN 1 END),
		COUNT(CASE WHEN private THEN 1 END)
		FROM proxies`).Scan(&c.Working, &c.Dead, &c.Untested, &c.Private)
	return c, err
}

func (s *Postgres) Checksum(ctx context.Context, table string, columns []string) (string, error) {
	cols, err := checksumColumns(table, columns)
	if err != nil {
		return "", err
	}
	// Booleans go through int so the text form matches the embedded backend.
	exprs := make([]string, len(cols))
	for i, c := range cols {
		if c == "private" || c == "https" {
			exprs[i] = c + "::int::text"
		} else {
			exprs[i] = c + "::text"
		}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(exprs, ", ")+` FROM `+table)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	return rowChecksum(rows, len(cols))
}

func (s *Postgres) Maintain(ctx context.Context) error {
	if !maintenanceDue(ctx, s.db, "$1", s.maintenanceEvery) {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM (ANALYZE) proxies`); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return markMaintained(ctx, s.db, "$1")
}

func (s *Postgres) Close() error {
	return s.db.Close()
}
