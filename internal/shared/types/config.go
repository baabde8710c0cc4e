package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// StorageConf selects and parameterizes the proxy store backend.
type StorageConf struct {
	// Backend is "sqlite" (embedded) or "postgres" (networked).
	Backend     string `ini:"backend"`
	SQLitePath  string `ini:"sqlite_path"`
	PostgresDSN string `ini:"postgres_dsn"`
	// MaintenanceHours is the minimum interval between compaction runs.
	MaintenanceHours int `ini:"maintenance_hours"`
}

// CheckerConf controls a probe batch.
type CheckerConf struct {
	MaxChecks      int    `ini:"max_checks"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
	BudgetSeconds  int    `ini:"budget_seconds"`
	JudgeURL       string `ini:"judge_url"`          // HTTPS anonymity judge endpoint
	FallbackURL    string `ini:"fallback_judge_url"` // plain-HTTP retry target
	WorkingSample  int    `ini:"working_sample"`     // re-validation sample per batch
	DeadSample     int    `ini:"dead_sample"`        // dead retry sample per batch
	// DeadRetryEvery gates dead sampling to every Nth run; a thin untested
	// pool forces it regardless.
	DeadRetryEvery int `ini:"dead_retry_every"`
	// AmbiguousErrors is the classification table for probe failures that do
	// not prove the proxy unusable.
	AmbiguousErrors []string `ini:"ambiguous_errors" delim:","`
}

// ScanConf controls CIDR/port discovery.
type ScanConf struct {
	Ports          []int `ini:"ports" delim:","`
	TimeoutSeconds int   `ini:"timeout_seconds"`
	BudgetSeconds  int   `ini:"budget_seconds"`
	RatePerSecond  int   `ini:"rate_per_second"`
	// CooldownHours is the minimum age before a dead proxy may respawn.
	CooldownHours int `ini:"cooldown_hours"`
	// StaleDays is the age after which duplicate non-active IPs are collapsed.
	StaleDays int `ini:"stale_days"`
}

// GeoConf controls the geolocation fallback chain.
type GeoConf struct {
	PrimaryURL    string `ini:"primary_url"`   // queried through the proxy, %s = ip
	SecondaryURL  string `ini:"secondary_url"` // queried directly, %s = ip
	MMDBPath      string `ini:"mmdb_path"`     // local GeoIP2 city database
	CacheTTLHours int    `ini:"cache_ttl_hours"`
}

// PathsConf names the interchange files shared with external callers.
type PathsConf struct {
	DataDir    string `ini:"data_dir"`
	LockFile   string `ini:"lock_file"`
	StatusFile string `ini:"status_file"`
	Snapshot   string `ini:"snapshot_file"`
	Counters   string `ini:"counters_file"`
	StagingDir string `ini:"staging_dir"`
	CacheDir   string `ini:"cache_dir"`
	// Runner is an optional self-cleaning launcher script written by the web
	// trigger; recorded here so exit tasks can remove it.
	Runner string `ini:"runner"`
}

// Config is the unified behavior configuration mapped from the ini profile.
type Config struct {
	LogConf     `ini:"log"`
	StorageConf `ini:"storage"`
	CheckerConf `ini:"checker"`
	ScanConf    `ini:"scan"`
	GeoConf     `ini:"geo"`
	PathsConf   `ini:"paths"`
}
