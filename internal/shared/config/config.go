package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"proxyhunter/internal/shared/types"
)

// LoadIni loads a behavior configuration profile and applies defaults for
// everything the file leaves unset.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnv(&cfg.StorageConf.PostgresDSN, "PROXYHUNTER_PG_DSN")
	overrideFromEnv(&cfg.GeoConf.MMDBPath, "PROXYHUNTER_MMDB")
	applyDefaults(cfg)
	return nil
}

// ProfilePath resolves the ini file for an operator profile. An empty userId
// selects the shared default profile.
func ProfilePath(configDir, userId string) string {
	if userId != "" {
		candidate := filepath.Join(configDir, userId+".ini")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join(configDir, "proxyhunter.ini")
}

// EnsureDirs creates every directory the engine needs at startup. Failure
// here is the only fatal error class.
func EnsureDirs(cfg *types.Config) error {
	dirs := []string{
		cfg.PathsConf.DataDir,
		cfg.PathsConf.StagingDir,
		cfg.PathsConf.CacheDir,
		filepath.Dir(cfg.PathsConf.LockFile),
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

func applyDefaults(cfg *types.Config) {
	p := &cfg.PathsConf
	if p.DataDir == "" {
		p.DataDir = "data"
	}
	if p.LockFile == "" {
		p.LockFile = filepath.Join(p.DataDir, "locks", "checker.lock")
	}
	if p.StatusFile == "" {
		p.StatusFile = filepath.Join(p.DataDir, "status.txt")
	}
	if p.Snapshot == "" {
		p.Snapshot = filepath.Join(p.DataDir, "working.txt")
	}
	if p.Counters == "" {
		p.Counters = filepath.Join(p.DataDir, "counts.json")
	}
	if p.StagingDir == "" {
		p.StagingDir = filepath.Join(p.DataDir, "staging")
	}
	if p.CacheDir == "" {
		p.CacheDir = filepath.Join(p.DataDir, "cache")
	}

	c := &cfg.CheckerConf
	if c.MaxChecks <= 0 {
		c.MaxChecks = 100
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	if c.BudgetSeconds <= 0 {
		c.BudgetSeconds = 120
	}
	if c.JudgeURL == "" {
		c.JudgeURL = "https://httpbin.org/headers"
	}
	if c.FallbackURL == "" {
		c.FallbackURL = "http://httpbin.org/headers"
	}
	if c.WorkingSample <= 0 {
		c.WorkingSample = 10
	}
	if c.DeadSample <= 0 {
		c.DeadSample = 20
	}
	if c.DeadRetryEvery <= 0 {
		c.DeadRetryEvery = 5
	}
	if len(c.AmbiguousErrors) == 0 {
		c.AmbiguousErrors = []string{"anonymity", "judge", "x-forwarded", "header mismatch"}
	}

	s := &cfg.ScanConf
	if len(s.Ports) == 0 {
		s.Ports = []int{80, 81, 83, 88, 3128, 3129, 8080, 8081, 8085, 8089, 8118, 8888, 9000, 9090, 1080, 4145, 5678}
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = 5
	}
	if s.BudgetSeconds <= 0 {
		s.BudgetSeconds = 120
	}
	if s.RatePerSecond <= 0 {
		s.RatePerSecond = 50
	}
	if s.CooldownHours <= 0 {
		s.CooldownHours = 24
	}
	if s.StaleDays <= 0 {
		s.StaleDays = 7
	}

	g := &cfg.GeoConf
	if g.PrimaryURL == "" {
		g.PrimaryURL = "http://ipwho.is/%s"
	}
	if g.SecondaryURL == "" {
		g.SecondaryURL = "http://ip-api.com/json/%s?fields=status,country,countryCode,regionName,city,timezone,lat,lon"
	}
	if g.CacheTTLHours <= 0 {
		g.CacheTTLHours = 24 * 14
	}

	st := &cfg.StorageConf
	if st.Backend == "" {
		st.Backend = "sqlite"
	}
	if st.SQLitePath == "" {
		st.SQLitePath = filepath.Join(p.DataDir, "proxies.db")
	}
	if st.MaintenanceHours <= 0 {
		st.MaintenanceHours = 24
	}
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
