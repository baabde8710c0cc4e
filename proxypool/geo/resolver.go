package geo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"

	"proxyhunter/internal/shared/logger"
	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/model"
	"proxyhunter/proxypool/storage"
)

// Resolver fills location and language fields through a three-tier fallback:
// a remote API queried through the proxy itself (which doubles as an egress
// proof), a simpler direct API, and a local offline GeoIP2 database. Each
// tier writes only the fields it found; filled fields are never clobbered.
type Resolver struct {
	cfg      types.GeoConf
	cacheDir string
	cacheTTL time.Duration
	client   *http.Client
	mmdb     *geoip2.Reader
	store    storage.Backend
}

// result is the tier-neutral shape every lookup reduces to.
type result struct {
	Country   string
	Code      string
	Region    string
	City      string
	Timezone  string
	Latitude  string
	Longitude string
}

func NewResolver(cfg types.GeoConf, cacheDir string, store storage.Backend) *Resolver {
	r := &Resolver{
		cfg:      cfg,
		cacheDir: cacheDir,
		cacheTTL: time.Duration(cfg.CacheTTLHours) * time.Hour,
		client:   &http.Client{Timeout: 10 * time.Second},
		store:    store,
	}
	if cfg.MMDBPath != "" {
		mmdb, err := geoip2.Open(cfg.MMDBPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.MMDBPath).Msg("Offline geo database unavailable; tier 3 disabled.")
		} else {
			r.mmdb = mmdb
		}
	}
	return r
}

// Close releases the offline database handle.
func (r *Resolver) Close() {
	if r.mmdb != nil {
		_ = r.mmdb.Close()
	}
}

// Fill resolves missing geo fields for rec and returns them as a storage
// field map without persisting. Implements the prober's GeoFiller.
func (r *Resolver) Fill(ctx context.Context, rec *model.ProxyRecord) storage.Fields {
	res, ok := r.lookup(ctx, rec)
	if !ok {
		return nil
	}

	fields := storage.Fields{}
	put := func(col, current, found string) {
		if current == "" && found != "" {
			fields[col] = found
		}
	}
	put("country", rec.Country, res.Country)
	put("region", rec.Region, res.Region)
	put("city", rec.City, res.City)
	put("timezone", rec.Timezone, res.Timezone)
	put("latitude", rec.Latitude, res.Latitude)
	put("longitude", rec.Longitude, res.Longitude)
	put("lang", rec.Lang, langForCountry(res.Code))
	return fields
}

// Resolve fills and persists in one step; used by the discovery entry point
// to backfill records the prober marked active without location data.
func (r *Resolver) Resolve(ctx context.Context, rec *model.ProxyRecord) error {
	fields := r.Fill(ctx, rec)
	if len(fields) == 0 {
		return nil
	}
	return r.store.UpdateData(ctx, rec.Proxy, fields, false)
}

// lookup walks the tiers in order until one yields a non-empty country. The
// offline database is also the cheapest path, so it doubles as the under-load
// shortcut when both network tiers misbehave.
func (r *Resolver) lookup(ctx context.Context, rec *model.ProxyRecord) (result, bool) {
	l := logger.WithComponent("Geo")

	if res, err := r.viaProxy(ctx, rec); err == nil && res.Country != "" {
		return res, true
	} else if err != nil {
		l.Debug().Err(err).Str("proxy", rec.Proxy).Msg("Tier-1 geo lookup failed.")
	}

	if res, err := r.direct(ctx, rec.IP()); err == nil && res.Country != "" {
		return res, true
	} else if err != nil {
		l.Debug().Err(err).Str("proxy", rec.Proxy).Msg("Tier-2 geo lookup failed.")
	}

	if res, err := r.offline(rec.IP()); err == nil && res.Country != "" {
		return res, true
	} else if err != nil {
		l.Debug().Err(err).Str("proxy", rec.Proxy).Msg("Tier-3 geo lookup failed.")
	}
	return result{}, false
}

// ipwhoResponse matches the primary API shape.
type ipwhoResponse struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	Country   string  `json:"country"`
	Code      string  `json:"country_code"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  struct {
		ID string `json:"id"`
	} `json:"timezone"`
}

// viaProxy queries the primary API through the proxy under test, with a
// content-addressed file cache. A rate-limited response invalidates its
// cache entry immediately so the next attempt does not replay the failure.
func (r *Resolver) viaProxy(ctx context.Context, rec *model.ProxyRecord) (result, error) {
	apiURL := fmt.Sprintf(r.cfg.PrimaryURL, rec.IP())
	cachePath := r.cachePath(apiURL)

	body, cached := r.readCache(cachePath)
	if !cached {
		proxyURL := &url.URL{Scheme: "http", Host: rec.Proxy}
		if rec.Username != "" {
			proxyURL.User = url.UserPassword(rec.Username, rec.Password)
		}
		client := &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true},
			Timeout:   10 * time.Second,
		}

		req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
		if err != nil {
			return result{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return result{}, err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return result{}, err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			_ = os.Remove(cachePath)
			return result{}, fmt.Errorf("primary geo API rate limited (%d)", resp.StatusCode)
		}
		_ = os.WriteFile(cachePath, body, 0o644)
	}

	var parsed ipwhoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		_ = os.Remove(cachePath)
		return result{}, fmt.Errorf("unparseable primary geo response: %w", err)
	}
	if !parsed.Success {
		_ = os.Remove(cachePath)
		if strings.Contains(strings.ToLower(parsed.Message), "limit") {
			return result{}, fmt.Errorf("primary geo API rate limited: %s", parsed.Message)
		}
		return result{}, fmt.Errorf("primary geo API returned failure: %s", parsed.Message)
	}

	return result{
		Country:   parsed.Country,
		Code:      parsed.Code,
		Region:    parsed.Region,
		City:      parsed.City,
		Timezone:  parsed.Timezone.ID,
		Latitude:  formatCoord(parsed.Latitude),
		Longitude: formatCoord(parsed.Longitude),
	}, nil
}

// ipAPIResponse matches the secondary (ip-api.com style) shape.
type ipAPIResponse struct {
	Status     string  `json:"status"`
	Country    string  `json:"country"`
	Code       string  `json:"countryCode"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Timezone   string  `json:"timezone"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// direct queries the secondary API without routing through the proxy.
func (r *Resolver) direct(ctx context.Context, ip string) (result, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf(r.cfg.SecondaryURL, ip), nil)
	if err != nil {
		return result{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()

	var parsed ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return result{}, fmt.Errorf("unparseable secondary geo response: %w", err)
	}
	if parsed.Status != "success" {
		return result{}, fmt.Errorf("secondary geo API returned status %q", parsed.Status)
	}
	return result{
		Country:   parsed.Country,
		Code:      parsed.Code,
		Region:    parsed.RegionName,
		City:      parsed.City,
		Timezone:  parsed.Timezone,
		Latitude:  formatCoord(parsed.Lat),
		Longitude: formatCoord(parsed.Lon),
	}, nil
}

// offline resolves from the local city-level database.
func (r *Resolver) offline(ip string) (result, error) {
	if r.mmdb == nil {
		return result{}, fmt.Errorf("offline geo database not loaded")
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return result{}, fmt.Errorf("invalid IP %q", ip)
	}
	city, err := r.mmdb.City(parsed)
	if err != nil {
		return result{}, err
	}

	res := result{
		Country:  city.Country.Names["en"],
		Code:     city.Country.IsoCode,
		City:     city.City.Names["en"],
		Timezone: city.Location.TimeZone,
	}
	if len(city.Subdivisions) > 0 {
		res.Region = city.Subdivisions[0].Names["en"]
	}
	if city.Location.Latitude != 0 || city.Location.Longitude != 0 {
		res.Latitude = formatCoord(city.Location.Latitude)
		res.Longitude = formatCoord(city.Location.Longitude)
	}
	return res, nil
}

func (r *Resolver) cachePath(apiURL string) string {
	sum := sha256.Sum256([]byte(apiURL))
	return filepath.Join(r.cacheDir, hex.EncodeToString(sum[:])+".geo")
}

func (r *Resolver) readCache(path string) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) >= r.cacheTTL {
		return nil, false
	}
	body, err := os.ReadFile(path)
	if err != nil || len(body) == 0 {
		return nil, false
	}
	return body, true
}

func formatCoord(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// countryLangs maps ISO country codes to a primary language tag, best
// effort only.
var countryLangs = map[string]string{
	"US": "en-US", "GB": "en-GB", "CA": "en-CA", "AU": "en-AU", "NZ": "en-NZ",
	"IE": "en-IE", "DE": "de-DE", "AT": "de-AT", "CH": "de-CH", "FR": "fr-FR",
	"BE": "fr-BE", "ES": "es-ES", "MX": "es-MX", "AR": "es-AR", "CO": "es-CO",
	"CL": "es-CL", "PT": "pt-PT", "BR": "pt-BR", "IT": "it-IT", "NL": "nl-NL",
	"PL": "pl-PL", "RU": "ru-RU", "UA": "uk-UA", "CZ": "cs-CZ", "SK": "sk-SK",
	"HU": "hu-HU", "RO": "ro-RO", "BG": "bg-BG", "GR": "el-GR", "TR": "tr-TR",
	"SE": "sv-SE", "NO": "nb-NO", "DK": "da-DK", "FI": "fi-FI", "CN": "zh-CN",
	"TW": "zh-TW", "HK": "zh-HK", "JP": "ja-JP", "KR": "ko-KR", "VN": "vi-VN",
	"TH": "th-TH", "ID": "id-ID", "MY": "ms-MY", "PH": "en-PH", "IN": "en-IN",
	"PK": "ur-PK", "BD": "bn-BD", "IR": "fa-IR", "SA": "ar-SA", "AE": "ar-AE",
	"EG": "ar-EG", "IL": "he-IL", "ZA": "en-ZA", "NG": "en-NG", "KE": "en-KE",
}

func langForCountry(code string) string {
	return countryLangs[strings.ToUpper(code)]
}
