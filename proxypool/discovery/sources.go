package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"proxyhunter/internal/shared/logger"
	"proxyhunter/proxypool/model"
	"proxyhunter/proxypool/storage"
)

const sourceUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

var proxyLinePattern = regexp.MustCompile(`(\d{1,3}(?:\.\d{1,3}){3}):(\d{1,5})`)

// Source fetches candidate "ip:port" strings from one external proxy list.
// Implementations only fetch and parse; validation happens at ingestion.
type Source interface {
	Fetch() ([]string, error)
	Name() string
}

// Ingestor pulls all configured sources, appends the results to a staging
// file partitioned by fetch date, and funnels every valid key into the store.
type Ingestor struct {
	sources    []Source
	stagingDir string
	store      storage.Backend
}

func NewIngestor(stagingDir string, store storage.Backend) *Ingestor {
	return &Ingestor{stagingDir: stagingDir, store: store}
}

func (in *Ingestor) AddSource(s Source) {
	in.sources = append(in.sources, s)
}

// Run fetches every source and ingests the union. Per-source failures are
// logged and skipped; one dead list never stops the pipeline.
func (in *Ingestor) Run(ctx context.Context) (int, error) {
	l := logger.WithComponent("Discovery/Ingest")

	var candidates []string
	for _, src := range in.sources {
		found, err := src.Fetch()
		if err != nil {
			l.Warn().Err(err).Str("source", src.Name()).Msg("Source fetch failed.")
			continue
		}
		l.Info().Str("source", src.Name()).Int("count", len(found)).Msg("Source fetched.")
		candidates = append(candidates, found...)
	}

	stagingPath := filepath.Join(in.stagingDir,
		fmt.Sprintf("scraped-%s.txt", time.Now().UTC().Format("2006-01-02")))
	if err := appendLines(stagingPath, candidates); err != nil {
		l.Warn().Err(err).Str("path", stagingPath).Msg("Failed to append staging file.")
	}

	return in.IngestLines(ctx, candidates), nil
}

// IngestLines adds valid keys to the store via insert-or-ignore. Used both
// for scraped lists and for direct user submissions.
func (in *Ingestor) IngestLines(ctx context.Context, lines []string) int {
	l := logger.WithComponent("Discovery/Ingest")
	added := 0
	seen := make(map[string]bool)
	for _, line := range lines {
		key := strings.TrimSpace(line)
		if key == "" || seen[key] || !model.IsValidProxy(key) {
			continue
		}
		seen[key] = true
		if err := in.store.Add(ctx, key); err != nil {
			l.Warn().Err(err).Str("proxy", key).Msg("Failed to add candidate, skipping.")
			continue
		}
		added++
	}
	return added
}

// RemoveFromStaging deletes a now-indexed proxy string from every staging
// file so it is not reprocessed as new. Registered as a deferred exit task
// by the checker.
func (in *Ingestor) RemoveFromStaging(key string) {
	entries, err := os.ReadDir(in.stagingDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		path := filepath.Join(in.stagingDir, e.Name())
		lines, err := readLines(path)
		if err != nil {
			continue
		}
		kept := lines[:0]
		for _, line := range lines {
			if strings.TrimSpace(line) != key {
				kept = append(kept, line)
			}
		}
		if len(kept) != len(lines) {
			_ = writeLines(path, kept)
		}
	}
}

// cachedFetcher wraps plain HTTP GETs with a long-TTL on-disk cache keyed by
// a hash of the URL, so repeated runs do not hammer third-party lists.
type cachedFetcher struct {
	client   *http.Client
	cacheDir string
	ttl      time.Duration
}

func newCachedFetcher(cacheDir string, ttl time.Duration) *cachedFetcher {
	return &cachedFetcher{
		client:   &http.Client{Timeout: 20 * time.Second},
		cacheDir: cacheDir,
		ttl:      ttl,
	}
}

func (cf *cachedFetcher) get(url string) ([]byte, error) {
	sum := sha256.Sum256([]byte(url))
	cachePath := filepath.Join(cf.cacheDir, hex.EncodeToString(sum[:])+".cache")

	if info, err := os.Stat(cachePath); err == nil && time.Since(info.ModTime()) < cf.ttl {
		if body, rerr := os.ReadFile(cachePath); rerr == nil {
			return body, nil
		}
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", sourceUserAgent)

	resp, err := cf.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("received non-200 status code (%d)", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	_ = os.WriteFile(cachePath, body, 0o644)
	return body, nil
}

// PlainTextSource extracts "ip:port" pairs from a raw text list by pattern
// matching, which also tolerates lists with surrounding markup or comments.
type PlainTextSource struct {
	name    string
	url     string
	fetcher *cachedFetcher
}

func NewPlainTextSource(name, url, cacheDir string, ttl time.Duration) *PlainTextSource {
	return &PlainTextSource{name: name, url: url, fetcher: newCachedFetcher(cacheDir, ttl)}
}

func (s *PlainTextSource) Name() string { return s.name }

func (s *PlainTextSource) Fetch() ([]string, error) {
	body, err := s.fetcher.get(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.name, err)
	}
	return proxyLinePattern.FindAllString(string(body), -1), nil
}

// HTMLTableSource parses proxy tables of the common "first cell IP, second
// cell port" shape.
type HTMLTableSource struct {
	name     string
	url      string
	selector string
	fetcher  *cachedFetcher
}

func NewHTMLTableSource(name, url, rowSelector, cacheDir string, ttl time.Duration) *HTMLTableSource {
	return &HTMLTableSource{name: name, url: url, selector: rowSelector, fetcher: newCachedFetcher(cacheDir, ttl)}
}

func (s *HTMLTableSource) Name() string { return s.name }

func (s *HTMLTableSource) Fetch() ([]string, error) {
	body, err := s.fetcher.get(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.name, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.name, err)
	}

	var proxies []string
	doc.Find(s.selector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if ip != "" && port != "" {
			proxies = append(proxies, ip+":"+port)
		}
	})
	return proxies, nil
}

// CrawlSource follows a listing page with colly and pattern-matches every
// visited body. Useful for sources that paginate or hide lists behind
// intermediate pages.
type CrawlSource struct {
	name string
	url  string
}

func NewCrawlSource(name, url string) *CrawlSource {
	return &CrawlSource{name: name, url: url}
}

func (s *CrawlSource) Name() string { return s.name }

func (s *CrawlSource) Fetch() ([]string, error) {
	c := colly.NewCollector(
		colly.UserAgent(sourceUserAgent),
		colly.MaxDepth(2),
	)
	c.SetRequestTimeout(20 * time.Second)

	var proxies []string
	c.OnResponse(func(r *colly.Response) {
		proxies = append(proxies, proxyLinePattern.FindAllString(string(r.Body), -1)...)
	})
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if strings.Contains(href, "page=") {
			_ = e.Request.Visit(href)
		}
	})

	if err := c.Visit(s.url); err != nil {
		return nil, fmt.Errorf("failed to crawl %s: %w", s.name, err)
	}
	c.Wait()
	return proxies, nil
}

func appendLines(path string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	return err
}
