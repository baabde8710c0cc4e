package model

import (
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a proxy record.
type Status string

const (
	StatusUntested   Status = "untested"
	StatusActive     Status = "active"
	StatusDead       Status = "dead"
	StatusPortClosed Status = "port-closed"
)

// LatencyUnmeasured marks a record whose latency has never been observed.
const LatencyUnmeasured int64 = -1

// protocolOrder fixes the canonical ordering of confirmed protocol labels.
var protocolOrder = map[string]int{"http": 0, "socks4": 1, "socks5": 2}

// ProxyRecord is the central entity of the pool, uniquely keyed by "ip:port".
// Geo and fingerprint fields are filled lazily and never overwritten once
// non-empty unless explicitly refreshed.
type ProxyRecord struct {
	Proxy     string `json:"proxy"` // "ip:port" key
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	Status    Status `json:"status"`
	Types     string `json:"type"`    // ordered, deduplicated labels, e.g. "http-socks5"
	Latency   int64  `json:"latency"` // ms of the slowest successful protocol, -1 unmeasured
	Anonymity string `json:"anonymity,omitempty"`
	Private   bool   `json:"private"`
	HTTPS     bool   `json:"https"`

	Country   string `json:"country,omitempty"`
	Region    string `json:"region,omitempty"`
	City      string `json:"city,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
	Lang      string `json:"lang,omitempty"`

	UserAgent     string `json:"useragent,omitempty"`
	WebGLVendor   string `json:"webgl_vendor,omitempty"`
	WebGLRenderer string `json:"webgl_renderer,omitempty"`
	BrowserVendor string `json:"browser_vendor,omitempty"`

	LastCheck time.Time `json:"last_check"`
}

// IP returns the address part of the key.
func (p *ProxyRecord) IP() string {
	if i := strings.LastIndex(p.Proxy, ":"); i > 0 {
		return p.Proxy[:i]
	}
	return p.Proxy
}

// Port returns the port part of the key, empty if malformed.
func (p *ProxyRecord) Port() string {
	if i := strings.LastIndex(p.Proxy, ":"); i > 0 && i+1 < len(p.Proxy) {
		return p.Proxy[i+1:]
	}
	return ""
}

// TypeList splits the stored label string into individual protocols.
func (p *ProxyRecord) TypeList() []string {
	if p.Types == "" {
		return nil
	}
	return strings.Split(p.Types, "-")
}

// MergeTypes folds newly confirmed protocol labels into an existing label
// string, keeping the result ordered and deduplicated.
func MergeTypes(existing string, confirmed ...string) string {
	seen := make(map[string]bool)
	if existing != "" {
		for _, t := range strings.Split(existing, "-") {
			seen[t] = true
		}
	}
	for _, t := range confirmed {
		if t != "" {
			seen[t] = true
		}
	}
	labels := make([]string, 0, len(seen))
	for t := range seen {
		if _, known := protocolOrder[t]; known {
			labels = append(labels, t)
		}
	}
	sort.Slice(labels, func(i, j int) bool {
		return protocolOrder[labels[i]] < protocolOrder[labels[j]]
	})
	return strings.Join(labels, "-")
}

// CheckResult is the ephemeral outcome of a single per-protocol probe. It is
// never persisted directly, only folded into the owning record update.
type CheckResult struct {
	Protocol   string
	Success    bool
	Private    bool
	Ambiguous  bool
	Latency    time.Duration
	StatusCode int
	Anonymity  string
	Error      string
}
