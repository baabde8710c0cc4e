package checker

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"proxyhunter/proxypool/model"
)

// Forwarding and authorization artifacts a proxy can leak into the request
// the judge endpoint sees, or into the response it hands back. Any of these
// classifies the proxy as non-anonymous.
var forwardingArtifacts = []string{
	"x-forwarded-for",
	"x-forwarded",
	"x-real-ip",
	"x-proxy-id",
	"forwarded",
	"via",
	"from",
	"proxy-authorization",
	"proxy-connection",
}

// gatewayRedirectPattern matches the final resolved URL of probes that got
// hijacked by a login portal or carrier gateway instead of reaching the
// judge. Such proxies succeed at the TCP level but are useless and
// identifiable, so they count as private.
var gatewayRedirectPattern = regexp.MustCompile(`(?i)(gateway|securelogin|captive|portal\.|/login\?|hotspot)`)

// judge turns a raw probe outcome into a CheckResult, classifying anonymity
// from the echoed request headers, the response headers and the final URL.
func (c *Checker) judge(out probeOutcome) model.CheckResult {
	res := model.CheckResult{
		Protocol:   out.protocol,
		Latency:    out.latency,
		StatusCode: out.statusCode,
	}

	if out.err != nil {
		res.Error = out.err.Error()
		res.Ambiguous = c.isAmbiguous(out.err.Error())
		return res
	}
	res.Success = true

	if gatewayRedirectPattern.MatchString(out.finalURL) {
		res.Private = true
		res.Anonymity = "transparent"
		return res
	}

	leaked := leakedArtifacts(out.body, out.respHeaders)
	switch {
	case len(leaked) == 0:
		res.Anonymity = "elite"
	case containsClientAddress(leaked):
		res.Private = true
		res.Anonymity = "transparent"
	default:
		// The proxy announces itself but does not reveal the client.
		res.Anonymity = "anonymous"
	}
	return res
}

// leakedArtifacts collects forwarding header values visible to the judge.
// The judge endpoint echoes the request headers in its body, so both the
// echoed request and the proxy's own response headers are inspected.
func leakedArtifacts(body []byte, respHeaders http.Header) []string {
	var leaked []string
	lowerBody := strings.ToLower(string(body))
	for _, h := range forwardingArtifacts {
		if strings.Contains(lowerBody, `"`+h+`"`) || strings.Contains(lowerBody, `"`+canonicalHeader(h)+`"`) {
			leaked = append(leaked, h)
		}
	}
	for _, h := range forwardingArtifacts {
		if respHeaders.Get(h) != "" {
			leaked = append(leaked, h)
		}
	}
	return leaked
}

// containsClientAddress treats any forwarded-address artifact as revealing
// the origin client; pure Via/Proxy-Connection announcements do not.
func containsClientAddress(leaked []string) bool {
	for _, h := range leaked {
		switch h {
		case "x-forwarded-for", "x-forwarded", "x-real-ip", "forwarded", "from":
			return true
		}
	}
	return false
}

func canonicalHeader(h string) string {
	return http.CanonicalHeaderKey(h)
}

// isAmbiguous consults the configured classification table: probe failures
// matching one of the substrings prove nothing about the proxy itself, so
// the record stays untested instead of turning dead.
func (c *Checker) isAmbiguous(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range c.ambiguousErrors {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// foldOutcome is the per-batch summary of one proxy's probes.
type foldOutcome struct {
	results    []model.CheckResult
	anySuccess bool // at least one working, non-private protocol
	anyPrivate bool
	allAmbig   bool // every failure was an ambiguous classification
	confirmed  []string
	maxLatency time.Duration
	anonymity  string
	// usedFallback marks outcomes obtained from the plain-HTTP retry target.
	usedFallback bool
}

// fold merges per-protocol results per the status rules: confirmed labels
// and max latency come from successful non-private protocols only.
func fold(results []model.CheckResult) foldOutcome {
	out := foldOutcome{results: results, allAmbig: true}
	for _, r := range results {
		if r.Success && !r.Private {
			out.anySuccess = true
			out.confirmed = append(out.confirmed, r.Protocol)
			if r.Latency > out.maxLatency {
				out.maxLatency = r.Latency
			}
			if out.anonymity == "" || r.Anonymity == "elite" {
				out.anonymity = r.Anonymity
			}
			continue
		}
		if r.Private {
			out.anyPrivate = true
			continue
		}
		if !r.Ambiguous {
			out.allAmbig = false
		}
	}
	return out
}
