package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxyhunter/proxypool/model"
)

// probeOutcome carries everything the fold step needs from one protocol
// attempt: the judge's view of our request plus the transport-level facts.
type probeOutcome struct {
	protocol    string
	latency     time.Duration
	statusCode  int
	respHeaders http.Header
	body        []byte
	finalURL    string
	err         error
}

// probe runs a single protocol check against the judge endpoint. Each
// protocol builds its own dialer; the HTTP exchange afterwards is shared.
func (c *Checker) probe(ctx context.Context, protocol string, rec *model.ProxyRecord, target string) probeOutcome {
	out := probeOutcome{protocol: protocol}

	transport, err := c.transportFor(protocol, rec)
	if err != nil {
		out.err = err
		return out
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		out.err = err
		return out
	}
	ua := rec.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	start := time.Now()
	resp, err := client.Do(req)
	out.latency = time.Since(start)
	if err != nil {
		out.err = err
		return out
	}
	defer resp.Body.Close()

	out.statusCode = resp.StatusCode
	out.respHeaders = resp.Header
	out.finalURL = resp.Request.URL.String()
	out.body, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		out.err = fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return out
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// transportFor builds a per-protocol transport. HTTP goes through the
// standard proxy URL mechanism; SOCKS5 uses the x/net dialer (with optional
// credentials); SOCKS4 has no stdlib support and uses the h12.io dialer.
func (c *Checker) transportFor(protocol string, rec *model.ProxyRecord) (*http.Transport, error) {
	base := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   c.timeout / 2,
		IdleConnTimeout:       c.timeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}

	switch protocol {
	case "http":
		proxyURL := &url.URL{Scheme: "http", Host: rec.Proxy}
		if rec.Username != "" {
			proxyURL.User = url.UserPassword(rec.Username, rec.Password)
		}
		base.Proxy = http.ProxyURL(proxyURL)
		dialer := &net.Dialer{Timeout: c.timeout, KeepAlive: 30 * time.Second}
		base.DialContext = dialer.DialContext
		return base, nil

	case "socks5":
		var auth *proxy.Auth
		if rec.Username != "" {
			auth = &proxy.Auth{User: rec.Username, Password: rec.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", rec.Proxy, auth, &net.Dialer{Timeout: c.timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		base.DialContext = dialer.(proxy.ContextDialer).DialContext
		return base, nil

	case "socks4":
		dial := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", rec.Proxy, c.timeout))
		base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			type dialResult struct {
				conn net.Conn
				err  error
			}
			ch := make(chan dialResult, 1)
			go func() {
				conn, err := dial(network, addr)
				ch <- dialResult{conn, err}
			}()
			select {
			case r := <-ch:
				return r.conn, r.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return base, nil

	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
}
