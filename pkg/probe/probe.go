// Package probe implements proxy connectivity probing. A probe builds an
// HTTP client routed through the proxy under test and fetches a known
// endpoint, measuring latency.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/YannisKiefer/control-center/internal/model"

	"golang.org/x/net/proxy"
)

// HTTPProber probes proxies by issuing a GET through them.
type HTTPProber struct{}

// NewHTTPProber creates a prober.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{}
}

// TestConnectivity fetches testURL through proxyURL and reports the outcome.
// A failed probe is reported in the result, not as an error; the error
// return is reserved for invalid input such as an unparseable proxy URL.
func (p *HTTPProber) TestConnectivity(ctx context.Context, proxyURL, testURL string, timeout time.Duration) *model.ProbeResult {
	client, err := newClient(proxyURL, timeout)
	if err != nil {
		return &model.ProbeResult{OK: false, Err: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return &model.ProbeResult{OK: false, Err: err.Error()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &model.ProbeResult{OK: false, LatencyMs: latency, Err: err.Error()}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 400
	result := &model.ProbeResult{
		OK:         ok,
		LatencyMs:  latency,
		StatusCode: resp.StatusCode,
	}
	if !ok {
		result.Err = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result
}

// newClient creates an HTTP client routed through the given proxy.
// Supports SOCKS5 and HTTP/HTTPS proxies; an empty proxyURL means direct.
func newClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "socks5":
		return newSOCKS5Client(parsed, timeout)
	case "http", "https":
		return &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(parsed),
			},
			Timeout: timeout,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
	}
}

func newSOCKS5Client(proxyURL *url.URL, timeout time.Duration) (*http.Client, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	return &http.Client{
		Transport: &http.Transport{
			Dial: dialer.Dial,
		},
		Timeout: timeout,
	}, nil
}
