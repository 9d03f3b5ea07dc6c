// Package healthcheck pings an external liveness service (healthchecks.io
// style) around scheduled synchronization runs.
package healthcheck

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/po4yka/gitout/internal/logging"
)

type Config struct {
	URL     string        `hcl:"url,optional" help:"Base ping URL; /start and /fail are appended for run boundaries."`
	Timeout time.Duration `hcl:"timeout,optional" help:"Ping request timeout." default:"10s"`
}

// Pinger issues liveness pings. A nil Pinger or one without a URL is a no-op,
// so callers never need to branch on configuration. Ping failures are logged
// and swallowed; liveness reporting must never fail a run.
type Pinger struct {
	url    string
	client *http.Client
}

// New returns a Pinger for the configured URL, or a no-op when unset.
func New(cfg Config) *Pinger {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Pinger{
		url:    strings.TrimSuffix(cfg.URL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Start signals that a run has begun.
func (p *Pinger) Start(ctx context.Context) { p.ping(ctx, "/start") }

// Success signals that a run completed without failures.
func (p *Pinger) Success(ctx context.Context) { p.ping(ctx, "") }

// Fail signals that a run failed.
func (p *Pinger) Fail(ctx context.Context) { p.ping(ctx, "/fail") }

func (p *Pinger) ping(ctx context.Context, suffix string) {
	if p == nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+suffix, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if logger := logging.MaybeFromContext(ctx); logger != nil {
			logger.Warn("Healthcheck ping failed", "suffix", suffix, "error", err)
		}
		return
	}
	_ = resp.Body.Close()
}
