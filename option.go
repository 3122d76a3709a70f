package paygate

import (
	"net/http"
	"time"

	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/metrics"
	"github.com/newsieai/paygate/policy"
	"github.com/newsieai/paygate/profile"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.metrics = r
	}
}

// WithHTTPClient replaces the HTTP client used for resource and redemption
// requests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = c
	}
}

// WithProfileStore attaches a profile store consulted by FetchAs. The
// gateway closes the store on Close.
func WithProfileStore(s profile.Store) Option {
	return func(g *Gateway) {
		g.profiles = s
	}
}

// WithAdvisor replaces the advisory step of the policy engine.
func WithAdvisor(a policy.Advisor) Option {
	return func(g *Gateway) {
		g.advisor = a
	}
}

func WithTimeout(t time.Duration) Option {
	return func(g *Gateway) {
		g.config.DefaultTimeout = t
	}
}
