// Package fetch implements the outbound transport using gocolly.
package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/rclaim/claimd/internal/claim"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Collector implements claim.Fetcher using a Colly collector. One call is one
// network round trip; retry policy lives with the caller, which knows the
// job-level attempt budget.
type Collector struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

const defaultFetchTimeout = 15 * time.Second

// New builds a Collector.
func New(cfg Config) *Collector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Retries revisit the same URL, so the visited-URL dedup must be off.
	c.AllowURLRevisit = true
	// Error-status pages still get parsed downstream, so keep their bodies.
	c.ParseHTTPErrorResponse = true
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Collector{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// visitOutcome carries everything the visit goroutine observed. It crosses
// the channel as one value so the goroutine never shares state with a caller
// that may already have returned on cancellation.
type visitOutcome struct {
	doc      *claim.Document
	fetchErr error
	visitErr error
}

// Fetch executes a single HTTP GET. Any received response, including non-2xx
// statuses, comes back as a Document so the caller can classify it; errors
// are reserved for transport faults and typed as claim.TransportError.
func (c *Collector) Fetch(ctx context.Context, url string) (*claim.Document, error) {
	start := time.Now()

	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(c.transport)

	results := make(chan visitOutcome, 1)
	go func() {
		var out visitOutcome
		capture := func(r *colly.Response) {
			headers := http.Header{}
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			out.doc = &claim.Document{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Header:     headers,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
		}
		collector.OnResponse(capture)
		collector.OnError(func(r *colly.Response, err error) {
			// Colly reports non-2xx statuses through OnError with the
			// response attached; that is still a received document here.
			if r != nil && r.StatusCode > 0 {
				capture(r)
				return
			}
			out.fetchErr = err
		})
		out.visitErr = collector.Visit(url)
		results <- out
	}()

	select {
	case <-ctx.Done():
		return nil, classify(ctx.Err())
	case out := <-results:
		// Visit surfaces non-2xx statuses as errors too; a captured
		// document always wins since the status reached us.
		if out.doc != nil {
			return out.doc, nil
		}
		if out.fetchErr != nil {
			return nil, classify(out.fetchErr)
		}
		if out.visitErr != nil {
			return nil, classify(out.visitErr)
		}
		return nil, classify(errors.New("no response received"))
	}
}

// classify maps a raw transport error onto the claim taxonomy.
func classify(err error) *claim.TransportError {
	kind := claim.TransportConnectionFailed
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = claim.TransportTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = claim.TransportTimeout
	}
	return &claim.TransportError{Kind: kind, Err: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
