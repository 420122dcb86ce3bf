// Package feed implements one HTTP fetch + parse cycle for a single
// configured feed.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/pkg/logger"
	"github.com/linkedin-agent/feedworker/pkg/ratelimit"
)

// acceptMIMETypes are the feed MIME types advertised in the Accept header.
const acceptMIMETypes = "text/html, application/xhtml+xml, application/xml, text/xml, application/atom+xml, application/rss+xml"

// DefaultUserAgent is supplied when the caller does not override it.
const DefaultUserAgent = "feedworker/1.0 (+https://github.com/linkedin-agent/feedworker)"

// maxItemAge is the wall-clock window items must fall within to be kept.
const maxItemAge = 24 * time.Hour

// TypedError is the taxonomy-tagged error this package's callers match on.
type TypedError = models.TypedError

// Source encapsulates one FeedConfig's fetch/parse behavior.
type Source struct {
	config    models.FeedConfig
	client    *http.Client
	userAgent string
	limiter   *ratelimit.HostLimiter
	log       *logger.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(s *Source) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithHTTPClient overrides the default HTTP client (e.g. for a bounded
// timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithHostLimiter installs the shared per-host rate limiter.
func WithHostLimiter(l *ratelimit.HostLimiter) Option {
	return func(s *Source) { s.limiter = l }
}

// WithLogger installs a contextualized logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Source) { s.log = l }
}

// New creates a Source for one FeedConfig.
func New(config models.FeedConfig, opts ...Option) *Source {
	s := &Source{
		config:    config,
		client:    &http.Client{Timeout: 20 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	s.log = s.log.WithFeed(config.ID, config.URL)
	return s
}

// Config returns the FeedConfig this source was built from.
func (s *Source) Config() models.FeedConfig { return s.config }

// Fetch issues the GET, parses the response body as a feed, and keeps only
// items published within the last day.
func (s *Source) Fetch(ctx context.Context) ([]models.FeedItem, error) {
	if s.limiter != nil {
		host := hostOf(s.config.URL)
		if err := s.limiter.Wait(ctx, host); err != nil {
			return nil, &TypedError{Type: models.ErrorTypeFetch, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return nil, &TypedError{Type: models.ErrorTypeFetch, Err: err}
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", acceptMIMETypes)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TypedError{Type: models.ErrorTypeFetch, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TypedError{
			Type: models.ErrorTypeFetch,
			Err:  fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, s.config.URL),
		}
	}

	parser := gofeed.NewParser()
	parsed, err := parser.Parse(resp.Body)
	if err != nil {
		return nil, &TypedError{Type: models.ErrorTypeParse, Err: err}
	}
	if len(parsed.Items) == 0 {
		return nil, &TypedError{
			Type: models.ErrorTypeParse,
			Err:  fmt.Errorf("feed %s yielded zero items", s.config.URL),
		}
	}

	now := time.Now()
	items := make([]models.FeedItem, 0, len(parsed.Items))
	for _, raw := range parsed.Items {
		if raw.PublishedParsed == nil {
			continue
		}
		published := *raw.PublishedParsed
		if now.Sub(published) > maxItemAge || published.After(now) {
			continue
		}
		items = append(items, models.FeedItem{
			Title:    raw.Title,
			URL:      raw.Link,
			Date:     published,
			HasDate:  true,
			Category: s.config.Category,
			Website:  s.config.ID,
		})
	}

	s.log.Debug().Int("items", len(items)).Msg("fetched feed")
	return items, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
