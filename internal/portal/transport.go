// File: internal/portal/transport.go
package portal

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/permitflow/permitflow/internal/observability"
)

const (
	// DefaultRequestTimeout bounds every portal round trip so a run can
	// never hang indefinitely on a single request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultUserAgent mirrors a desktop browser; the portal serves a
	// different (broken) page to unknown agents.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

	// maxBodyExcerpt caps how much of an error response body is carried
	// inside a TransportError.
	maxBodyExcerpt = 512
)

// SessionConfig holds the configuration for a portal session.
type SessionConfig struct {
	Timeout   time.Duration
	UserAgent string
	Logger    *zap.Logger
}

// NewDefaultSessionConfig creates a configuration with the portal defaults.
func NewDefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Timeout:   DefaultRequestTimeout,
		UserAgent: DefaultUserAgent,
		Logger:    observability.GetLogger().Named("transport"),
	}
}

// Session is the single HTTP client carrying cookies across all requests of
// one workflow run. It is the anchor of state continuity: every stage issues
// its requests through the same instance so cookies accumulate monotonically.
//
// A Session must not be shared between concurrent runs. Close releases the
// underlying connections and must be called exactly once per run, on every
// exit path.
type Session struct {
	client    *http.Client
	userAgent string
	log       *zap.Logger
	closeOnce sync.Once
}

// Response is the outcome of one portal round trip.
type Response struct {
	Status   int
	Body     string
	FinalURL string
}

// NewSession creates a session with a fresh cookie jar. Redirects are
// followed transparently; cookies set on any hop are visible to every
// subsequent call.
func NewSession(cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		cfg = NewDefaultSessionConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Session{
		client: &http.Client{
			Jar:     jar,
			Timeout: cfg.Timeout,
		},
		userAgent: cfg.UserAgent,
		log:       cfg.Logger,
	}, nil
}

// Get issues a GET request, optionally with query parameters, and returns
// the decoded response. Non-2xx statuses are reported as a TransportError.
func (s *Session) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	target := rawURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		target = rawURL + sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

// GetBytes issues a GET request for a binary resource (the CAPTCHA image or
// the generated document) and returns the raw body.
func (s *Session) GetBytes(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	return []byte(resp.Body), nil
}

// PostForm issues a form-encoded POST request.
func (s *Session) PostForm(ctx context.Context, rawURL string, data url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

func (s *Session) do(req *http.Request) (*Response, error) {
	req.Header.Set("User-Agent", s.userAgent)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: req.URL.String(), BodyExcerpt: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Status: resp.StatusCode, URL: req.URL.String(), BodyExcerpt: err.Error()}
	}

	s.log.Debug("portal round trip",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{
			Status:      resp.StatusCode,
			URL:         req.URL.String(),
			BodyExcerpt: excerpt(string(body), maxBodyExcerpt),
		}
	}

	final := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	return &Response{
		Status:   resp.StatusCode,
		Body:     string(body),
		FinalURL: final,
	}, nil
}

// Close releases the session's idle connections. Safe to call from a defer
// alongside explicit shutdown; only the first call does anything.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.client.CloseIdleConnections()
		s.log.Debug("session closed")
	})
}

// excerpt trims a body to at most n runes, collapsing newlines so the result
// fits on one log line.
func excerpt(body string, n int) string {
	flat := strings.Join(strings.Fields(body), " ")
	if len(flat) > n {
		return flat[:n] + "..."
	}
	return flat
}
