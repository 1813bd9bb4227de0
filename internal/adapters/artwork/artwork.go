// Package artwork resolves artwork URLs reported by media players into readable references.
package artwork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/ports"
)

// DefaultMaxBytes caps how much artwork is read from any location.
const DefaultMaxBytes = 16 << 20

// ErrTooLarge is returned when artwork exceeds the configured size cap.
var ErrTooLarge = errors.New("artwork too large")

// Options configures a Resolver.
type Options struct {
	Timeout  time.Duration
	RetryMax int
	MaxBytes int64
	Logger   *zap.Logger
}

// Resolver turns artwork URLs into ports.ArtworkRef values.
type Resolver struct {
	client   *retryablehttp.Client
	maxBytes int64
}

// NewResolver builds a resolver whose remote fetches retry with backoff.
func NewResolver(opts Options) *Resolver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	client := retryablehttp.NewClient()
	client.Logger = leveledLogger{log.Named("artwork").Sugar()}
	client.RetryMax = 2
	if opts.RetryMax > 0 {
		client.RetryMax = opts.RetryMax
	}
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Resolver{client: client, maxBytes: maxBytes}
}

// Ref returns a reference for raw, or nil when raw is empty or uses an unsupported scheme.
func (r *Resolver) Ref(raw string) ports.ArtworkRef {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil
		}
		return fileRef{key: raw, path: u.Path, maxBytes: r.maxBytes}
	case "http", "https":
		return httpRef{key: raw, r: r}
	case "":
		if len(raw) > 0 && raw[0] == '/' {
			return fileRef{key: "file://" + raw, path: raw, maxBytes: r.maxBytes}
		}
	}
	return nil
}

type fileRef struct {
	key      string
	path     string
	maxBytes int64
}

func (f fileRef) Key() string { return f.key }

func (f fileRef) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, err
	}
	if info.Size() > f.maxBytes {
		return nil, fmt.Errorf("%s: %w", f.path, ErrTooLarge)
	}
	return os.Open(f.path)
}

type httpRef struct {
	key string
	r   *Resolver
}

func (h httpRef) Key() string { return h.key }

func (h httpRef) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", h.key, resp.StatusCode)
	}
	if resp.ContentLength > h.r.maxBytes {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %w", h.key, ErrTooLarge)
	}
	return limitedBody{Reader: io.LimitReader(resp.Body, h.r.maxBytes), Closer: resp.Body}, nil
}

type limitedBody struct {
	io.Reader
	io.Closer
}

// leveledLogger routes retryablehttp's logging into zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
