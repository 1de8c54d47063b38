package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vaultsync/vaultsync/internal/vaulterrors"
)

// Retry tuning, modeled on the teacher's Graph API client
// (internal/graph/client.go): base 1s, factor 2x, max 60s, ±25% jitter.
const (
	cloudMaxRetries     = 5
	cloudBaseBackoff    = 1 * time.Second
	cloudMaxBackoff     = 60 * time.Second
	cloudBackoffFactor  = 2.0
	cloudJitterFraction = 0.25
)

// TokenSource provides OAuth2 bearer tokens for the cloud backend, accepted
// as an interface at the consumer per "accept interfaces, return structs"
// (the teacher defines the identical pattern in internal/graph/client.go).
type TokenSource interface {
	Token() (string, error)
}

// Cloud is a generic HTTP-based remote storage backend. Revisions are
// carried as ETags: Load/Stat report the response ETag as Stat.Rev, and
// Save sends expectedRev as an If-Match header, translating a 412/409
// response into an error satisfying vaulterrors.IsRevConflict — the same
// shape a Dropbox- or WebDAV-style remote exposes.
type Cloud struct {
	tag        string
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	sleepFunc  func(ctx context.Context, d time.Duration) error

	watchMu       sync.Mutex
	watches       map[string]*cloudWatch
	watchDebounce time.Duration
}

// NewCloud creates a Cloud backend for the given storage tag and base URL.
// watchDebounce sets the quiet period for the websocket watch capability.
func NewCloud(tag, baseURL string, httpClient *http.Client, token TokenSource, watchDebounce time.Duration, logger *slog.Logger) *Cloud {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Cloud{
		tag:           tag,
		baseURL:       baseURL,
		httpClient:    httpClient,
		token:         token,
		logger:        logger,
		sleepFunc:     sleepCtx,
		watchDebounce: watchDebounce,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Load fetches path's bytes and current ETag.
func (c *Cloud) Load(ctx context.Context, path string, _ Opts) ([]byte, Stat, error) {
	resp, err := c.doRetry(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, Stat{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Stat{}, &vaulterrors.StorageError{Kind: vaulterrors.KindStorageLoad, Backend: c.tag, Path: path, Err: err}
	}

	return data, Stat{Rev: resp.Header.Get("ETag")}, nil
}

// Save writes path's bytes. If expectedRev is non-empty it is sent as
// If-Match; a 409/412 response becomes an ErrRevConflict.
func (c *Cloud) Save(ctx context.Context, path string, _ Opts, data []byte, expectedRev string) (Stat, error) {
	resp, err := c.doRetry(ctx, http.MethodPut, path, bytes.NewReader(data), expectedRev)
	if err != nil {
		return Stat{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	return Stat{Rev: resp.Header.Get("ETag"), Path: resp.Header.Get("X-Vaultsync-Path")}, nil
}

// Stat fetches path's current ETag without transferring the body.
func (c *Cloud) Stat(ctx context.Context, path string, _ Opts) (Stat, error) {
	resp, err := c.doRetry(ctx, http.MethodHead, path, nil, "")
	if err != nil {
		return Stat{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	return Stat{Rev: resp.Header.Get("ETag")}, nil
}

// GetPathForName derives a remote path from a display name using a flat,
// single-level convention — real remotes may override via config opts.
func (c *Cloud) GetPathForName(name string) string {
	return "/" + name
}

// doRetry executes an authenticated request with exponential backoff on
// transient failures, exactly as the teacher's Client.doRetry does.
func (c *Cloud) doRetry(
	ctx context.Context, method, path string, body io.Reader, ifMatch string,
) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int

	for {
		resp, err := c.doOnce(ctx, method, url, body, ifMatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("backend: %s request canceled: %w", c.tag, ctx.Err())
			}

			if attempt < cloudMaxRetries {
				backoff := c.calcBackoff(attempt)

				c.logger.Warn("backend: retrying after network error",
					slog.String("backend", c.tag), slog.String("method", method),
					slog.Int("attempt", attempt+1), slog.Duration("backoff", backoff))

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("backend: %s request canceled: %w", c.tag, sleepErr)
				}

				attempt++

				continue
			}

			return nil, &vaulterrors.StorageError{Kind: vaulterrors.KindStorageLoad, Backend: c.tag, Path: path, Err: err}
		}

		if classified := classifyStatus(resp.StatusCode); classified != nil {
			_ = resp.Body.Close()

			if isRetryableStatus(resp.StatusCode) && attempt < cloudMaxRetries {
				backoff := c.retryAfterOrBackoff(resp, attempt)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("backend: %s request canceled: %w", c.tag, sleepErr)
				}

				attempt++

				continue
			}

			return nil, c.classifyTerminal(path, resp.StatusCode, classified)
		}

		return resp, nil
	}
}

func (c *Cloud) classifyTerminal(path string, status int, sentinel error) error {
	switch {
	case errorsIsNotFoundStatus(status):
		return vaulterrors.NewNotFound(vaulterrors.KindStorageLoad, c.tag, path)
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return vaulterrors.NewRevConflict(c.tag, path)
	default:
		return &vaulterrors.StorageError{Kind: vaulterrors.KindStorageSave, Backend: c.tag, Path: path, Err: sentinel}
	}
}

func errorsIsNotFoundStatus(status int) bool {
	return status == http.StatusNotFound
}

func (c *Cloud) doOnce(ctx context.Context, method, url string, body io.Reader, ifMatch string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	if c.token != nil {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, tokErr
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}

	return c.httpClient.Do(req)
}

// calcBackoff computes exponential backoff with jitter for the given attempt
// number, matching the teacher's formula exactly.
func (c *Cloud) calcBackoff(attempt int) time.Duration {
	d := float64(cloudBaseBackoff) * math.Pow(cloudBackoffFactor, float64(attempt))
	if d > float64(cloudMaxBackoff) {
		d = float64(cloudMaxBackoff)
	}

	jitter := d * cloudJitterFraction * (rand.Float64()*2 - 1)

	return time.Duration(d + jitter)
}

func (c *Cloud) retryAfterOrBackoff(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Duration(secs) * time.Second
		}
	}

	return c.calcBackoff(attempt)
}

func classifyStatus(code int) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusNotFound:
		return vaulterrors.ErrNotFound
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return vaulterrors.ErrRevConflict
	default:
		return fmt.Errorf("backend: unexpected HTTP status %d", code)
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
