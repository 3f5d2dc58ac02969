package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/ratelimit"

	"hls-engine/work/config"
	"hls-engine/work/types"
)

// Downloader is the transfer contract the engine consumes. A Downloader
// drives one blocking transfer at a time.
type Downloader interface {
	// Download writes url's body to dst starting at byte offset. A length of
	// 0 means "rest of the resource from offset".
	Download(ctx context.Context, url string, dst io.Writer, offset, length int64) (int64, error)
	// Fetch returns a whole (small) resource such as a playlist or key,
	// together with the URL it was finally served from.
	Fetch(ctx context.Context, url string) ([]byte, string, error)
	// Info describes the most recent completed transfer.
	Info() TransferInfo
}

// TransferInfo is what the engine learns about a finished transfer.
type TransferInfo struct {
	EffectiveURL  string  // URL after redirects
	BitsPerSecond float64 // average rate over the transfer
	Bytes         int64   // body bytes delivered to the destination
	Duration      time.Duration
}

// HeaderSettingClient wraps http.Client to automatically set headers
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// NewHeaderSettingClient builds the tuned client shared by every transport.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // No overall timeout, segments are long transfers
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: cfg,
	}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.config.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.config.ReqOrigin)
	}
	if hsc.config.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.config.ReqReferrer)
	}
}

// Transport is one transfer handle. The session owns one for the main
// rendition and one per active alternate group; mu guarantees a single
// blocking transfer per handle.
type Transport struct {
	client  *HeaderSettingClient
	limiter ratelimit.Limiter

	mu sync.Mutex

	infoMu sync.RWMutex
	info   TransferInfo
}

// NewTransport creates a handle using the shared client. Playlist fetches are
// throttled to cfg.PlaylistRequestsPerSecond.
func NewTransport(hsc *HeaderSettingClient, cfg *config.Config) *Transport {
	rps := cfg.PlaylistRequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Transport{
		client:  hsc,
		limiter: ratelimit.New(rps),
	}
}

// RangeHeader maps an offset/length pair onto an HTTP Range value. The empty
// string means no Range header is needed.
func RangeHeader(offset, length int64) string {
	switch {
	case offset <= 0 && length <= 0:
		return ""
	case length <= 0:
		return "bytes=" + strconv.FormatInt(offset, 10) + "-"
	default:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
}

// abortWriter refuses further writes once ctx is done so a transfer stops
// from inside its write path.
type abortWriter struct {
	ctx context.Context
	w   io.Writer
	n   int64
}

func (a *abortWriter) Write(p []byte) (int, error) {
	if err := a.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := a.w.Write(p)
	a.n += int64(n)
	return n, err
}

// classify turns a transfer failure into the engine taxonomy.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("transfer aborted: %w", types.ErrCancelled)
	}
	return fmt.Errorf("%w: %v", types.ErrDownload, err)
}

// Download implements Downloader.
func (t *Transport) Download(ctx context.Context, url string, dst io.Writer, offset, length int64) (int64, error) {
	if url == "" || dst == nil || offset < 0 || length < 0 {
		return 0, fmt.Errorf("download %q: %w", url, types.ErrInvalidParameter)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", types.ErrInvalidParameter)
	}
	if rng := RangeHeader(offset, length); rng != "" {
		req.Header.Set("Range", rng)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, classify(ctx, err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// server ignored the range, skip to the offset ourselves
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				return 0, classify(ctx, err)
			}
		}
		if length > 0 {
			body = io.LimitReader(resp.Body, length)
		}
	default:
		return 0, fmt.Errorf("%w: %s returned status %d", types.ErrDownload, url, resp.StatusCode)
	}

	aw := &abortWriter{ctx: ctx, w: dst}
	_, err = io.Copy(aw, body)
	t.record(resp, aw.n, time.Since(start))
	if err != nil {
		return aw.n, classify(ctx, err)
	}
	return aw.n, nil
}

// Fetch implements Downloader. Requests are rate limited and gzip bodies
// are decoded transparently.
func (t *Transport) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", fmt.Errorf("fetch: empty url: %w", types.ErrInvalidParameter)
	}

	t.limiter.Take()
	if ctx.Err() != nil {
		return nil, "", fmt.Errorf("fetch aborted: %w", types.ErrCancelled)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", types.ErrInvalidParameter)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", classify(ctx, err)
	}
	defer resp.Body.Close()

	effective := url
	if resp.Request != nil && resp.Request.URL != nil {
		effective = resp.Request.URL.String()
	}

	if resp.StatusCode != http.StatusOK {
		return nil, effective, fmt.Errorf("%w: %s returned status %d", types.ErrDownload, url, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, effective, fmt.Errorf("%w: gzip body: %v", types.ErrDownload, err)
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(body)
	t.record(resp, int64(len(data)), time.Since(start))
	if err != nil {
		return nil, effective, classify(ctx, err)
	}
	return data, effective, nil
}

func (t *Transport) record(resp *http.Response, n int64, elapsed time.Duration) {
	info := TransferInfo{Bytes: n, Duration: elapsed}
	if resp.Request != nil && resp.Request.URL != nil {
		info.EffectiveURL = resp.Request.URL.String()
	}
	if secs := elapsed.Seconds(); secs > 0 {
		info.BitsPerSecond = float64(n*8) / secs
	}
	t.infoMu.Lock()
	t.info = info
	t.infoMu.Unlock()
}

// Info implements Downloader.
func (t *Transport) Info() TransferInfo {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return t.info
}
