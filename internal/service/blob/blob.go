package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"web_editor/internal/metrics"
	"web_editor/internal/utils/log"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

var (
	ErrUploadFailed = errors.New("blob: upload failed")
	ErrBlobNotFound = errors.New("blob: not found")
	ErrBlobTooLarge = errors.New("blob: object exceeds size limit")
)

const (
	defaultUserAgent = "web-editor/1"
	// DefaultMaxObjectSize bounds a downloaded object after decompression.
	DefaultMaxObjectSize = 8 << 20
)

type (
	Config struct {
		// BaseURL is the blob service root; objects live at BaseURL/<key>
		// and uploads go to BaseURL/post.
		BaseURL   string
		UserAgent string
		Timeout   time.Duration
		// Verbose re-downloads every upload and compares content hashes.
		Verbose bool
		// MaxObjectSize caps decompressed downloads; zero means
		// DefaultMaxObjectSize.
		MaxObjectSize int64
	}

	Client struct {
		base      string
		userAgent string
		verbose   bool
		maxSize   int64

		http   *http.Client
		logger *zap.Logger
	}

	keyResponse struct {
		Key string `json:"key"`
	}
)

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = log.Named("blob")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = DefaultMaxObjectSize
	}
	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		verbose:   cfg.Verbose,
		maxSize:   cfg.MaxObjectSize,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
	}
}

// Upload compresses content, stores it and returns the retrieval key.
func (c *Client) Upload(ctx context.Context, content []byte) (key string, err error) {
	start := time.Now()
	defer func() { observe("upload", start, err) }()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return "", fmt.Errorf("%w: compress: %v", ErrUploadFailed, err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("%w: compress: %v", ErrUploadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/post", &buf)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	key = keyFromLocation(resp.Header.Get("Location"))
	if key == "" {
		var kr keyResponse
		if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
			return "", fmt.Errorf("%w: no Location header and unreadable body: %v", ErrUploadFailed, err)
		}
		key = strings.TrimSpace(kr.Key)
	}
	if key == "" {
		return "", fmt.Errorf("%w: response carried no key", ErrUploadFailed)
	}

	if c.verbose {
		if err := c.verify(ctx, key, content); err != nil {
			return "", err
		}
	}

	c.logger.Debug("blob uploaded", log.BlobKey(key), zap.Int("bytes", len(content)), zap.Int("compressed", buf.Len()))
	return key, nil
}

func (c *Client) verify(ctx context.Context, key string, want []byte) error {
	got, err := c.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: verify download: %v", ErrUploadFailed, err)
	}
	if sha256.Sum256(got) != sha256.Sum256(want) {
		c.logger.Warn("blob content hash mismatch", log.BlobKey(key))
		return fmt.Errorf("%w: content hash mismatch for %s", ErrUploadFailed, key)
	}
	c.logger.Info("blob verified", log.BlobKey(key))
	return nil
}

// Download fetches and, when needed, decompresses the object stored at key.
func (c *Client) Download(ctx context.Context, key string) (content []byte, err error) {
	start := time.Now()
	defer func() { observe("download", start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	// Setting Accept-Encoding ourselves turns off the transport's transparent
	// decompression, so Content-Encoding is handled below.
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("blob: download %s: status %d", key, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("blob: download %s: %w", key, err)
		}
		defer zr.Close()
		body = zr
	}

	content, err = io.ReadAll(io.LimitReader(body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: download %s: %w", key, err)
	}
	if int64(len(content)) > c.maxSize {
		return nil, fmt.Errorf("%w: %s is over %d bytes", ErrBlobTooLarge, key, c.maxSize)
	}
	return content, nil
}

// Exists checks for key with a HEAD request.
func (c *Client) Exists(ctx context.Context, key string) (ok bool, err error) {
	start := time.Now()
	defer func() { observe("exists", start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(key), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode/100 == 2:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("blob: head %s: status %d", key, resp.StatusCode)
	}
}

func (c *Client) objectURL(key string) string {
	return c.base + "/" + url.PathEscape(key)
}

func keyFromLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if u, err := url.Parse(loc); err == nil {
		loc = u.Path
	}
	k := path.Base(strings.TrimRight(loc, "/"))
	if k == "." || k == "/" {
		return ""
	}
	return k
}

func observe(op string, start time.Time, err error) {
	metrics.BlobOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.BlobOps.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, ErrBlobNotFound):
		metrics.BlobOps.WithLabelValues(op, "not_found").Inc()
	default:
		metrics.BlobOps.WithLabelValues(op, "error").Inc()
	}
}
