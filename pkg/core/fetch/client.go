// Package fetch downloads the Anexo 10 revenue PDFs and the expense CSV exports
// from the legacy transparency portal.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

const (
	// DefaultBaseURL is the legacy Equiplano portal of Londrina.
	DefaultBaseURL = "http://portaltransparencia.londrina.pr.gov.br:8080"

	// UserAgent mimics a desktop browser; the portal rejects bare clients.
	UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"
)

var (
	// ErrNotPDF is returned when the Anexo 10 endpoint answers with something
	// other than a valid PDF.
	ErrNotPDF = errors.New("response is not a PDF")
	// ErrExportFailed is returned when no export strategy produced a CSV.
	ErrExportFailed = errors.New("CSV export failed")
)

// =============================================================================
// CLIENT
// =============================================================================

// Options configure the portal client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration // Multiplied by the attempt number
	MinBackoff time.Duration // Floor of every sleep between attempts
	Jitter     time.Duration
	Entities   []Entity
	StagePaths map[string]string // Expense stage -> list page path
	DebugDir   string            // HTML dumps of failed exports
}

// DefaultOptions mirrors what the portal tolerates in practice.
func DefaultOptions() Options {
	return Options{
		BaseURL:    DefaultBaseURL,
		Timeout:    180 * time.Second,
		Retries:    6,
		Backoff:    2 * time.Second,
		MinBackoff: 1500 * time.Millisecond,
		Jitter:     500 * time.Millisecond,
		Entities:   DefaultEntities(),
		StagePaths: DefaultStagePaths(),
		DebugDir:   "raw/_html_debug",
	}
}

// Client talks to the portal. It keeps a cookie jar because the DisplayTag
// export only works inside the session that opened the list page.
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient creates a portal client.
func NewClient(opts Options, logger *log.Logger) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: opts.Timeout,
		},
		logger: logger,
	}
}

// response is a fully read HTTP reply.
type response struct {
	status      int
	contentType string
	body        []byte
}

func (c *Client) do(ctx context.Context, method, target string, form url.Values, referer string) (*response, error) {
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	} else if len(form) > 0 {
		target = target + "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/csv,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en-US;q=0.7,en;q=0.5")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", c.opts.BaseURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal returned status %d for %s", resp.StatusCode, target)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return &response{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: data}, nil
}

// retry runs fn up to Retries times, sleeping max(MinBackoff, Backoff*attempt)
// plus jitter between attempts.
func (c *Client) retry(ctx context.Context, what string, fn func() error) error {
	attempts := max(c.opts.Retries, 1)
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if last = fn(); last == nil {
			return nil
		}
		c.logger.Warn("attempt failed", "what", what, "attempt", attempt, "of", attempts, "err", last)
		if attempt == attempts {
			break
		}

		wait := max(c.opts.MinBackoff, c.opts.Backoff*time.Duration(attempt))
		if c.opts.Jitter > 0 {
			wait += rand.N(c.opts.Jitter)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", what, attempts, last)
}

func (c *Client) resolve(path string) string {
	base, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return c.opts.BaseURL + path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return c.opts.BaseURL + path
	}
	return base.ResolveReference(ref).String()
}

// =============================================================================
// CONTENT SNIFFING
// =============================================================================

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 2048)]))
	return bytes.HasPrefix(head, []byte("<!doctype")) || bytes.HasPrefix(head, []byte("<html"))
}

// isCSV accepts a reply by content type or, when the server is vague, by
// the presence of delimiters and line breaks in the first bytes.
func isCSV(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	html := looksLikeHTML(body)
	if strings.Contains(ct, "text/csv") || strings.Contains(ct, "application/csv") ||
		(strings.Contains(ct, "octet-stream") && !html) {
		return true
	}
	if html || len(body) == 0 {
		return false
	}
	sample := body[:min(len(body), 4096)]
	return bytes.ContainsAny(sample, ";,") && bytes.ContainsAny(sample, "\r\n")
}

// toUTF8 decodes a reply from its declared charset. Undeclared non-UTF-8
// content is read as latin-1, which is what the portal emits.
func toUTF8(body []byte, contentType string) ([]byte, error) {
	body = bytes.TrimPrefix(body, utf8BOM)
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" && utf8.Valid(body) {
		return body, nil
	}
	if !certain {
		if utf8.Valid(body) {
			return body, nil
		}
		enc = charmap.ISO8859_1
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return out, nil
}
