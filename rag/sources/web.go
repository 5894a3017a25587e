package sources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/dslipak/pdf"
	"github.com/mudler/xlog"
	sitemap "github.com/oxffaa/gopher-parse-sitemap"
	"golang.org/x/time/rate"
	"jaytaylor.com/html2text"
)

// Browser User-Agent; several policy hosts answer 400/403 to default
// Go client fingerprints.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

// Common locations privacy policies are published under, tried when
// the literal URL and its direct variants fail.
var policyPaths = []string{
	"/privacy",
	"/privacy-policy",
	"/privacy.html",
	"/legal/privacy",
}

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// FetchError reports that a policy page could not be retrieved from
// the given URL or any of its fallback variants.
type FetchError struct {
	URL       string
	Attempted []string
	LastErr   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s failed after trying %d variants: %v", e.URL, len(e.Attempted), e.LastErr)
}

func (e *FetchError) Unwrap() error {
	return e.LastErr
}

// Page is a fetched and text-extracted policy document.
type Page struct {
	Content     string
	ResolvedURL string
	Title       string
}

// Fetcher retrieves privacy-policy pages with bounded fallback across
// deterministic URL variants.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher creates a Fetcher with the given per-request timeout and
// outbound request rate (requests per second; <= 0 disables pacing).
func NewFetcher(timeout time.Duration, rps float64) *Fetcher {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	f := &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
	if rps > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return f
}

// URLVariants returns the fixed, deterministic list of URLs tried for
// a policy page: the literal URL first, then trailing-slash and scheme
// toggles, then common policy paths on the site root. The list is
// deduplicated preserving order.
func URLVariants(raw string) []string {
	variants := []string{raw}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return variants
	}

	variants = append(variants, toggleSlash(raw))
	if toggled := toggleScheme(parsed); toggled != "" {
		variants = append(variants, toggled, toggleSlash(toggled))
	}

	for _, scheme := range []string{parsed.Scheme, otherScheme(parsed.Scheme)} {
		if scheme == "" {
			continue
		}
		for _, p := range policyPaths {
			variants = append(variants, fmt.Sprintf("%s://%s%s", scheme, parsed.Host, p))
		}
	}

	seen := map[string]bool{}
	deduped := make([]string, 0, len(variants))
	for _, v := range variants {
		if !seen[v] {
			seen[v] = true
			deduped = append(deduped, v)
		}
	}
	return deduped
}

func toggleSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return strings.TrimSuffix(u, "/")
	}
	return u + "/"
}

func otherScheme(scheme string) string {
	switch scheme {
	case "http":
		return "https"
	case "https":
		return "http"
	}
	return ""
}

func toggleScheme(parsed *url.URL) string {
	other := otherScheme(parsed.Scheme)
	if other == "" {
		return ""
	}
	clone := *parsed
	clone.Scheme = other
	return clone.String()
}

// Fetch retrieves the policy page for rawURL, falling back across URL
// variants and finally a sitemap scan. It returns the extracted text
// and the URL that actually resolved.
func (f *Fetcher) Fetch(rawURL string) (*Page, error) {
	attempted := []string{}
	var lastErr error

	for _, variant := range URLVariants(rawURL) {
		attempted = append(attempted, variant)
		page, err := f.get(variant)
		if err != nil {
			xlog.Debug("Fetch attempt failed", "url", variant, "error", err)
			lastErr = err
			continue
		}
		return page, nil
	}

	// Last resort: look for a privacy-looking entry in the sitemap.
	if page, sitemapURL, err := f.fetchFromSitemap(rawURL); err == nil {
		return page, nil
	} else if sitemapURL != "" {
		attempted = append(attempted, sitemapURL)
		lastErr = err
	}

	return nil, &FetchError{URL: rawURL, Attempted: attempted, LastErr: lastErr}
}

func (f *Fetcher) get(rawURL string) (*Page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(context.Background()); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	content, title, err := extract(body, contentType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("no text content at %s", rawURL)
	}

	return &Page{
		Content:     content,
		ResolvedURL: rawURL,
		Title:       title,
	}, nil
}

// extract converts a raw response body into plain text. HTML goes
// through html2text, PDF through the pdf reader, anything else is
// taken verbatim.
func extract(body []byte, contentType string) (content, title string, err error) {
	switch {
	case strings.Contains(contentType, "pdf") || bytes.HasPrefix(body, []byte("%PDF")):
		content, err = pdfToText(body)
		return content, "", err
	case strings.Contains(contentType, "html") || looksLikeHTML(body):
		if m := titlePattern.FindSubmatch(body); m != nil {
			title = strings.TrimSpace(string(m[1]))
		}
		content, err = html2text.FromString(string(body), html2text.Options{PrettyTables: true})
		return content, title, err
	default:
		return string(body), "", nil
	}
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

func pdfToText(body []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fetchFromSitemap scans the site's sitemap for a privacy-looking URL
// and fetches the first match.
func (f *Fetcher) fetchFromSitemap(rawURL string) (*Page, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, "", fmt.Errorf("no host to scan sitemap for")
	}

	sitemapURL := fmt.Sprintf("%s://%s/sitemap.xml", parsed.Scheme, parsed.Host)
	candidate := ""
	err = sitemap.ParseFromSite(sitemapURL, func(e sitemap.Entry) error {
		loc := e.GetLocation()
		if candidate == "" && strings.Contains(strings.ToLower(loc), "privacy") {
			candidate = loc
		}
		return nil
	})
	if err != nil {
		return nil, sitemapURL, err
	}
	if candidate == "" {
		return nil, sitemapURL, fmt.Errorf("no privacy entry in sitemap %s", sitemapURL)
	}

	xlog.Info("Sitemap fallback found privacy page", "url", candidate)
	page, err := f.get(candidate)
	return page, sitemapURL, err
}
