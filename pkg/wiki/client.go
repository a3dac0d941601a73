// Package wiki fetches Wikipedia articles through the MediaWiki API and
// anonymizes their hyperlinks into concept tokens.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wikilabs/wikinav/pkg/models"
)

// ErrPageNotFound reports that Wikipedia has no article with the
// requested title.
var ErrPageNotFound = errors.New("page not found")

const (
	defaultAPIURL     = "https://en.wikipedia.org/w/api.php"
	defaultArticleURL = "https://en.wikipedia.org/wiki/"
)

// Client talks to the MediaWiki API. Fetched pages are cached for the
// lifetime of the client so repeated visits during a run do not re-fetch.
type Client struct {
	httpClient *http.Client
	apiURL     string
	articleURL string
	userAgent  string
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*models.WikiPage
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIURL points the client at a different MediaWiki API endpoint.
func WithAPIURL(u string) Option {
	return func(c *Client) { c.apiURL = u }
}

// WithUserAgent sets the User-Agent header sent to the API.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient builds a Wikipedia client with a 30 second request timeout
// unless overridden.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     defaultAPIURL,
		articleURL: defaultArticleURL,
		userAgent:  "WikiNavBenchmark/1.0 (research project)",
		logger:     logger,
		cache:      make(map[string]*models.WikiPage),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	Continue map[string]string `json:"continue"`
	Query    struct {
		Pages map[string]struct {
			PageID  int     `json:"pageid"`
			Missing *string `json:"missing"`
			Title   string  `json:"title"`
			Extract string  `json:"extract"`
			Links   []struct {
				Title string `json:"title"`
			} `json:"links"`
		} `json:"pages"`
		Random []struct {
			Title string `json:"title"`
		} `json:"random"`
	} `json:"query"`
}

// FetchPage retrieves an article's plain-text extract and outgoing links,
// then anonymizes the extract. Results are cached by exact title; the
// cache is never invalidated while the client lives.
//
// Returns ErrPageNotFound (wrapped) when the article does not exist.
func (c *Client) FetchPage(ctx context.Context, title string) (*models.WikiPage, error) {
	c.mu.RLock()
	if page, ok := c.cache[title]; ok {
		c.mu.RUnlock()
		return page, nil
	}
	c.mu.RUnlock()

	extract, canonical, err := c.fetchExtract(ctx, title)
	if err != nil {
		return nil, err
	}

	links, err := c.fetchLinks(ctx, title)
	if err != nil {
		return nil, err
	}

	anonymized, mapping := Anonymize(extract, links)
	page := &models.WikiPage{
		Title:   canonical,
		Extract: anonymized,
		Links:   links,
		Mapping: mapping,
	}

	c.mu.Lock()
	c.cache[title] = page
	c.mu.Unlock()

	c.logger.Debug("Fetched Wikipedia page",
		"title", canonical,
		"links", len(links),
		"concepts", len(mapping))
	return page, nil
}

// fetchExtract returns the plain-text extract and the canonical title.
func (c *Client) fetchExtract(ctx context.Context, title string) (string, string, error) {
	params := url.Values{
		"action":          {"query"},
		"format":          {"json"},
		"titles":          {title},
		"prop":            {"extracts"},
		"explaintext":     {"1"},
		"exsectionformat": {"plain"},
	}

	resp, err := c.get(ctx, params)
	if err != nil {
		return "", "", fmt.Errorf("fetching extract for %q: %w", title, err)
	}

	for id, page := range resp.Query.Pages {
		if id == "-1" || page.Missing != nil {
			return "", "", fmt.Errorf("%q: %w", title, ErrPageNotFound)
		}
		return page.Extract, page.Title, nil
	}
	return "", "", fmt.Errorf("%q: %w", title, ErrPageNotFound)
}

// fetchLinks returns all main-namespace outgoing links, following API
// continuation until exhausted. Link order is the API's order.
func (c *Client) fetchLinks(ctx context.Context, title string) ([]string, error) {
	var links []string
	cont := map[string]string{}

	for {
		params := url.Values{
			"action":      {"query"},
			"format":      {"json"},
			"titles":      {title},
			"prop":        {"links"},
			"plnamespace": {"0"},
			"pllimit":     {"max"},
		}
		for k, v := range cont {
			params.Set(k, v)
		}

		resp, err := c.get(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("fetching links for %q: %w", title, err)
		}

		for id, page := range resp.Query.Pages {
			if id == "-1" || page.Missing != nil {
				return nil, fmt.Errorf("%q: %w", title, ErrPageNotFound)
			}
			for _, link := range page.Links {
				links = append(links, link.Title)
			}
		}

		if len(resp.Continue) == 0 {
			return links, nil
		}
		cont = resp.Continue
	}
}

// RandomPage returns the title and article URL of a random main-namespace
// article.
func (c *Client) RandomPage(ctx context.Context) (title, articleURL string, err error) {
	params := url.Values{
		"action":      {"query"},
		"format":      {"json"},
		"list":        {"random"},
		"rnnamespace": {"0"},
		"rnlimit":     {"1"},
	}

	resp, err := c.get(ctx, params)
	if err != nil {
		return "", "", fmt.Errorf("fetching random page: %w", err)
	}
	if len(resp.Query.Random) == 0 {
		return "", "", fmt.Errorf("random page query returned no results")
	}

	title = resp.Query.Random[0].Title
	return title, c.ArticleURL(title), nil
}

// ArticleURL builds the canonical article URL for a title.
func (c *Client) ArticleURL(title string) string {
	return c.articleURL + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}

// Validate resolves a Wikipedia article URL or bare title to the article
// title, confirming the article exists.
func (c *Client) Validate(ctx context.Context, ref string) (string, error) {
	title, err := ParseArticleRef(ref)
	if err != nil {
		return "", err
	}
	page, err := c.FetchPage(ctx, title)
	if err != nil {
		return "", err
	}
	return page.Title, nil
}

// ParseArticleRef extracts an article title from a Wikipedia URL of the
// form https://<lang>.wikipedia.org/wiki/<Title>. Anything that does not
// look like a URL is treated as a bare title.
func ParseArticleRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty article reference")
	}
	if !strings.Contains(ref, "://") {
		return strings.ReplaceAll(ref, "_", " "), nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing article URL: %w", err)
	}
	if !strings.HasSuffix(u.Hostname(), "wikipedia.org") {
		return "", fmt.Errorf("not a wikipedia.org URL: %s", ref)
	}
	path := strings.TrimPrefix(u.Path, "/wiki/")
	if path == u.Path || path == "" {
		return "", fmt.Errorf("URL has no /wiki/<title> path: %s", ref)
	}
	title, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("unescaping article title: %w", err)
	}
	return strings.ReplaceAll(title, "_", " "), nil
}

func (c *Client) get(ctx context.Context, params url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("wikipedia API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding wikipedia API response: %w", err)
	}
	return &parsed, nil
}
