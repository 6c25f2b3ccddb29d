// Package archive discovers downloadable trade-archive files behind the
// BitMEX public data listing pages.
//
// Listing pages generate their links client-side, so discovery goes through a
// PageRenderer abstraction: render the page, wait out the non-deterministic
// render time, extract every link. The discoverer layers keyword scanning,
// bounded retry with increasing waits, and date filtering on top.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/html"
)

// PageRenderer renders a page and returns every link found on it.
//
// The wait parameter gives client-side rendering time to settle before links
// are extracted; callers retry with increasing waits because render timing is
// non-deterministic under load.
type PageRenderer interface {
	Render(ctx context.Context, pageURL string, wait time.Duration) ([]string, error)
	Close() error
}

// HTTPRenderer is a PageRenderer for listings that are served fully rendered.
// It applies the requested wait, fetches the page over plain HTTP, and
// extracts anchor targets resolved against the page URL.
type HTTPRenderer struct {
	client *http.Client
}

// NewHTTPRenderer creates an HTTPRenderer with a bounded request timeout.
func NewHTTPRenderer() *HTTPRenderer {
	return &HTTPRenderer{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Render implements PageRenderer.
func (r *HTTPRenderer) Render(ctx context.Context, pageURL string, wait time.Duration) ([]string, error) {
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("render failed: status %d", resp.StatusCode)
	}

	return extractLinks(resp.Body, pageURL)
}

// Close implements PageRenderer.
func (r *HTTPRenderer) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// extractLinks parses an HTML document and returns all anchor hrefs resolved
// against the base URL. Unresolvable hrefs are skipped.
func extractLinks(body io.Reader, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	doc, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing HTML: %w", err)
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" || attr.Val == "" {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				links = append(links, base.ResolveReference(ref).String())
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return links, nil
}
