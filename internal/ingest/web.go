package ingest

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/ike1112/rag-project/config"
)

// WebFetcher renders a page in headless Chrome and boils it down to
// readable article text so URLs can be ingested like documents.
type WebFetcher struct {
	cfg config.WebIngestConfig
}

func NewWebFetcher(cfg config.WebIngestConfig) *WebFetcher {
	return &WebFetcher{cfg: cfg}
}

// Fetch returns the page title and extracted text.
func (f *WebFetcher) Fetch(ctx context.Context, rawURL string) (title, text string, err error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", "", errors.New("invalid url")
	}
	timeout := f.cfg.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	html, err := fetchHTML(ctx, rawURL)
	if err != nil {
		return "", "", err
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return "", "", err
	}
	text = strings.TrimSpace(article.TextContent)
	if f.cfg.MaxChars > 0 && len(text) > f.cfg.MaxChars {
		text = text[:f.cfg.MaxChars]
	}
	if text == "" {
		return "", "", errors.New("page has no readable text")
	}
	return strings.TrimSpace(article.Title), text, nil
}

func fetchHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
