// Package htmldriver implements browser.Launcher without a browser: pages
// are fetched over HTTP and queried with goquery. Scripts never run, so
// visibility comes from markup alone (hidden attributes, inline styles,
// non-rendered ancestors). It suits server-rendered sites and CI hosts
// that cannot run Chromium.
package htmldriver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
)

const (
	defaultUserAgent = "sitecheck/1.0 (+static-html)"
	maxBodyBytes     = 8 << 20
)

// Options configures the HTTP client of every session.
type Options struct {
	UserAgent string
	// Timeout bounds requests made without a context deadline.
	Timeout time.Duration
	// Transport overrides http.DefaultTransport, mostly for tests.
	Transport http.RoundTripper
}

// Launcher creates sessions with independent cookie jars.
type Launcher struct {
	opts Options
}

func New(opts Options) *Launcher {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Launcher{opts: opts}
}

func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureFault, "cookie jar", err)
	}
	client := &http.Client{
		Jar:       jar,
		Timeout:   l.opts.Timeout,
		Transport: l.opts.Transport,
	}
	return &session{client: client, jar: jar, userAgent: l.opts.UserAgent}, nil
}

func (l *Launcher) Close() error { return nil }

type session struct {
	client    *http.Client
	jar       http.CookieJar
	userAgent string
}

func (s *session) AddCookies(ctx context.Context, cookies ...browser.Cookie) error {
	for _, c := range cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			return errs.New(errs.InvalidArgument, "cookie "+c.Name+" has no domain")
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := &url.URL{Scheme: scheme, Host: domain, Path: path}
		s.jar.SetCookies(u, []*http.Cookie{{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     path,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: http.SameSiteLaxMode,
		}})
		// The jar drops cookies it rejects without saying so.
		if !hasCookie(s.jar.Cookies(u), c.Name, c.Value) {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("cookie %s rejected for domain %q path %q", c.Name, c.Domain, path))
		}
	}
	return nil
}

func hasCookie(cookies []*http.Cookie, name, value string) bool {
	for _, c := range cookies {
		if c.Name == name && c.Value == value {
			return true
		}
	}
	return false
}

func (s *session) NewPage(ctx context.Context) (browser.Page, error) {
	return &page{session: s, images: map[string]browser.Image{}}, nil
}

func (s *session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

type page struct {
	session *session

	mu     sync.Mutex
	doc    *goquery.Document
	url    *url.URL
	closed bool
	images map[string]browser.Image
}

func (p *page) Goto(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errs.Wrap(errs.ActionFailed, "build request", err)
	}
	return p.load(req)
}

// load performs req and replaces the current document with the response.
func (p *page) load(req *http.Request) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return browser.ErrClosed
	}

	req.Header.Set("User-Agent", p.session.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	resp, err := p.session.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return errs.Wrap(errs.ActionTimeout, "load "+req.URL.String(), ctxErr)
		}
		return errs.Wrap(errs.InfrastructureFault, "load "+req.URL.String(), err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errs.Wrap(errs.ActionFailed, "parse "+req.URL.String(), err)
	}
	if resp.StatusCode >= 400 {
		obs.From(req.Context()).Warn("page loaded with error status",
			"url", resp.Request.URL.String(), "status", resp.StatusCode)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
	p.url = resp.Request.URL
	p.images = map[string]browser.Image{}
	return nil
}

func (p *page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == nil {
		return "about:blank"
	}
	return p.url.String()
}

func (p *page) Title(ctx context.Context) (string, error) {
	doc, _ := p.current()
	if doc == nil {
		return "", nil
	}
	return strings.TrimSpace(doc.Find("title").First().Text()), nil
}

func (p *page) current() (*goquery.Document, *url.URL) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc, p.url
}

func (p *page) Locate(selector string) browser.Element {
	return &element{page: p, selector: selector, query: browser.ParseSelector(selector)}
}

func (p *page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.doc = nil
	return nil
}

// find resolves a query against the current document. The returned
// selection is empty when nothing matches.
func (p *page) find(q browser.Query) *goquery.Selection {
	return p.findAll(q).First()
}

// findAll returns every element the query matches. A Deepest text query
// keeps only matches that contain no other match.
func (p *page) findAll(q browser.Query) *goquery.Selection {
	doc, _ := p.current()
	if doc == nil {
		return &goquery.Selection{}
	}
	css := q.CSS
	if css == "" {
		css = "body *"
	}
	sel := doc.Find(css)
	if q.Text == "" {
		return sel
	}
	want := normText(q.Text)
	matches := sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(normText(visibleText(s)), want)
	})
	if !q.Deepest {
		return matches
	}
	return matches.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find("*").FilterFunction(func(_ int, d *goquery.Selection) bool {
			return d.IsSelection(matches)
		}).Length() == 0
	})
}

func normText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
