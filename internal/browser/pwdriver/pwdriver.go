// Package pwdriver implements browser.Launcher on playwright-go.
package pwdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
)

// Options selects and configures the browser.
type Options struct {
	// Browser is chromium (default), firefox or webkit.
	Browser  string
	Headless bool
	// CDPEndpoint connects to an already running Chromium instead of
	// launching one.
	CDPEndpoint string
	// Viewport is applied to every new context when both sides are set.
	ViewportWidth  int
	ViewportHeight int
}

// Launcher owns the playwright driver process and one browser.
type Launcher struct {
	opts Options

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

// Launch starts playwright and the browser. The driver and browsers must
// already be installed.
func Launch(opts Options) (*Launcher, error) {
	log := obs.Pkg("pwdriver")

	pw, err := playwright.Run()
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureFault, "playwright not available", err)
	}

	var b playwright.Browser
	if opts.CDPEndpoint != "" {
		b, err = pw.Chromium.ConnectOverCDP(opts.CDPEndpoint)
	} else {
		var bt playwright.BrowserType
		bt, err = browserType(pw, opts.Browser)
		if err == nil {
			b, err = bt.Launch(playwright.BrowserTypeLaunchOptions{
				Headless: playwright.Bool(opts.Headless),
			})
		}
	}
	if err != nil {
		_ = pw.Stop()
		return nil, errs.Wrap(errs.InfrastructureFault, "could not launch browser", err)
	}

	log.Info("browser launched",
		"browser", firstNonEmpty(opts.Browser, "chromium"),
		"version", b.Version(),
		"headless", opts.Headless,
		"remote", opts.CDPEndpoint != "",
	)
	return &Launcher{opts: opts, pw: pw, browser: b}, nil
}

func browserType(pw *playwright.Playwright, name string) (playwright.BrowserType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "chromium", "chrome":
		return pw.Chromium, nil
	case "firefox":
		return pw.Firefox, nil
	case "webkit":
		return pw.WebKit, nil
	default:
		return nil, fmt.Errorf("unknown browser %q", name)
	}
}

// NewSession opens an isolated browser context.
func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	b := l.browser
	l.mu.Unlock()
	if b == nil {
		return nil, browser.ErrClosed
	}

	var opts playwright.BrowserNewContextOptions
	if l.opts.ViewportWidth > 0 && l.opts.ViewportHeight > 0 {
		opts.Viewport = &playwright.Size{Width: l.opts.ViewportWidth, Height: l.opts.ViewportHeight}
	}
	bctx, err := b.NewContext(opts)
	if err != nil {
		return nil, classify(err, "could not create browser context")
	}
	timeout := browser.TimeoutMS(ctx)
	bctx.SetDefaultTimeout(timeout)
	bctx.SetDefaultNavigationTimeout(timeout)
	return &session{ctx: bctx}, nil
}

// Close shuts down the browser and the driver process.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errList []error
	if l.browser != nil {
		errList = append(errList, l.browser.Close())
		l.browser = nil
	}
	if l.pw != nil {
		errList = append(errList, l.pw.Stop())
		l.pw = nil
	}
	return errors.Join(errList...)
}

type session struct {
	ctx playwright.BrowserContext
}

func (s *session) AddCookies(ctx context.Context, cookies ...browser.Cookie) error {
	opts := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		opts = append(opts, playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
			SameSite: playwright.SameSiteAttributeLax,
		})
	}
	if err := s.ctx.AddCookies(opts); err != nil {
		return errs.Wrap(errs.InfrastructureFault, "add cookies", err)
	}
	return nil
}

func (s *session) NewPage(ctx context.Context) (browser.Page, error) {
	p, err := s.ctx.NewPage()
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureFault, "could not create page", err)
	}
	return &page{p: p}, nil
}

func (s *session) Close() error {
	return s.ctx.Close()
}

type page struct {
	p playwright.Page
}

func (pg *page) Goto(ctx context.Context, url string) error {
	_, err := pg.p.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(browser.TimeoutMS(ctx)),
	})
	return classify(err, "navigate")
}

func (pg *page) URL() string { return pg.p.URL() }

func (pg *page) Title(ctx context.Context) (string, error) {
	title, err := pg.p.Title()
	return title, classify(err, "read title")
}

func (pg *page) Locate(selector string) browser.Element {
	all := pg.p.Locator(selector)
	return &element{loc: all.First(), all: all, selector: selector}
}

const imagesScript = `(limit) => Array.from(document.images).slice(0, limit).map(img => ({
	src: img.currentSrc || img.src,
	complete: img.complete,
	naturalWidth: img.naturalWidth,
	naturalHeight: img.naturalHeight,
}))`

func (pg *page) Images(ctx context.Context, limit int) ([]browser.Image, error) {
	raw, err := pg.p.Evaluate(imagesScript, limit)
	if err != nil {
		return nil, classify(err, "inspect images")
	}
	return decodeImages(raw)
}

// decodeImages converts the loosely typed Evaluate result.
func decodeImages(raw any) ([]browser.Image, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, errs.Wrap(errs.ActionFailed, "encode image facts", err)
	}
	var images []browser.Image
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, errs.Wrap(errs.ActionFailed, "decode image facts", err)
	}
	return images, nil
}

func (pg *page) Close() error {
	return pg.p.Close()
}

type element struct {
	loc      playwright.Locator
	all      playwright.Locator
	selector string
}

func (e *element) IsVisible(ctx context.Context) (bool, error) {
	ok, err := e.loc.IsVisible()
	return ok, classify(err, "visibility of "+e.selector)
}

func (e *element) Fill(ctx context.Context, value string) error {
	err := e.loc.Fill(value, playwright.LocatorFillOptions{Timeout: playwright.Float(browser.TimeoutMS(ctx))})
	return classify(err, "fill "+e.selector)
}

func (e *element) InputValue(ctx context.Context) (string, error) {
	v, err := e.loc.InputValue(playwright.LocatorInputValueOptions{Timeout: playwright.Float(browser.TimeoutMS(ctx))})
	return v, classify(err, "read value of "+e.selector)
}

func (e *element) Click(ctx context.Context) error {
	err := e.loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(browser.TimeoutMS(ctx))})
	return classify(err, "click "+e.selector)
}

func (e *element) Press(ctx context.Context, key string) error {
	err := e.loc.Press(key, playwright.LocatorPressOptions{Timeout: playwright.Float(browser.TimeoutMS(ctx))})
	return classify(err, "press "+key+" on "+e.selector)
}

func (e *element) Text(ctx context.Context) (string, error) {
	text, err := e.loc.InnerText(playwright.LocatorInnerTextOptions{Timeout: playwright.Float(browser.TimeoutMS(ctx))})
	return text, classify(err, "read text of "+e.selector)
}

func (e *element) BoundingBox(ctx context.Context) (browser.Box, error) {
	rect, err := e.loc.BoundingBox(playwright.LocatorBoundingBoxOptions{Timeout: playwright.Float(browser.TimeoutMS(ctx))})
	if err != nil {
		return browser.Box{}, classify(err, "measure "+e.selector)
	}
	if rect == nil {
		return browser.Box{}, errs.New(errs.ActionFailed, e.selector+" has no layout box")
	}
	return browser.Box{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height}, nil
}

func (e *element) SelectOption(ctx context.Context, opt browser.Option) (string, error) {
	var values playwright.SelectOptionValues
	switch {
	case opt.Index >= 0:
		values.Indexes = &[]int{opt.Index}
	case opt.Label != "":
		values.Labels = &[]string{opt.Label}
	default:
		values.ValuesOrLabels = &[]string{opt.Value}
	}
	selected, err := e.loc.SelectOption(values, playwright.LocatorSelectOptionOptions{Timeout: playwright.Float(browser.TimeoutMS(ctx))})
	if err != nil {
		return "", classify(err, "select "+opt.String()+" in "+e.selector)
	}
	if len(selected) == 0 {
		return "", errs.New(errs.ActionFailed, "select "+opt.String()+" in "+e.selector+": nothing selected")
	}
	return selected[0], nil
}

func (e *element) Count(ctx context.Context) (int, error) {
	n, err := e.all.Count()
	return n, classify(err, "count "+e.selector)
}

// classify maps playwright errors onto the harness taxonomy.
func classify(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, playwright.ErrTimeout):
		return errs.Wrap(errs.ActionTimeout, what, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return errs.Wrap(errs.InfrastructureFault, what, err)
	default:
		return errs.Wrap(errs.ActionFailed, what, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
