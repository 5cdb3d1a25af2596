// Package cdpdriver implements browser.Launcher over the Chrome DevTools
// Protocol with chromedp. It can launch a local Chrome or attach to a
// remote one (for example a headless-shell container).
package cdpdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
)

// Options configures the allocator.
type Options struct {
	// RemoteURL is a DevTools websocket or http endpoint. Empty launches a
	// local Chrome.
	RemoteURL    string
	Headless     bool
	ExecPath     string
	WindowWidth  int
	WindowHeight int
}

// Launcher holds the allocator and the root browser context.
type Launcher struct {
	mu          sync.Mutex
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelRoot  context.CancelFunc
}

// Launch starts or attaches to a browser.
func Launch(ctx context.Context, opts Options) (*Launcher, error) {
	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), opts.RemoteURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
		)
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
			allocOpts = append(allocOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	}

	log := obs.Pkg("cdpdriver")
	browserCtx, cancelRoot := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		log.Debug(fmt.Sprintf(format, args...))
	}))
	if err := chromedp.Run(browserCtx); err != nil {
		cancelRoot()
		cancelAlloc()
		return nil, errs.Wrap(errs.InfrastructureFault, "could not start browser", err)
	}
	log.Info("browser attached", "remote", opts.RemoteURL != "", "headless", opts.Headless)
	return &Launcher{browserCtx: browserCtx, cancelAlloc: cancelAlloc, cancelRoot: cancelRoot}, nil
}

// NewSession opens a fresh browser context (separate cookie jar) with one
// tab.
func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	root := l.browserCtx
	l.mu.Unlock()
	if root == nil {
		return nil, browser.ErrClosed
	}
	tab, cancel := chromedp.NewContext(root, chromedp.WithNewBrowserContext())
	// The first Run allocates the target and must use the tab context
	// itself; a derived deadline would tear the tab down with it.
	if err := chromedp.Run(tab); err != nil {
		cancel()
		return nil, errs.Wrap(errs.InfrastructureFault, "could not open browser context", err)
	}
	return &session{tabRunner: &tabRunner{tab: tab}, cancel: cancel}, nil
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browserCtx == nil {
		return nil
	}
	l.cancelRoot()
	l.cancelAlloc()
	l.browserCtx = nil
	return nil
}

// tabRunner runs chromedp actions in a tab while honouring the caller's
// deadline and cancellation.
type tabRunner struct {
	tab context.Context
}

func (t *tabRunner) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

type session struct {
	*tabRunner
	cancel context.CancelFunc

	mu     sync.Mutex
	opened bool
	tabs   []context.CancelFunc
}

func (s *session) AddCookies(ctx context.Context, cookies ...browser.Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: network.CookieSameSiteLax,
		})
	}
	if err := s.run(ctx, network.SetCookies(params)); err != nil {
		return errs.Wrap(errs.InfrastructureFault, "set cookies", err)
	}
	return nil
}

// NewPage hands out the session's own tab first, then opens more tabs in
// the same browser context.
func (s *session) NewPage(ctx context.Context) (browser.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		s.opened = true
		return &page{tabRunner: s.tabRunner}, nil
	}
	tab, cancel := chromedp.NewContext(s.tab)
	if err := chromedp.Run(tab); err != nil {
		cancel()
		return nil, errs.Wrap(errs.InfrastructureFault, "could not open tab", err)
	}
	s.tabs = append(s.tabs, cancel)
	return &page{tabRunner: &tabRunner{tab: tab}, close: cancel}, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.tabs {
		cancel()
	}
	s.tabs = nil
	s.cancel()
	return nil
}

type page struct {
	*tabRunner
	close context.CancelFunc
}

func (p *page) Goto(ctx context.Context, url string) error {
	return classify(p.run(ctx, chromedp.Navigate(url)), "navigate")
}

func (p *page) URL() string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

func (p *page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, classify(err, "read title")
}

func (p *page) Locate(selector string) browser.Element {
	return &element{page: p, selector: selector, query: browser.ParseSelector(selector)}
}

func (p *page) Images(ctx context.Context, limit int) ([]browser.Image, error) {
	var images []browser.Image
	script := fmt.Sprintf(`Array.from(document.images).slice(0, %d).map(img => ({
		src: img.currentSrc || img.src,
		complete: img.complete,
		naturalWidth: img.naturalWidth,
		naturalHeight: img.naturalHeight,
	}))`, limit)
	if err := p.run(ctx, chromedp.Evaluate(script, &images)); err != nil {
		return nil, classify(err, "inspect images")
	}
	return images, nil
}

func (p *page) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

// findScript locates the element for a Query. It is prepended to every
// element script so handles are always fresh.
const findScript = `function __findAll(css, text, deepest) {
	const norm = s => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
	const want = norm(text);
	const all = Array.from(document.querySelectorAll(css || 'body *'));
	const matches = want ? all.filter(el => norm(el.innerText || el.textContent).includes(want)) : all;
	if (!deepest) return matches;
	return matches.filter(el => !matches.some(other => other !== el && el.contains(other)));
}
function __find(css, text, deepest) {
	return __findAll(css, text, deepest)[0] || null;
}
function __visible(el) {
	if (!el || !el.isConnected) return false;
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden') return false;
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
}
`

type element struct {
	page     *page
	selector string
	query    browser.Query
}

// eval runs body with el bound to the located element (possibly null).
func (e *element) eval(ctx context.Context, body string, res any) error {
	args, err := json.Marshal([]any{e.query.CSS, e.query.Text, e.query.Deepest})
	if err != nil {
		return err
	}
	script := fmt.Sprintf("(() => {\n%s\nconst el = __find(...%s);\n%s\n})()", findScript, args, body)
	return e.page.run(ctx, chromedp.Evaluate(script, res))
}

// do runs an element script that returns "" on success or a reason.
func (e *element) do(ctx context.Context, what, body string) error {
	var reason string
	if err := e.eval(ctx, body, &reason); err != nil {
		return classify(err, what)
	}
	if reason != "" {
		return errs.New(errs.ActionFailed, what+": "+reason)
	}
	return nil
}

const missing = `if (!el) return 'no element matches';`

func (e *element) IsVisible(ctx context.Context) (bool, error) {
	var ok bool
	err := e.eval(ctx, `return __visible(el);`, &ok)
	return ok, classify(err, "visibility of "+e.selector)
}

func (e *element) Fill(ctx context.Context, value string) error {
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return e.do(ctx, "fill "+e.selector, missing+`
	if (el.isContentEditable) { el.focus(); el.textContent = `+string(v)+`; el.dispatchEvent(new Event('input', {bubbles: true})); return ''; }
	if (!('value' in el)) return 'element is not an input';
	if (el.disabled || el.readOnly) return 'element is not editable';
	el.focus();
	const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
	const setter = Object.getOwnPropertyDescriptor(proto, 'value');
	if (setter && setter.set) { setter.set.call(el, `+string(v)+`); } else { el.value = `+string(v)+`; }
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return '';`)
}

func (e *element) InputValue(ctx context.Context) (string, error) {
	var v string
	err := e.eval(ctx, `if (!el) return ''; return el.isContentEditable ? el.textContent : String(el.value ?? '');`, &v)
	return v, classify(err, "read value of "+e.selector)
}

func (e *element) Click(ctx context.Context) error {
	box, err := e.BoundingBox(ctx)
	if err != nil {
		return err
	}
	x, y := box.X+box.Width/2, box.Y+box.Height/2
	return classify(e.page.run(ctx, chromedp.MouseClickXY(x, y)), "click "+e.selector)
}

func (e *element) Press(ctx context.Context, key string) error {
	if err := e.do(ctx, "focus "+e.selector, missing+` el.focus(); return '';`); err != nil {
		return err
	}
	return classify(e.page.run(ctx, chromedp.KeyEvent(keyFor(key))), "press "+key+" on "+e.selector)
}

func (e *element) Text(ctx context.Context) (string, error) {
	var text string
	err := e.eval(ctx, `if (!el) return ''; return el.innerText || el.textContent || '';`, &text)
	return text, classify(err, "read text of "+e.selector)
}

func (e *element) BoundingBox(ctx context.Context) (browser.Box, error) {
	var box struct {
		Found  bool    `json:"found"`
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	err := e.eval(ctx, `if (!el) return {found: false};
	el.scrollIntoView({block: 'center', inline: 'center'});
	const r = el.getBoundingClientRect();
	return {found: true, x: r.x, y: r.y, width: r.width, height: r.height};`, &box)
	if err != nil {
		return browser.Box{}, classify(err, "measure "+e.selector)
	}
	if !box.Found {
		return browser.Box{}, errs.New(errs.ActionFailed, "measure "+e.selector+": no element matches")
	}
	return browser.Box{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
}

// SelectOption sets selectedIndex and fires the events a user selection
// would.
func (e *element) SelectOption(ctx context.Context, opt browser.Option) (string, error) {
	args, err := json.Marshal([]any{opt.Value, opt.Label, opt.Index})
	if err != nil {
		return "", err
	}
	var res struct {
		Reason string `json:"reason"`
		Value  string `json:"value"`
	}
	err = e.eval(ctx, `if (!el) return {reason: 'no element matches'};
	if (!(el instanceof HTMLSelectElement)) return {reason: 'element is not a select'};
	if (el.disabled) return {reason: 'select is disabled'};
	const [value, label, index] = `+string(args)+`;
	const norm = s => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
	const opts = Array.from(el.options);
	let i = index;
	if (i < 0 && label) i = opts.findIndex(o => norm(o.label) === norm(label));
	if (i < 0 && !label) {
		i = opts.findIndex(o => o.value === value);
		if (i < 0) i = opts.findIndex(o => norm(o.label) === norm(value));
	}
	if (i < 0 || i >= opts.length) return {reason: 'no such option'};
	if (opts[i].disabled) return {reason: 'option is disabled'};
	el.focus();
	el.selectedIndex = i;
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return {value: el.value};`, &res)
	what := "select " + opt.String() + " in " + e.selector
	if err != nil {
		return "", classify(err, what)
	}
	if res.Reason != "" {
		return "", errs.New(errs.ActionFailed, what+": "+res.Reason)
	}
	return res.Value, nil
}

func (e *element) Count(ctx context.Context) (int, error) {
	args, err := json.Marshal([]any{e.query.CSS, e.query.Text, e.query.Deepest})
	if err != nil {
		return 0, err
	}
	script := fmt.Sprintf("(() => {\n%s\nreturn __findAll(...%s).length;\n})()", findScript, args)
	var n int
	err = e.page.run(ctx, chromedp.Evaluate(script, &n))
	return n, classify(err, "count "+e.selector)
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
}

// keyFor maps Playwright-style key names onto chromedp key sequences.
func keyFor(key string) string {
	if k, ok := namedKeys[strings.ToLower(key)]; ok {
		return k
	}
	return key
}

func classify(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidTarget),
		errors.Is(err, chromedp.ErrInvalidContext):
		return errs.Wrap(errs.InfrastructureFault, what, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.ActionTimeout, what, err)
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.InfrastructureFault, what, err)
	case strings.Contains(err.Error(), "net::ERR_"):
		return errs.Wrap(errs.InfrastructureFault, what, err)
	default:
		return errs.Wrap(errs.ActionFailed, what, err)
	}
}
