package harness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
)

// fakeElement is a scripted element. It becomes visible visibleAfter the
// page was created and, when hideAfter is set, hidden again after that.
type fakeElement struct {
	page         *fakePage
	present      bool
	visibleAfter time.Duration
	hideAfter    time.Duration
	visErr       error
	actErr       error
	// sticky makes InputValue ignore Fill, like a field a script resets.
	sticky string
	value  string
	text   string
	box    browser.Box
	// options are the values of a <select>; labels equal values.
	options []string
	// count reports how many elements match after the page is age old.
	count func(age time.Duration) int

	mu      sync.Mutex
	clicks  int
	pressed []string
	checks  int
}

func (e *fakeElement) IsVisible(ctx context.Context) (bool, error) {
	e.mu.Lock()
	e.checks++
	e.mu.Unlock()
	if e.visErr != nil {
		return false, e.visErr
	}
	if !e.present {
		return false, nil
	}
	age := time.Since(e.page.created)
	if age < e.visibleAfter {
		return false, nil
	}
	if e.hideAfter > 0 && age >= e.hideAfter {
		return false, nil
	}
	return true, nil
}

func (e *fakeElement) Fill(ctx context.Context, value string) error {
	if e.actErr != nil {
		return e.actErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	e.page.record("fill " + value)
	return nil
}

func (e *fakeElement) InputValue(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sticky != "" {
		return e.sticky, nil
	}
	return e.value, nil
}

func (e *fakeElement) Click(ctx context.Context) error {
	if e.actErr != nil {
		return e.actErr
	}
	e.mu.Lock()
	e.clicks++
	e.mu.Unlock()
	e.page.record("click")
	return nil
}

func (e *fakeElement) Press(ctx context.Context, key string) error {
	if e.actErr != nil {
		return e.actErr
	}
	e.mu.Lock()
	e.pressed = append(e.pressed, key)
	e.mu.Unlock()
	e.page.record("press " + key)
	return nil
}

func (e *fakeElement) Text(ctx context.Context) (string, error) {
	if e.actErr != nil {
		return "", e.actErr
	}
	return e.text, nil
}

func (e *fakeElement) BoundingBox(ctx context.Context) (browser.Box, error) {
	if e.actErr != nil {
		return browser.Box{}, e.actErr
	}
	return e.box, nil
}

func (e *fakeElement) SelectOption(ctx context.Context, opt browser.Option) (string, error) {
	if e.actErr != nil {
		return "", e.actErr
	}
	chosen := ""
	switch {
	case opt.Index >= 0 && opt.Index < len(e.options):
		chosen = e.options[opt.Index]
	case opt.Index < 0:
		for _, o := range e.options {
			if o == opt.Value || o == opt.Label {
				chosen = o
			}
		}
	}
	if chosen == "" {
		return "", errs.New(errs.ActionFailed, "no such option "+opt.String())
	}
	e.mu.Lock()
	e.value = chosen
	e.mu.Unlock()
	e.page.record("select " + chosen)
	return chosen, nil
}

func (e *fakeElement) Count(ctx context.Context) (int, error) {
	if e.actErr != nil {
		return 0, e.actErr
	}
	if e.count == nil {
		if e.present {
			return 1, nil
		}
		return 0, nil
	}
	return e.count(time.Since(e.page.created)), nil
}

func (e *fakeElement) clickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

type fakePage struct {
	session  *fakeSession
	created  time.Time
	elements map[string]*fakeElement
	gotoErr  error
	title    string
	images   []browser.Image
	// later, when set, replaces url and title once the page is
	// laterAfter old, like a route change that lands after a click.
	later      *fakeLocation
	laterAfter time.Duration

	mu  sync.Mutex
	url string
}

type fakeLocation struct {
	url   string
	title string
}

func (p *fakePage) moved() *fakeLocation {
	if p.later != nil && time.Since(p.created) >= p.laterAfter {
		return p.later
	}
	return nil
}

func newFakePage() *fakePage {
	return &fakePage{created: time.Now(), elements: map[string]*fakeElement{}}
}

// add registers a visible element under selector.
func (p *fakePage) add(selector string, el *fakeElement) *fakeElement {
	if el == nil {
		el = &fakeElement{}
	}
	el.page = p
	el.present = true
	p.elements[selector] = el
	return el
}

func (p *fakePage) record(event string) {
	if p.session != nil {
		p.session.record(event)
	}
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	if p.gotoErr != nil {
		return p.gotoErr
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	p.record("goto " + url)
	return nil
}

func (p *fakePage) URL() string {
	if loc := p.moved(); loc != nil {
		return loc.url
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Title(ctx context.Context) (string, error) {
	if loc := p.moved(); loc != nil {
		return loc.title, nil
	}
	return p.title, nil
}

func (p *fakePage) Locate(selector string) browser.Element {
	if el, ok := p.elements[selector]; ok {
		return el
	}
	return &fakeElement{page: p}
}

func (p *fakePage) Images(ctx context.Context, limit int) ([]browser.Image, error) {
	if len(p.images) > limit {
		return p.images[:limit], nil
	}
	return p.images, nil
}

func (p *fakePage) Close() error { return nil }

type fakeSession struct {
	page       *fakePage
	cookieErr  error
	newPageErr error

	mu      sync.Mutex
	cookies []browser.Cookie
	events  []string
	closed  bool
}

func newFakeSession(page *fakePage) *fakeSession {
	s := &fakeSession{page: page}
	page.session = s
	return s
}

func (s *fakeSession) record(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *fakeSession) AddCookies(ctx context.Context, cookies ...browser.Cookie) error {
	if s.cookieErr != nil {
		return s.cookieErr
	}
	s.mu.Lock()
	s.cookies = append(s.cookies, cookies...)
	s.mu.Unlock()
	for _, c := range cookies {
		s.record("cookie " + c.Name)
	}
	return nil
}

func (s *fakeSession) NewPage(ctx context.Context) (browser.Page, error) {
	if s.newPageErr != nil {
		return nil, s.newPageErr
	}
	s.record("new_page")
	return s.page, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) eventLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// fakeLauncher builds a fresh session per call from build.
type fakeLauncher struct {
	build func(n int) (*fakeSession, error)

	mu       sync.Mutex
	sessions []*fakeSession
	active   int
	peak     int
}

func (l *fakeLauncher) NewSession(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	n := len(l.sessions)
	l.mu.Unlock()
	s, err := l.build(n)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.active++
	l.peak = max(l.peak, l.active)
	l.mu.Unlock()
	return &countedSession{fakeSession: s, launcher: l}, nil
}

func (l *fakeLauncher) Close() error { return nil }

type countedSession struct {
	*fakeSession
	launcher *fakeLauncher
}

func (s *countedSession) Close() error {
	s.launcher.mu.Lock()
	s.launcher.active--
	s.launcher.mu.Unlock()
	return s.fakeSession.Close()
}

var (
	errDriverFlake = errors.New("driver: detached node")
	errCrashed     = errs.New(errs.InfrastructureFault, "browser crashed")
)

func testRunner() *Runner {
	return NewRunner(Options{
		BaseURL:      "http://localhost:8080",
		StepTimeout:  40 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	})
}
