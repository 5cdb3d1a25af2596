// Package browser defines the capability set the harness needs from a
// browser-automation client. Drivers live in subpackages:
// pwdriver (playwright-go), cdpdriver (chromedp) and htmldriver (static
// HTML over net/http and goquery).
//
// Every driver maps its own failures onto the errs taxonomy: a closed or
// crashed target is errs.InfrastructureFault, an expired deadline is
// errs.ActionTimeout, and anything else the driver rejects is
// errs.ActionFailed.
package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/sitecheck/internal/errs"
)

// Launcher hands out isolated browsing contexts.
type Launcher interface {
	// NewSession opens a browsing context with its own cookie jar.
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is one isolated browsing context.
type Session interface {
	AddCookies(ctx context.Context, cookies ...Cookie) error
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// CookieJar is the part of a Session the session injector needs.
type CookieJar interface {
	AddCookies(ctx context.Context, cookies ...Cookie) error
}

// Page is a single tab.
type Page interface {
	Goto(ctx context.Context, url string) error
	URL() string
	Title(ctx context.Context) (string, error)
	// Locate returns a lazy handle on the first element matching selector.
	// Nothing is queried until a method on the element is called.
	Locate(selector string) Element
	// Images reports load state for at most limit <img> elements in
	// document order.
	Images(ctx context.Context, limit int) ([]Image, error)
	Close() error
}

// Element is a lazy handle on the first match of a selector.
type Element interface {
	IsVisible(ctx context.Context) (bool, error)
	Fill(ctx context.Context, value string) error
	InputValue(ctx context.Context) (string, error)
	Click(ctx context.Context) error
	Press(ctx context.Context, key string) error
	Text(ctx context.Context) (string, error)
	BoundingBox(ctx context.Context) (Box, error)
	// SelectOption picks one option of a <select> and returns the value
	// the driver selected.
	SelectOption(ctx context.Context, opt Option) (string, error)
	// Count is the number of elements the selector matches, visible or
	// not.
	Count(ctx context.Context) (int, error)
}

// Option identifies one <option> of a <select>.
type Option struct {
	// Value matches the option value, or its label when no value matches.
	Value string
	// Label matches the visible option text only.
	Label string
	// Index is a zero-based position; -1 when choosing by value or label.
	Index int
}

// ParseOption reads "index:N", "label:Text" or a plain value.
func ParseOption(s string) (Option, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "index:"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n < 0 {
			return Option{}, errs.New(errs.InvalidArgument, fmt.Sprintf("option index %q must be a non-negative integer", rest))
		}
		return Option{Index: n}, nil
	}
	if rest, ok := strings.CutPrefix(s, "label:"); ok {
		return Option{Label: strings.TrimSpace(rest), Index: -1}, nil
	}
	if s == "" {
		return Option{}, errs.New(errs.InvalidArgument, "option is empty")
	}
	return Option{Value: s, Index: -1}, nil
}

func (o Option) String() string {
	switch {
	case o.Index >= 0:
		return "index:" + strconv.Itoa(o.Index)
	case o.Label != "":
		return "label:" + o.Label
	default:
		return o.Value
	}
}

// Cookie is a cookie to install into a browsing context.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	HTTPOnly bool
	Secure   bool
}

// Box is an element's layout box in CSS pixels.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Image is the load state of one <img> element.
type Image struct {
	Src           string `json:"src"`
	Complete      bool   `json:"complete"`
	NaturalWidth  int    `json:"naturalWidth"`
	NaturalHeight int    `json:"naturalHeight"`
}

// Broken reports whether the image failed to load or decoded to nothing.
func (i Image) Broken() bool {
	return !i.Complete || i.NaturalWidth == 0 || i.NaturalHeight == 0
}

// ErrClosed is returned by drivers once their target is gone.
var ErrClosed = errs.New(errs.InfrastructureFault, "browser: target closed")

// DefaultTimeout bounds driver calls made without a context deadline.
const DefaultTimeout = 5 * time.Second

// TimeoutMS converts the context deadline into the millisecond budget the
// drivers' own timeout options expect, falling back to DefaultTimeout.
// It never returns less than one millisecond so an expired context still
// produces a driver-side timeout rather than "wait forever" (0).
func TimeoutMS(ctx context.Context) float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return float64(DefaultTimeout.Milliseconds())
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		return 1
	}
	return ms
}
