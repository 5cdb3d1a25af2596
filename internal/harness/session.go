package harness

import (
	"context"
	"strings"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/logutil"
	"github.com/kuitang/sitecheck/internal/obs"
	"github.com/kuitang/sitecheck/internal/urlutil"
)

// WithDefaults fills an empty Domain from the host of targetURL and an
// empty Path with "/". Cookies for https targets are marked Secure.
func (c SessionCredential) WithDefaults(targetURL string) SessionCredential {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(targetURL)), "https://") {
		c.Secure = true
	}
	if strings.TrimSpace(c.Domain) == "" {
		c.Domain = urlutil.Host(targetURL)
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/"
	}
	return c
}

// Inject installs the credential's cookie into the browsing context. It must
// run before the first navigation that depends on it: cookies are read when
// requests are made, never retroactively. The cookie value is opaque and
// never checked here; a bad value shows up later as ordinary step failures.
func Inject(ctx context.Context, jar browser.CookieJar, cred SessionCredential) error {
	if strings.TrimSpace(cred.CookieName) == "" {
		return errs.New(errs.InvalidArgument, "session cookie name is required")
	}
	if strings.TrimSpace(cred.Domain) == "" {
		return errs.New(errs.InvalidArgument, "session cookie domain is required")
	}
	path := cred.Path
	if path == "" {
		path = "/"
	}

	cookie := browser.Cookie{
		Name:     cred.CookieName,
		Value:    cred.CookieValue,
		Domain:   cred.Domain,
		Path:     path,
		HTTPOnly: true,
		Secure:   cred.Secure,
	}
	if err := jar.AddCookies(ctx, cookie); err != nil {
		if errs.CodeOf(err) == errs.Internal {
			return errs.Wrap(errs.InfrastructureFault, "install session cookie", err)
		}
		return err
	}

	obs.From(ctx).Info("session cookie installed",
		"cookie", logutil.CookieForLog(cred.CookieName, cred.CookieValue),
		"domain", cred.Domain,
		"path", path,
	)
	return nil
}
