package htmldriver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
)

type element struct {
	page     *page
	selector string
	query    browser.Query
}

func (e *element) resolve() (*goquery.Selection, error) {
	sel := e.page.find(e.query)
	if sel.Length() == 0 {
		return nil, errs.New(errs.ActionFailed, "no element matches "+e.selector)
	}
	return sel, nil
}

func (e *element) IsVisible(ctx context.Context) (bool, error) {
	sel := e.page.find(e.query)
	if sel.Length() == 0 {
		return false, nil
	}
	return rendered(sel), nil
}

func (e *element) Fill(ctx context.Context, value string) error {
	sel, err := e.resolve()
	if err != nil {
		return err
	}
	if !editable(sel) {
		return errs.New(errs.ActionFailed, e.selector+" is not an editable field")
	}
	if goquery.NodeName(sel) == "textarea" {
		sel.SetText(value)
		return nil
	}
	sel.SetAttr("value", value)
	return nil
}

func (e *element) InputValue(ctx context.Context) (string, error) {
	sel, err := e.resolve()
	if err != nil {
		return "", err
	}
	switch goquery.NodeName(sel) {
	case "textarea":
		return sel.Text(), nil
	case "select":
		opt := sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = sel.Find("option").First()
		}
		return optionValue(opt), nil
	default:
		v, _ := sel.Attr("value")
		return v, nil
	}
}

// Click follows links and submits forms. Other elements have no behaviour
// without scripts; the click succeeds and nothing changes.
func (e *element) Click(ctx context.Context) error {
	sel, err := e.resolve()
	if err != nil {
		return err
	}
	if !rendered(sel) {
		return errs.New(errs.ActionFailed, e.selector+" is not visible")
	}
	if _, disabled := sel.Attr("disabled"); disabled {
		return errs.New(errs.ActionFailed, e.selector+" is disabled")
	}

	if link := sel.Closest("a[href]"); link.Length() > 0 {
		href, _ := link.Attr("href")
		return e.follow(ctx, href)
	}
	if isSubmitter(sel) {
		return e.page.submit(ctx, sel.Closest("form"), sel)
	}
	switch strings.ToLower(attr(sel, "type")) {
	case "checkbox":
		toggleAttr(sel, "checked")
	case "radio":
		if name := attr(sel, "name"); name != "" {
			sel.Closest("form").Find(`input[type=radio][name="` + name + `"]`).RemoveAttr("checked")
		}
		sel.SetAttr("checked", "checked")
	default:
		obs.From(ctx).Debug("click has no static effect", "selector", e.selector)
	}
	return nil
}

func (e *element) follow(ctx context.Context, href string) error {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return nil
	}
	_, base := e.page.current()
	target, err := resolveRef(base, href)
	if err != nil {
		return errs.Wrap(errs.ActionFailed, "bad link "+href, err)
	}
	return e.page.Goto(ctx, target)
}

// Press submits the enclosing form on Enter. Other keys have no effect.
func (e *element) Press(ctx context.Context, key string) error {
	sel, err := e.resolve()
	if err != nil {
		return err
	}
	if !strings.EqualFold(key, "Enter") {
		return nil
	}
	if link := sel.Closest("a[href]"); link.Length() > 0 {
		href, _ := link.Attr("href")
		return e.follow(ctx, href)
	}
	form := sel.Closest("form")
	if form.Length() == 0 || goquery.NodeName(sel) == "textarea" {
		return nil
	}
	return e.page.submit(ctx, form, nil)
}

func (e *element) Text(ctx context.Context) (string, error) {
	sel, err := e.resolve()
	if err != nil {
		return "", err
	}
	return visibleText(sel), nil
}

// BoundingBox reports declared dimensions only: width/height attributes or
// inline pixel sizes. There is no layout engine behind this driver.
func (e *element) BoundingBox(ctx context.Context) (browser.Box, error) {
	sel, err := e.resolve()
	if err != nil {
		return browser.Box{}, err
	}
	w, wok := declaredSize(sel, "width")
	h, hok := declaredSize(sel, "height")
	if !wok || !hok {
		return browser.Box{}, errs.New(errs.ActionFailed, e.selector+" has no declared size")
	}
	return browser.Box{Width: w, Height: h}, nil
}

// SelectOption moves the selected attribute, which is what form submission
// reads.
func (e *element) SelectOption(ctx context.Context, opt browser.Option) (string, error) {
	sel, err := e.resolve()
	if err != nil {
		return "", err
	}
	if goquery.NodeName(sel) != "select" {
		return "", errs.New(errs.ActionFailed, e.selector+" is not a select")
	}
	if _, disabled := sel.Attr("disabled"); disabled {
		return "", errs.New(errs.ActionFailed, e.selector+" is disabled")
	}
	options := sel.Find("option")
	chosen := pickOption(options, opt)
	if chosen == nil {
		return "", errs.New(errs.ActionFailed, fmt.Sprintf("%s has no option %s", e.selector, opt))
	}
	if _, disabled := chosen.Attr("disabled"); disabled {
		return "", errs.New(errs.ActionFailed, fmt.Sprintf("option %s of %s is disabled", opt, e.selector))
	}
	options.RemoveAttr("selected")
	chosen.SetAttr("selected", "selected")
	return optionValue(chosen), nil
}

func pickOption(options *goquery.Selection, opt browser.Option) *goquery.Selection {
	if opt.Index >= 0 {
		if opt.Index >= options.Length() {
			return nil
		}
		return options.Eq(opt.Index)
	}
	byLabel := func(label string) *goquery.Selection {
		m := options.FilterFunction(func(_ int, o *goquery.Selection) bool {
			return normText(o.Text()) == normText(label)
		})
		if m.Length() == 0 {
			return nil
		}
		return m.First()
	}
	if opt.Label != "" {
		return byLabel(opt.Label)
	}
	m := options.FilterFunction(func(_ int, o *goquery.Selection) bool {
		return optionValue(o) == opt.Value
	})
	if m.Length() > 0 {
		return m.First()
	}
	return byLabel(opt.Value)
}

func (e *element) Count(ctx context.Context) (int, error) {
	return e.page.findAll(e.query).Length(), nil
}

// submit serializes form fields the way a browser does for
// application/x-www-form-urlencoded and loads the response.
func (p *page) submit(ctx context.Context, form, submitter *goquery.Selection) error {
	_, base := p.current()
	action := ""
	method := http.MethodGet
	if form != nil && form.Length() > 0 {
		action = attr(form, "action")
		if strings.EqualFold(attr(form, "method"), "post") {
			method = http.MethodPost
		}
	}
	if submitter != nil {
		if a := attr(submitter, "formaction"); a != "" {
			action = a
		}
		if m := attr(submitter, "formmethod"); m != "" {
			method = strings.ToUpper(m)
		}
	}
	target, err := resolveRef(base, action)
	if err != nil {
		return errs.Wrap(errs.ActionFailed, "bad form action "+action, err)
	}

	values := formValues(form, submitter)
	var req *http.Request
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		u, perr := url.Parse(target)
		if perr != nil {
			return errs.Wrap(errs.ActionFailed, "bad form action "+action, perr)
		}
		u.RawQuery = values.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return errs.Wrap(errs.ActionFailed, "build form request", err)
	}
	obs.From(ctx).Debug("submitting form", "method", method, "url", target, "fields", len(values))
	return p.load(req)
}

func formValues(form, submitter *goquery.Selection) url.Values {
	values := url.Values{}
	if form == nil || form.Length() == 0 {
		return values
	}
	form.Find("input[name], select[name], textarea[name]").Each(func(_ int, s *goquery.Selection) {
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}
		name := attr(s, "name")
		switch goquery.NodeName(s) {
		case "textarea":
			values.Add(name, s.Text())
		case "select":
			opt := s.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = s.Find("option").First()
			}
			if opt.Length() > 0 {
				values.Add(name, optionValue(opt))
			}
		default:
			switch strings.ToLower(attr(s, "type")) {
			case "submit", "button", "image", "reset", "file":
				return
			case "checkbox", "radio":
				if _, checked := s.Attr("checked"); !checked {
					return
				}
				v, ok := s.Attr("value")
				if !ok {
					v = "on"
				}
				values.Add(name, v)
			default:
				values.Add(name, attr(s, "value"))
			}
		}
	})
	if submitter != nil {
		if name := attr(submitter, "name"); name != "" {
			values.Add(name, attr(submitter, "value"))
		}
	}
	return values
}

func isSubmitter(sel *goquery.Selection) bool {
	if sel.Closest("form").Length() == 0 {
		return false
	}
	typ := strings.ToLower(attr(sel, "type"))
	switch goquery.NodeName(sel) {
	case "button":
		return typ == "" || typ == "submit"
	case "input":
		return typ == "submit" || typ == "image"
	default:
		return false
	}
}

func editable(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("disabled"); ok {
		return false
	}
	if _, ok := sel.Attr("readonly"); ok {
		return false
	}
	switch goquery.NodeName(sel) {
	case "textarea":
		return true
	case "input":
		switch strings.ToLower(attr(sel, "type")) {
		case "checkbox", "radio", "submit", "button", "image", "reset", "file", "hidden":
			return false
		}
		return true
	default:
		return false
	}
}

var nonRendered = map[string]bool{
	"head": true, "script": true, "style": true, "template": true,
	"noscript": true, "title": true, "meta": true, "link": true,
}

// rendered applies the static visibility rules to sel and its ancestors.
func rendered(sel *goquery.Selection) bool {
	node := sel.Get(0)
	if node == nil || node.Type != html.ElementNode {
		return false
	}
	if node.Data == "input" && strings.EqualFold(attrOf(node, "type"), "hidden") {
		return false
	}
	for n := node; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if nonRendered[n.Data] {
			return false
		}
		if hasAttr(n, "hidden") {
			return false
		}
		if n.Data == "dialog" && !hasAttr(n, "open") {
			return false
		}
		style := inlineStyle(attrOf(n, "style"))
		if style["display"] == "none" || style["visibility"] == "hidden" {
			return false
		}
	}
	return true
}

// visibleText is the collapsed text of sel without non-rendered
// descendants.
func visibleText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, node := range sel.Nodes {
		collectText(node, &b)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.ElementNode:
		if nonRendered[n.Data] || hasAttr(n, "hidden") {
			return
		}
		if style := inlineStyle(attrOf(n, "style")); style["display"] == "none" {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func inlineStyle(style string) map[string]string {
	out := map[string]string{}
	for decl := range strings.SplitSeq(style, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
		out[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(v)
	}
	return out
}

func declaredSize(sel *goquery.Selection, dim string) (float64, bool) {
	if v := inlineStyle(attr(sel, "style"))[dim]; strings.HasSuffix(v, "px") {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64); err == nil {
			return f, true
		}
	}
	if v := attr(sel, dim); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func optionValue(opt *goquery.Selection) string {
	if v, ok := opt.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(opt.Text())
}

func toggleAttr(sel *goquery.Selection, name string) {
	if _, ok := sel.Attr(name); ok {
		sel.RemoveAttr(name)
		return
	}
	sel.SetAttr(name, name)
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return strings.TrimSpace(v)
}

func attrOf(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func resolveRef(base *url.URL, ref string) (string, error) {
	if base == nil {
		u, err := url.Parse(ref)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	u, err := base.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	return u.String(), nil
}
