package htmldriver

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	_ "golang.org/x/image/webp"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
)

const maxImageBytes = 16 << 20

// Images fetches up to limit <img> sources and decodes their headers, which
// is what a browser's naturalWidth/naturalHeight reflect. Results are cached
// per document.
func (p *page) Images(ctx context.Context, limit int) ([]browser.Image, error) {
	doc, base := p.current()
	if doc == nil {
		return nil, nil
	}

	var srcs []string
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(srcs) >= limit {
			return false
		}
		src := attr(s, "src")
		if src == "" {
			src = firstSrcsetURL(attr(s, "srcset"))
		}
		if resolved, err := resolveRef(base, src); err == nil && src != "" {
			src = resolved
		}
		srcs = append(srcs, src)
		return true
	})

	images := make([]browser.Image, 0, len(srcs))
	for _, src := range srcs {
		if err := ctx.Err(); err != nil {
			return images, errs.Wrap(errs.ActionTimeout, "inspect images", err)
		}
		p.mu.Lock()
		cached, ok := p.images[src]
		p.mu.Unlock()
		if !ok {
			cached = p.inspectImage(ctx, src)
			p.mu.Lock()
			p.images[src] = cached
			p.mu.Unlock()
		}
		images = append(images, cached)
	}
	return images, nil
}

func (p *page) inspectImage(ctx context.Context, src string) browser.Image {
	img := browser.Image{Src: src}
	if src == "" {
		return img
	}
	if strings.HasPrefix(src, "data:") {
		// Inline images are part of the document; treat them as loaded.
		img.Complete, img.NaturalWidth, img.NaturalHeight = true, 1, 1
		return img
	}

	log := obs.From(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		log.Debug("image request invalid", "src", src, "error", err)
		return img
	}
	req.Header.Set("User-Agent", p.session.userAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	resp, err := p.session.client.Do(req)
	if err != nil {
		log.Debug("image fetch failed", "src", src, "error", err)
		return img
	}
	defer resp.Body.Close()
	img.Complete = true
	if resp.StatusCode >= 400 {
		return img
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "svg") {
		img.NaturalWidth, img.NaturalHeight = 1, 1
		return img
	}
	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		log.Debug("image decode failed", "src", src, "error", err)
		return img
	}
	img.NaturalWidth, img.NaturalHeight = cfg.Width, cfg.Height
	return img
}

func firstSrcsetURL(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
