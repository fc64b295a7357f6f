package fetcher

import (
	"regexp"
	"strings"
)

// The platform's CDN embeds media URLs in preview pages in a handful of
// recognizable shapes. These patterns mirror what the page source actually
// contains; they are tried in order against the rendered HTML.
var cdnVideoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://video-[^."']+\.xx\.fbcdn\.net/[^"'\s]+\.mp4[^"'\s]*`),
	regexp.MustCompile(`https://video\.xx\.fbcdn\.net/[^"'\s]+\.mp4[^"'\s]*`),
	regexp.MustCompile(`https://scontent[^"'\s]*\.mp4[^"'\s]*`),
	regexp.MustCompile(`src\s*=\s*["']([^"']*fbcdn\.net[^"']*\.mp4[^"']*)["']`),
}

// ExtractCDNVideoURLs scans page HTML for CDN-hosted video URLs, preserving
// first-seen order and dropping duplicates.
func ExtractCDNVideoURLs(html string) []string {
	// Preview pages embed URLs JSON-escaped inside script blocks; unescape
	// before scanning so one set of patterns covers both shapes.
	html = strings.ReplaceAll(html, `\/`, "/")

	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || !strings.Contains(u, "fbcdn.net") && !strings.Contains(u, "scontent") {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	for _, re := range cdnVideoPatterns {
		for _, m := range re.FindAllStringSubmatch(html, -1) {
			if len(m) > 1 && m[1] != "" {
				add(m[1])
				continue
			}
			add(m[0])
		}
	}
	return urls
}

// RewriteHighQuality turns a size-restricted scontent thumbnail URL into its
// original-quality variant by dropping the sizing transform parameters. The
// caller still falls back to the untouched URL when the rewrite 404s.
func RewriteHighQuality(url string) string {
	if !strings.Contains(url, "scontent") || !strings.Contains(url, "stp=") {
		return url
	}
	base, _, found := strings.Cut(url, "?")
	if !found {
		return url
	}
	return base + "?_nc_cat=111&ccb=1-7&_nc_sid=890911&_nc_ohc=original&_nc_oc=original&_nc_zt=1"
}
