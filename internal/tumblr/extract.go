package tumblr

import (
	"html"
	"regexp"
	"strings"
)

var (
	imgTagRe   = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["'][^>]*>`)
	videoTagRe = regexp.MustCompile(`(?i)<video[^>]+src=["']([^"']+)["'][^>]*>`)
	imageExtRe = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|bmp|webp)(\?.*)?$`)
	videoExtRe = regexp.MustCompile(`(?i)\.(mp4|webm|mov)(\?.*)?$`)
	anyTagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// ExtractImageURL finds the first usable image URL in an HTML fragment.
// Returns "" if none is found.
func ExtractImageURL(htmlBody string) string {
	m := imgTagRe.FindStringSubmatch(htmlBody)
	if m == nil {
		return ""
	}
	u := m[1]
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return ""
	}
	if strings.Contains(u, "media.tumblr.com") || imageExtRe.MatchString(u) {
		return u
	}
	return ""
}

// ExtractVideoURL finds the first usable video URL in an HTML fragment.
// Returns "" if none is found.
func ExtractVideoURL(htmlBody string) string {
	m := videoTagRe.FindStringSubmatch(htmlBody)
	if m == nil {
		return ""
	}
	u := m[1]
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return ""
	}
	if strings.Contains(u, "media.tumblr.com") || strings.Contains(u, "video.tumblr.com") || videoExtRe.MatchString(u) {
		return u
	}
	return ""
}

// CleanHTML strips tags, decodes entities and collapses whitespace,
// producing plain text suitable for a message body.
func CleanHTML(s string) string {
	s = anyTagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
