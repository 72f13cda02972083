package catalog

import (
	"regexp"
	"strings"
)

var markdownLink = regexp.MustCompile(`\[.*?\]\((.*?)\)`)

// NormalizeURL reduces a URL to the form used for duplicate detection:
// lowercased, without scheme, leading "www." or trailing slash.
func NormalizeURL(u string) string {
	s := strings.ToLower(strings.TrimSpace(u))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, "/")
}

// EnsureScheme prefixes https:// when u carries no http(s) scheme.
func EnsureScheme(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	lower := strings.ToLower(u)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return u
	}
	return "https://" + u
}

// CleanImportURL extracts the target of a markdown link and strips stray
// brackets from pasted URLs.
func CleanImportURL(raw string) string {
	if m := markdownLink.FindStringSubmatch(raw); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(strings.NewReplacer("[", "", "]", "", "(", "", ")", "").Replace(raw))
}

// FindByURL returns the first item whose URL normalizes like u.
func FindByURL(items []Item, u string) (Item, bool) {
	want := NormalizeURL(u)
	if want == "" {
		return Item{}, false
	}
	for _, it := range items {
		if NormalizeURL(it.URL) == want {
			return it, true
		}
	}
	return Item{}, false
}
