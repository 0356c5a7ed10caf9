package crawler

import (
	"net/url"
	"strings"
)

// Normalize returns the canonical form of an absolute http(s) URL: lowercase
// scheme and host, no fragment, "/" for an empty path. Anything else reports
// false.
func Normalize(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if u.Hostname() == "" {
		return "", false
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u.String(), true
}

// IsAllowedHost reports whether hostname belongs to the crawl. The base host
// always matches; its subdomains match only when includeSubdomains is set.
func IsAllowedHost(hostname, baseHost string, includeSubdomains bool) bool {
	host := canonicalHost(hostname)
	base := canonicalHost(baseHost)
	if host == "" || base == "" {
		return false
	}
	if host == base {
		return true
	}
	return includeSubdomains && strings.HasSuffix(host, "."+base)
}

func canonicalHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
