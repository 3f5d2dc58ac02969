package utils

import (
	"net/url"
	"strings"

	"hls-engine/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// LogURLWithFlag is LogURL for callers that only carry the flag
func LogURLWithFlag(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	// Keep scheme and host, obfuscate path and query
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// BaseURL strips the trailing path segment (and any query) from a playlist
// URL, keeping the final slash: "http://h/a/b/list.m3u8?x" -> "http://h/a/b/".
func BaseURL(playlistURL string) string {
	if i := strings.IndexAny(playlistURL, "?#"); i >= 0 {
		playlistURL = playlistURL[:i]
	}
	if i := strings.LastIndex(playlistURL, "/"); i >= 0 {
		// don't strip into the scheme separator
		if j := strings.Index(playlistURL, "://"); j >= 0 && i < j+3 {
			return playlistURL + "/"
		}
		return playlistURL[:i+1]
	}
	return ""
}

// ResolveURL joins ref onto base the way a browser would. Absolute refs are
// returned unchanged; a parse failure falls back to simple concatenation.
func ResolveURL(base, ref string) string {
	if ref == "" {
		return base
	}
	if strings.Contains(ref, "://") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return base + ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return base + ref
	}
	return b.ResolveReference(r).String()
}

// IsHTTP reports whether s is an http(s) URL.
func IsHTTP(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
