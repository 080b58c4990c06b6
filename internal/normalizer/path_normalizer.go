package normalizer

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// PathNormalizer turns request paths into route templates by replacing
// dynamic segments with placeholders, so that requests hitting the same
// handler group together
type PathNormalizer struct {
	guidPattern   *regexp.Regexp
	datePattern   *regexp.Regexp
	numberPattern *regexp.Regexp
	hashPattern   *regexp.Regexp
	emailPattern  *regexp.Regexp
	tokenPattern  *regexp.Regexp
}

// NewPathNormalizer creates a new path normalizer with compiled patterns
func NewPathNormalizer() *PathNormalizer {
	return &PathNormalizer{
		// GUID: 8-4-4-4-12 hex, any case
		guidPattern: regexp.MustCompile(`^(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`),

		// ISO date: 2026-01-10
		datePattern: regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),

		// Whole-segment integers, optionally signed
		numberPattern: regexp.MustCompile(`^-?\d+$`),

		// Hex digests (md5, sha1, sha256, object ids)
		hashPattern: regexp.MustCompile(`^(?i)[0-9a-f]{16,}$`),

		emailPattern: regexp.MustCompile(`^[^@\s/]+@[^@\s/]+\.[a-zA-Z]{2,}$`),

		// Long opaque tokens mixing letters and digits (session ids, slugs with ids)
		tokenPattern: regexp.MustCompile(`^[A-Za-z0-9_\-]{20,}$`),
	}
}

// NormalizePath returns the route template of a request target.
// Query string and fragment are dropped, absolute URLs are reduced to their path.
// Returns empty string if input is empty
func (n *PathNormalizer) NormalizePath(target string) string {
	if target == "" {
		return ""
	}
	if target == "*" {
		return "*"
	}

	path := target
	if !strings.HasPrefix(path, "/") {
		if u, err := url.Parse(path); err == nil && u.IsAbs() {
			path = u.EscapedPath()
		}
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		segments[i] = n.normalizeSegment(seg)
	}

	normalized := strings.Join(segments, "/")

	// Collapse duplicate slashes left by sloppy clients
	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}
	return normalized
}

// normalizeSegment replaces one path segment. Pattern order matters:
// GUIDs before hashes, dates before numbers
func (n *PathNormalizer) normalizeSegment(seg string) string {
	// Keep file extensions: /img/123.png -> /img/<ID>.png
	base, ext := seg, ""
	if i := strings.LastIndexByte(seg, '.'); i > 0 && i < len(seg)-1 && isExtension(seg[i+1:]) {
		base, ext = seg[:i], seg[i:]
	}

	switch {
	case n.guidPattern.MatchString(base):
		return "<GUID>" + ext
	case n.datePattern.MatchString(base):
		return "<DATE>" + ext
	case n.numberPattern.MatchString(base):
		return "<ID>" + ext
	case n.hashPattern.MatchString(base):
		return "<HASH>" + ext
	case n.emailPattern.MatchString(seg):
		return "<EMAIL>"
	case n.tokenPattern.MatchString(base) && hasDigit(base) && hasLetter(base):
		return "<TOKEN>" + ext
	}
	return seg
}

// QueryKeys returns the sorted, de-duplicated parameter names of the
// target's query string. Values are never returned
func QueryKeys(target string) []string {
	i := strings.IndexByte(target, '?')
	if i < 0 || i == len(target)-1 {
		return nil
	}
	query := target[i+1:]
	if j := strings.IndexByte(query, '#'); j >= 0 {
		query = query[:j]
	}

	values, err := url.ParseQuery(query)
	if err != nil && len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func isExtension(s string) bool {
	if len(s) > 5 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return hasLetter(s)
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}

func hasLetter(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}
