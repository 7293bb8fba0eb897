package fetch

import (
	"net/url"
	"strings"
)

// ResolveURL joins target onto base. Absolute targets and an empty base
// return target unchanged. Duplicate '/' in the joined path are collapsed;
// the scheme separator and the query string are left alone.
func ResolveURL(base, target string) string {
	if base == "" || isAbsolute(target) {
		return target
	}
	if target == "" {
		return collapseSlashes(base)
	}
	return collapseSlashes(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(target, "/"))
}

func isAbsolute(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func collapseSlashes(s string) string {
	prefix := ""
	if i := strings.Index(s, "://"); i >= 0 {
		prefix, s = s[:i+3], s[i+3:]
	}
	path, rest := s, ""
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		path, rest = s[:i], s[i:]
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return prefix + path + rest
}
