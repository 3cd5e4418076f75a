package match

import (
	"errors"
	"net/url"
	"strings"
)

// Path canonicalization errors.
var (
	ErrBackslashInPath      = errors.New("match: path contains backslash")
	ErrNullByteInPath       = errors.New("match: path contains null byte")
	ErrInvalidPercentEscape = errors.New("match: invalid percent escape sequence")
)

// CanonicalizePath collapses duplicate slashes, drops "." segments, resolves
// ".." segments (clamping at the root) and removes a trailing slash. The
// result always starts with "/".
func CanonicalizePath(p string) (string, error) {
	if strings.Contains(p, "\\") {
		return "", ErrBackslashInPath
	}
	if strings.Contains(p, "\x00") || strings.Contains(strings.ToUpper(p), "%00") {
		return "", ErrNullByteInPath
	}
	if strings.Contains(p, "%") {
		if err := validatePercentEscapes(p); err != nil {
			return "", err
		}
	}
	return "/" + strings.Join(resolveSegments(nil, p), "/"), nil
}

// Resolve resolves to against the directory-like base pathname, the way a
// relative link resolves. Absolute paths are only normalized.
//
//	Resolve("/a/b", "c")     == "/a/b/c"
//	Resolve("/a/b", "../c")  == "/a/c"
//	Resolve("/a/b", ".")     == "/a/b"
func Resolve(base, to string) string {
	if strings.HasPrefix(to, "/") {
		return "/" + strings.Join(resolveSegments(nil, to), "/")
	}
	return "/" + strings.Join(resolveSegments(splitSegments(base), to), "/")
}

func resolveSegments(base []string, p string) []string {
	out := append([]string(nil), base...)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return out
}

// JoinPaths joins route path fragments with single slashes.
func JoinPaths(parts ...string) string {
	joined := strings.Join(parts, "/")
	for strings.Contains(joined, "//") {
		joined = strings.ReplaceAll(joined, "//", "/")
	}
	return joined
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func validatePercentEscapes(p string) error {
	for i := 0; i < len(p); i++ {
		if p[i] != '%' {
			continue
		}
		if i+2 >= len(p) || !isHexDigit(p[i+1]) || !isHexDigit(p[i+2]) {
			return ErrInvalidPercentEscape
		}
		i += 2
	}
	return nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// decodeSegment unescapes a pathname segment, keeping the raw value when it
// is not valid escaping.
func decodeSegment(seg string) string {
	if !strings.Contains(seg, "%") {
		return seg
	}
	if v, err := url.PathUnescape(seg); err == nil {
		return v
	}
	return seg
}
