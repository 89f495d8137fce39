// Package horosafe holds the small safety primitives shared by the interp
// client and server: path traversal guards for stored uploads, identifier and
// server URL validation, and bounded reads of untrusted bodies.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorBody caps how much of an error response body is read (64 KiB).
const MaxErrorBody int64 = 64 << 10

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrUnsafeScheme is returned when a server URL is not http or https.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// SafePath joins base and userInput and rejects results outside base. Only a
// ".." path element is refused; dots inside a name are fine.
func SafePath(base, userInput string) (string, error) {
	for _, elem := range strings.FieldsFunc(userInput, isSeparator) {
		if elem == ".." {
			return "", ErrPathTraversal
		}
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateServerURL parses rawURL and requires an http(s) scheme and a host.
func ValidateServerURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrUnsafeScheme
	}
	if u.Host == "" {
		return nil, fmt.Errorf("horosafe: URL has no host")
	}
	return u, nil
}

// ValidateIdentifier accepts non-empty strings of at most 256 characters made
// of ASCII letters, digits, underscore, hyphen and dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// CleanFilename reduces a client-supplied file name to its base name with
// every character outside the identifier set replaced by '_'. It returns ""
// when nothing usable remains.
func CleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		if isIdentChar(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := dotRuns.ReplaceAllString(b.String(), ".")
	out = strings.Trim(out, "._")
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	return out
}

var dotRuns = regexp.MustCompile(`\.{2,}`)

func isSeparator(r rune) bool { return r == '/' || r == '\\' }

// LimitedReadAll reads at most maxBytes from r and fails if r holds more.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, truncated, err := ReadPrefix(r, maxBytes)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

// ReadPrefix reads up to maxBytes from r and reports whether more remained.
func ReadPrefix(r io.Reader, maxBytes int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
