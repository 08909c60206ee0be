package slashtags

import (
	"strings"

	"github.com/mr-tron/base58"
)

// FormatURL renders a 32-byte public key as a canonical slash URL.
func FormatURL(publicKey []byte) (string, error) {
	if len(publicKey) != KeySize {
		return "", WrapError(ErrInvalidURL, "public key must be %d bytes, got %d", KeySize, len(publicKey))
	}
	return URLPrefix + base58.Encode(publicKey), nil
}

// ParseURL recovers the exact public key bytes a URL was formatted
// from. Optional "//" authority markers, paths, queries and fragments
// are tolerated and ignored.
func ParseURL(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(s), URLPrefix) {
		return nil, WrapError(ErrInvalidURL, "missing %q prefix in %q", URLPrefix, raw)
	}
	s = s[len(URLPrefix):]
	s = strings.TrimPrefix(s, "//")
	for _, sep := range []string{"/", "?", "#"} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	if s == "" {
		return nil, WrapError(ErrInvalidURL, "empty key in %q", raw)
	}
	key, err := base58.Decode(s)
	if err != nil {
		return nil, WrapError(ErrInvalidURL, "decode key in %q: %v", raw, err)
	}
	if len(key) != KeySize {
		return nil, WrapError(ErrInvalidURL, "key in %q is %d bytes, want %d", raw, len(key), KeySize)
	}
	return key, nil
}
