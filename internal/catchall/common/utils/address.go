package utils

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// ErrMalformedAddress is returned when an address has no usable local@domain form.
var ErrMalformedAddress = errors.New("malformed address")

// CanonicalDomain returns a domain in canonical form:
// - Trimmed of surrounding whitespace
// - Lowercased
// - No trailing dot
// - Internationalized names converted to their A-label form when possible
func CanonicalDomain(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	if !isASCII(name) {
		if ascii, err := idna.Lookup.ToASCII(name); err == nil {
			name = ascii
		}
	}
	return name
}

// SplitAddress splits a mailbox address into local part and domain. Angle
// brackets and surrounding whitespace are removed. The split happens on the
// last '@' so quoted local parts containing '@' survive.
func SplitAddress(addr string) (local, domain string, err error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return "", "", ErrMalformedAddress
	}
	return addr[:i], addr[i+1:], nil
}

// CanonicalAddress returns the lowercased local@domain form used for rule
// matching, blocklist lookups and correlation keys. Malformed input is
// returned trimmed and lowercased.
func CanonicalAddress(addr string) string {
	local, domain, err := SplitAddress(addr)
	if err != nil {
		return strings.ToLower(strings.Trim(strings.TrimSpace(addr), "<>"))
	}
	return strings.ToLower(local) + "@" + CanonicalDomain(domain)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
