package exchange

import (
	"regexp"
	"strings"
)

// addressPattern enforces the email-style shape: a local part, an @, and a
// domain containing at least one dot. Addresses are case-sensitive.
var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const maxAddressLen = 255

// ValidAddress reports whether a is a well-formed exchange address.
func ValidAddress(a string) bool {
	if len(a) == 0 || len(a) > maxAddressLen {
		return false
	}
	return addressPattern.MatchString(a)
}

// AddressDomain returns the part after the last @, or "" for a malformed
// address. Presence queries match it case-insensitively.
func AddressDomain(a string) string {
	i := strings.LastIndex(a, "@")
	if i < 0 || i == len(a)-1 {
		return ""
	}
	return a[i+1:]
}
