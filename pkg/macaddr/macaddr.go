// Package macaddr canonicalizes hardware addresses so that every path that
// reads or writes device records agrees on a single key format.
package macaddr

import (
	"errors"
	"strings"
)

// ErrInvalid is returned for strings that are not a 6-octet MAC address.
var ErrInvalid = errors.New("invalid MAC address")

const hexDigits = "0123456789ABCDEF"

// Canonicalize returns mac as uppercase, colon-separated octets
// (AA:BB:CC:DD:EE:FF). Colons, dashes, dots (Cisco notation) and bare
// 12-digit hex are accepted. Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(mac string) (string, error) {
	s := strings.TrimSpace(mac)
	if s == "" {
		return "", ErrInvalid
	}

	digits := make([]byte, 0, 12)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ':' || c == '-' || c == '.':
			continue
		case c >= '0' && c <= '9', c >= 'A' && c <= 'F':
			digits = append(digits, c)
		case c >= 'a' && c <= 'f':
			digits = append(digits, c-'a'+'A')
		default:
			return "", ErrInvalid
		}
	}
	if len(digits) != 12 {
		return "", ErrInvalid
	}
	if !validSeparators(s) {
		return "", ErrInvalid
	}

	out := make([]byte, 0, 17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, digits[i], digits[i+1])
	}
	return string(out), nil
}

// MustCanonicalize is Canonicalize for inputs known to be valid (tests, constants).
func MustCanonicalize(mac string) string {
	c, err := Canonicalize(mac)
	if err != nil {
		panic(err)
	}
	return c
}

// validSeparators rejects mixed or misplaced separators such as "AA:BB-CC..."
// or "A:ABBCCDDEEFF" that would otherwise collapse into 12 hex digits.
func validSeparators(s string) bool {
	var sep byte
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(hexDigits, upper(s[i])) >= 0 {
			continue
		}
		if sep == 0 {
			sep = s[i]
		} else if s[i] != sep {
			return false
		}
	}

	switch sep {
	case 0:
		return len(s) == 12
	case ':', '-':
		return groupsOf(s, sep, 2, 6)
	case '.':
		return groupsOf(s, sep, 4, 3)
	}
	return false
}

func groupsOf(s string, sep byte, width, count int) bool {
	parts := strings.Split(s, string(sep))
	if len(parts) != count {
		return false
	}
	for _, p := range parts {
		if len(p) != width {
			return false
		}
	}
	return true
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
