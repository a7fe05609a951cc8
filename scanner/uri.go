// scanner/uri.go
//
// URI-style escaping for path and string values in the metadata stream:
// every byte outside A-Z a-z 0-9 - _ . / ~ % is percent-encoded as "%xx"
// with lowercase hex digits. '%' itself passes through, which makes the
// encoding idempotent; the uri_encode variants in original_source/format.cc
// and original_source/util.cc use other pass-through sets.
package scanner

import (
	"strings"
)

func isURISafe(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '/' || c == '~' || c == '%':
		return true
	default:
		return false
	}
}

const hexDigits = "0123456789abcdef"

// uriEncode percent-encodes every byte of s outside the pass-through
// alphabet. It is idempotent: re-encoding already-encoded output leaves it
// unchanged, since '%' and the hex digits of each escape are all in the
// pass-through set.
func uriEncode(s string) string {
	var needsEscape bool
	for i := 0; i < len(s); i++ {
		if !isURISafe(s[i]) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURISafe(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		}
	}
	return b.String()
}

// uriDecode reverses uriEncode. An input that already contained '%'
// followed by two hex digits is passed through unchanged by uriEncode, so
// uriDecode decodes that sequence rather than restoring it.
func uriDecode(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}
