package protocol

import "strings"

// StripColors removes DarkPlaces colour codes (^0..^9 and ^xRGB) from s and
// turns the escaped caret ^^ into a single ^.
func StripColors(s string) string {
	if strings.IndexByte(s, '^') < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] != '^' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}

		next := s[i+1]
		switch {
		case next == '^':
			b.WriteByte('^')
			i++
		case next >= '0' && next <= '9':
			i++
		case next == 'x' && i+4 < len(s) && isHex(s[i+2]) && isHex(s[i+3]) && isHex(s[i+4]):
			i += 4
		default:
			b.WriteByte(s[i])
		}
	}

	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
