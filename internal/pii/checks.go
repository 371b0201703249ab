package pii

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

func validEmail(s string) bool {
	return strings.Contains(s, "@") && strings.Contains(s, ".") && len(s) > 5 && len(s) < 100
}

// validSSN rejects the reserved area, group and serial values.
func validSSN(s string) bool {
	d := digits(s)
	return len(d) == 9 && d[:3] != "000" && d[3:5] != "00" && d[5:] != "0000"
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// luhn validates card numbers of 13 to 19 digits. Separators are ignored.
func luhn(s string) bool {
	d := digits(s)
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	sum := 0
	for i := 0; i < len(d); i++ {
		n := int(d[len(d)-1-i] - '0')
		if i%2 == 1 {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
	}
	return sum%10 == 0
}

func digits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func checksumValid(e Entity) bool {
	switch e.Type {
	case CreditCard:
		return luhn(e.Value)
	case SSN:
		return validSSN(e.Value)
	case IPAddress:
		return validIPv4(e.Value)
	case Email:
		return validEmail(e.Value)
	default:
		return true
	}
}

func heuristicFalsePositive(e Entity) bool {
	switch e.Type {
	case Phone:
		d := digits(e.Value)
		return d == "0000000000" || d == "1111111111" || len(d) < 10
	case Email:
		return strings.Contains(e.Value, "test@test") ||
			strings.Contains(e.Value, "example@example") ||
			!strings.Contains(e.Value, ".")
	case CreditCard:
		d := digits(e.Value)
		return strings.Trim(d, "0") == "" || strings.Trim(d, "1") == ""
	default:
		return false
	}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

// atWordBoundaries reports whether text[start:end] is delimited by Unicode
// word boundaries on both sides.
func atWordBoundaries(text string, start, end int) bool {
	if start >= end {
		return false
	}
	first, _ := utf8.DecodeRuneInString(text[start:end])
	last, _ := utf8.DecodeLastRuneInString(text[start:end])
	before := false
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		before = isWordRune(r)
	}
	after := false
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		after = isWordRune(r)
	}
	return before != isWordRune(first) && after != isWordRune(last)
}

// expandLeft moves n code points left of the byte offset i.
func expandLeft(text string, i, n int) int {
	for i > 0 && n > 0 {
		_, size := utf8.DecodeLastRuneInString(text[:i])
		i -= size
		n--
	}
	return i
}

func expandRight(text string, i, n int) int {
	for i < len(text) && n > 0 {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
		n--
	}
	return i
}
