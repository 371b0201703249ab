package validation

import (
	"cmp"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Range bounds an ordered value. Nil bounds are open.
type Range[T cmp.Ordered] struct {
	Min *T
	Max *T
}

func Between[T cmp.Ordered](lo, hi T) Range[T] { return Range[T]{Min: &lo, Max: &hi} }

func AtLeast[T cmp.Ordered](lo T) Range[T] { return Range[T]{Min: &lo} }

func (r Range[T]) Validate(field string, v T) []FieldError {
	if r.Min != nil && v < *r.Min {
		return fail(field, "range_min", "must be >= %v", *r.Min)
	}
	if r.Max != nil && v > *r.Max {
		return fail(field, "range_max", "must be <= %v", *r.Max)
	}
	return nil
}

// String validates text. Lengths count runes.
type String struct {
	NotEmpty  bool
	MinLength int
	MaxLength int
	Pattern   *regexp.Regexp
	Trim      bool
}

func (s String) Validate(field string, v string) []FieldError {
	if s.Trim {
		v = strings.TrimSpace(v)
	}
	n := utf8.RuneCountInString(v)
	var out []FieldError
	if s.NotEmpty && n == 0 {
		return fail(field, "required", "must not be empty")
	}
	if s.MinLength > 0 && n < s.MinLength {
		out = append(out, fail(field, "min_length", "must be at least %d characters", s.MinLength)...)
	}
	if s.MaxLength > 0 && n > s.MaxLength {
		out = append(out, fail(field, "max_length", "must be at most %d characters", s.MaxLength)...)
	}
	if s.Pattern != nil && !s.Pattern.MatchString(v) {
		out = append(out, fail(field, "pattern", "does not match %s", s.Pattern.String())...)
	}
	return out
}

type Collection[T comparable] struct {
	MinSize     int
	MaxSize     int
	UniqueItems bool
	Item        Validator[T]
}

func (c Collection[T]) Validate(field string, v []T) []FieldError {
	var out []FieldError
	if len(v) < c.MinSize {
		out = append(out, fail(field, "min_size", "must contain at least %d items", c.MinSize)...)
	}
	if c.MaxSize > 0 && len(v) > c.MaxSize {
		out = append(out, fail(field, "max_size", "must contain at most %d items", c.MaxSize)...)
	}
	if c.UniqueItems {
		seen := make(map[T]struct{}, len(v))
		for i, item := range v {
			if _, dup := seen[item]; dup {
				out = append(out, fail(fmt.Sprintf("%s[%d]", field, i), "unique", "duplicate item %v", item)...)
				continue
			}
			seen[item] = struct{}{}
		}
	}
	if c.Item != nil {
		for i, item := range v {
			out = append(out, c.Item.Validate(fmt.Sprintf("%s[%d]", field, i), item)...)
		}
	}
	return out
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)

type Email struct{}

func (Email) Validate(field string, v string) []FieldError {
	if !emailPattern.MatchString(v) {
		return fail(field, "email", "invalid email address")
	}
	return nil
}

type URL struct {
	RequireHTTPS   bool
	AllowedSchemes []string
}

func (u URL) Validate(field string, v string) []FieldError {
	parsed, err := url.Parse(v)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fail(field, "url", "invalid URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if u.RequireHTTPS && scheme != "https" {
		return fail(field, "url_https", "must use https")
	}
	if len(u.AllowedSchemes) > 0 {
		for _, s := range u.AllowedSchemes {
			if strings.EqualFold(s, scheme) {
				return nil
			}
		}
		return fail(field, "url_scheme", "scheme %s not allowed", scheme)
	}
	return nil
}

type IP struct {
	V4Only    bool
	V6Only    bool
	NoPrivate bool
}

func (c IP) Validate(field string, v string) []FieldError {
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return fail(field, "ip", "invalid IP address")
	}
	if c.V4Only && !addr.Is4() {
		return fail(field, "ip_v4", "must be an IPv4 address")
	}
	if c.V6Only && !addr.Is6() {
		return fail(field, "ip_v6", "must be an IPv6 address")
	}
	if c.NoPrivate && (addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()) {
		return fail(field, "ip_private", "private addresses are not allowed")
	}
	return nil
}
