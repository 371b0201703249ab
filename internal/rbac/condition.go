package rbac

import (
	"fmt"
	"net/netip"
	"time"
)

// Condition is an acyclic tree evaluated against a user and the local time.
type Condition interface {
	Eval(u UserContext, now time.Time) bool
}

type Always struct{}

func (Always) Eval(UserContext, time.Time) bool { return true }

// TimeRange holds HH:MM or HH:MM:SS bounds in local time. Ranges with
// Start > End cross midnight. Unparseable bounds never match.
type TimeRange struct {
	Start string
	End   string
}

func (c TimeRange) Eval(_ UserContext, now time.Time) bool {
	start, err1 := parseClock(c.Start)
	end, err2 := parseClock(c.End)
	if err1 != nil || err2 != nil {
		return false
	}
	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func parseClock(s string) (int, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
		}
	}
	return 0, fmt.Errorf("invalid time %q", s)
}

// IPRange matches the user's address exactly or against CIDR entries.
type IPRange struct {
	AllowedIPs []string
}

func (c IPRange) Eval(u UserContext, _ time.Time) bool {
	if u.IPAddress == "" {
		return false
	}
	addr, addrErr := netip.ParseAddr(u.IPAddress)
	for _, allowed := range c.AllowedIPs {
		if allowed == u.IPAddress {
			return true
		}
		if addrErr != nil {
			continue
		}
		if prefix, err := netip.ParsePrefix(allowed); err == nil && prefix.Contains(addr) {
			return true
		}
	}
	return false
}

type UserAttribute struct {
	Attribute string
	Value     string
}

func (c UserAttribute) Eval(u UserContext, _ time.Time) bool {
	v, ok := u.Attributes[c.Attribute]
	return ok && v == c.Value
}

// And, Or and Not treat a nil child as a condition that never matches,
// and Not of nil is false as well.
type And []Condition

func (c And) Eval(u UserContext, now time.Time) bool {
	for _, sub := range c {
		if sub == nil || !sub.Eval(u, now) {
			return false
		}
	}
	return true
}

type Or []Condition

func (c Or) Eval(u UserContext, now time.Time) bool {
	for _, sub := range c {
		if sub != nil && sub.Eval(u, now) {
			return true
		}
	}
	return false
}

type Not struct {
	Condition Condition
}

func (c Not) Eval(u UserContext, now time.Time) bool {
	if c.Condition == nil {
		return false
	}
	return !c.Condition.Eval(u, now)
}

// wellFormed reports whether c and every nested condition are non-nil.
func wellFormed(c Condition) bool {
	switch c := c.(type) {
	case nil:
		return false
	case And:
		for _, sub := range c {
			if !wellFormed(sub) {
				return false
			}
		}
	case Or:
		for _, sub := range c {
			if !wellFormed(sub) {
				return false
			}
		}
	case Not:
		return wellFormed(c.Condition)
	case *Not:
		return c != nil && wellFormed(c.Condition)
	}
	return true
}
