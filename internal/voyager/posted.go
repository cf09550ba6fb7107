package voyager

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relativeRe = regexp.MustCompile(`(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h|days?|d|weeks?|wks?|w|months?|mos?|years?|yrs?|y)\b`)

var absoluteLayouts = []string{
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02/01/2006",
}

// ParseRelative reads phrases like "Applied 3d ago", "Posted 2 weeks ago" or
// "yesterday" relative to now.
func ParseRelative(text string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case lower == "":
		return time.Time{}, false
	case strings.Contains(lower, "just now"), strings.Contains(lower, "today"), strings.Contains(lower, "moments ago"):
		return now, true
	case strings.Contains(lower, "yesterday"):
		return now.AddDate(0, 0, -1), true
	}

	m := relativeRe.FindStringSubmatch(lower)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	unit := m[2]
	switch {
	case strings.HasPrefix(unit, "mo"):
		return now.AddDate(0, -n, 0), true
	case strings.HasPrefix(unit, "m"):
		return now.Add(-time.Duration(n) * time.Minute), true
	case strings.HasPrefix(unit, "h"):
		return now.Add(-time.Duration(n) * time.Hour), true
	case strings.HasPrefix(unit, "d"):
		return now.AddDate(0, 0, -n), true
	case strings.HasPrefix(unit, "w"):
		return now.AddDate(0, 0, -7*n), true
	case strings.HasPrefix(unit, "y"):
		return now.AddDate(-n, 0, 0), true
	}
	return time.Time{}, false
}

// NormalizePosted turns the upstream's free form posted text into a
// timestamp. Absolute dates are tried first, then relative phrases. It
// returns nil when nothing can be made of the text.
func NormalizePosted(text string, now time.Time) *time.Time {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil
	}
	for _, prefix := range []string{"Reposted", "Posted on", "Posted", "Applied on", "Applied"} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return &t
		}
	}
	if t, ok := ParseRelative(s, now); ok {
		return &t
	}
	return nil
}

// FromMillis converts an epoch-millisecond payload value.
func FromMillis(n Node) *time.Time {
	ms, ok := n.Int()
	if !ok || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
