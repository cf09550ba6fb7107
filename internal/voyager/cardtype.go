package voyager

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/justsurfingit/applytrail/internal/capture"
)

// CardType selects a "my items" tab.
type CardType string

const (
	CardApplied    CardType = "APPLIED"
	CardSaved      CardType = "SAVED"
	CardInProgress CardType = "IN_PROGRESS"
	CardArchived   CardType = "ARCHIVED"
)

var cardTypes = []CardType{CardApplied, CardSaved, CardInProgress, CardArchived}

// ErrNoCardType is returned when a template carries no cardType value to swap.
var ErrNoCardType = errors.New("template variables carry no cardType value")

// ParseCardType accepts any casing; empty means APPLIED.
func ParseCardType(s string) (CardType, error) {
	if strings.TrimSpace(s) == "" {
		return CardApplied, nil
	}
	want := CardType(strings.ToUpper(strings.TrimSpace(s)))
	for _, c := range cardTypes {
		if c == want {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown card type %q", s)
}

var cardValueRe = regexp.MustCompile(`cardType(?:,|%2C)value(?::|%3A)List(?:\(|%28)(APPLIED|SAVED|IN_PROGRESS|ARCHIVED)`)

// Current reports the card type a template was captured with.
func Current(t *capture.Template) (CardType, bool) {
	v, ok := t.Param("variables")
	if !ok {
		return "", false
	}
	m := cardValueRe.FindStringSubmatch(v)
	if m == nil {
		return "", false
	}
	return CardType(m[1]), true
}

// Apply returns a copy of t that targets card type c. The tab-identifying
// headers are rewritten too, otherwise the upstream quietly answers with a
// different tab.
func (c CardType) Apply(t *capture.Template) (*capture.Template, error) {
	v, ok := t.Param("variables")
	if !ok {
		return nil, ErrNoCardType
	}
	loc := cardValueRe.FindStringSubmatchIndex(v)
	if loc == nil {
		return nil, ErrNoCardType
	}

	var out *capture.Template
	if cur := v[loc[2]:loc[3]]; cur != string(c) {
		old := v[loc[0]:loc[1]]
		swapped, ok := t.WithVariable(old, old[:loc[2]-loc[0]]+string(c))
		if !ok {
			return nil, ErrNoCardType
		}
		out = swapped
	} else {
		out = t.Clone()
	}

	lower := strings.ToLower(string(c))
	out = out.WithHeader("referer", "https://www.linkedin.com/my-items/saved-jobs/?cardType="+string(c))
	out = out.WithHeader("x-li-pem-metadata", "Voyager - My Items=myitems-"+strings.ReplaceAll(lower, "_", "-")+"-jobs")

	instance := "urn:li:page:d_flagship3_myitems_savedjobs;"
	if cur, ok := out.Header("x-li-page-instance"); ok {
		if _, suffix, found := strings.Cut(cur, ";"); found {
			instance += suffix
		}
	}
	out = out.WithHeader("x-li-page-instance", instance)
	return out, nil
}
