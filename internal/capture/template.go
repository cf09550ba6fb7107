// Package capture turns an authenticated request copied out of a browser
// ("Copy as cURL" or "Copy as fetch") into a reusable, rehydratable Template.
package capture

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPageSize is what the upstream returns per page when the captured
// variables carry no count.
const DefaultPageSize = 10

var (
	ErrEmptyInput        = errors.New("empty input")
	ErrNoURL             = errors.New("no url found")
	ErrUnrecognizedShape = errors.New("unrecognized request shape")
)

// ParseError wraps one of the sentinel errors above with some detail.
type ParseError struct {
	Err    error
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "capture: " + e.Err.Error()
	}
	return fmt.Sprintf("capture: %s: %s", e.Err, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Header is one captured header, name kept as captured.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookie is one name=value pair of a cookie bundle.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OffsetSlot marks where the page offset goes inside a query value.
type OffsetSlot struct {
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

// QueryParam is one raw key=value pair of the captured query string. Values
// are kept exactly as captured, never decoded or re-encoded.
type QueryParam struct {
	Key    string      `json:"key"`
	Value  string      `json:"value"`
	Offset *OffsetSlot `json:"offset,omitempty"`
}

// Template is the parsed form of a captured request. It is never mutated
// after Parse; derived templates are produced by copy.
type Template struct {
	Name     string       `json:"name"`
	Method   string       `json:"method"`
	BaseURL  string       `json:"base_url"`
	Query    []QueryParam `json:"query"`
	Headers  []Header     `json:"headers"`
	Cookies  []Cookie     `json:"cookies"`
	Body     *string      `json:"body,omitempty"`
	PageSize int          `json:"page_size"`
}

// RequestContext carries the session material used for one execution. It
// always comes from the current Credential, never from the template.
type RequestContext struct {
	Cookies   []Cookie
	CSRFToken string
}

// Prepared is a concrete request ready to be sent.
type Prepared struct {
	Method  string
	URL     string
	Headers []Header
	Body    *string
}

// Header returns the value of the prepared header name, case-insensitively.
func (p Prepared) Header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

var (
	offsetRe = regexp.MustCompile(`(^|[(,]|%28|%2C)start(:|%3A)(\d+)`)
	countRe  = regexp.MustCompile(`(^|[(,]|%28|%2C)count(:|%3A)(\d+)`)
)

// Parse converts raw captured text into a Template.
func Parse(raw string) (*Template, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, &ParseError{Err: ErrEmptyInput}
	}
	lower := strings.ToLower(text)
	switch {
	case lower == "curl" || strings.HasPrefix(lower, "curl ") || strings.HasPrefix(lower, "curl\t") ||
		strings.HasPrefix(lower, "curl\n") || strings.HasPrefix(lower, "curl\\"):
		return parseCurl(text)
	case strings.HasPrefix(lower, "fetch(") || strings.HasPrefix(lower, "await fetch("):
		return parseFetch(text)
	}
	return nil, &ParseError{Err: ErrUnrecognizedShape, Detail: "expected a curl command or a fetch() call"}
}

// build assembles the template from its decoded parts.
func build(method, rawURL string, headers []Header, extraCookies []Cookie, body *string) (*Template, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || !strings.Contains(rawURL, "://") {
		return nil, &ParseError{Err: ErrNoURL, Detail: rawURL}
	}
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}

	t := &Template{Method: strings.ToUpper(method), PageSize: DefaultPageSize, Body: body}
	base, query, _ := strings.Cut(rawURL, "?")
	t.BaseURL = base
	if query != "" {
		for _, part := range strings.Split(query, "&") {
			if part == "" {
				continue
			}
			k, v, _ := strings.Cut(part, "=")
			t.Query = append(t.Query, QueryParam{Key: k, Value: v})
		}
	}

	for _, h := range headers {
		if strings.EqualFold(h.Name, "cookie") {
			t.Cookies = mergeCookies(t.Cookies, ParseCookies(h.Value))
			continue
		}
		t.Headers = append(t.Headers, h)
	}
	t.Cookies = mergeCookies(t.Cookies, extraCookies)

	for i := range t.Query {
		if t.Query[i].Key != "variables" {
			continue
		}
		t.Query[i].Offset = offsetSlot(t.Query[i].Value)
		if m := countRe.FindStringSubmatch(t.Query[i].Value); m != nil {
			if n, err := strconv.Atoi(m[3]); err == nil && n > 0 {
				t.PageSize = n
			}
		}
	}
	return t, nil
}

// offsetSlot finds the start:N placeholder in a rest.li style variables
// value. When the value carries no start it is inserted right after the
// opening parenthesis.
func offsetSlot(value string) *OffsetSlot {
	if loc := offsetRe.FindStringSubmatchIndex(value); loc != nil {
		return &OffsetSlot{Prefix: value[:loc[6]], Suffix: value[loc[7]:]}
	}
	if strings.HasPrefix(value, "(") {
		rest := value[1:]
		if rest == ")" {
			return &OffsetSlot{Prefix: "(start:", Suffix: ")"}
		}
		return &OffsetSlot{Prefix: "(start:", Suffix: "," + rest}
	}
	return nil
}

// ParseCookies splits a "a=b; c=d" cookie string, keeping order.
func ParseCookies(s string) []Cookie {
	var out []Cookie
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out = append(out, Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return out
}

// CookieString renders cookies back into the header form.
func CookieString(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// mergeCookies overrides same-name cookies of base with those of over and
// appends the rest.
func mergeCookies(base, over []Cookie) []Cookie {
	out := append([]Cookie(nil), base...)
	for _, c := range over {
		replaced := false
		for i := range out {
			if out[i].Name == c.Name {
				out[i].Value = c.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}

// Header looks a captured header up case-insensitively.
func (t *Template) Header(name string) (string, bool) {
	for _, h := range t.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Cookie returns the captured cookie value.
func (t *Template) Cookie(name string) (string, bool) {
	for _, c := range t.Cookies {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Param returns the raw value of a query parameter.
func (t *Template) Param(key string) (string, bool) {
	for _, q := range t.Query {
		if q.Key == key {
			return q.Value, true
		}
	}
	return "", false
}

// Clone returns a deep copy.
func (t *Template) Clone() *Template {
	c := *t
	c.Query = make([]QueryParam, len(t.Query))
	for i, q := range t.Query {
		c.Query[i] = q
		if q.Offset != nil {
			slot := *q.Offset
			c.Query[i].Offset = &slot
		}
	}
	c.Headers = append([]Header(nil), t.Headers...)
	c.Cookies = append([]Cookie(nil), t.Cookies...)
	if t.Body != nil {
		b := *t.Body
		c.Body = &b
	}
	return &c
}

// WithHeader returns a copy with the header set, replacing any header of the
// same name regardless of case and keeping its position.
func (t *Template) WithHeader(name, value string) *Template {
	c := t.Clone()
	for i := range c.Headers {
		if strings.EqualFold(c.Headers[i].Name, name) {
			c.Headers[i].Value = value
			return c
		}
	}
	c.Headers = append(c.Headers, Header{Name: name, Value: value})
	return c
}

// WithVariable returns a copy whose variables value has old replaced by new.
// The offset slot is recomputed from the new value.
func (t *Template) WithVariable(old, new string) (*Template, bool) {
	c := t.Clone()
	for i := range c.Query {
		if c.Query[i].Key != "variables" || !strings.Contains(c.Query[i].Value, old) {
			continue
		}
		c.Query[i].Value = strings.Replace(c.Query[i].Value, old, new, 1)
		c.Query[i].Offset = offsetSlot(c.Query[i].Value)
		return c, true
	}
	return t, false
}

// HasOffset reports whether the template can be paged.
func (t *Template) HasOffset() bool {
	for _, q := range t.Query {
		if q.Offset != nil {
			return true
		}
	}
	return false
}

// Rehydrate produces the concrete request for a zero-based page index. The
// only difference between two pages is the offset substitution. Session
// cookies and the CSRF token come from rc when it carries them.
func (t *Template) Rehydrate(page int, rc RequestContext) Prepared {
	if page < 0 {
		page = 0
	}
	size := t.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}

	var b strings.Builder
	b.WriteString(t.BaseURL)
	for i, q := range t.Query {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(q.Key)
		b.WriteByte('=')
		if q.Offset != nil {
			b.WriteString(q.Offset.Prefix)
			b.WriteString(strconv.Itoa(page * size))
			b.WriteString(q.Offset.Suffix)
		} else {
			b.WriteString(q.Value)
		}
	}

	cookies := t.Cookies
	if len(rc.Cookies) > 0 {
		cookies = mergeCookies(t.Cookies, rc.Cookies)
	}

	headers := make([]Header, 0, len(t.Headers)+1)
	csrfSet := false
	for _, h := range t.Headers {
		v := h.Value
		if strings.EqualFold(h.Name, "csrf-token") && rc.CSRFToken != "" {
			v = rc.CSRFToken
			csrfSet = true
		}
		headers = append(headers, Header{Name: h.Name, Value: EscapeHeaderValue(v)})
	}
	if !csrfSet && rc.CSRFToken != "" {
		headers = append(headers, Header{Name: "csrf-token", Value: EscapeHeaderValue(rc.CSRFToken)})
	}
	if len(cookies) > 0 {
		headers = append(headers, Header{Name: "cookie", Value: EscapeHeaderValue(CookieString(cookies))})
	}

	var body *string
	if t.Body != nil {
		s := *t.Body
		body = &s
	}
	return Prepared{Method: t.Method, URL: b.String(), Headers: headers, Body: body}
}

// EscapeHeaderValue keeps Latin-1 characters as single bytes and percent
// escapes the UTF-8 bytes of everything above U+00FF.
func EscapeHeaderValue(v string) string {
	plain := true
	for _, r := range v {
		if r > 0x7f {
			plain = false
			break
		}
	}
	if plain {
		return v
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r <= 0xff:
			b.WriteByte(byte(r))
		default:
			for _, c := range []byte(string(r)) {
				fmt.Fprintf(&b, "%%%02X", c)
			}
		}
	}
	return b.String()
}
