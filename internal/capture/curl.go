package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// flags that take a value we do not care about.
var valuedFlags = map[string]bool{
	"-o": true, "--output": true, "-u": true, "--user": true, "-x": true, "--proxy": true,
	"-m": true, "--max-time": true, "--connect-timeout": true, "-w": true, "--write-out": true,
	"--retry": true, "-F": true, "--form": true, "--resolve": true, "--cacert": true,
	"-E": true, "--cert": true, "--key": true, "-T": true, "--upload-file": true,
}

func parseCurl(text string) (*Template, error) {
	words, err := splitShell(text)
	if err != nil {
		return nil, &ParseError{Err: ErrUnrecognizedShape, Detail: err.Error()}
	}
	if len(words) == 0 || !strings.EqualFold(words[0], "curl") {
		return nil, &ParseError{Err: ErrUnrecognizedShape, Detail: "command is not curl"}
	}

	var (
		rawURL  string
		method  string
		headers []Header
		cookies []Cookie
		data    []string
		hasData bool
	)
	next := func(i int) (string, bool) {
		if i+1 < len(words) {
			return words[i+1], true
		}
		return "", false
	}

	for i := 1; i < len(words); i++ {
		w := words[i]
		flag, inline, hasInline := w, "", false
		if strings.HasPrefix(w, "--") {
			if k, v, ok := strings.Cut(w, "="); ok {
				flag, inline, hasInline = k, v, true
			}
		}
		value := func() (string, bool) {
			if hasInline {
				return inline, true
			}
			v, ok := next(i)
			if ok {
				i++
			}
			return v, ok
		}

		switch flag {
		case "-H", "--header":
			v, ok := value()
			if !ok {
				continue
			}
			name, val, found := strings.Cut(v, ":")
			if !found {
				continue
			}
			headers = append(headers, Header{Name: strings.TrimSpace(name), Value: strings.TrimLeft(val, " \t")})
		case "-b", "--cookie":
			v, ok := value()
			if ok && strings.Contains(v, "=") {
				cookies = mergeCookies(cookies, ParseCookies(v))
			}
		case "-d", "--data", "--data-raw", "--data-binary", "--data-ascii", "--data-urlencode":
			if v, ok := value(); ok {
				data = append(data, v)
				hasData = true
			}
		case "-X", "--request":
			if v, ok := value(); ok {
				method = v
			}
		case "-A", "--user-agent":
			if v, ok := value(); ok {
				headers = append(headers, Header{Name: "User-Agent", Value: v})
			}
		case "-e", "--referer":
			if v, ok := value(); ok {
				headers = append(headers, Header{Name: "Referer", Value: v})
			}
		case "--url":
			if v, ok := value(); ok && rawURL == "" {
				rawURL = v
			}
		default:
			if valuedFlags[flag] {
				value()
				continue
			}
			if strings.HasPrefix(w, "-") {
				continue
			}
			if rawURL == "" {
				rawURL = w
			}
		}
	}

	if rawURL == "" {
		return nil, &ParseError{Err: ErrNoURL}
	}
	var body *string
	if hasData {
		s := strings.Join(data, "&")
		body = &s
		if method == "" {
			method = "POST"
		}
	}
	if method == "" {
		method = "GET"
	}
	return build(method, rawURL, headers, cookies, body)
}

func parseFetch(text string) (*Template, error) {
	start := strings.Index(text, "fetch(")
	rest := strings.TrimSpace(text[start+len("fetch("):])

	dec := json.NewDecoder(strings.NewReader(rest))
	var rawURL string
	if err := dec.Decode(&rawURL); err != nil {
		return nil, &ParseError{Err: ErrNoURL, Detail: "fetch url must be a double quoted string"}
	}
	rest = strings.TrimSpace(rest[dec.InputOffset():])

	method := "GET"
	var (
		headers []Header
		body    *string
	)
	if strings.HasPrefix(rest, ",") {
		obj := strings.TrimSpace(rest[1:])
		var opts map[string]json.RawMessage
		if err := json.NewDecoder(strings.NewReader(obj)).Decode(&opts); err != nil {
			return nil, &ParseError{Err: ErrUnrecognizedShape, Detail: fmt.Sprintf("fetch options: %v", err)}
		}
		if raw, ok := opts["headers"]; ok {
			h, err := orderedHeaders(raw)
			if err != nil {
				return nil, &ParseError{Err: ErrUnrecognizedShape, Detail: fmt.Sprintf("fetch headers: %v", err)}
			}
			headers = h
		}
		if raw, ok := opts["method"]; ok {
			var m string
			if json.Unmarshal(raw, &m) == nil && m != "" {
				method = m
			}
		}
		if raw, ok := opts["body"]; ok {
			var s *string
			if json.Unmarshal(raw, &s) == nil && s != nil {
				body = s
			}
		}
		if raw, ok := opts["referrer"]; ok {
			var ref string
			if json.Unmarshal(raw, &ref) == nil && ref != "" && !hasHeader(headers, "referer") {
				headers = append(headers, Header{Name: "Referer", Value: ref})
			}
		}
	} else if !strings.HasPrefix(rest, ")") {
		return nil, &ParseError{Err: ErrUnrecognizedShape, Detail: "expected ',' or ')' after fetch url"}
	}

	return build(method, rawURL, headers, nil, body)
}

// orderedHeaders decodes a JSON object of string values keeping key order.
func orderedHeaders(raw json.RawMessage) ([]Header, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("headers is not an object")
	}
	var out []Header
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := kt.(string)
		var val string
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("header %q: %w", key, err)
		}
		out = append(out, Header{Name: key, Value: val})
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

func hasHeader(hs []Header, name string) bool {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// Curl renders the template back into a canonical curl command. Parsing the
// result yields a template equal to t (apart from Name).
func (t *Template) Curl() string {
	var b strings.Builder
	b.WriteString("curl ")

	u := t.BaseURL
	for i, q := range t.Query {
		if i == 0 {
			u += "?"
		} else {
			u += "&"
		}
		u += q.Key + "=" + q.Value
	}
	b.WriteString(quoteShell(u))

	implied := "GET"
	if t.Body != nil {
		implied = "POST"
	}
	if t.Method != "" && t.Method != implied {
		b.WriteString(" -X " + quoteShell(t.Method))
	}
	for _, h := range t.Headers {
		b.WriteString(" \\\n  -H " + quoteShell(h.Name+": "+h.Value))
	}
	if len(t.Cookies) > 0 {
		b.WriteString(" \\\n  -b " + quoteShell(CookieString(t.Cookies)))
	}
	if t.Body != nil {
		b.WriteString(" \\\n  --data-raw " + quoteShell(*t.Body))
	}
	return b.String()
}
