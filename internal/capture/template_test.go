package capture

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const listingCurl = `curl 'https://www.linkedin.com/voyager/api/graphql?variables=(start:0,query:(flagshipSearchIntent:SEARCH_MY_ITEMS_JOB_SEEKER,queryParameters:List((key:cardType,value:List(APPLIED)))))&queryId=voyagerSearchDashClusters.b0928897b71bd00a5a7291755dcd64f0' \
  -H 'accept: application/vnd.linkedin.normalized+json+2.1' \
  -H 'accept-language: en-US,en;q=0.9' \
  -H 'cookie: li_at=OLD; JSESSIONID="ajax:123"; lang=v=2&lang=en-us' \
  -H 'csrf-token: ajax:123' \
  -H 'referer: https://www.linkedin.com/my-items/saved-jobs/?cardType=APPLIED' \
  -H 'x-li-page-instance: urn:li:page:d_flagship3_myitems_savedjobs;xyz==' \
  -b 'li_at=NEW; bcookie="v=2&abc"' \
  --compressed`

const listingFetch = `fetch("https://www.linkedin.com/voyager/api/graphql?variables=(count:25,start:50,query:(flagshipSearchIntent:SEARCH_MY_ITEMS_JOB_SEEKER))&queryId=q1", {
  "headers": {
    "accept": "application/vnd.linkedin.normalized+json+2.1",
    "csrf-token": "ajax:999",
    "x-restli-protocol-version": "2.0.0",
    "cookie": "li_at=FETCHED; JSESSIONID=\"ajax:999\""
  },
  "referrer": "https://www.linkedin.com/my-items/saved-jobs/",
  "body": null,
  "method": "GET",
  "mode": "cors",
  "credentials": "include"
});`

func mustParse(t *testing.T, raw string) *Template {
	t.Helper()
	tmpl, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return tmpl
}

func TestParse_Curl(t *testing.T) {
	tmpl := mustParse(t, listingCurl)

	if tmpl.Method != "GET" {
		t.Errorf("method = %q, want GET", tmpl.Method)
	}
	if tmpl.BaseURL != "https://www.linkedin.com/voyager/api/graphql" {
		t.Errorf("base url = %q", tmpl.BaseURL)
	}
	if len(tmpl.Query) != 2 || tmpl.Query[0].Key != "variables" || tmpl.Query[1].Key != "queryId" {
		t.Fatalf("query = %+v", tmpl.Query)
	}
	if tmpl.Query[0].Offset == nil {
		t.Fatal("offset slot not found")
	}
	if tmpl.PageSize != DefaultPageSize {
		t.Errorf("page size = %d", tmpl.PageSize)
	}
	if v, ok := tmpl.Header("CSRF-Token"); !ok || v != "ajax:123" {
		t.Errorf("csrf header lookup = %q, %v", v, ok)
	}
	if _, ok := tmpl.Header("cookie"); ok {
		t.Error("cookie header should move into the cookie list")
	}

	wantCookies := []Cookie{
		{Name: "li_at", Value: "NEW"},
		{Name: "JSESSIONID", Value: `"ajax:123"`},
		{Name: "lang", Value: "v=2&lang=en-us"},
		{Name: "bcookie", Value: `"v=2&abc"`},
	}
	if !reflect.DeepEqual(tmpl.Cookies, wantCookies) {
		t.Errorf("cookies = %+v\nwant %+v", tmpl.Cookies, wantCookies)
	}
}

func TestParse_Fetch(t *testing.T) {
	tmpl := mustParse(t, listingFetch)

	if tmpl.Method != "GET" || tmpl.Body != nil {
		t.Errorf("method = %q body = %v", tmpl.Method, tmpl.Body)
	}
	if tmpl.PageSize != 25 {
		t.Errorf("page size = %d, want 25", tmpl.PageSize)
	}
	names := make([]string, 0, len(tmpl.Headers))
	for _, h := range tmpl.Headers {
		names = append(names, h.Name)
	}
	want := []string{"accept", "csrf-token", "x-restli-protocol-version", "Referer"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("header order = %v, want %v", names, want)
	}
	if v, _ := tmpl.Cookie("li_at"); v != "FETCHED" {
		t.Errorf("li_at = %q", v)
	}

	p := tmpl.Rehydrate(3, RequestContext{})
	if !strings.Contains(p.URL, "variables=(count:25,start:75,query:") {
		t.Errorf("url = %s", p.URL)
	}
}

func TestParse_CurlWithDataImpliesPost(t *testing.T) {
	tmpl := mustParse(t, `curl https://example.com/api --data-raw '{"a":1}' -H "Content-Type: application/json"`)
	if tmpl.Method != "POST" {
		t.Errorf("method = %q, want POST", tmpl.Method)
	}
	if tmpl.Body == nil || *tmpl.Body != `{"a":1}` {
		t.Errorf("body = %v", tmpl.Body)
	}

	tmpl = mustParse(t, `curl -X PUT --url=https://example.com/api -d a=1 -d b=2`)
	if tmpl.Method != "PUT" || *tmpl.Body != "a=1&b=2" {
		t.Errorf("method = %q body = %q", tmpl.Method, *tmpl.Body)
	}
}

func TestParse_ANSICQuoting(t *testing.T) {
	tmpl := mustParse(t, `curl $'https://example.com/x?variables=(start:0)' -H $'x-note: caf\xc3\xa9 \'ok\''`)
	if v, _ := tmpl.Header("x-note"); v != "café 'ok'" {
		t.Errorf("x-note = %q", v)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"", ErrEmptyInput},
		{"   \n\t ", ErrEmptyInput},
		{"curl -H 'a: b'", ErrNoURL},
		{"fetch(42)", ErrNoURL},
		{"wget https://example.com", ErrUnrecognizedShape},
		{"curl 'https://example.com", ErrUnrecognizedShape},
		{`fetch("https://example.com", {headers: {}})`, ErrUnrecognizedShape},
	}
	for _, tt := range tests {
		_, err := Parse(tt.raw)
		if !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) err = %v, want %v", tt.raw, err, tt.want)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("Parse(%q) err is not a *ParseError: %T", tt.raw, err)
		}
	}
}

// Rendering a template back to curl and parsing it again gives the same
// template.
func TestParse_RoundTripThroughCurl(t *testing.T) {
	for _, raw := range []string{
		listingCurl,
		listingFetch,
		`curl 'https://example.com/p?a=1&b=it'\''s' -X DELETE -H 'x: y'`,
		`curl https://example.com/api --data-binary 'q=1' -H 'Content-Type: text/plain'`,
	} {
		first := mustParse(t, raw)
		second := mustParse(t, first.Curl())
		if !reflect.DeepEqual(first, second) {
			t.Errorf("round trip changed the template\nfirst:  %+v\nsecond: %+v\ncurl: %s", first, second, first.Curl())
		}
	}
}

// Two pages differ only at the offset.
func TestRehydrate_OnlyOffsetDiffers(t *testing.T) {
	tmpl := mustParse(t, listingCurl)
	rc := RequestContext{Cookies: []Cookie{{Name: "li_at", Value: "CURRENT"}}, CSRFToken: "ajax:777"}

	p0 := tmpl.Rehydrate(0, rc)
	p4 := tmpl.Rehydrate(4, rc)

	if !reflect.DeepEqual(p0.Headers, p4.Headers) || p0.Method != p4.Method || p0.Body != p4.Body {
		t.Fatal("pages differ outside the url")
	}
	if got := strings.Replace(p4.URL, "(start:40,", "(start:0,", 1); got != p0.URL {
		t.Errorf("urls differ outside the offset\np0: %s\np4: %s", p0.URL, p4.URL)
	}
	if !strings.Contains(p0.URL, "queryParameters:List((key:cardType,value:List(APPLIED)))))&queryId=") {
		t.Errorf("variables were re-encoded: %s", p0.URL)
	}
	if p0.Header("csrf-token") != "ajax:777" {
		t.Errorf("csrf-token = %q", p0.Header("csrf-token"))
	}
	if c := p0.Header("cookie"); !strings.HasPrefix(c, "li_at=CURRENT; JSESSIONID=") {
		t.Errorf("cookie = %q", c)
	}
	if !reflect.DeepEqual(tmpl.Rehydrate(4, rc), p4) {
		t.Error("rehydrate is not stable")
	}
}

func TestRehydrate_InsertsMissingOffset(t *testing.T) {
	tmpl := mustParse(t, `curl 'https://example.com/g?variables=(query:(x:1))&queryId=q'`)
	if !tmpl.HasOffset() {
		t.Fatal("offset slot should be inserted")
	}
	if got := tmpl.Rehydrate(1, RequestContext{}).URL; got != "https://example.com/g?variables=(start:10,query:(x:1))&queryId=q" {
		t.Errorf("url = %s", got)
	}

	tmpl = mustParse(t, `curl 'https://example.com/g?variables=(start%3A0%2Cquery%3A1)'`)
	if got := tmpl.Rehydrate(2, RequestContext{}).URL; got != "https://example.com/g?variables=(start%3A20%2Cquery%3A1)" {
		t.Errorf("encoded url = %s", got)
	}
}

func TestEscapeHeaderValue(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain ascii", "plain ascii"},
		{"café", "caf\xe9"},
		{"São Paulo → Remote", "S\xe3o Paulo %E2%86%92 Remote"},
		{"日本", "%E6%97%A5%E6%9C%AC"},
	}
	for _, tt := range tests {
		if got := EscapeHeaderValue(tt.in); got != tt.want {
			t.Errorf("EscapeHeaderValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWithHeaderAndVariable(t *testing.T) {
	tmpl := mustParse(t, listingCurl)

	swapped, ok := tmpl.WithVariable("value:List(APPLIED)", "value:List(SAVED)")
	if !ok {
		t.Fatal("WithVariable did not find the value")
	}
	if v, _ := swapped.Param("variables"); !strings.Contains(v, "List(SAVED)") {
		t.Errorf("variables = %s", v)
	}
	if v, _ := tmpl.Param("variables"); !strings.Contains(v, "List(APPLIED)") {
		t.Error("WithVariable mutated the source template")
	}
	if _, ok := tmpl.WithVariable("nope", "x"); ok {
		t.Error("WithVariable reported a swap for a missing value")
	}

	h := tmpl.WithHeader("Referer", "https://example.com")
	if v, _ := h.Header("referer"); v != "https://example.com" {
		t.Errorf("referer = %q", v)
	}
	if len(h.Headers) != len(tmpl.Headers) {
		t.Error("WithHeader should replace in place")
	}
}
