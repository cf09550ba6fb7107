package voyager

import (
	"regexp"
	"strings"
	"time"
)

// CompanyRef is the company a listing row points at.
type CompanyRef struct {
	Ref     string `json:"ref"`
	Name    string `json:"name"`
	LogoURL string `json:"logo_url,omitempty"`
	URL     string `json:"url,omitempty"`
}

// JobSummary is one normalized listing row.
type JobSummary struct {
	JobID              string      `json:"job_id"`
	Title              string      `json:"title"`
	Company            *CompanyRef `json:"company,omitempty"`
	Location           string      `json:"location"`
	URL                string      `json:"url"`
	PostedOn           *time.Time  `json:"posted_on,omitempty"`
	AppliedHint        *time.Time  `json:"applied_hint,omitempty"`
	Insights           []string    `json:"insights"`
	DescriptionSnippet string      `json:"description_snippet"`
	EasyApply          bool        `json:"easy_apply"`
}

// SkippedRow records a listing entry that could not be normalized.
type SkippedRow struct {
	URN    string
	URL    string
	Reason string
}

// Listing is the parse result of one page.
type Listing struct {
	Jobs    []JobSummary
	Skipped []SkippedRow
}

var (
	urnJobIDRe = regexp.MustCompile(`jobPosting(?:Card)?:\(?(\d+)`)
	urlJobIDRe = regexp.MustCompile(`/jobs/view/(?:[^/?#]*-)?(\d+)`)
	tailDigits = regexp.MustCompile(`(\d+)\)?$`)
)

// JobIDFromURN extracts the numeric job id of an urn.
func JobIDFromURN(urn string) string {
	if m := urnJobIDRe.FindStringSubmatch(urn); m != nil {
		return m[1]
	}
	if strings.Contains(urn, "jobPosting") {
		if m := tailDigits.FindStringSubmatch(urn); m != nil {
			return m[1]
		}
	}
	return ""
}

// JobIDFromURL extracts the numeric job id of a /jobs/view/ url. A
// currentJobId query parameter is accepted as well.
func JobIDFromURL(u string) string {
	if m := urlJobIDRe.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	if _, q, ok := strings.Cut(u, "currentJobId="); ok {
		end := strings.IndexFunc(q, func(r rune) bool { return r < '0' || r > '9' })
		if end < 0 {
			end = len(q)
		}
		return q[:end]
	}
	return ""
}

// clusterPaths are the places the listing query nests its clusters in.
var clusterPaths = [][]string{
	{"data", "data", "searchDashClustersByAll"},
	{"data", "searchDashClustersByAll"},
}

// ParseListing turns one listing payload into job summaries. Clusters
// reference result entities by urn; the entities themselves live in the
// "included" pool.
func ParseListing(root Node, now time.Time) Listing {
	// 1. Index the included pool by urn.
	pool := make(map[string]Node)
	for _, ent := range root.Field("included").Items() {
		if urn := ent.Field("entityUrn").Text(); urn != "" {
			pool[urn] = ent
		}
	}

	var clusters Node
	for _, path := range clusterPaths {
		if c := root.Path(path...); !c.IsNull() {
			clusters = c
			break
		}
	}

	// 2. Walk the clusters in payload order.
	var out Listing
	for _, cluster := range clusters.Field("elements").Items() {
		for _, item := range cluster.Field("items").Items() {
			ref := item.Field("item")
			ent := ref.Field("entityResult")
			if ent.IsNull() {
				urn := ref.Field("*entityResult").Text()
				if urn == "" {
					continue
				}
				resolved, ok := pool[urn]
				if !ok {
					out.Skipped = append(out.Skipped, SkippedRow{URN: urn, Reason: "entity not found in included pool"})
					continue
				}
				ent = resolved
			}

			sum, skip := summarize(ent, pool, now)
			if skip != nil {
				out.Skipped = append(out.Skipped, *skip)
				continue
			}
			out.Jobs = append(out.Jobs, sum)
		}
	}
	return out
}

func summarize(ent Node, pool map[string]Node, now time.Time) (JobSummary, *SkippedRow) {
	urn := ent.Field("entityUrn").Text()
	nav := ent.Field("navigationUrl").Text()

	fromURN := JobIDFromURN(urn)
	if fromURN == "" {
		fromURN = JobIDFromURN(ent.Field("trackingUrn").Text())
	}
	fromURL := JobIDFromURL(nav)

	var id string
	switch {
	case fromURN != "" && fromURL != "" && fromURN != fromURL:
		return JobSummary{}, &SkippedRow{URN: urn, URL: nav, Reason: "urn and url disagree on job id"}
	case fromURN != "":
		id = fromURN
	case fromURL != "":
		id = fromURL
	default:
		return JobSummary{}, &SkippedRow{URN: urn, URL: nav, Reason: "no job id"}
	}

	sum := JobSummary{
		JobID:              id,
		Title:              strings.TrimSpace(ent.Path("title", "text").Text()),
		Location:           strings.TrimSpace(ent.Path("secondarySubtitle", "text").Text()),
		URL:                canonicalJobURL(nav, id),
		DescriptionSnippet: strings.TrimSpace(ent.Path("summary", "text").Text()),
	}

	visitor := DefaultTextVisitor()
	for _, text := range visitor.Collect(ent.Field("insightsResolutionResults")) {
		sum.Insights = append(sum.Insights, text)
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "easy apply"):
			sum.EasyApply = true
		case strings.HasPrefix(lower, "applied"):
			if t, ok := ParseRelative(text, now); ok {
				sum.AppliedHint = &t
			}
		case strings.HasPrefix(lower, "posted") || strings.HasPrefix(lower, "reposted"):
			sum.PostedOn = NormalizePosted(text, now)
		}
	}
	if sum.PostedOn == nil {
		if t := NormalizePosted(ent.Path("tertiarySubtitle", "text").Text(), now); t != nil {
			sum.PostedOn = t
		}
	}

	sum.Company = companyRef(ent, pool)
	if sum.Company != nil && sum.Company.Name == "" {
		sum.Company.Name = strings.TrimSpace(ent.Path("primarySubtitle", "text").Text())
	}
	return sum, nil
}

// companyRef finds the nested company urn in the image attributes and
// resolves it against the pool.
func companyRef(ent Node, pool map[string]Node) *CompanyRef {
	var urn string
	for _, attr := range ent.Path("image", "attributes").Items() {
		dd := attr.Field("detailData")
		for _, key := range []string{"*companyLogo", "companyLogo", "*company"} {
			if v := dd.Field(key).Text(); v != "" {
				urn = v
				break
			}
		}
		if urn != "" {
			break
		}
	}

	name := strings.TrimSpace(ent.Path("primarySubtitle", "text").Text())
	if urn == "" {
		return nil
	}
	ref := &CompanyRef{Ref: urn, Name: name}
	if c, ok := pool[urn]; ok {
		if ref.Name == "" {
			ref.Name = strings.TrimSpace(c.Field("name").Text())
		}
		ref.URL = c.Field("url").Text()
		ref.LogoURL = logoURL(c)
	}
	return ref
}

// logoURL picks the largest artifact of a company's vector image.
func logoURL(company Node) string {
	img := company.Path("logoResolutionResult", "vectorImage")
	if img.IsNull() {
		img = company.Path("logo", "vectorImage")
	}
	root := img.Field("rootUrl").Text()
	arts := img.Field("artifacts").Items()
	if root == "" || len(arts) == 0 {
		return ""
	}
	best, bestW := "", int64(-1)
	for _, a := range arts {
		w, _ := a.Field("width").Int()
		if seg := a.Field("fileIdentifyingUrlPathSegment").Text(); seg != "" && w > bestW {
			best, bestW = seg, w
		}
	}
	if best == "" {
		return ""
	}
	return root + best
}

func canonicalJobURL(nav, id string) string {
	if nav == "" || strings.Contains(nav, "/jobs/view/") {
		return "https://www.linkedin.com/jobs/view/" + id + "/"
	}
	return nav
}
