package voyager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/justsurfingit/applytrail/internal/capture"
)

// ErrEnrichmentMiss means the detail payload held no extractable
// description. The other extracted fields are still returned with it.
var ErrEnrichmentMiss = errors.New("no description in job detail payload")

// DefaultDetailQueryID is the persisted query id of the job card detail
// query. The upstream rotates these; override it through configuration.
const DefaultDetailQueryID = "voyagerJobsDashJobCards.93590893e4adb90623f00d61719b838c"

// Detail holds what the detail endpoint tells us about one job.
type Detail struct {
	JobID             string
	Title             string
	CompanyName       string
	Description       string
	Applicants        *int
	WorkplaceType     string
	PostedText        string
	PostedOn          *time.Time
	JobState          string
	AppliedAt         *time.Time
	ApplicationClosed *bool
	ExpireAt          *time.Time
	ExperienceLevel   string
	EmploymentStatus  string
	EmploymentType    string
}

// DetailClient fetches per-job detail payloads reusing the captured headers
// of a listing template.
type DetailClient struct {
	doer    Doer
	queryID string
	timeout time.Duration
	now     func() time.Time
}

func NewDetailClient(doer Doer, queryID string, timeout time.Duration) *DetailClient {
	if queryID == "" {
		queryID = DefaultDetailQueryID
	}
	return &DetailClient{doer: doer, queryID: queryID, timeout: timeout, now: time.Now}
}

// DetailTemplate derives the detail request for jobID from a listing
// template: same endpoint and headers, different variables and query id.
func DetailTemplate(listing *capture.Template, jobID, queryID string) *capture.Template {
	t := listing.Clone()
	urn := url.QueryEscape(fmt.Sprintf("urn:li:fsd_jobPostingCard:(%s,JOB_DETAILS)", jobID))
	vars := "(jobPostingDetailDescription_start:0,jobPostingDetailDescription_count:5," +
		"jobCardPrefetchQuery:(prefetchJobPostingCardUrns:List(" + urn + ")," +
		"jobUseCase:JOB_DETAILS,count:1),jobDetailsContext:(isJobSearch:false))"
	t.Method = "GET"
	t.Body = nil
	t.Query = []capture.QueryParam{
		{Key: "variables", Value: vars},
		{Key: "queryId", Value: queryID},
	}
	return t
}

// FetchDetail fetches and extracts the detail of one job. When no
// description can be found the returned error is ErrEnrichmentMiss and the
// Detail is still non-nil.
func (c *DetailClient) FetchDetail(ctx context.Context, listing *capture.Template, jobID string, rc capture.RequestContext) (*Detail, error) {
	req := DetailTemplate(listing, jobID, c.queryID).Rehydrate(0, rc)
	resp, err := c.doer.Execute(ctx, req, c.timeout)
	if err != nil {
		return nil, err
	}
	root, err := Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode detail: %w", err)
	}
	d := ExtractDetail(root, jobID, c.now())
	if d.Description == "" {
		return d, fmt.Errorf("job %s: %w", jobID, ErrEnrichmentMiss)
	}
	return d, nil
}

var (
	applicantsRe = regexp.MustCompile(`(?i)([\d][\d,.]*)\s+(applicants|people clicked apply)`)
	overHundred  = regexp.MustCompile(`(?i)over\s+100\s+(applicants|people)`)
)

// ParseApplicants reads the applicant count out of a description line.
func ParseApplicants(text string) *int {
	if overHundred.MatchString(text) {
		n := 100
		return &n
	}
	m := applicantsRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	digits := strings.NewReplacer(",", "", ".", "").Replace(m[1])
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// ParseWorkplace maps the navigation subtitle to a workplace type.
func ParseWorkplace(subtitle string) string {
	switch {
	case strings.Contains(subtitle, "(Remote)"):
		return "Remote"
	case strings.Contains(subtitle, "(Hybrid)"):
		return "Hybrid"
	case strings.TrimSpace(subtitle) == "":
		return ""
	}
	return "On-site"
}

func typeIs(n Node, suffix string) bool {
	return strings.HasSuffix(n.Field("$type").Text(), suffix)
}

// ExtractDetail pulls the enrichment fields out of a decoded detail payload.
func ExtractDetail(root Node, jobID string, now time.Time) *Detail {
	d := &Detail{JobID: jobID}
	included := root.Field("included").Items()

	var card, posting, description Node
	for _, ent := range included {
		urn := ent.Field("entityUrn").Text()
		switch {
		case typeIs(ent, ".JobPostingCard") || strings.Contains(urn, "fsd_jobPostingCard:"):
			if JobIDFromURN(urn) == jobID || card.IsNull() {
				card = ent
			}
		case typeIs(ent, ".JobDescription") || strings.Contains(urn, "fsd_jobDescription:"):
			if description.IsNull() || JobIDFromURN(urn) == jobID {
				description = ent
			}
		case typeIs(ent, ".JobPosting") || strings.Contains(urn, "fsd_jobPosting:"):
			if JobIDFromURN(urn) == jobID || posting.IsNull() {
				posting = ent
			}
		}
	}

	// Description, strategy 1: the JobDescription entity.
	d.Description = strings.TrimSpace(description.Path("descriptionText", "text").Text())

	// Strategy 2: the card's description sections.
	if d.Description == "" && !card.IsNull() {
		for _, key := range []string{"descriptionSections", "jobDescription", "description"} {
			section := card.Field(key)
			if section.IsNull() {
				continue
			}
			parts := DefaultTextVisitor().Collect(section)
			if len(parts) > 0 {
				d.Description = strings.Join(parts, "\n")
				break
			}
		}
	}

	d.Title = strings.TrimSpace(card.Path("jobPostingTitle").Text())
	if d.Title == "" {
		d.Title = strings.TrimSpace(card.Path("title", "text").Text())
	}
	d.CompanyName = strings.TrimSpace(card.Path("primaryDescription", "text").Text())
	d.WorkplaceType = ParseWorkplace(card.Path("navigationBarSubtitle").Text())

	tertiary := card.Path("tertiaryDescription", "text").Text()
	d.Applicants = ParseApplicants(tertiary)
	for _, part := range strings.Split(tertiary, "·") {
		part = strings.TrimSpace(part)
		lower := strings.ToLower(part)
		if strings.Contains(lower, "ago") || strings.HasPrefix(lower, "reposted") || strings.HasPrefix(lower, "posted") {
			d.PostedText = part
			break
		}
	}
	if d.PostedText != "" {
		d.PostedOn = NormalizePosted(d.PostedText, now)
	}

	// Lifecycle fields live on the posting entity.
	d.JobState = posting.Field("jobState").Text()
	info := posting.Field("applyingInfo")
	d.AppliedAt = FromMillis(info.Field("appliedAt"))
	if closed, ok := info.Field("closed").Bool(); ok {
		d.ApplicationClosed = &closed
	}
	d.ExpireAt = FromMillis(posting.Field("expireAt"))
	if d.PostedOn == nil {
		d.PostedOn = FromMillis(posting.Field("listedAt"))
	}
	d.ExperienceLevel = posting.Field("formattedExperienceLevel").Text()

	status := posting.Field("employmentStatus")
	if status.Kind == KindObject {
		d.EmploymentType = status.Field("localizedName").Text()
		d.EmploymentStatus = lastSegment(status.Field("entityUrn").Text())
	} else {
		d.EmploymentStatus = lastSegment(status.Text())
	}
	if d.EmploymentStatus == "" {
		d.EmploymentStatus = lastSegment(posting.Field("*employmentStatus").Text())
	}
	return d
}

func lastSegment(urn string) string {
	if i := strings.LastIndexByte(urn, ':'); i >= 0 {
		return urn[i+1:]
	}
	return urn
}
