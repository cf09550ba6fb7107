package voyager_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/justsurfingit/applytrail/internal/capture"
)

// fixtureJob describes one row of a synthetic listing page.
type fixtureJob struct {
	ID         string
	Title      string
	Company    string
	CompanyRef string
	Location   string
	Insights   []string
	URLID      string // overrides the id in the navigation url
}

func entityURN(id string) string {
	return fmt.Sprintf("urn:li:fsd_entityResultViewModel:(urn:li:fsd_jobPosting:%s,SEARCH_MY_ITEMS_JOB_SEEKER,DEFAULT)", id)
}

// listingPayload renders a normalized listing response the way the upstream
// shapes it: clusters referencing entities kept in the included pool.
func listingPayload(jobs ...fixtureJob) []byte {
	var items []any
	var included []any
	for _, j := range jobs {
		urn := entityURN(j.ID)
		items = append(items, map[string]any{"item": map[string]any{"*entityResult": urn}})

		urlID := j.ID
		if j.URLID != "" {
			urlID = j.URLID
		}
		var insights []any
		for _, text := range j.Insights {
			insights = append(insights, map[string]any{
				"simpleInsight": map[string]any{
					"title": map[string]any{"text": text, "textDirection": "USER_LOCALE"},
				},
			})
		}
		ent := map[string]any{
			"$type":                     "com.linkedin.voyager.dash.search.EntityResultViewModel",
			"entityUrn":                 urn,
			"trackingUrn":               "urn:li:jobPosting:" + j.ID,
			"title":                     map[string]any{"text": j.Title},
			"primarySubtitle":           map[string]any{"text": j.Company},
			"secondarySubtitle":         map[string]any{"text": j.Location},
			"navigationUrl":             "https://www.linkedin.com/jobs/view/" + urlID + "/?trk=flagship3",
			"insightsResolutionResults": insights,
		}
		if j.CompanyRef != "" {
			ent["image"] = map[string]any{
				"attributes": []any{map[string]any{"detailData": map[string]any{"*companyLogo": j.CompanyRef}}},
			}
			included = append(included, map[string]any{
				"entityUrn": j.CompanyRef,
				"name":      j.Company,
				"url":       "https://www.linkedin.com/company/" + j.CompanyRef,
				"logoResolutionResult": map[string]any{
					"vectorImage": map[string]any{
						"rootUrl": "https://media.licdn.com/dms/image/",
						"artifacts": []any{
							map[string]any{"width": 100, "fileIdentifyingUrlPathSegment": "100.png"},
							map[string]any{"width": 400, "fileIdentifyingUrlPathSegment": "400.png"},
						},
					},
				},
			})
		}
		included = append(included, ent)
	}
	if items == nil {
		items = []any{}
	}
	if included == nil {
		included = []any{}
	}
	payload := map[string]any{
		"data": map[string]any{
			"data": map[string]any{
				"searchDashClustersByAll": map[string]any{
					"elements": []any{map[string]any{"items": items}},
				},
			},
		},
		"included": included,
	}
	b, _ := json.Marshal(payload)
	return b
}

const listingVariables = "(start:0,query:(flagshipSearchIntent:SEARCH_MY_ITEMS_JOB_SEEKER," +
	"queryParameters:List((key:cardType,value:List(APPLIED)))))"

// listingTemplate parses a captured listing request pointed at base.
func listingTemplate(t *testing.T, base string) *capture.Template {
	t.Helper()
	raw := "curl '" + base + "/voyager/api/graphql?variables=" + listingVariables +
		"&queryId=voyagerSearchDashClusters.abc123' \\\n" +
		"  -H 'accept: application/vnd.linkedin.normalized+json+2.1' \\\n" +
		"  -H 'csrf-token: ajax:111' \\\n" +
		"  -H 'x-li-page-instance: urn:li:page:d_flagship3_myitems_savedjobs;AbCdEf==' \\\n" +
		"  -b 'li_at=SESSION; JSESSIONID=\"ajax:111\"'"
	tmpl, err := capture.Parse(raw)
	if err != nil {
		t.Fatalf("parse listing template: %v", err)
	}
	return tmpl
}

func rcFor() capture.RequestContext {
	return capture.RequestContext{
		Cookies:   []capture.Cookie{{Name: "li_at", Value: "SESSION"}},
		CSRFToken: "ajax:111",
	}
}
