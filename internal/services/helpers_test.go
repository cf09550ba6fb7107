package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/capture"
	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/services"
	"github.com/justsurfingit/applytrail/internal/store"
	"github.com/justsurfingit/applytrail/internal/stream"
	"github.com/justsurfingit/applytrail/internal/voyager"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

const listingCurl = "curl 'https://www.linkedin.com/voyager/api/graphql?variables=" +
	"(start:0,query:(flagshipSearchIntent:SEARCH_MY_ITEMS_JOB_SEEKER," +
	"queryParameters:List((key:cardType,value:List(APPLIED)))))" +
	"&queryId=voyagerSearchDashClusters.abc123' \\\n" +
	"  -H 'accept: application/vnd.linkedin.normalized+json+2.1' \\\n" +
	"  -H 'csrf-token: ajax:111' \\\n" +
	"  -b 'li_at=SESSION; JSESSIONID=\"ajax:111\"'"

// row is one synthetic listing row.
type row struct {
	ID       string
	Title    string
	Company  string
	Insights []string
}

func companyURN(name string) string { return "urn:li:fsd_company:" + name }

// listing renders a listing page shaped like the upstream's normalized
// payload.
func listing(rows ...row) []byte {
	items := []any{}
	included := []any{}
	for _, r := range rows {
		urn := fmt.Sprintf("urn:li:fsd_entityResultViewModel:(urn:li:fsd_jobPosting:%s,SEARCH_MY_ITEMS_JOB_SEEKER,DEFAULT)", r.ID)
		items = append(items, map[string]any{"item": map[string]any{"*entityResult": urn}})
		var insights []any
		for _, text := range r.Insights {
			insights = append(insights, map[string]any{
				"simpleInsight": map[string]any{"title": map[string]any{"text": text}},
			})
		}
		ent := map[string]any{
			"entityUrn":                 urn,
			"trackingUrn":               "urn:li:jobPosting:" + r.ID,
			"title":                     map[string]any{"text": r.Title},
			"primarySubtitle":           map[string]any{"text": r.Company},
			"secondarySubtitle":         map[string]any{"text": "Berlin, Germany"},
			"navigationUrl":             "https://www.linkedin.com/jobs/view/" + r.ID + "/?trk=flagship3",
			"insightsResolutionResults": insights,
		}
		if r.Company != "" {
			ref := companyURN(r.Company)
			ent["image"] = map[string]any{
				"attributes": []any{map[string]any{"detailData": map[string]any{"*companyLogo": ref}}},
			}
			included = append(included, map[string]any{"entityUrn": ref, "name": r.Company})
		}
		included = append(included, ent)
	}
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{"data": map[string]any{
			"searchDashClustersByAll": map[string]any{"elements": []any{map[string]any{"items": items}}},
		}},
		"included": included,
	})
	return b
}

var startRe = regexp.MustCompile(`start(?::|%3A)(\d+)`)

// fakeDoer serves listing pages by index; pages past the end are empty.
type fakeDoer struct {
	mu      sync.Mutex
	pages   [][]byte
	blockAt int // page index answering Blocked; -1 never
	calls   []int
}

func newDoer(pages ...[]byte) *fakeDoer { return &fakeDoer{pages: pages, blockAt: -1} }

func (d *fakeDoer) Execute(_ context.Context, req capture.Prepared, _ time.Duration) (*voyager.Response, error) {
	page := 0
	if m := startRe.FindStringSubmatch(req.URL); m != nil {
		start, _ := strconv.Atoi(m[1])
		page = start / capture.DefaultPageSize
	}
	d.mu.Lock()
	d.calls = append(d.calls, page)
	d.mu.Unlock()
	if page == d.blockAt {
		return nil, &voyager.BlockedError{Status: 401}
	}
	if page >= len(d.pages) {
		return &voyager.Response{Status: 200, Body: listing()}, nil
	}
	return &voyager.Response{Status: 200, Body: d.pages[page]}, nil
}

// fakeDetails answers detail fetches from a map. Unknown ids miss.
type fakeDetails struct {
	mu      sync.Mutex
	details map[string]*voyager.Detail
	errs    map[string]error
	calls   []string
}

func newDetails() *fakeDetails {
	return &fakeDetails{details: map[string]*voyager.Detail{}, errs: map[string]error{}}
}

func (f *fakeDetails) FetchDetail(_ context.Context, _ *capture.Template, jobID string, _ capture.RequestContext) (*voyager.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	if err, ok := f.errs[jobID]; ok {
		return f.details[jobID], err
	}
	if d, ok := f.details[jobID]; ok {
		return d, nil
	}
	return &voyager.Detail{JobID: jobID}, voyager.ErrEnrichmentMiss
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Emit(kind stream.Kind, data any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stream.Event{Kind: kind, Data: data})
	return true
}

func (r *recorder) kinds() []stream.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) count(kind stream.Kind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) of(kind stream.Kind) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e.Data)
		}
	}
	return out
}

type env struct {
	store   *store.Memory
	creds   *services.CredentialService
	doer    *fakeDoer
	details *fakeDetails
	syncer  *services.SyncService
	sleeps  []time.Duration
	enrich  *services.EnrichmentService
}

// newEnv wires the pipelines over the in-memory store with a stored
// session named "linkedin".
func newEnv(t *testing.T, pages ...[]byte) *env {
	t.Helper()
	e := &env{store: store.NewMemory(), doer: newDoer(pages...), details: newDetails()}
	e.store.Now = func() time.Time { return fixedNow }
	log := zerolog.Nop()

	e.creds = services.NewCredentialService(e.store, log)
	if _, _, err := e.creds.PutCredential(context.Background(), "linkedin", listingCurl); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	e.syncer = services.NewSyncService(e.store, e.creds, e.doer, e.details, voyager.PaginatorOptions{
		Sleep:  func(context.Context, time.Duration) error { return nil },
		Now:    func() time.Time { return fixedNow },
		Logger: log,
	}, log)
	e.syncer.Now = func() time.Time { return fixedNow }

	e.enrich = services.NewEnrichmentService(e.store, e.creds, e.details, time.Second, log)
	e.enrich.Now = func() time.Time { return fixedNow }
	e.enrich.Sleep = func(_ context.Context, d time.Duration) error {
		e.sleeps = append(e.sleeps, d)
		return nil
	}
	return e
}

func (e *env) job(t *testing.T, id string) *models.Job {
	t.Helper()
	j, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	if j == nil {
		t.Fatalf("job %s not stored", id)
	}
	return j
}

// seed inserts jobs directly, creating their companies first.
func (e *env) seed(t *testing.T, jobs ...models.Job) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := range jobs {
		if jobs[i].Company != nil {
			if _, err := tx.EnsureCompany(ctx, *jobs[i].Company); err != nil {
				t.Fatal(err)
			}
			ref := jobs[i].Company.Ref
			jobs[i].CompanyRef = &ref
			jobs[i].Company = nil
		}
		if err := tx.Insert(ctx, &jobs[i]); err != nil {
			t.Fatalf("insert %s: %v", jobs[i].JobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

const longDescription = "We are hiring a backend engineer to build resilient data pipelines in Go. " +
	"You will own ingestion services, on-call rotations and the storage layer."
