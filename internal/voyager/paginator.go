package voyager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/capture"
)

const (
	DefaultPageDelayMin = 500 * time.Millisecond
	DefaultPageDelayMax = 2500 * time.Millisecond
	DefaultMaxPages     = 100
)

// Doer executes one prepared request. *Fetcher is the production Doer.
type Doer interface {
	Execute(ctx context.Context, req capture.Prepared, timeout time.Duration) (*Response, error)
}

// Mode selects how many pages a run visits.
type Mode int

const (
	FirstPage Mode = iota
	PageN
	All
)

// PageSpec is a Mode plus the page number for PageN (1-based).
type PageSpec struct {
	Mode Mode
	N    int
}

func (s PageSpec) String() string {
	switch s.Mode {
	case FirstPage:
		return "1"
	case PageN:
		return strconv.Itoa(s.N)
	}
	return "all"
}

// ParsePages reads "1", "N" or "all". An empty value means the first page.
func ParsePages(v string) (PageSpec, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	switch v {
	case "", "1", "first":
		return PageSpec{Mode: FirstPage, N: 1}, nil
	case "all":
		return PageSpec{Mode: All}, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return PageSpec{}, fmt.Errorf("pages must be 1, a positive page number or all, got %q", v)
	}
	if n == 1 {
		return PageSpec{Mode: FirstPage, N: 1}, nil
	}
	return PageSpec{Mode: PageN, N: n}, nil
}

// Stop reasons reported by Paginator.Run.
const (
	ReasonDone      = "done"
	ReasonExhausted = "exhausted"
	ReasonStopped   = "stopped"
	ReasonBlocked   = "blocked"
	ReasonCancelled = "cancelled"
	ReasonMaxPages  = "max_pages"
)

// Page is one fetched and parsed listing page. Fresh holds only the rows
// whose job id was not seen on an earlier page of the same run.
type Page struct {
	Index   int
	Fresh   []JobSummary
	Skipped int
}

// PageFunc consumes a page. Returning stop ends the run after this page.
type PageFunc func(ctx context.Context, page Page) (stop bool, err error)

// RunResult summarizes a pagination run.
type RunResult struct {
	Pages  int
	Rows   int
	Reason string
}

// Paginator drives page-by-page listing fetches.
type Paginator struct {
	doer     Doer
	minDelay time.Duration
	maxDelay time.Duration
	timeout  time.Duration
	maxPages int
	sleep    Sleeper
	now      func() time.Time
	log      zerolog.Logger

	// OnWait, when set, is told about every inter-page sleep before it starts.
	OnWait func(nextPage int, d time.Duration)
}

// PaginatorOptions configures a Paginator.
type PaginatorOptions struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Timeout  time.Duration
	MaxPages int
	Sleep    Sleeper
	Now      func() time.Time
	Logger   zerolog.Logger
}

func NewPaginator(doer Doer, opts PaginatorOptions) *Paginator {
	p := &Paginator{
		doer:     doer,
		minDelay: opts.MinDelay,
		maxDelay: opts.MaxDelay,
		timeout:  opts.Timeout,
		maxPages: opts.MaxPages,
		sleep:    opts.Sleep,
		now:      opts.Now,
		log:      opts.Logger.With().Str("component", "paginator").Logger(),
	}
	if p.maxPages <= 0 {
		p.maxPages = DefaultMaxPages
	}
	if p.sleep == nil {
		p.sleep = SleepContext
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.maxDelay < p.minDelay {
		p.maxDelay = p.minDelay
	}
	return p
}

// Run fetches pages of tmpl according to spec and hands each one to fn
// before the next fetch starts. The returned error matches ErrBlocked when
// the session was rejected; RunResult still reports the pages completed.
func (p *Paginator) Run(ctx context.Context, tmpl *capture.Template, rc capture.RequestContext, spec PageSpec, fn PageFunc) (RunResult, error) {
	var res RunResult

	first, last := 0, 0
	switch spec.Mode {
	case PageN:
		if spec.N < 1 {
			return res, fmt.Errorf("page number must be positive, got %d", spec.N)
		}
		first, last = spec.N-1, spec.N-1
	case All:
		if !tmpl.HasOffset() {
			return res, errors.New("template has no page offset; only the first page can be fetched")
		}
		last = first + p.maxPages - 1
	}
	if first > 0 && !tmpl.HasOffset() {
		return res, errors.New("template has no page offset; only the first page can be fetched")
	}

	seen := make(map[string]struct{})
	for idx := first; idx <= last; idx++ {
		if idx > first {
			wait := Uniform(p.minDelay, p.maxDelay)
			if p.OnWait != nil {
				p.OnWait(idx, wait)
			}
			if err := p.sleep(ctx, wait); err != nil {
				res.Reason = ReasonCancelled
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			res.Reason = ReasonCancelled
			return res, err
		}

		page, err := p.fetchPage(ctx, tmpl, rc, idx)
		if err != nil {
			if errors.Is(err, ErrBlocked) {
				res.Reason = ReasonBlocked
			}
			return res, fmt.Errorf("page %d: %w", idx, err)
		}
		res.Pages++

		fresh := page.Fresh[:0:0]
		for _, s := range page.Fresh {
			if _, dup := seen[s.JobID]; dup {
				continue
			}
			seen[s.JobID] = struct{}{}
			fresh = append(fresh, s)
		}
		page.Fresh = fresh

		if spec.Mode == All && len(fresh) == 0 {
			p.log.Debug().Int("page", idx).Msg("no new rows, stopping")
			res.Reason = ReasonExhausted
			return res, nil
		}
		res.Rows += len(fresh)

		stop, err := fn(ctx, page)
		if err != nil {
			if errors.Is(err, ErrBlocked) {
				res.Reason = ReasonBlocked
			}
			return res, err
		}
		if stop {
			res.Reason = ReasonStopped
			return res, nil
		}
	}

	if spec.Mode == All {
		p.log.Warn().Int("pages", res.Pages).Msg("page cap reached")
		res.Reason = ReasonMaxPages
	} else {
		res.Reason = ReasonDone
	}
	return res, nil
}

func (p *Paginator) fetchPage(ctx context.Context, tmpl *capture.Template, rc capture.RequestContext, idx int) (Page, error) {
	resp, err := p.doer.Execute(ctx, tmpl.Rehydrate(idx, rc), p.timeout)
	if err != nil {
		return Page{}, err
	}
	root, err := Decode(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("decode listing: %w", err)
	}
	listing := ParseListing(root, p.now())
	for _, s := range listing.Skipped {
		p.log.Warn().Int("page", idx).Str("urn", s.URN).Str("url", s.URL).Msg(s.Reason)
	}
	return Page{Index: idx, Fresh: listing.Jobs, Skipped: len(listing.Skipped)}, nil
}
