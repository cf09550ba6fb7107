package services_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/services"
)

type fakeExpander struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeExpander) Expand(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func TestAnalyst_FillsDerivedFields(t *testing.T) {
	e := newEnv(t)
	e.seed(t,
		models.Job{JobID: "real", Title: "Backend Engineer", DescriptionFull: longDescription},
		models.Job{JobID: "placeholder", Title: "Unknown", DescriptionFull: models.PlaceholderDescription},
		models.Job{JobID: "done", Title: "Done", DescriptionFull: longDescription, Processed: true},
	)
	fx := &fakeExpander{reply: "```json\n{\"keywords\":[\"Go\",\" \",\"Postgres\"]," +
		"\"responsibilities\":[\"Own ingestion\"],\"qualifications\":[]}\n```"}
	analyst := services.NewAnalystService(e.store, fx, zerolog.Nop())

	res, err := analyst.Analyze(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Examined != 1 || res.Analyzed != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(fx.prompts) != 1 || !strings.Contains(fx.prompts[0], "Backend Engineer") {
		t.Errorf("prompts = %q", fx.prompts)
	}
	j := e.job(t, "real")
	if !j.Processed {
		t.Error("job not marked processed")
	}
	if strings.Join(j.Keywords, ",") != "Go,Postgres" || len(j.Responsibilities) != 1 {
		t.Errorf("keywords = %v responsibilities = %v", j.Keywords, j.Responsibilities)
	}
}

func TestAnalyst_BadReplyLeavesJobUnprocessed(t *testing.T) {
	e := newEnv(t)
	e.seed(t, models.Job{JobID: "real", Title: "Backend Engineer", DescriptionFull: longDescription})
	analyst := services.NewAnalystService(e.store, &fakeExpander{reply: "I cannot help with that"}, zerolog.Nop())

	res, err := analyst.Analyze(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || e.job(t, "real").Processed {
		t.Errorf("result = %+v", res)
	}
}

func TestAnalyst_Limit(t *testing.T) {
	e := newEnv(t)
	e.seed(t,
		models.Job{JobID: "a", Title: "A", DescriptionFull: longDescription},
		models.Job{JobID: "b", Title: "B", DescriptionFull: longDescription},
	)
	fx := &fakeExpander{err: errors.New("quota")}
	res, err := services.NewAnalystService(e.store, fx, zerolog.Nop()).Analyze(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Examined != 1 || len(fx.prompts) != 1 {
		t.Errorf("result = %+v prompts = %d", res, len(fx.prompts))
	}
}

func TestParseAnalysis(t *testing.T) {
	a, err := services.ParseAnalysis(`{"keywords":["Go"],"responsibilities":null,"qualifications":["5 years"]}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Keywords) != 1 || a.Responsibilities == nil || len(a.Qualifications) != 1 {
		t.Errorf("analysis = %+v", a)
	}
	if _, err := services.ParseAnalysis("not json"); err == nil {
		t.Error("expected decode error")
	}
}
