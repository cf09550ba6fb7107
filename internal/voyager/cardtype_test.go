package voyager_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/justsurfingit/applytrail/internal/capture"
	"github.com/justsurfingit/applytrail/internal/voyager"
)

func TestParseCardType(t *testing.T) {
	for in, want := range map[string]voyager.CardType{
		"":            voyager.CardApplied,
		"saved":       voyager.CardSaved,
		"IN_PROGRESS": voyager.CardInProgress,
		"archived":    voyager.CardArchived,
	} {
		got, err := voyager.ParseCardType(in)
		if err != nil || got != want {
			t.Errorf("ParseCardType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := voyager.ParseCardType("FAVOURITE"); err == nil {
		t.Error("ParseCardType accepted an unknown card type")
	}
}

func TestCardTypeApply_SwapsValueAndHeaders(t *testing.T) {
	tmpl := listingTemplate(t, "https://www.linkedin.com")

	saved, err := voyager.CardSaved.Apply(tmpl)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cur, ok := voyager.Current(saved); !ok || cur != voyager.CardSaved {
		t.Errorf("Current = %q, %v", cur, ok)
	}
	vars, _ := saved.Param("variables")
	if !strings.Contains(vars, "value:List(SAVED)") || strings.Contains(vars, "APPLIED") {
		t.Errorf("variables = %s", vars)
	}

	headers := map[string]string{
		"referer":            "https://www.linkedin.com/my-items/saved-jobs/?cardType=SAVED",
		"x-li-pem-metadata":  "Voyager - My Items=myitems-saved-jobs",
		"x-li-page-instance": "urn:li:page:d_flagship3_myitems_savedjobs;AbCdEf==",
	}
	for name, want := range headers {
		if got, _ := saved.Header(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	// The source template is left untouched.
	if cur, _ := voyager.Current(tmpl); cur != voyager.CardApplied {
		t.Errorf("source template changed to %q", cur)
	}

	// Offsets still work on the swapped template.
	p := saved.Rehydrate(2, capture.RequestContext{})
	if !strings.Contains(p.URL, "(start:20,") {
		t.Errorf("rehydrated url = %s", p.URL)
	}
}

func TestCardTypeApply_InProgressMetadata(t *testing.T) {
	out, err := voyager.CardInProgress.Apply(listingTemplate(t, "https://www.linkedin.com"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, _ := out.Header("x-li-pem-metadata"); got != "Voyager - My Items=myitems-in-progress-jobs" {
		t.Errorf("pem metadata = %q", got)
	}
}

func TestCardTypeApply_NoCardType(t *testing.T) {
	tmpl, err := capture.Parse("curl 'https://www.linkedin.com/voyager/api/graphql?variables=(start:0)&queryId=x'")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := voyager.CardSaved.Apply(tmpl); !errors.Is(err, voyager.ErrNoCardType) {
		t.Errorf("err = %v, want ErrNoCardType", err)
	}
}
