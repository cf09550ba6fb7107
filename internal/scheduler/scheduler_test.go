package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/services"
	"github.com/justsurfingit/applytrail/internal/stream"
)

type fakeMail struct {
	calls int
	err   error
}

func (f *fakeMail) SyncEmails(context.Context) (*services.MailSyncResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &services.MailSyncResult{Fetched: 2, Stored: 1}, nil
}

type fakeReconciler struct{ calls int }

func (f *fakeReconciler) Reconcile(context.Context) (*services.ReconcileResult, error) {
	f.calls++
	return &services.ReconcileResult{}, nil
}

type fakeEnricher struct {
	req  services.EnrichRequest
	sink stream.Sink
}

func (f *fakeEnricher) Run(_ context.Context, req services.EnrichRequest, sink stream.Sink) (*services.EnrichResult, error) {
	f.req, f.sink = req, sink
	return &services.EnrichResult{}, nil
}

func TestMailCycleReconcilesEvenWhenMailFails(t *testing.T) {
	mail := &fakeMail{err: errors.New("gmail down")}
	rec := &fakeReconciler{}
	s := New(mail, rec, nil, "@every 1h", "", zerolog.Nop())

	s.RunMailCycle(context.Background())

	if mail.calls != 1 || rec.calls != 1 {
		t.Fatalf("mail=%d reconcile=%d, want 1 and 1", mail.calls, rec.calls)
	}
}

func TestMailCycleWithoutMailbox(t *testing.T) {
	rec := &fakeReconciler{}
	s := New(nil, rec, nil, "@every 1h", "", zerolog.Nop())
	s.RunMailCycle(context.Background())
	if rec.calls != 1 {
		t.Fatalf("reconcile calls = %d, want 1", rec.calls)
	}
}

func TestCycleSkippedAfterShutdown(t *testing.T) {
	mail := &fakeMail{}
	s := New(mail, &fakeReconciler{}, nil, "@every 1h", "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunMailCycle(ctx)
	if mail.calls != 0 {
		t.Fatalf("mail calls = %d after cancel", mail.calls)
	}
}

func TestEnrichCycleUsesCredentialName(t *testing.T) {
	enr := &fakeEnricher{}
	s := New(nil, nil, enr, "@every 1h", "@every 6h", zerolog.Nop())
	s.CredentialName = "linkedin"

	s.RunEnrichCycle(context.Background())

	if enr.req.Name != "linkedin" {
		t.Fatalf("name = %q", enr.req.Name)
	}
	if enr.sink != stream.Discard {
		t.Fatal("scheduled enrichment should not stream")
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(nil, &fakeReconciler{}, nil, "not a spec", "", zerolog.Nop())
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid cron spec")
	}
}
