package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/services"
	"github.com/justsurfingit/applytrail/internal/stream"
)

func waitDone(t *testing.T, run *services.Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestRuns_StreamsAndCloses(t *testing.T) {
	runs := services.NewRuns(zerolog.Nop())
	run := runs.Start(context.Background(), services.RunEnrich, func(_ context.Context, sink stream.Sink) error {
		sink.Emit(stream.KindStart, stream.StartEvent{Total: 1})
		sink.Emit(stream.KindComplete, stream.CompleteEvent{Processed: 1})
		return nil
	})
	events, err := run.Stream.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := run.Stream.Subscribe(); !errors.Is(err, stream.ErrConsumerAttached) {
		t.Errorf("second subscribe err = %v", err)
	}

	var kinds []stream.Kind
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	waitDone(t, run)
	if len(kinds) != 2 || kinds[1] != stream.KindComplete {
		t.Errorf("kinds = %v", kinds)
	}
	if run.Err() != nil || run.ID == "" || run.Kind != services.RunEnrich {
		t.Errorf("run = %+v err = %v", run, run.Err())
	}
	if len(runs.List()) != 0 {
		t.Error("finished run still listed")
	}
}

func TestRuns_CancelOutlivesParent(t *testing.T) {
	runs := services.NewRuns(zerolog.Nop())
	parent, cancelParent := context.WithCancel(context.Background())
	started := make(chan struct{})
	run := runs.Start(parent, services.RunSync, func(ctx context.Context, _ stream.Sink) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	cancelParent()

	select {
	case <-run.Done():
		t.Fatal("run stopped with its parent request")
	case <-time.After(20 * time.Millisecond):
	}
	if got := runs.List(); len(got) != 1 || got[0].ID != run.ID {
		t.Fatalf("List = %v", got)
	}

	if err := runs.Cancel(run.ID); err != nil {
		t.Fatal(err)
	}
	waitDone(t, run)
	if !errors.Is(run.Err(), context.Canceled) {
		t.Errorf("err = %v", run.Err())
	}
	if err := runs.Cancel(run.ID); !errors.Is(err, services.ErrRunNotFound) {
		t.Errorf("cancel after finish err = %v", err)
	}
}
