package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"billtracker/internal/domain"
	"billtracker/internal/events"
	"billtracker/internal/overlay"
	"billtracker/internal/taxonomy"
)

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := out.String(); got != "billtracker version dev\n" {
		t.Fatalf("unexpected version output: %q", got)
	}
}

func TestStagesCommandUsesBuiltInTaxonomy(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stages"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("stages: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	tax, err := taxonomy.Default()
	if err != nil {
		t.Fatalf("default taxonomy: %v", err)
	}
	if len(lines) != len(tax.Stages()) {
		t.Fatalf("expected %d lines, got %d", len(tax.Stages()), len(lines))
	}
	if !strings.Contains(lines[0], "introduced") {
		t.Fatalf("expected first stage introduced, got %q", lines[0])
	}
	if !strings.Contains(out.String(), "[scheduled, completes passed_1st_reading]") {
		t.Fatalf("expected scheduled stage tags, got:\n%s", out.String())
	}
}

func TestStagesCommandRejectsMissingFile(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"stages", "--file", t.TempDir() + "/nope.yaml"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing taxonomy file")
	}
}

type countingSource struct {
	calls int
	bills []domain.Bill
}

func (s *countingSource) Snapshot(context.Context) ([]domain.Bill, []domain.Proposal, error) {
	s.calls++
	return s.bills, nil, nil
}

func TestBoardFeedAppliesAndForwards(t *testing.T) {
	tax, err := taxonomy.Default()
	if err != nil {
		t.Fatalf("default taxonomy: %v", err)
	}
	board := overlay.NewReconciler(tax)
	board.Load([]domain.Bill{{ID: 1, Number: "HB1", CurrentStage: "introduced"}}, nil)

	src := &countingSource{bills: []domain.Bill{
		{ID: 1, Number: "HB1", CurrentStage: "introduced"},
		{ID: 2, Number: "HB2", CurrentStage: "introduced"},
	}}
	rec := &events.Recorder{}
	feed := &boardFeed{board: board, src: src, next: rec}
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := feed.Publish(ctx, events.Event{Subject: events.BillCommitted, BillID: 1, Stage: "passed_1st_reading", At: at}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if src.calls != 0 {
		t.Fatalf("known bill should not reload, got %d reloads", src.calls)
	}

	// Unknown bill: the board reloads from the source.
	if err := feed.Publish(ctx, events.Event{Subject: events.ProposalCreated, BillID: 2, ProposalID: "p-1", Stage: "passed_1st_reading", At: at}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected one reload, got %d", src.calls)
	}
	if len(board.View()) != 2 {
		t.Fatalf("expected 2 cards after reload, got %d", len(board.View()))
	}
	if got := len(rec.Events()); got != 2 {
		t.Fatalf("expected both events forwarded, got %d", got)
	}

	if err := feed.Publish(ctx, events.Event{Subject: events.BillRegistered, BillID: 3, BillNumber: "HB3", Stage: "introduced", At: at}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := feed.Publish(ctx, events.Event{Subject: events.BillArchived, BillID: 1, At: at}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("bill lifecycle events should not reload, got %d reloads", src.calls)
	}
	numbers := map[string]bool{}
	for _, c := range board.View() {
		numbers[c.Number] = true
	}
	if !numbers["HB3"] || numbers["HB1"] || len(numbers) != 2 {
		t.Fatalf("expected HB2 and HB3 on the board, got %v", numbers)
	}
}
