package overlay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"billtracker/internal/domain"
	"billtracker/internal/events"
	"billtracker/internal/taxonomy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTaxonomy(t *testing.T) *taxonomy.Taxonomy {
	t.Helper()
	tax, err := taxonomy.Default()
	require.NoError(t, err)
	return tax
}

var t0 = time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC)

func bills() []domain.Bill {
	return []domain.Bill{
		{ID: 1, Number: "HB1", Title: "Water", CurrentStage: "passed_1st_reading"},
		{ID: 2, Number: "HB2", Title: "Roads", CurrentStage: "introduced"},
		{ID: 3, Number: "SB9", Title: "Parks", CurrentStage: "crossover"},
	}
}

func proposal(id string, billID int64, proposer, stage string, at time.Time) domain.Proposal {
	return domain.Proposal{
		ID: id, BillID: billID, ProposerID: proposer, ProposerName: proposer,
		ProposedStage: stage, Status: domain.StatusPending, Source: domain.SourceHuman, CreatedAt: at,
	}
}

func findCard(t *testing.T, cards []Card, billID int64) Card {
	t.Helper()
	for _, c := range cards {
		if c.BillID == billID {
			return c
		}
	}
	t.Fatalf("card for bill %d not found", billID)
	return Card{}
}

func TestMergeShowsCommittedStageWithGhosts(t *testing.T) {
	tax := testTaxonomy(t)
	cards := Merge(tax, bills(), []domain.Proposal{
		proposal("p-1", 1, "U1", "referred_to_committee", t0),
		proposal("p-2", 1, "U1", "reported_from_committee", t0.Add(time.Minute)),
		proposal("p-3", 1, "U2", "referred_to_committee", t0),
		proposal("p-4", 99, "U1", "enacted", t0),
	})
	require.Len(t, cards, 3)

	assert.Equal(t, int64(2), cards[0].BillID, "cards follow stage order")
	card := findCard(t, cards, 1)
	assert.Equal(t, "passed_1st_reading", card.Stage)
	assert.Equal(t, domain.ZoneHouse, card.Zone)
	require.Len(t, card.Ghosts, 2)
	for _, g := range card.Ghosts {
		assert.Equal(t, "passed_1st_reading", g.FromStage)
		if g.ProposerID == "U1" {
			assert.Equal(t, "reported_from_committee", g.ToStage)
		}
	}
	assert.Empty(t, findCard(t, cards, 3).Ghosts)
}

func TestReconcilerProposeThenWithdraw(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), nil)

	r.UpsertProposal(proposal("p-1", 2, "U1", "passed_1st_reading", t0))
	card := findCard(t, r.View(), 2)
	assert.Equal(t, "introduced", card.Stage)
	require.Len(t, card.Ghosts, 1)

	r.UpsertProposal(proposal("p-2", 2, "U1", "referred_to_committee", t0.Add(time.Minute)))
	card = findCard(t, r.View(), 2)
	require.Len(t, card.Ghosts, 1)
	assert.Equal(t, "p-2", card.Ghosts[0].ProposalID)

	err := r.Withdraw(context.Background(), "p-2", func(context.Context) error { return nil })
	require.NoError(t, err)
	card = findCard(t, r.View(), 2)
	assert.Empty(t, card.Ghosts)
	assert.Equal(t, "introduced", card.Stage)
}

func TestReconcilerWithdrawRollsBack(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), []domain.Proposal{proposal("p-1", 2, "U1", "passed_1st_reading", t0)})

	boom := errors.New("server down")
	err := r.Withdraw(context.Background(), "p-1", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.Len(t, findCard(t, r.View(), 2).Ghosts, 1)

	_, err = r.BeginWithdraw("p-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOptimisticCommitConfirmAndRollback(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), nil)

	token, err := r.BeginCommit(1, "referred_to_committee")
	require.NoError(t, err)
	card := findCard(t, r.View(), 1)
	assert.Equal(t, "referred_to_committee", card.Stage)
	assert.True(t, card.Unconfirmed)

	r.Rollback(token)
	card = findCard(t, r.View(), 1)
	assert.Equal(t, "passed_1st_reading", card.Stage)
	assert.False(t, card.Unconfirmed)

	err = r.Commit(context.Background(), 1, "referred_to_committee", func(context.Context) error { return nil })
	require.NoError(t, err)
	card = findCard(t, r.View(), 1)
	assert.Equal(t, "referred_to_committee", card.Stage)
	assert.False(t, card.Unconfirmed)

	boom := errors.New("stale")
	err = r.Commit(context.Background(), 1, "enacted", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "referred_to_committee", findCard(t, r.View(), 1).Stage)

	_, err = r.BeginCommit(1, "nowhere")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = r.BeginCommit(42, "enacted")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRollbackKeepsNewerPushedStage(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), nil)

	token, err := r.BeginCommit(1, "referred_to_committee")
	require.NoError(t, err)
	assert.True(t, r.ApplyEvent(events.Event{Subject: events.BillCommitted, BillID: 1, Stage: "reported_from_committee", At: t0}))

	r.Rollback(token)
	assert.Equal(t, "reported_from_committee", findCard(t, r.View(), 1).Stage)
}

type fakeSource struct {
	bills     []domain.Bill
	proposals []domain.Proposal
	err       error
}

func (f fakeSource) Snapshot(context.Context) ([]domain.Bill, []domain.Proposal, error) {
	return f.bills, f.proposals, f.err
}

func TestReloadServerWins(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), []domain.Proposal{proposal("p-local", 2, "U1", "passed_1st_reading", t0)})
	_, err := r.BeginCommit(2, "enacted")
	require.NoError(t, err)
	r.MarkProcessing(3)

	server := fakeSource{
		bills:     []domain.Bill{{ID: 2, Number: "HB2", CurrentStage: "passed_1st_reading"}, {ID: 3, Number: "SB9", CurrentStage: "crossover"}},
		proposals: []domain.Proposal{proposal("p-server", 3, "U2", "senate_committee", t0)},
	}
	require.NoError(t, r.Reload(context.Background(), server))

	cards := r.View()
	require.Len(t, cards, 2)
	hb2 := findCard(t, cards, 2)
	assert.Equal(t, "passed_1st_reading", hb2.Stage)
	assert.Empty(t, hb2.Ghosts)
	assert.False(t, hb2.Unconfirmed)
	sb9 := findCard(t, cards, 3)
	require.Len(t, sb9.Ghosts, 1)
	assert.True(t, sb9.Processing)

	err = r.Reload(context.Background(), fakeSource{err: errors.New("offline")})
	assert.Error(t, err)
	assert.Len(t, r.View(), 2)
}

func TestApplyEvent(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), nil)

	assert.True(t, r.ApplyEvent(events.Event{Subject: events.ProposalCreated, BillID: 2, ProposalID: "p-9",
		ProposerID: "U1", FromStage: "introduced", Stage: "passed_1st_reading", At: t0}))
	require.Len(t, findCard(t, r.View(), 2).Ghosts, 1)

	assert.True(t, r.ApplyEvent(events.Event{Subject: events.ProposalApproved, BillID: 2, ProposalID: "p-9", Stage: "passed_1st_reading", At: t0}))
	card := findCard(t, r.View(), 2)
	assert.Empty(t, card.Ghosts)
	assert.Equal(t, "passed_1st_reading", card.Stage)

	assert.False(t, r.ApplyEvent(events.Event{Subject: events.BillCommitted, BillID: 77, Stage: "enacted"}))
	assert.True(t, r.ApplyEvent(events.Event{Subject: events.FlagCreated, BillID: 77}))
}

func TestLateEchoDoesNotRevertStage(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), nil)

	first := events.Event{Subject: events.BillCommitted, BillID: 2, FromStage: "introduced", Stage: "passed_1st_reading", At: t0}
	second := events.Event{Subject: events.BillCommitted, BillID: 2, FromStage: "passed_1st_reading", Stage: "passed_2nd_reading", At: t0.Add(time.Minute)}
	assert.True(t, r.ApplyEvent(first))
	assert.True(t, r.ApplyEvent(second))

	// The broker delivers the first commit again after the second.
	assert.True(t, r.ApplyEvent(first))
	assert.Equal(t, "passed_2nd_reading", findCard(t, r.View(), 2).Stage)

	approved := events.Event{Subject: events.ProposalApproved, BillID: 2, ProposalID: "p-old", Stage: "passed_1st_reading", At: t0}
	assert.True(t, r.ApplyEvent(approved))
	assert.Equal(t, "passed_2nd_reading", findCard(t, r.View(), 2).Stage)

	// Same instant is not stale: the second arrival still applies.
	assert.True(t, r.ApplyEvent(events.Event{Subject: events.BillCommitted, BillID: 2, Stage: "crossover", At: t0.Add(time.Minute)}))
	assert.Equal(t, "crossover", findCard(t, r.View(), 2).Stage)
}

func TestBillLifecycleEvents(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), []domain.Proposal{proposal("p-1", 1, "U1", "crossover", t0)})

	assert.True(t, r.ApplyEvent(events.Event{Subject: events.BillRegistered, BillID: 4, BillNumber: "HB4",
		BillTitle: "Schools", Stage: "introduced", At: t0}))
	hb4 := findCard(t, r.View(), 4)
	assert.Equal(t, "HB4", hb4.Number)
	assert.Equal(t, "Schools", hb4.Title)
	assert.Equal(t, "introduced", hb4.Stage)

	// An echo of the registration leaves a bill that moved on alone.
	assert.True(t, r.ApplyEvent(events.Event{Subject: events.BillCommitted, BillID: 4, Stage: "passed_1st_reading", At: t0.Add(time.Minute)}))
	assert.True(t, r.ApplyEvent(events.Event{Subject: events.BillRegistered, BillID: 4, BillNumber: "HB4", Stage: "introduced", At: t0}))
	assert.Equal(t, "passed_1st_reading", findCard(t, r.View(), 4).Stage)

	assert.True(t, r.ApplyEvent(events.Event{Subject: events.BillArchived, BillID: 1, At: t0}))
	cards := r.View()
	assert.Len(t, cards, 3)
	for _, c := range cards {
		assert.NotEqual(t, int64(1), c.BillID)
	}
	_, err := r.BeginWithdraw("p-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.True(t, r.ApplyEvent(events.Event{Subject: events.BillArchived, BillID: 1, At: t0}))
}

func TestProcessingMarkers(t *testing.T) {
	r := NewReconciler(testTaxonomy(t))
	r.Load(bills(), nil)
	r.MarkProcessing(1)
	assert.True(t, r.Processing(1))
	assert.True(t, findCard(t, r.View(), 1).Processing)
	r.ClearProcessing(1)
	assert.False(t, r.Processing(1))
}

func TestRenderings(t *testing.T) {
	tax := testTaxonomy(t)
	cards := Merge(tax, bills(), []domain.Proposal{proposal("p-1", 1, "Mia", "referred_to_committee", t0)})

	text := FormatBoardText(tax, cards)
	assert.Contains(t, text, "*House*")
	assert.Contains(t, text, "*HB1*")
	assert.Contains(t, text, "by Mia")
	assert.NotContains(t, text, "*Law*")

	board := RenderBoard(tax, cards, 80)
	assert.Contains(t, board, "HB1")
	assert.Contains(t, board, "Law (0)")
	assert.True(t, strings.Contains(board, "no bills"))

	assert.Equal(t, "No bills are being tracked.", FormatBoardText(tax, nil))
}

func TestCardsPrefersLiveView(t *testing.T) {
	tax := testTaxonomy(t)
	src := fakeSource{bills: []domain.Bill{{ID: 9, Number: "HB9", CurrentStage: "introduced"}}}

	cards, err := Cards(context.Background(), tax, src, nil)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, int64(9), cards[0].BillID)

	live := NewReconciler(tax)
	live.Load(bills(), nil)
	cards, err = Cards(context.Background(), tax, fakeSource{err: errors.New("unused")}, live)
	require.NoError(t, err)
	assert.Len(t, cards, len(bills()))

	_, err = Cards(context.Background(), tax, fakeSource{err: errors.New("offline")}, nil)
	assert.Error(t, err)
}
