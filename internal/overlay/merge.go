// Package overlay builds the board users see: committed bill stages with
// pending proposals drawn as ghosts next to them, never in their place.
package overlay

import (
	"context"
	"sort"
	"time"

	"billtracker/internal/domain"
	"billtracker/internal/taxonomy"
)

// Ghost is a pending proposal rendered beside its bill.
type Ghost struct {
	ProposalID   string                `json:"proposal_id"`
	ProposerID   string                `json:"proposer_id"`
	ProposerName string                `json:"proposer_name"`
	FromStage    string                `json:"from_stage"`
	ToStage      string                `json:"to_stage"`
	Source       domain.ProposalSource `json:"source"`
	Confidence   float64               `json:"confidence,omitempty"`
	Note         string                `json:"note,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

type Card struct {
	BillID int64       `json:"bill_id"`
	Number string      `json:"number"`
	Title  string      `json:"title"`
	Stage  string      `json:"stage"`
	Zone   domain.Zone `json:"zone"`
	Ghosts []Ghost     `json:"ghosts,omitempty"`
	// Processing is set while a classifier run is working on the bill.
	Processing bool `json:"processing,omitempty"`
	// Unconfirmed is set while an optimistic commit awaits the server.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}

// Merge is the pure part of the overlay. Each bill is shown at its committed
// stage; proposals become ghosts, one per proposer (the newest wins when the
// input holds duplicates). Proposals for bills not in the list are dropped.
// Cards are ordered by stage position, then bill number.
func Merge(tax *taxonomy.Taxonomy, bills []domain.Bill, proposals []domain.Proposal) []Card {
	byBill := make(map[int64]map[string]domain.Proposal, len(bills))
	for _, b := range bills {
		byBill[b.ID] = nil
	}
	for _, p := range proposals {
		perProposer, ok := byBill[p.BillID]
		if !ok {
			continue
		}
		if perProposer == nil {
			perProposer = make(map[string]domain.Proposal)
			byBill[p.BillID] = perProposer
		}
		if prev, seen := perProposer[p.ProposerID]; seen && prev.CreatedAt.After(p.CreatedAt) {
			continue
		}
		perProposer[p.ProposerID] = p
	}

	cards := make([]Card, 0, len(bills))
	for _, b := range bills {
		zone, _ := tax.ZoneOf(b.CurrentStage)
		card := Card{
			BillID: b.ID,
			Number: b.Number,
			Title:  b.Title,
			Stage:  b.CurrentStage,
			Zone:   zone,
		}
		for _, p := range byBill[b.ID] {
			card.Ghosts = append(card.Ghosts, Ghost{
				ProposalID:   p.ID,
				ProposerID:   p.ProposerID,
				ProposerName: p.ProposerName,
				FromStage:    b.CurrentStage,
				ToStage:      p.ProposedStage,
				Source:       p.Source,
				Confidence:   p.Confidence,
				Note:         p.Note,
				CreatedAt:    p.CreatedAt,
			})
		}
		sort.Slice(card.Ghosts, func(i, j int) bool {
			if !card.Ghosts[i].CreatedAt.Equal(card.Ghosts[j].CreatedAt) {
				return card.Ghosts[i].CreatedAt.Before(card.Ghosts[j].CreatedAt)
			}
			return card.Ghosts[i].ProposerID < card.Ghosts[j].ProposerID
		})
		cards = append(cards, card)
	}

	sort.SliceStable(cards, func(i, j int) bool {
		ii, iok := tax.Index(cards[i].Stage)
		ji, jok := tax.Index(cards[j].Stage)
		if iok != jok {
			return iok
		}
		if ii != ji {
			return ii < ji
		}
		return cards[i].Number < cards[j].Number
	})
	return cards
}

// Cards returns the live view when a reconciler is running, otherwise a fresh
// merge of src.
func Cards(ctx context.Context, tax *taxonomy.Taxonomy, src Source, live *Reconciler) ([]Card, error) {
	if live != nil {
		return live.View(), nil
	}
	bills, proposals, err := src.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Merge(tax, bills, proposals), nil
}
