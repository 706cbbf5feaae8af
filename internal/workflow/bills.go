package workflow

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"billtracker/internal/domain"
	"billtracker/internal/events"
	"billtracker/internal/storage/sqlite"
)

// RegisterBill adds a bill to the board at the given stage (introduced when
// empty).
func (s *Service) RegisterBill(ctx context.Context, actor domain.Actor, number, title, stage string) (domain.Bill, error) {
	if !Can(actor.Role, ActionManageBills) {
		return domain.Bill{}, fmt.Errorf("%w: role %q cannot register bills", domain.ErrForbidden, actor.Role)
	}
	number = sqlite.NormalizeBillNumber(number)
	if number == "" {
		return domain.Bill{}, fmt.Errorf("%w: bill number is required", domain.ErrValidation)
	}
	if strings.TrimSpace(stage) == "" {
		stage = s.tax.Stages()[0].ID
	}
	stageID, err := s.resolveStage(stage)
	if err != nil {
		return domain.Bill{}, err
	}
	if _, err := sqlite.GetBillByNumber(s.db, number); err == nil {
		return domain.Bill{}, fmt.Errorf("%w: bill %s already exists", domain.ErrValidation, number)
	}

	bill := domain.Bill{Number: number, Title: strings.TrimSpace(title), CurrentStage: stageID, CreatedAt: s.now()}
	id, err := sqlite.InsertBill(s.db, bill)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("store bill: %w", err)
	}
	bill.ID = id
	bill.UpdatedAt = bill.CreatedAt
	log.Printf("workflow register bill=%d number=%s stage=%s by=%s", id, number, stageID, actor.UserID)
	s.publish(ctx, events.Event{
		Subject:    events.BillRegistered,
		BillID:     id,
		BillNumber: bill.Number,
		BillTitle:  bill.Title,
		Stage:      stageID,
		ActorID:    actor.UserID,
		At:         bill.CreatedAt,
	})
	return bill, nil
}

func (s *Service) ArchiveBill(ctx context.Context, actor domain.Actor, billID int64) error {
	if !Can(actor.Role, ActionManageBills) {
		return fmt.Errorf("%w: role %q cannot archive bills", domain.ErrForbidden, actor.Role)
	}
	at := s.now()
	if err := sqlite.ArchiveBill(s.db, billID, at); err != nil {
		return err
	}
	log.Printf("workflow archive bill=%d by=%s", billID, actor.UserID)
	s.publish(ctx, events.Event{Subject: events.BillArchived, BillID: billID, ActorID: actor.UserID, At: at})
	return nil
}

func (s *Service) Bills(_ context.Context) ([]domain.Bill, error) {
	return sqlite.ListBills(s.db, false)
}

func (s *Service) Bill(_ context.Context, billID int64) (domain.Bill, error) {
	return sqlite.GetBill(s.db, billID)
}

// FindBill accepts a numeric id or a bill number such as "HB 12".
func (s *Service) FindBill(_ context.Context, ref string) (domain.Bill, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return sqlite.GetBill(s.db, id)
	}
	return sqlite.GetBillByNumber(s.db, ref)
}

// Snapshot returns the active bills and every pending proposal, the two
// inputs of the board overlay.
func (s *Service) Snapshot(_ context.Context) ([]domain.Bill, []domain.Proposal, error) {
	bills, err := sqlite.ListBills(s.db, false)
	if err != nil {
		return nil, nil, err
	}
	proposals, err := sqlite.ListPendingProposals(s.db, nil)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.SetPending(len(proposals))
	return bills, proposals, nil
}
