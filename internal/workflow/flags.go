package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"billtracker/internal/domain"
	"billtracker/internal/events"
	"billtracker/internal/storage/sqlite"
)

func (s *Service) ListFlags(_ context.Context, actor domain.Actor, billID int64, openOnly bool) ([]domain.MisclassificationFlag, error) {
	if !Can(actor.Role, ActionResolveFlag) {
		return nil, fmt.Errorf("%w: role %q cannot review flags", domain.ErrForbidden, actor.Role)
	}
	return sqlite.ListFlags(s.db, billID, openOnly)
}

// ResolveFlag closes a flag. With a corrected stage the bill is moved there
// through the same validated write as an approval, in the same transaction;
// an empty stage confirms the stage that was kept.
func (s *Service) ResolveFlag(ctx context.Context, actor domain.Actor, flagID int64, correctStage string) (domain.MisclassificationFlag, error) {
	if !Can(actor.Role, ActionResolveFlag) {
		return domain.MisclassificationFlag{}, fmt.Errorf("%w: role %q cannot resolve flags", domain.ErrForbidden, actor.Role)
	}
	stage := ""
	if strings.TrimSpace(correctStage) != "" {
		id, err := s.resolveStage(correctStage)
		if err != nil {
			return domain.MisclassificationFlag{}, err
		}
		stage = id
	}

	at := s.now()
	var (
		flag domain.MisclassificationFlag
		from string
	)
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		flag, err = sqlite.GetFlag(tx, flagID)
		if err != nil {
			return err
		}
		if !flag.Open() {
			return fmt.Errorf("%w: flag %d already resolved", domain.ErrNotFound, flagID)
		}
		if stage == "" {
			stage = flag.KeptStage
		} else {
			from, err = s.applyStage(tx, flag.BillID, stage, at)
			if err != nil {
				return err
			}
		}
		return sqlite.ResolveFlag(tx, flagID, actor.UserID, stage, at)
	})
	if err != nil {
		return domain.MisclassificationFlag{}, err
	}

	flag.ResolvedAt = &at
	flag.ResolvedBy = actor.UserID
	flag.ResolutionStage = stage
	log.Printf("workflow resolve flag=%d bill=%d stage=%s by=%s", flagID, flag.BillID, stage, actor.UserID)
	s.metrics.Flag("resolved")
	s.publish(ctx, events.Event{Subject: events.FlagResolved, BillID: flag.BillID, FlagID: flagID, Stage: stage, ActorID: actor.UserID, At: at})
	if from != "" && from != stage {
		s.metrics.Commit("flag")
		s.publish(ctx, events.Event{Subject: events.BillCommitted, BillID: flag.BillID, FromStage: from, Stage: stage, ActorID: actor.UserID, At: at})
	}
	return flag, nil
}
