package api

import (
	"time"

	"billtracker/internal/domain"
	"billtracker/internal/workflow"
)

type stageView struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Zone      domain.Zone `json:"zone"`
	Position  int         `json:"position"`
	Scheduled bool        `json:"scheduled,omitempty"`
	Exempt    bool        `json:"exempt,omitempty"`
}

func newStageView(i int, s domain.Stage) stageView {
	return stageView{ID: s.ID, Title: s.Title, Zone: s.Zone, Position: i, Scheduled: s.Scheduled, Exempt: s.Exempt}
}

type billView struct {
	ID           int64     `json:"id"`
	Number       string    `json:"number"`
	Title        string    `json:"title"`
	CurrentStage string    `json:"current_stage"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newBillView(b domain.Bill) billView {
	return billView{ID: b.ID, Number: b.Number, Title: b.Title, CurrentStage: b.CurrentStage, UpdatedAt: b.UpdatedAt}
}

type proposalView struct {
	ID                   string                `json:"id"`
	BillID               int64                 `json:"bill_id"`
	CurrentStageSnapshot string                `json:"current_stage_snapshot"`
	ProposedStage        string                `json:"proposed_stage"`
	ProposerID           string                `json:"proposer_id"`
	ProposerName         string                `json:"proposer_name,omitempty"`
	ProposerRole         domain.Role           `json:"proposer_role"`
	Status               domain.ApprovalStatus `json:"status"`
	Note                 string                `json:"note,omitempty"`
	Source               domain.ProposalSource `json:"source"`
	Confidence           float64               `json:"confidence,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
	ResolvedBy           string                `json:"resolved_by,omitempty"`
	ResolvedAt           *time.Time            `json:"resolved_at,omitempty"`
}

func newProposalView(p domain.Proposal) proposalView {
	return proposalView{
		ID:                   p.ID,
		BillID:               p.BillID,
		CurrentStageSnapshot: p.CurrentStageSnapshot,
		ProposedStage:        p.ProposedStage,
		ProposerID:           p.ProposerID,
		ProposerName:         p.ProposerName,
		ProposerRole:         p.ProposerRole,
		Status:               p.Status,
		Note:                 p.Note,
		Source:               p.Source,
		Confidence:           p.Confidence,
		CreatedAt:            p.CreatedAt,
		ResolvedBy:           p.ResolvedBy,
		ResolvedAt:           p.ResolvedAt,
	}
}

type changeView struct {
	Committed bool          `json:"committed"`
	FromStage string        `json:"from_stage"`
	Stage     string        `json:"stage"`
	Proposal  *proposalView `json:"proposal,omitempty"`
}

type flagView struct {
	ID              int64      `json:"id"`
	BillID          int64      `json:"bill_id"`
	StatusText      string     `json:"status_text"`
	RejectedStage   string     `json:"rejected_stage"`
	KeptStage       string     `json:"kept_stage"`
	Confidence      float64    `json:"confidence"`
	Reasoning       string     `json:"reasoning,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionStage string     `json:"resolution_stage,omitempty"`
}

func newFlagView(f domain.MisclassificationFlag) flagView {
	return flagView{
		ID:              f.ID,
		BillID:          f.BillID,
		StatusText:      f.StatusText,
		RejectedStage:   f.RejectedStage,
		KeptStage:       f.KeptStage,
		Confidence:      f.Confidence,
		Reasoning:       f.Reasoning,
		CreatedAt:       f.CreatedAt,
		ResolvedAt:      f.ResolvedAt,
		ResolvedBy:      f.ResolvedBy,
		ResolutionStage: f.ResolutionStage,
	}
}

type previewView struct {
	BillID       int64   `json:"bill_id"`
	CurrentStage string  `json:"current_stage"`
	Stage        string  `json:"stage"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	Rule         string  `json:"rule,omitempty"`
	Accepted     bool    `json:"accepted"`
	Reason       string  `json:"reason,omitempty"`
}

type classifyView struct {
	Outcome       workflow.Outcome `json:"outcome"`
	BillID        int64            `json:"bill_id"`
	ObservationID int64            `json:"observation_id"`
	CurrentStage  string           `json:"current_stage"`
	Stage         string           `json:"stage"`
	Confidence    float64          `json:"confidence"`
	Reasoning     string           `json:"reasoning"`
	Proposal      *proposalView    `json:"proposal,omitempty"`
	Flag          *flagView        `json:"flag,omitempty"`
	ResolvedFlags int              `json:"resolved_flags,omitempty"`
}

func newClassifyView(res workflow.ClassifyResult) classifyView {
	out := classifyView{
		Outcome:       res.Outcome,
		BillID:        res.BillID,
		ObservationID: res.ObservationID,
		CurrentStage:  res.CurrentStage,
		Stage:         res.Result.Stage,
		Confidence:    res.Result.Confidence,
		Reasoning:     res.Result.Reasoning,
		ResolvedFlags: res.ResolvedFlags,
	}
	if res.Proposal != nil {
		pv := newProposalView(*res.Proposal)
		out.Proposal = &pv
	}
	if res.Flag != nil {
		fv := newFlagView(*res.Flag)
		out.Flag = &fv
	}
	return out
}
