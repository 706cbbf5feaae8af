package domain

import "time"

type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

type ProposalSource string

const (
	SourceHuman      ProposalSource = "human"
	SourceClassifier ProposalSource = "classifier"
)

// Proposal is a suggested stage change awaiting approval. At most one pending
// proposal exists per (BillID, ProposerID).
type Proposal struct {
	ID                   string
	BillID               int64
	CurrentStageSnapshot string
	ProposedStage        string
	ProposerID           string
	ProposerName         string
	ProposerRole         Role
	Status               ApprovalStatus
	Note                 string
	Source               ProposalSource
	Confidence           float64
	// StatusText is the observation a classifier proposal was derived from.
	StatusText string
	CreatedAt  time.Time
	ResolvedBy string
	ResolvedAt *time.Time
}
