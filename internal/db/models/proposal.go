package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ProposalRecord is one executed proposal. The service is stateless about
// pending proposals (they travel as signed tokens), but executed proposal
// ids are recorded so a replayed token can be told apart from a first
// approval, and so approvals are auditable after the fact.
type ProposalRecord struct {
	bun.BaseModel `bun:"table:proposal_records,alias:pr"`

	// ID is the proposal token's jti claim.
	ID string `bun:"id,pk"`

	GroupID    string    `bun:"group_id,notnull"`
	UserID     string    `bun:"user_id,notnull"`
	ApproverID string    `bun:"approver_id,notnull"`
	ApprovedAt time.Time `bun:"approved_at,notnull"`

	// ExpiresAt is the token's expiry, after which the record is garbage.
	ExpiresAt time.Time `bun:"expires_at,notnull"`
}
