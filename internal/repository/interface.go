// Package repository provides persistence for the proposal replay ledger.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/terraconstructs/jitaccess/internal/db/models"
)

// ErrDuplicateProposal marks an attempt to record an already-recorded
// proposal id.
var ErrDuplicateProposal = errors.New("proposal already recorded")

// ProposalRecordRepository is the replay ledger. The service keeps no
// pending-proposal state; this table only holds executed proposal ids so a
// replayed token can be told apart from a first approval.
type ProposalRecordRepository interface {
	// Record stores an executed proposal. Returns ErrDuplicateProposal
	// when the id was already recorded.
	Record(ctx context.Context, record *models.ProposalRecord) error

	// IsExecuted reports whether a proposal id has been recorded.
	IsExecuted(ctx context.Context, id string) (bool, error)

	// GetByID returns a recorded proposal, or nil when absent.
	GetByID(ctx context.Context, id string) (*models.ProposalRecord, error)

	// DeleteExpired removes records whose token expiry passed more than
	// gracePeriod ago, to keep the table from growing without bound.
	DeleteExpired(ctx context.Context, gracePeriod time.Duration) (int64, error)
}
