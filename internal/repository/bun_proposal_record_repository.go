package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/jitaccess/internal/db/models"
)

// BunProposalRecordRepository implements ProposalRecordRepository using Bun.
type BunProposalRecordRepository struct {
	db *bun.DB
}

// NewBunProposalRecordRepository creates a Bun-based replay ledger.
func NewBunProposalRecordRepository(db *bun.DB) ProposalRecordRepository {
	return &BunProposalRecordRepository{db: db}
}

// Record inserts an executed proposal. The primary key carries the
// uniqueness; a second approver racing the same token gets
// ErrDuplicateProposal from the constraint violation.
func (r *BunProposalRecordRepository) Record(ctx context.Context, record *models.ProposalRecord) error {
	_, err := r.db.NewInsert().
		Model(record).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("proposal %s: %w", record.ID, ErrDuplicateProposal)
		}
		return fmt.Errorf("record proposal: %w", err)
	}
	return nil
}

// IsExecuted checks the ledger with a SELECT EXISTS.
func (r *BunProposalRecordRepository) IsExecuted(ctx context.Context, id string) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*models.ProposalRecord)(nil)).
		Where("id = ?", id).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check proposal %s: %w", id, err)
	}
	return exists, nil
}

// GetByID returns the recorded proposal, or nil when the id is unknown.
func (r *BunProposalRecordRepository) GetByID(ctx context.Context, id string) (*models.ProposalRecord, error) {
	record := new(models.ProposalRecord)
	err := r.db.NewSelect().
		Model(record).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return record, nil
}

// DeleteExpired removes records whose token expiry is older than the grace
// period. Tokens past their expiry fail signature validation anyway, so the
// ledger entry has no replay-protection value left.
func (r *BunProposalRecordRepository) DeleteExpired(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	cutoff := time.Now().Add(-gracePeriod)

	res, err := r.db.NewDelete().
		Model((*models.ProposalRecord)(nil)).
		Where("expires_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired proposals: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return deleted, nil
}

// isUniqueViolation detects primary-key conflicts across the supported
// dialects (pgdriver and modernc sqlite phrase them differently).
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed")
}
