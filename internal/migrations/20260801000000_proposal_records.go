package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/jitaccess/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260801000000, down_20260801000000)
}

// up_20260801000000 creates the proposal replay ledger
func up_20260801000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating proposal_records table...")

	_, err := db.NewCreateTable().
		Model((*models.ProposalRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create proposal_records table: %w", err)
	}

	// Index for the expiry-based cleanup query
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_proposal_records_expires_at ON proposal_records(expires_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create proposal_records expiry index: %w", err)
	}
	fmt.Println(" OK")

	return nil
}

// down_20260801000000 drops the proposal replay ledger
func down_20260801000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping proposal_records table...")

	_, err := db.NewDropTable().
		Model((*models.ProposalRecord)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop proposal_records table: %w", err)
	}
	fmt.Println(" OK")

	return nil
}
