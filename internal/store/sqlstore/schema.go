package sqlstore

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"vaxbook/backend/internal/domain"
)

const activeMonthIndex = "appointments_owner_month_active_uniq"

var schemaStatements = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS " + activeMonthIndex +
		" ON appointments (owner_id, scheduled_month) WHERE status <> 'cancelled'",
	"CREATE INDEX IF NOT EXISTS appointments_owner_scheduled_at_idx ON appointments (owner_id, scheduled_at)",
	"CREATE INDEX IF NOT EXISTS outbox_events_unpublished_idx ON outbox_events (created_at) WHERE published_at IS NULL",
}

// Migrate creates the tables and indexes the repositories rely on. It is
// safe to run repeatedly.
func Migrate(ctx context.Context, db *bun.DB) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		models := []any{
			(*domain.Appointment)(nil),
			(*domain.OutboxEvent)(nil),
		}
		for _, m := range models {
			if _, err := tx.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
				return fmt.Errorf("create table: %w", err)
			}
		}
		for _, stmt := range schemaStatements {
			if _, err := tx.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("create index: %w", err)
			}
		}
		return nil
	})
}
