package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Data migration hooks are registered here. They run after `migrate up`.

func init() {
	RegisterDataHook(1, "001_users_from_payments", backfillPaymentUsers)
}

// backfillPaymentUsers creates a users row for every paying user that has
// none, which happens when a reconcile recorded the payment but failed to
// store the profile.
func backfillPaymentUsers(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO users (id)
		SELECT DISTINCT p.user_id FROM payments p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE u.id IS NULL
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("backfill users: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Info("backfilled users from payments", "count", n)
	}
	return nil
}
