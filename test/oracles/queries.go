// Package oracles holds SQL checks that must return no rows at any point of
// a stress run.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_transaction_per_listing",
			SQL: `SELECT listing_id, COUNT(*) FROM transactions
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_one_accepted_offer_per_listing",
			SQL: `SELECT listing_id, COUNT(*) FROM offers
                  WHERE status = 'accepted'
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_credentials_match_transfer_status",
			SQL: `SELECT t.id, t.transfer_status, c.id AS credentials_id FROM transactions t
                  LEFT JOIN listing_credentials c ON c.transaction_id = t.id
                  WHERE (t.transfer_status IN ('credentials_submitted', 'verified') AND c.id IS NULL)
                     OR (t.transfer_status = 'paid' AND c.id IS NOT NULL)`,
		},
		{
			Name: "O4_single_buyer_verdict",
			SQL: `SELECT transaction_id, COUNT(*) FROM logs
                  WHERE action IN ('credentials_confirmed', 'credentials_issue_reported')
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_verified_is_released",
			SQL: `SELECT id, status FROM transactions
                  WHERE transfer_status = 'verified' AND (status <> 'released' OR verified_at IS NULL)`,
		},
		{
			Name: "O6_single_payment_release",
			SQL: `SELECT transaction_id, COUNT(*) FROM logs
                  WHERE action = 'payment_released'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_disputed_has_dispute",
			SQL: `SELECT t.id FROM transactions t
                  WHERE t.transfer_status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.transaction_id = t.id)`,
		},
		{
			Name: "O8_overdue_flagged_once",
			SQL: `SELECT transaction_id, details->>'phase' AS phase, COUNT(*) FROM logs
                  WHERE action = 'deadline_overdue'
                  GROUP BY transaction_id, details->>'phase' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_transacted_listing_sold",
			SQL: `SELECT l.id, l.status FROM listings l
                  JOIN transactions t ON t.listing_id = l.id
                  WHERE l.status <> 'sold'`,
		},
		{
			Name: "O10_view_requires_credentials",
			SQL: `SELECT g.id, g.transaction_id FROM logs g
                  WHERE g.action = 'credentials_viewed'
                    AND NOT EXISTS (SELECT 1 FROM listing_credentials c WHERE c.transaction_id = g.transaction_id)`,
		},
		{
			Name: "O11_logs_append_only_guard",
			SQL: `SELECT 'missing_logs_no_update_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'logs_no_update')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
