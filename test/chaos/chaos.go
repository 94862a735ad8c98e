// Package chaos disturbs the database while actors run.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killed counts backends terminated by TerminateRandomBackend.
var Killed atomic.Int64

// TerminateRandomBackend kills one backend tagged appName about every
// fifth tick. Services must survive a connection dying mid-transaction
// without leaving a half-applied transition.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, every time.Duration, stop <-chan struct{}) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var n int64
			err := pool.QueryRow(ctx, `
				SELECT COUNT(pg_terminate_backend(pid)) FROM (
					SELECT pid FROM pg_stat_activity
					WHERE datname = current_database()
					  AND application_name = $1
					  AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1
				) victim`, appName).Scan(&n)
			if err == nil {
				Killed.Add(n)
			}
		}
	}
}
