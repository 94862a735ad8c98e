// Package actors drives the escrow services concurrently against a real
// database. Actors pick random rows in the state they act on, so several
// of them race for the same transaction most of the time.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowdesk/apperr"
	"escrowdesk/auth"
	"escrowdesk/escrow"
	"escrowdesk/offer"
	"escrowdesk/tasks"
)

// Env is what every actor needs.
type Env struct {
	Pool    *pgxpool.Pool
	Escrow  *escrow.Service
	Offers  *offer.Service
	Sweeper *tasks.Sweeper
	Tally   *Tally
}

// Tally counts outcomes. Expected rejections are the losers of a race;
// Unexpected are errors outside the domain kinds, mostly connections
// killed by chaos.
type Tally struct {
	Accepted   atomic.Int64
	Submitted  atomic.Int64
	Confirmed  atomic.Int64
	Reported   atomic.Int64
	Viewed     atomic.Int64
	Flagged    atomic.Int64
	Rejected   atomic.Int64
	Unexpected atomic.Int64
}

func (t *Tally) String() string {
	return fmt.Sprintf("accepted=%d submitted=%d confirmed=%d reported=%d viewed=%d flagged=%d rejected=%d unexpected=%d",
		t.Accepted.Load(), t.Submitted.Load(), t.Confirmed.Load(), t.Reported.Load(),
		t.Viewed.Load(), t.Flagged.Load(), t.Rejected.Load(), t.Unexpected.Load())
}

func (t *Tally) record(ok *atomic.Int64, err error) {
	switch {
	case err == nil:
		ok.Add(1)
	case apperr.Is(err, apperr.KindConflict), apperr.Is(err, apperr.KindForbidden),
		apperr.Is(err, apperr.KindNotFound), apperr.Is(err, apperr.KindValidation):
		t.Rejected.Add(1)
	default:
		t.Unexpected.Add(1)
	}
}

func user(id int64) auth.Principal {
	return auth.Principal{UserID: id, Role: auth.RoleUser, SessionID: fmt.Sprintf("stress-%d", id)}
}

// CredentialFields is what the seller of txID submits. Viewers check the
// decrypted fields against it.
func CredentialFields(txID int64) map[string]string {
	return map[string]string{
		"username": fmt.Sprintf("acct-%d", txID),
		"password": fmt.Sprintf("pw-%d", txID*7919),
	}
}

func loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(pause())
	}
}

func jitter(base, spread int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(base+rand.Intn(spread)) * time.Millisecond
	}
}

// pickTx returns a random transaction in status, or ok=false when none.
func pickTx(ctx context.Context, pool *pgxpool.Pool, status escrow.TransferStatus) (id, buyer, seller int64, ok bool) {
	err := pool.QueryRow(ctx, `SELECT id, buyer_id, seller_id FROM transactions
		WHERE transfer_status = $1 ORDER BY random() LIMIT 1`, string(status)).Scan(&id, &buyer, &seller)
	return id, buyer, seller, err == nil
}

// Lister publishes an active listing from seller with one pending offer per
// buyer, giving acceptors something to fight over.
func Lister(ctx context.Context, env Env, seller int64, buyers []int64, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(150, 100), func() error {
		err := pgx.BeginFunc(ctx, env.Pool, func(tx pgx.Tx) error {
			var listingID int64
			if err := tx.QueryRow(ctx, `INSERT INTO listings (seller_id, title, price, status)
				VALUES ($1, $2, 100, 'active') RETURNING id`, seller, fmt.Sprintf("Stress asset %d", rand.Int63())).Scan(&listingID); err != nil {
				return err
			}
			for _, b := range buyers {
				amount := decimal.NewFromInt(int64(80 + rand.Intn(40)))
				if _, err := tx.Exec(ctx, `INSERT INTO offers (listing_id, user_id, seller_id, amount)
					VALUES ($1, $2, $3, $4)`, listingID, b, seller, amount); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			env.Tally.Unexpected.Add(1)
		}
		return nil
	})
}

// Acceptor accepts random pending offers as the listing's seller. Only one
// offer per listing may win.
func Acceptor(ctx context.Context, env Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 20), func() error {
		var offerID, seller int64
		if err := env.Pool.QueryRow(ctx, `SELECT id, seller_id FROM offers
			WHERE status = 'pending' ORDER BY random() LIMIT 1`).Scan(&offerID, &seller); err != nil {
			return nil
		}
		_, err := env.Offers.Accept(ctx, user(seller), offerID)
		env.Tally.record(&env.Tally.Accepted, err)
		return nil
	})
}

// Submitter submits credentials for paid transactions as the seller.
func Submitter(ctx context.Context, env Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 30), func() error {
		id, _, seller, ok := pickTx(ctx, env.Pool, escrow.TransferPaid)
		if !ok {
			return nil
		}
		_, err := env.Escrow.SubmitCredentials(ctx, user(seller), id, CredentialFields(id))
		env.Tally.record(&env.Tally.Submitted, err)
		return nil
	})
}

// Confirmer confirms submitted credentials as the buyer.
func Confirmer(ctx context.Context, env Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 30), func() error {
		id, buyer, _, ok := pickTx(ctx, env.Pool, escrow.TransferCredentialsSubmitted)
		if !ok {
			return nil
		}
		_, err := env.Escrow.ConfirmCredentials(ctx, user(buyer), id)
		env.Tally.record(&env.Tally.Confirmed, err)
		return nil
	})
}

// Reporter reports submitted credentials as broken, racing Confirmer.
func Reporter(ctx context.Context, env Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 30), func() error {
		id, buyer, _, ok := pickTx(ctx, env.Pool, escrow.TransferCredentialsSubmitted)
		if !ok {
			return nil
		}
		_, _, err := env.Escrow.ReportIssue(ctx, user(buyer), id, "login rejected")
		env.Tally.record(&env.Tally.Reported, err)
		return nil
	})
}

// Viewer decrypts credentials as the buyer and fails the run if they do
// not match what the seller submitted.
func Viewer(ctx context.Context, env Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(20, 40), func() error {
		status := escrow.TransferCredentialsSubmitted
		if rand.Intn(2) == 0 {
			status = escrow.TransferVerified
		}
		id, buyer, _, ok := pickTx(ctx, env.Pool, status)
		if !ok {
			return nil
		}
		view, err := env.Escrow.ViewCredentials(ctx, user(buyer), id, escrow.RequestMeta{IP: "127.0.0.1", UserAgent: "stress"})
		env.Tally.record(&env.Tally.Viewed, err)
		if err != nil {
			if apperr.Is(err, apperr.KindDecryption) {
				return fmt.Errorf("viewer: transaction %d: %w", id, err)
			}
			return nil
		}
		for k, want := range CredentialFields(id) {
			if got := view.Fields[k]; got != want {
				return fmt.Errorf("viewer: transaction %d field %s = %q, want %q", id, k, got, want)
			}
		}
		return nil
	})
}

// DeadlineSweeper runs the overdue sweep repeatedly with a clock far enough
// ahead that every open transaction is overdue.
func DeadlineSweeper(ctx context.Context, env Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(300, 200), func() error {
		n, err := env.Sweeper.Sweep(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			env.Tally.Unexpected.Add(1)
			return nil
		}
		env.Tally.Flagged.Add(int64(n))
		return nil
	})
}
