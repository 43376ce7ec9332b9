// Package ledger manages prepaid credit balances. Identities are provisioned
// with a starting grant the first time they are seen; every movement is
// recorded as a ledger entry carrying the resulting balance.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/store"
)

// ErrInsufficientCredits is matched by every InsufficientError.
var ErrInsufficientCredits = errors.New("insufficient credits")

// InsufficientError reports a charge that the balance could not cover.
type InsufficientError struct {
	Needed    float64
	Available float64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits: need %g, have %g", e.Needed, e.Available)
}

func (e *InsufficientError) Unwrap() error { return ErrInsufficientCredits }

// Ledger charges and refunds credits.
type Ledger struct {
	store         store.LedgerStore
	startingGrant float64
	clock         clock.Clock
}

// New creates a ledger that provisions new identities with startingGrant.
func New(s store.LedgerStore, startingGrant float64, c clock.Clock) *Ledger {
	return &Ledger{store: s, startingGrant: startingGrant, clock: c}
}

// GetOrCreate returns the owner's balance, provisioning it on first sight.
func (l *Ledger) GetOrCreate(ctx context.Context, owner string) (*model.CreditBalance, error) {
	b, err := l.store.EnsureBalance(ctx, owner, l.startingGrant, l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	return b, nil
}

// Charge debits amount from the owner's balance for jobID and returns the
// new balance. It returns an *InsufficientError, leaving the balance
// unchanged, when the balance cannot cover amount.
func (l *Ledger) Charge(ctx context.Context, owner string, amount float64, jobID string) (float64, error) {
	if _, err := l.GetOrCreate(ctx, owner); err != nil {
		return 0, err
	}
	balance, err := l.store.DebitBalance(ctx, owner, amount, jobID, l.clock.Now())
	if errors.Is(err, store.ErrInsufficientBalance) {
		insufficient := &InsufficientError{Needed: amount}
		if b, err := l.store.GetBalance(ctx, owner); err == nil {
			insufficient.Available = b.Balance
		}
		return 0, insufficient
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	return balance, nil
}

// Refund returns amount to the owner's balance for jobID.
func (l *Ledger) Refund(ctx context.Context, owner string, amount float64, jobID string) (float64, error) {
	balance, err := l.store.CreditBalance(ctx, owner, amount, model.EntryRefund, jobID, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("refund balance: %w", err)
	}
	return balance, nil
}

// Entries returns the owner's most recent ledger entries.
func (l *Ledger) Entries(ctx context.Context, owner string, limit int) ([]model.LedgerEntry, error) {
	entries, err := l.store.ListLedgerEntries(ctx, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}
