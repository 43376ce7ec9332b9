package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/qgate/internal/model"
)

// EnsureBalance provisions the owner's balance with grant on first sight
// and returns the current balance. Concurrent first calls provision once:
// the insert that loses the race is discarded and no second grant is
// recorded.
func (s *SQLiteStore) EnsureBalance(ctx context.Context, ownerID string, grant float64, now time.Time) (*model.CreditBalance, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (owner_id, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(owner_id) DO NOTHING`,
		ownerID, grant, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert balance: %w", err)
	}
	created, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if created == 1 && grant > 0 {
		if err := insertEntry(ctx, tx, ownerID, model.EntryGrant, grant, grant, "", now); err != nil {
			return nil, err
		}
	}

	b, err := scanBalance(tx.QueryRowContext(ctx,
		`SELECT owner_id, balance, created_at, updated_at FROM credit_balances WHERE owner_id = ?`, ownerID))
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit balance: %w", err)
	}
	return b, nil
}

// GetBalance returns the owner's balance without provisioning it.
func (s *SQLiteStore) GetBalance(ctx context.Context, ownerID string) (*model.CreditBalance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx,
		`SELECT owner_id, balance, created_at, updated_at FROM credit_balances WHERE owner_id = ?`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// DebitBalance subtracts amount from the owner's balance and records a
// charge entry. The check and the decrement happen in one statement, so
// the balance can never go negative under concurrent debits.
func (s *SQLiteStore) DebitBalance(ctx context.Context, ownerID string, amount float64, jobID string, now time.Time) (float64, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance float64
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_balances SET balance = balance - ?, updated_at = ?
		WHERE owner_id = ? AND balance + ? >= ?
		RETURNING balance`,
		amount, now, ownerID, epsilon, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credit_balances WHERE owner_id = ?`, ownerID).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("check balance: %w", err)
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}

	if err := insertEntry(ctx, tx, ownerID, model.EntryCharge, -amount, balance, jobID, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return balance, nil
}

// CreditBalance adds amount to the owner's balance and records an entry of
// entryType.
func (s *SQLiteStore) CreditBalance(ctx context.Context, ownerID string, amount float64, entryType, jobID string, now time.Time) (float64, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance float64
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_balances SET balance = balance + ?, updated_at = ?
		WHERE owner_id = ? RETURNING balance`,
		amount, now, ownerID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}

	if err := insertEntry(ctx, tx, ownerID, entryType, amount, balance, jobID, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

// ListLedgerEntries returns the owner's most recent ledger entries first.
func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, ownerID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, entry_type, amount, balance_after, job_id, created_at
		FROM ledger_entries WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var jobID sql.NullString
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.EntryType, &e.Amount, &e.BalanceAfter, &jobID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.JobID = jobID.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, ownerID, entryType string, amount, balanceAfter float64, jobID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, owner_id, entry_type, amount, balance_after, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), ownerID, entryType, amount, balanceAfter, nullString(jobID), now,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func scanBalance(sc rowScanner) (*model.CreditBalance, error) {
	b := &model.CreditBalance{}
	if err := sc.Scan(&b.OwnerID, &b.Balance, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return b, nil
}
