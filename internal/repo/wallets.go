package repo

import (
	"context"
	"errors"
	"fmt"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// ErrInsufficientBalance rejects a debit that would overdraw the wallet.
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

type WalletsRepo struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

func NewWalletsRepo(db *pgxpool.Pool, log *logrus.Logger) *WalletsRepo {
	return &WalletsRepo{db: db, log: log}
}

func (r *WalletsRepo) Balance(ctx context.Context, customerId string) (float64, error) {
	var balance float64
	err := r.db.QueryRow(ctx, `
		select balance::float8 from wallets where customer_id=$1
	`, customerId).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("wallet not found for customer %s", customerId)
	}
	return balance, err
}

// Debit reserves amount from the wallet and records the ledger entry, both
// inside one transaction. The row lock on the wallet keeps the
// read-modify-write race-free.
func (r *WalletsRepo) Debit(ctx context.Context, customerId string, amount float64, referenceId string) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %v", amount)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var balance float64
	if err := tx.QueryRow(ctx, `
		select balance::float8 from wallets where customer_id=$1 for update
	`, customerId).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("wallet not found for customer %s", customerId)
		}
		return err
	}
	if balance < amount {
		return ErrInsufficientBalance
	}

	after := balance - amount
	if _, err := tx.Exec(ctx, `
		update wallets set balance=$2, updated_at=now() where customer_id=$1
	`, customerId, after); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		insert into wallet_transactions (customer_id, type, amount, balance_before, balance_after, reference_id, category)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, customerId, models.WalletDebit, amount, balance, after, referenceId, "charging"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Refund returns amount to the wallet, exactly once per referenceId.
// balance_before is sourced from the original debit's balance_before for the
// same reference so stacked partial corrections cannot compound drift; when
// the debit is missing the refund still proceeds conservatively off the
// current balance and a warning is logged for manual audit.
func (r *WalletsRepo) Refund(ctx context.Context, customerId string, amount float64, referenceId string) error {
	if amount < 0 {
		return fmt.Errorf("refund amount must be non-negative, got %v", amount)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var balance float64
	if err := tx.QueryRow(ctx, `
		select balance::float8 from wallets where customer_id=$1 for update
	`, customerId).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("wallet not found for customer %s", customerId)
		}
		return err
	}

	var already bool
	if err := tx.QueryRow(ctx, `
		select exists(
		  select 1 from wallet_transactions
		  where reference_id=$1 and type=$2
		)
	`, referenceId, models.WalletRefund).Scan(&already); err != nil {
		return err
	}
	if already {
		return tx.Commit(ctx) // refund already applied, idempotent
	}

	before := balance
	var debitBefore float64
	err = tx.QueryRow(ctx, `
		select balance_before::float8 from wallet_transactions
		where reference_id=$1 and type=$2
		order by created_at asc
		limit 1
	`, referenceId, models.WalletDebit).Scan(&debitBefore)
	switch {
	case err == nil:
		before = debitBefore
	case errors.Is(err, pgx.ErrNoRows):
		r.log.WithFields(logrus.Fields{
			"customerId":  customerId,
			"referenceId": referenceId,
		}).Warn("refund without matching debit, falling back to current balance")
	default:
		return err
	}

	after := balance + amount
	if _, err := tx.Exec(ctx, `
		update wallets set balance=$2, updated_at=now() where customer_id=$1
	`, customerId, after); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		insert into wallet_transactions (customer_id, type, amount, balance_before, balance_after, reference_id, category)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, customerId, models.WalletRefund, amount, before, after, referenceId, "charging"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EnsureWallet creates the customer's wallet with an opening balance, or
// tops an existing one up by the same amount. Used by seeding and manual
// credit paths, not by the charging pipeline.
func (r *WalletsRepo) EnsureWallet(ctx context.Context, customerId string, amount float64) error {
	_, err := r.db.Exec(ctx, `
		insert into wallets (customer_id, balance)
		values ($1, $2)
		on conflict (customer_id) do update set balance=wallets.balance+excluded.balance, updated_at=now()
	`, customerId, amount)
	return err
}

func (r *WalletsRepo) ListTransactions(ctx context.Context, customerId string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select id, customer_id, type, amount::float8, balance_before::float8, balance_after::float8, reference_id, category, created_at
		from wallet_transactions
		where customer_id=$1
		order by created_at desc
		limit $2
	`, customerId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.Id, &t.CustomerId, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.ReferenceId, &t.Category, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
