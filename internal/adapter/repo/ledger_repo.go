package repo

import (
	"context"
	"fmt"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// LedgerRepositoryPG is the only writer of the accounts pair. All mutation
// goes through the three atomic statements; nothing else may touch
// tokens_remaining.
type LedgerRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewLedgerRepository(sql infra.SQLExecutor) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{sql: sql}
}

// Reserve takes the flat enqueue-time debit. It fails with
// domain.ErrInsufficientTokens when the balance is below amount; nothing is
// deducted in that case.
func (r *LedgerRepositoryPG) Reserve(ctx context.Context, ownerID string, amount int64) (domain.Balance, error) {
	if amount <= 0 {
		return domain.Balance{}, fmt.Errorf("ledger: reserve amount must be positive, got %d", amount)
	}
	row := r.sql.QueryRow(ctx, sqlinline.QReserveTokens, ownerID, amount)
	var b domain.Balance
	if err := row.Scan(&b.TokensRemaining, &b.TokensUsed); err != nil {
		if infra.IsNoRows(err) {
			return domain.Balance{}, domain.ErrInsufficientTokens
		}
		return domain.Balance{}, fmt.Errorf("ledger: reserve: %w", err)
	}
	return b, nil
}

// Adjust settles a signed delta. Positive deltas charge, clamped to the
// available balance; negative deltas refund, floored at tokens_used. The
// returned applied value is the signed amount that actually moved.
func (r *LedgerRepositoryPG) Adjust(ctx context.Context, ownerID string, delta int64) (domain.Balance, int64, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QAdjustTokens, ownerID, delta)
	var b domain.Balance
	var applied int64
	if err := row.Scan(&b.TokensRemaining, &b.TokensUsed, &applied); err != nil {
		if infra.IsNoRows(err) {
			return domain.Balance{}, 0, domain.ErrNotFound
		}
		return domain.Balance{}, 0, fmt.Errorf("ledger: adjust: %w", err)
	}
	return b, applied, nil
}

// TopUp credits purchased tokens, creating the account on first use.
func (r *LedgerRepositoryPG) TopUp(ctx context.Context, ownerID string, amount int64) (domain.Balance, error) {
	if amount <= 0 {
		return domain.Balance{}, fmt.Errorf("ledger: top-up amount must be positive, got %d", amount)
	}
	row := r.sql.QueryRow(ctx, sqlinline.QTopUpTokens, ownerID, amount)
	var b domain.Balance
	if err := row.Scan(&b.TokensRemaining, &b.TokensUsed); err != nil {
		return domain.Balance{}, fmt.Errorf("ledger: top up: %w", err)
	}
	return b, nil
}

// Balance reads the current pair. An owner without an account reads as zero.
func (r *LedgerRepositoryPG) Balance(ctx context.Context, ownerID string) (domain.Balance, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectAccount, ownerID)
	var b domain.Balance
	if err := row.Scan(&b.TokensRemaining, &b.TokensUsed); err != nil {
		if infra.IsNoRows(err) {
			return domain.Balance{}, nil
		}
		return domain.Balance{}, fmt.Errorf("ledger: balance: %w", err)
	}
	return b, nil
}
