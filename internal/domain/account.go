package domain

import "time"

// Account holds the prepaid token balance for one owner. The pair behaves as
// a closed system: every debit from TokensRemaining is matched by an equal
// credit to TokensUsed, and vice versa on refund.
type Account struct {
	OwnerID         string
	TokensRemaining int64
	TokensUsed      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Balance is the pair returned by every ledger operation.
type Balance struct {
	TokensRemaining int64
	TokensUsed      int64
}
