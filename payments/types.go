package payments

import "time"

// RecordStatus tracks the lifecycle of a hold. A record leaves Held exactly
// once and its amount is immutable afterwards.
type RecordStatus string

const (
	StatusHeld     RecordStatus = "held"
	StatusSettled  RecordStatus = "settled"
	StatusRefunded RecordStatus = "refunded"
)

// Account is a ledger entry keyed by an opaque id and addressed externally by
// a wallet identifier. Balances are integers in the smallest currency unit
// and never observable below zero.
type Account struct {
	ID           string    `json:"id"`
	Wallet       string    `json:"wallet_address"`
	Currency     string    `json:"currency"`
	BalanceCents int64     `json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a copy safe to hand outside the engine's critical section.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// Record is a single job-scoped hold and its terminal disposition.
type Record struct {
	HoldID        string       `json:"hold_id"`
	SourceAccount string       `json:"source_account"`
	DestAccount   string       `json:"dest_account,omitempty"`
	AmountCents   int64        `json:"amount_cents"`
	Currency      string       `json:"currency"`
	JobID         string       `json:"job_id"`
	Status        RecordStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	ClosedAt      *time.Time   `json:"closed_at,omitempty"`
}

// Clone returns a copy safe to hand outside the engine's critical section.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ClosedAt != nil {
		closed := *r.ClosedAt
		clone.ClosedAt = &closed
	}
	return &clone
}

// DepositStatus tracks an externally-settled credit instruction.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
)

// Deposit models a credit the engine will only apply once the external rail
// confirms it.
type Deposit struct {
	ID          string        `json:"id"`
	AccountID   string        `json:"account_id"`
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
	Status      DepositStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
}

// Withdrawal models a debit handed to the external rail. The amount leaves
// the balance at request time so the account can never overdraw.
type Withdrawal struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
}

// Settlement reports how a settled hold was split.
type Settlement struct {
	HoldID      string `json:"hold_id"`
	NodeCents   int64  `json:"node_cents"`
	FeeCents    int64  `json:"fee_cents"`
	RefundCents int64  `json:"refund_cents"`
}
