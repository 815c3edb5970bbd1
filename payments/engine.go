package payments

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds is returned when a hold or withdrawal exceeds the
	// account balance.
	ErrInsufficientFunds = errors.New("payments: insufficient funds")
	// ErrNotHeld is returned when settling or refunding a record that is not
	// in the held state.
	ErrNotHeld = errors.New("payments: record not held")
	// ErrAccountNotFound is returned for unknown account ids.
	ErrAccountNotFound = errors.New("payments: account not found")
	// ErrDepositNotFound is returned for unknown or already-confirmed deposits.
	ErrDepositNotFound = errors.New("payments: deposit not found")
	errNegativeAmount  = errors.New("payments: amount must be non-negative")
)

const (
	// DefaultFeeBps is the platform share of settled value, in basis points.
	DefaultFeeBps = 500

	// PlatformWallet is the wallet identifier of the distinguished fee account.
	PlatformWallet = "platform"

	defaultCurrency = "USD"
)

// Engine is the authoritative ledger for balances and job-scoped holds. All
// mutations run under a single mutex; every operation either applies all of
// its legs or none of them.
type Engine struct {
	mu sync.Mutex

	accounts map[string]*Account
	byWallet map[string]string
	records  map[string]*Record
	deposits map[string]*Deposit

	platformID string
	feeBps     uint32
	nowFn      func() time.Time
}

// NewEngine creates an empty ledger with the platform fee account already
// provisioned. feeBps of zero falls back to the default platform share.
func NewEngine(feeBps uint32) *Engine {
	e := &Engine{
		accounts: make(map[string]*Account),
		byWallet: make(map[string]string),
		records:  make(map[string]*Record),
		deposits: make(map[string]*Deposit),
		feeBps:   feeBps,
		nowFn:    time.Now,
	}
	if e.feeBps == 0 {
		e.feeBps = DefaultFeeBps
	}
	platform := e.createAccountLocked(PlatformWallet, defaultCurrency)
	e.platformID = platform.ID
	return e
}

// SetNowFunc overrides the clock used for record timestamps. Intended for
// deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// PlatformAccount returns a snapshot of the fee account.
func (e *Engine) PlatformAccount() *Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accounts[e.platformID].Clone()
}

// GetOrCreateAccount resolves the account for a wallet, creating it on first
// reference. The call is idempotent per wallet.
func (e *Engine) GetOrCreateAccount(wallet, currency string) (*Account, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("payments: wallet address required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byWallet[wallet]; ok {
		return e.accounts[id].Clone(), nil
	}
	return e.createAccountLocked(wallet, currency).Clone(), nil
}

// Account returns a snapshot of the account with the given id.
func (e *Engine) Account(id string) (*Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// Record returns a snapshot of the payment record with the given hold id.
func (e *Engine) Record(holdID string) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[holdID]
	if !ok {
		return nil, ErrNotHeld
	}
	return rec.Clone(), nil
}

// Hold earmarks cents from the account for the given job. The balance check
// and debit are atomic; on ErrInsufficientFunds nothing changes.
func (e *Engine) Hold(accountID string, cents int64, jobID string) (string, error) {
	if cents < 0 {
		return "", errNegativeAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accounts[accountID]
	if !ok {
		return "", ErrAccountNotFound
	}
	if acc.BalanceCents < cents {
		return "", ErrInsufficientFunds
	}
	acc.BalanceCents -= cents
	rec := &Record{
		HoldID:        uuid.NewString(),
		SourceAccount: accountID,
		AmountCents:   cents,
		Currency:      acc.Currency,
		JobID:         jobID,
		Status:        StatusHeld,
		CreatedAt:     e.nowFn(),
	}
	e.records[rec.HoldID] = rec
	return rec.HoldID, nil
}

// Settle finalises a held record: the node account is credited with the
// actual cost minus the platform fee, the fee account collects the fee and
// any unspent remainder returns to the source. The actual cost is capped at
// the held amount so a node can never be paid more than the client escrowed.
// The three credits always sum to the original hold.
func (e *Engine) Settle(holdID, nodeAccountID string, actualCents int64) (*Settlement, error) {
	if actualCents < 0 {
		return nil, errNegativeAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[holdID]
	if !ok || rec.Status != StatusHeld {
		return nil, ErrNotHeld
	}
	nodeAcc, ok := e.accounts[nodeAccountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	source, ok := e.accounts[rec.SourceAccount]
	if !ok {
		return nil, ErrAccountNotFound
	}

	actual := actualCents
	if actual > rec.AmountCents {
		actual = rec.AmountCents
	}
	fee := roundHalfEven(actual*int64(e.feeBps), 10_000)
	refund := rec.AmountCents - actual

	nodeAcc.BalanceCents += actual - fee
	e.accounts[e.platformID].BalanceCents += fee
	source.BalanceCents += refund

	now := e.nowFn()
	rec.Status = StatusSettled
	rec.DestAccount = nodeAccountID
	rec.ClosedAt = &now
	return &Settlement{
		HoldID:      holdID,
		NodeCents:   actual - fee,
		FeeCents:    fee,
		RefundCents: refund,
	}, nil
}

// Refund returns the full held amount to the source account and closes the
// record.
func (e *Engine) Refund(holdID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[holdID]
	if !ok || rec.Status != StatusHeld {
		return ErrNotHeld
	}
	source, ok := e.accounts[rec.SourceAccount]
	if !ok {
		return ErrAccountNotFound
	}
	source.BalanceCents += rec.AmountCents
	now := e.nowFn()
	rec.Status = StatusRefunded
	rec.ClosedAt = &now
	return nil
}

// RequestDeposit registers a pending credit instruction for the external
// rail. The balance does not move until ConfirmDeposit.
func (e *Engine) RequestDeposit(accountID string, cents int64) (*Deposit, error) {
	if cents <= 0 {
		return nil, errNegativeAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	dep := &Deposit{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		AmountCents: cents,
		Currency:    acc.Currency,
		Status:      DepositPending,
		CreatedAt:   e.nowFn(),
	}
	e.deposits[dep.ID] = dep
	return cloneDeposit(dep), nil
}

// ConfirmDeposit applies a pending deposit. Confirming twice returns
// ErrDepositNotFound.
func (e *Engine) ConfirmDeposit(depositID string) (*Deposit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dep, ok := e.deposits[depositID]
	if !ok || dep.Status != DepositPending {
		return nil, ErrDepositNotFound
	}
	acc, ok := e.accounts[dep.AccountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acc.BalanceCents += dep.AmountCents
	now := e.nowFn()
	dep.Status = DepositConfirmed
	dep.ConfirmedAt = &now
	return cloneDeposit(dep), nil
}

// RequestWithdraw debits the balance immediately and hands the amount to the
// external rail as an opaque instruction.
func (e *Engine) RequestWithdraw(accountID string, cents int64) (*Withdrawal, error) {
	if cents <= 0 {
		return nil, errNegativeAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if acc.BalanceCents < cents {
		return nil, ErrInsufficientFunds
	}
	acc.BalanceCents -= cents
	return &Withdrawal{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		AmountCents: cents,
		Currency:    acc.Currency,
		CreatedAt:   e.nowFn(),
	}, nil
}

// TestCredit is the explicit admin escape hatch that credits an account
// without a confirmed deposit.
func (e *Engine) TestCredit(accountID string, cents int64) (*Account, error) {
	if cents < 0 {
		return nil, errNegativeAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acc.BalanceCents += cents
	return acc.Clone(), nil
}

func (e *Engine) createAccountLocked(wallet, currency string) *Account {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultCurrency
	}
	acc := &Account{
		ID:        uuid.NewString(),
		Wallet:    wallet,
		Currency:  currency,
		CreatedAt: e.nowFn(),
	}
	e.accounts[acc.ID] = acc
	e.byWallet[wallet] = acc.ID
	return acc
}

func cloneDeposit(d *Deposit) *Deposit {
	clone := *d
	if d.ConfirmedAt != nil {
		confirmed := *d.ConfirmedAt
		clone.ConfirmedAt = &confirmed
	}
	return &clone
}

// roundHalfEven divides num by den rounding half-to-even, the ledger's only
// rounding mode. num and den must be non-negative, den non-zero.
func roundHalfEven(num, den int64) int64 {
	q := num / den
	r := num % den
	switch {
	case 2*r > den:
		q++
	case 2*r == den && q%2 != 0:
		q++
	}
	return q
}
