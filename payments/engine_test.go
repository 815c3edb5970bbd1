package payments

import (
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(DefaultFeeBps)
	base := time.Unix(1_700_000_000, 0).UTC()
	e.SetNowFunc(func() time.Time { return base })
	return e
}

func fundedAccount(t *testing.T, e *Engine, wallet string, cents int64) *Account {
	t.Helper()
	acc, err := e.GetOrCreateAccount(wallet, "usd")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if cents > 0 {
		if _, err := e.TestCredit(acc.ID, cents); err != nil {
			t.Fatalf("credit account: %v", err)
		}
	}
	return acc
}

func TestGetOrCreateAccountIdempotent(t *testing.T) {
	e := newTestEngine(t)
	first, err := e.GetOrCreateAccount("0xwallet", "usd")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := e.GetOrCreateAccount("0xwallet", "usd")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same account id, got %s and %s", first.ID, second.ID)
	}
	if first.Currency != "USD" {
		t.Fatalf("currency not canonicalised: %s", first.Currency)
	}
}

func TestHoldInsufficientFundsLeavesBalance(t *testing.T) {
	e := newTestEngine(t)
	acc := fundedAccount(t, e, "w1", 100)
	if _, err := e.Hold(acc.ID, 500, "job-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	after, _ := e.Account(acc.ID)
	if after.BalanceCents != 100 {
		t.Fatalf("failed hold mutated balance: %d", after.BalanceCents)
	}
}

func TestSettleSplitsHold(t *testing.T) {
	e := newTestEngine(t)
	client := fundedAccount(t, e, "client", 10_000)
	node := fundedAccount(t, e, "node", 0)

	holdID, err := e.Hold(client.ID, 500, "job-1")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	split, err := e.Settle(holdID, node.ID, 400)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if split.NodeCents != 380 || split.FeeCents != 20 || split.RefundCents != 100 {
		t.Fatalf("unexpected split: %+v", split)
	}
	if split.NodeCents+split.FeeCents+split.RefundCents != 500 {
		t.Fatalf("settlement does not conserve the hold: %+v", split)
	}

	clientAfter, _ := e.Account(client.ID)
	nodeAfter, _ := e.Account(node.ID)
	platform := e.PlatformAccount()
	if clientAfter.BalanceCents != 9_600 {
		t.Fatalf("client balance = %d, want 9600", clientAfter.BalanceCents)
	}
	if nodeAfter.BalanceCents != 380 {
		t.Fatalf("node balance = %d, want 380", nodeAfter.BalanceCents)
	}
	if platform.BalanceCents != 20 {
		t.Fatalf("platform balance = %d, want 20", platform.BalanceCents)
	}

	rec, err := e.Record(holdID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != StatusSettled || rec.DestAccount != node.ID {
		t.Fatalf("record not settled to node: %+v", rec)
	}
}

func TestSettleCapsAtHold(t *testing.T) {
	e := newTestEngine(t)
	client := fundedAccount(t, e, "client", 1_000)
	node := fundedAccount(t, e, "node", 0)
	holdID, _ := e.Hold(client.ID, 500, "job-1")

	split, err := e.Settle(holdID, node.ID, 900)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if split.RefundCents != 0 {
		t.Fatalf("capped settle must not refund, got %d", split.RefundCents)
	}
	if split.NodeCents+split.FeeCents != 500 {
		t.Fatalf("capped settle must pay exactly the hold, got %+v", split)
	}
	clientAfter, _ := e.Account(client.ID)
	if clientAfter.BalanceCents != 500 {
		t.Fatalf("client balance = %d, want 500", clientAfter.BalanceCents)
	}
}

func TestSettleZeroActual(t *testing.T) {
	e := newTestEngine(t)
	client := fundedAccount(t, e, "client", 1_000)
	node := fundedAccount(t, e, "node", 0)
	holdID, _ := e.Hold(client.ID, 500, "job-1")

	split, err := e.Settle(holdID, node.ID, 0)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if split.NodeCents != 0 || split.FeeCents != 0 || split.RefundCents != 500 {
		t.Fatalf("zero-cost settle should refund everything: %+v", split)
	}
	clientAfter, _ := e.Account(client.ID)
	if clientAfter.BalanceCents != 1_000 {
		t.Fatalf("client balance = %d, want 1000", clientAfter.BalanceCents)
	}
}

func TestSettleTerminalStates(t *testing.T) {
	e := newTestEngine(t)
	client := fundedAccount(t, e, "client", 1_000)
	node := fundedAccount(t, e, "node", 0)
	holdID, _ := e.Hold(client.ID, 500, "job-1")
	if _, err := e.Settle(holdID, node.ID, 400); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := e.Settle(holdID, node.ID, 400); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("double settle must fail with ErrNotHeld, got %v", err)
	}
	if err := e.Refund(holdID); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("refund after settle must fail with ErrNotHeld, got %v", err)
	}
}

func TestSettleUnknownNodeLeavesLedgerUntouched(t *testing.T) {
	e := newTestEngine(t)
	client := fundedAccount(t, e, "client", 1_000)
	holdID, _ := e.Hold(client.ID, 500, "job-1")
	if _, err := e.Settle(holdID, "missing", 400); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	rec, _ := e.Record(holdID)
	if rec.Status != StatusHeld {
		t.Fatalf("failed settle must leave the record held, got %s", rec.Status)
	}
	clientAfter, _ := e.Account(client.ID)
	if clientAfter.BalanceCents != 500 {
		t.Fatalf("failed settle mutated source balance: %d", clientAfter.BalanceCents)
	}
}

func TestRefundRestoresBalance(t *testing.T) {
	e := newTestEngine(t)
	client := fundedAccount(t, e, "client", 1_000)
	holdID, _ := e.Hold(client.ID, 500, "job-1")
	if err := e.Refund(holdID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	clientAfter, _ := e.Account(client.ID)
	if clientAfter.BalanceCents != 1_000 {
		t.Fatalf("balance = %d, want 1000", clientAfter.BalanceCents)
	}
	if err := e.Refund(holdID); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("double refund must fail with ErrNotHeld, got %v", err)
	}
}

func TestDepositFlow(t *testing.T) {
	e := newTestEngine(t)
	acc := fundedAccount(t, e, "client", 0)
	dep, err := e.RequestDeposit(acc.ID, 2_500)
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}
	before, _ := e.Account(acc.ID)
	if before.BalanceCents != 0 {
		t.Fatal("pending deposit must not move the balance")
	}
	if _, err := e.ConfirmDeposit(dep.ID); err != nil {
		t.Fatalf("confirm deposit: %v", err)
	}
	after, _ := e.Account(acc.ID)
	if after.BalanceCents != 2_500 {
		t.Fatalf("balance = %d, want 2500", after.BalanceCents)
	}
	if _, err := e.ConfirmDeposit(dep.ID); !errors.Is(err, ErrDepositNotFound) {
		t.Fatalf("double confirm must fail, got %v", err)
	}
}

func TestWithdrawNeverOverdraws(t *testing.T) {
	e := newTestEngine(t)
	acc := fundedAccount(t, e, "client", 300)
	if _, err := e.RequestWithdraw(acc.ID, 400); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := e.RequestWithdraw(acc.ID, 300); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	after, _ := e.Account(acc.ID)
	if after.BalanceCents != 0 {
		t.Fatalf("balance = %d, want 0", after.BalanceCents)
	}
}

func TestRoundHalfEven(t *testing.T) {
	cases := []struct {
		num, den, want int64
	}{
		{400 * 500, 10_000, 20}, // exact
		{250 * 500, 10_000, 12}, // 12.5 rounds to even 12
		{350 * 500, 10_000, 18}, // 17.5 rounds to even 18
		{251 * 500, 10_000, 13}, // 12.55 rounds up
		{0, 10_000, 0},
	}
	for _, tc := range cases {
		if got := roundHalfEven(tc.num, tc.den); got != tc.want {
			t.Fatalf("roundHalfEven(%d, %d) = %d, want %d", tc.num, tc.den, got, tc.want)
		}
	}
}
