package pool

import (
	"errors"
	"math/big"
	"testing"
)

func TestWithdrawRequiresPoolFunds(t *testing.T) {
	f := newFixture(t)
	f.deposit(lender, f.tickA, 100)
	req, _, err := f.engine.Redeem(f.ctx, lender, f.tickA, big.NewInt(50))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if req.Fulfilled.Int64() != 50 {
		t.Fatalf("expected immediate fulfilment, got %s", req.Fulfilled)
	}
	// The vault no longer holds what the node owes.
	if err := f.vault.Transfer(poolAddress, lender2, big.NewInt(100)); err != nil {
		t.Fatalf("drain pool: %v", err)
	}
	applies := f.state.applies

	if _, err := f.engine.Withdraw(f.ctx, lender, f.tickA, req.ID); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if f.state.applies != applies {
		t.Fatalf("failed withdraw committed state")
	}
	stored, ok, err := f.engine.Redemption(f.tickA, req.ID)
	if err != nil || !ok {
		t.Fatalf("redemption lost: ok=%v err=%v", ok, err)
	}
	if stored.Fulfilled.Int64() != 50 || stored.Withdrawn.Sign() != 0 {
		t.Fatalf("redemption changed %+v", stored)
	}
	if f.balance(lender) != 0 {
		t.Fatalf("lender paid %d", f.balance(lender))
	}

	f.fund(poolAddress, 100)
	if got, err := f.engine.Withdraw(f.ctx, lender, f.tickA, req.ID); err != nil || got.Int64() != 50 {
		t.Fatalf("withdraw after refund: %v %v", got, err)
	}
}

func TestRepayRequiresPoolCustody(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()
	if err := f.vault.TransferCollateral(punks, big.NewInt(1), poolAddress, lender); err != nil {
		t.Fatalf("move collateral: %v", err)
	}
	f.fund(borrower, 60)
	before := f.balance(borrower)

	if _, err := f.engine.Repay(f.ctx, borrower, loan.Encoded); !errors.Is(err, ErrCollateralCustody) {
		t.Fatalf("expected custody failure, got %v", err)
	}
	f.assertStatus(loan.Hash, LoanActive)
	f.assertNode(f.tickA, 100, 100)
	if f.balance(borrower) != before {
		t.Fatalf("repayment taken without collateral release")
	}
}

func TestLiquidateRequiresPoolCustody(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()
	if err := f.vault.TransferCollateral(punks, big.NewInt(1), poolAddress, lender); err != nil {
		t.Fatalf("move collateral: %v", err)
	}
	f.advance(51)
	if err := f.engine.Liquidate(f.ctx, lender, loan.Encoded); !errors.Is(err, ErrCollateralCustody) {
		t.Fatalf("expected custody failure, got %v", err)
	}
	f.assertStatus(loan.Hash, LoanActive)
	if len(f.desk.Pending()) != 0 {
		t.Fatalf("liquidator received a loan without collateral")
	}
}

func TestFailedCommitLeavesVaultUntouched(t *testing.T) {
	f := newFixture(t)
	f.fund(lender, 100)
	f.state.applyErr = errors.New("disk full")

	if _, err := f.engine.Deposit(f.ctx, lender, f.tickA, big.NewInt(100)); err == nil {
		t.Fatalf("expected commit failure")
	}
	if f.balance(lender) != 100 || f.balance(poolAddress) != 0 {
		t.Fatalf("vault moved funds for a failed commit: lender=%d pool=%d", f.balance(lender), f.balance(poolAddress))
	}

	f.state.applyErr = nil
	f.deposit(lender2, f.tickA, 10)
	if f.state.batchWrites != 0 {
		t.Fatalf("in-memory vault wrote %d records", f.state.batchWrites)
	}
	if f.balance(poolAddress) != 10 {
		t.Fatalf("pool balance %d", f.balance(poolAddress))
	}
}
