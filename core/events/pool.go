package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/core/types"
)

const (
	// TypePoolDeposited is emitted when liquidity is added to a tick.
	TypePoolDeposited = "pool.deposited"
	// TypePoolRedeemed is emitted when shares are queued for redemption.
	TypePoolRedeemed = "pool.redeemed"
	// TypePoolWithdrawn is emitted when fulfilled redemptions are paid out.
	TypePoolWithdrawn = "pool.withdrawn"
	// TypeLoanOriginated is emitted for every new loan.
	TypeLoanOriginated = "pool.loan.originated"
	// TypeLoanRepaid is emitted when a borrower repays before maturity.
	TypeLoanRepaid = "pool.loan.repaid"
	// TypeLoanRefinanced is emitted when a loan is replaced in place.
	TypeLoanRefinanced = "pool.loan.refinanced"
	// TypeLoanLiquidated is emitted when expired collateral is seized.
	TypeLoanLiquidated = "pool.loan.liquidated"
	// TypeCollateralLiquidated is emitted when liquidation proceeds settle.
	TypeCollateralLiquidated = "pool.collateral.liquidated"
)

type PoolDeposited struct {
	Account common.Address
	Tick    string
	Amount  *big.Int
	Shares  *big.Int
}

func (PoolDeposited) EventType() string { return TypePoolDeposited }

func (e PoolDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypePoolDeposited,
		Attributes: map[string]string{
			"account": e.Account.Hex(),
			"tick":    e.Tick,
			"amount":  formatAmount(e.Amount),
			"shares":  formatAmount(e.Shares),
		},
	}
}

type PoolRedeemed struct {
	Account  common.Address
	Tick     string
	ID       uint64
	Shares   *big.Int
	Estimate *big.Int
}

func (PoolRedeemed) EventType() string { return TypePoolRedeemed }

func (e PoolRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypePoolRedeemed,
		Attributes: map[string]string{
			"account":  e.Account.Hex(),
			"tick":     e.Tick,
			"id":       strconv.FormatUint(e.ID, 10),
			"shares":   formatAmount(e.Shares),
			"estimate": formatAmount(e.Estimate),
		},
	}
}

type PoolWithdrawn struct {
	Account common.Address
	Tick    string
	ID      uint64
	Amount  *big.Int
}

func (PoolWithdrawn) EventType() string { return TypePoolWithdrawn }

func (e PoolWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypePoolWithdrawn,
		Attributes: map[string]string{
			"account": e.Account.Hex(),
			"tick":    e.Tick,
			"id":      strconv.FormatUint(e.ID, 10),
			"amount":  formatAmount(e.Amount),
		},
	}
}

type LoanOriginated struct {
	Hash      common.Hash
	Borrower  common.Address
	Principal *big.Int
	Repayment *big.Int
	Maturity  uint64
	Nodes     int
}

func (LoanOriginated) EventType() string { return TypeLoanOriginated }

func (e LoanOriginated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanOriginated,
		Attributes: map[string]string{
			"hash":      e.Hash.Hex(),
			"borrower":  e.Borrower.Hex(),
			"principal": formatAmount(e.Principal),
			"repayment": formatAmount(e.Repayment),
			"maturity":  strconv.FormatUint(e.Maturity, 10),
			"nodes":     strconv.Itoa(e.Nodes),
		},
	}
}

type LoanRepaid struct {
	Hash      common.Hash
	Borrower  common.Address
	Repayment *big.Int
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanRepaid,
		Attributes: map[string]string{
			"hash":      e.Hash.Hex(),
			"borrower":  e.Borrower.Hex(),
			"repayment": formatAmount(e.Repayment),
		},
	}
}

type LoanRefinanced struct {
	OldHash  common.Hash
	NewHash  common.Hash
	Borrower common.Address
	Net      *big.Int
}

func (LoanRefinanced) EventType() string { return TypeLoanRefinanced }

func (e LoanRefinanced) Event() *types.Event {
	net := "0"
	if e.Net != nil {
		net = e.Net.String()
	}
	return &types.Event{
		Type: TypeLoanRefinanced,
		Attributes: map[string]string{
			"oldHash":  e.OldHash.Hex(),
			"newHash":  e.NewHash.Hex(),
			"borrower": e.Borrower.Hex(),
			"net":      net,
		},
	}
}

type LoanLiquidated struct {
	Hash       common.Hash
	Borrower   common.Address
	Liquidator common.Address
}

func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

func (e LoanLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanLiquidated,
		Attributes: map[string]string{
			"hash":       e.Hash.Hex(),
			"borrower":   e.Borrower.Hex(),
			"liquidator": e.Liquidator.Hex(),
		},
	}
}

type CollateralLiquidated struct {
	Hash     common.Hash
	Proceeds *big.Int
	Surplus  *big.Int
	Loss     *big.Int
}

func (CollateralLiquidated) EventType() string { return TypeCollateralLiquidated }

func (e CollateralLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralLiquidated,
		Attributes: map[string]string{
			"hash":     e.Hash.Hex(),
			"proceeds": formatAmount(e.Proceeds),
			"surplus":  formatAmount(e.Surplus),
			"loss":     formatAmount(e.Loss),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
