package pool

import (
	"errors"

	"tickpool/native/pool/receipt"
	"tickpool/native/pool/tick"
)

var (
	ErrInvalidTick           = tick.ErrInvalidTick
	ErrInvalidReceipt        = receipt.ErrInvalidReceipt
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	ErrUnsupportedCollateral = errors.New("pool: unsupported collateral")
	ErrLoanNotExpired        = errors.New("pool: loan not expired")
	ErrUnauthorized          = errors.New("pool: unauthorized")

	ErrInvalidAmount       = errors.New("pool: amount must be positive")
	ErrInvalidShares       = errors.New("pool: insufficient shares")
	ErrInsolventNode       = errors.New("pool: node is insolvent")
	ErrInvalidRedemption   = errors.New("pool: unknown redemption")
	ErrRepaymentTooHigh    = errors.New("pool: repayment exceeds maximum")
	ErrLoanExpired         = errors.New("pool: loan expired")
	ErrInsufficientBalance = errors.New("pool: insufficient balance")
	ErrNilState            = errors.New("pool: state not configured")
	ErrNoLiquidator        = errors.New("pool: liquidator not configured")
	ErrCollateralCustody   = errors.New("pool: collateral not in pool custody")
)
