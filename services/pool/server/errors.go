package server

import (
	"errors"
	"net/http"

	"tickpool/native/bank"
	nativecommon "tickpool/native/common"
	"tickpool/native/pool"
)

var errInvalidPayload = errors.New("invalid payload")

// statusFor maps ledger errors onto HTTP status codes and a stable code
// string for clients.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidPayload):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, pool.ErrInvalidTick):
		return http.StatusBadRequest, "invalid_tick"
	case errors.Is(err, pool.ErrInvalidReceipt):
		return http.StatusBadRequest, "invalid_receipt"
	case errors.Is(err, pool.ErrInvalidAmount), errors.Is(err, pool.ErrInvalidShares):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, pool.ErrInvalidRedemption):
		return http.StatusBadRequest, "invalid_redemption"
	case errors.Is(err, pool.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, pool.ErrInsufficientLiquidity):
		return http.StatusConflict, "insufficient_liquidity"
	case errors.Is(err, pool.ErrLoanNotExpired):
		return http.StatusConflict, "loan_not_expired"
	case errors.Is(err, pool.ErrLoanExpired):
		return http.StatusConflict, "loan_expired"
	case errors.Is(err, pool.ErrRepaymentTooHigh):
		return http.StatusConflict, "repayment_too_high"
	case errors.Is(err, pool.ErrInsolventNode):
		return http.StatusConflict, "insolvent_node"
	case errors.Is(err, pool.ErrCollateralCustody), errors.Is(err, bank.ErrNotOwner):
		return http.StatusConflict, "collateral_custody"
	case errors.Is(err, pool.ErrInsufficientBalance), errors.Is(err, bank.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, pool.ErrUnsupportedCollateral):
		return http.StatusUnprocessableEntity, "unsupported_collateral"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, pool.ErrNilState), errors.Is(err, pool.ErrNoLiquidator):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
