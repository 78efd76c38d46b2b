package pool

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "tickpool/native/common"
	"tickpool/native/pool/tick"
)

// CollateralFilter decides which collateral the pool lends against. Index is
// the position of the asset inside a wrapped bundle (zero when unwrapped).
type CollateralFilter interface {
	IsSupported(ctx context.Context, token common.Address, tokenID *big.Int, index int, wrapperContext []byte) (bool, error)
}

// CollateralWrapper unpacks a bundle token into the assets it holds.
type CollateralWrapper interface {
	Enumerate(ctx context.Context, tokenID *big.Int, wrapperContext []byte) (common.Address, []*big.Int, error)
	Count(ctx context.Context, tokenID *big.Int, wrapperContext []byte) (int, error)
}

// PriceOracle quotes one unit of collateral in the pool currency.
type PriceOracle interface {
	Price(ctx context.Context, collateral, currency common.Address, tokenIDs []*big.Int, wrapperContext []byte) (*big.Int, error)
}

// Liquidator takes custody of expired collateral and later reports the
// proceeds through Engine.OnLiquidationProceeds.
type Liquidator interface {
	Address() common.Address
	Liquidate(ctx context.Context, loanHash common.Hash, encodedReceipt []byte) error
}

// Settler is implemented by liquidators that track seized loans until the
// engine records their proceeds.
type Settler interface {
	Settle(loanHash common.Hash) bool
}

// Vault moves currency and collateral. The engine checks balances and
// ownership before committing, so transfers are expected to succeed.
type Vault interface {
	nativecommon.Custodian
	Balance(account common.Address) (*big.Int, error)
	CollateralOwner(token common.Address, tokenID *big.Int) (common.Address, error)
}

// StagingVault is a Vault whose transfers can be written in the same batch
// as the pool change set. Begin holds the vault until the returned transfers
// are committed or discarded.
type StagingVault interface {
	Vault
	Begin() nativecommon.StagedTransfers
}

// oracleResolver resolves ratio limits against an oracle price scaled by the
// number of assets in the collateral.
type oracleResolver struct {
	price *big.Int
	count int64
}

func (r oracleResolver) ResolveLimit(ratioBps *big.Int) (*big.Int, error) {
	value := new(big.Int).Mul(r.price, big.NewInt(r.count))
	limit := new(big.Int).Mul(value, ratioBps)
	return limit.Quo(limit, big.NewInt(tick.RatioScale)), nil
}
