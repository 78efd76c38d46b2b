package pool

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/native/pool/tick"
)

// Params captures the immutable configuration of a pool instance.
type Params struct {
	// ChainID and Address bind receipt hashes to this pool.
	ChainID *big.Int
	Address common.Address
	// Currency is the token the pool lends.
	Currency common.Address
	// Durations lists the maximum loan duration in seconds of each duration
	// index, ascending.
	Durations []uint64
	// Rates lists the per-second WAD interest rate of each rate index,
	// ascending.
	Rates []*big.Int
	// AdminFeeBps is withheld from interest at repayment.
	AdminFeeBps uint64
}

// Clone returns a deep copy of the params.
func (p Params) Clone() Params {
	clone := Params{
		ChainID:     cloneBig(p.ChainID),
		Address:     p.Address,
		Currency:    p.Currency,
		Durations:   append([]uint64(nil), p.Durations...),
		AdminFeeBps: p.AdminFeeBps,
	}
	clone.Rates = make([]*big.Int, len(p.Rates))
	for i, rate := range p.Rates {
		clone.Rates[i] = cloneBig(rate)
	}
	return clone
}

// Validate ensures the tables fit the tick encoding and are ordered.
func (p Params) Validate() error {
	if p.ChainID == nil || p.ChainID.Sign() <= 0 {
		return errors.New("pool: chain id must be positive")
	}
	if p.Address == (common.Address{}) {
		return errors.New("pool: pool address required")
	}
	if len(p.Durations) == 0 || len(p.Durations) > tick.MaxDurations {
		return fmt.Errorf("pool: duration table must hold 1..%d entries", tick.MaxDurations)
	}
	for i, d := range p.Durations {
		if d == 0 {
			return fmt.Errorf("pool: duration %d is zero", i)
		}
		if i > 0 && d <= p.Durations[i-1] {
			return errors.New("pool: durations must be strictly increasing")
		}
	}
	if len(p.Rates) == 0 || len(p.Rates) > tick.MaxRates {
		return fmt.Errorf("pool: rate table must hold 1..%d entries", tick.MaxRates)
	}
	for i, r := range p.Rates {
		if r == nil || r.Sign() < 0 {
			return fmt.Errorf("pool: rate %d must be non-negative", i)
		}
		if i > 0 && r.Cmp(p.Rates[i-1]) <= 0 {
			return errors.New("pool: rates must be strictly increasing")
		}
	}
	if p.AdminFeeBps > tick.RatioScale {
		return errors.New("pool: admin fee above 100%")
	}
	return nil
}
