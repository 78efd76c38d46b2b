// Package collateral provides reference collaborators for a pool.
package collateral

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	ErrUnknownAsset = errors.New("collateral: unknown asset")
	ErrBadContext   = errors.New("collateral: malformed wrapper context")
)

// SetFilter accepts any token id of the listed collateral tokens.
type SetFilter struct {
	mu     sync.RWMutex
	tokens map[common.Address]struct{}
}

// NewSetFilter returns a filter accepting tokens.
func NewSetFilter(tokens ...common.Address) *SetFilter {
	f := &SetFilter{tokens: make(map[common.Address]struct{}, len(tokens))}
	for _, token := range tokens {
		f.tokens[token] = struct{}{}
	}
	return f
}

// Add admits another collateral token.
func (f *SetFilter) Add(token common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = struct{}{}
}

// Tokens lists the admitted tokens in byte order.
func (f *SetFilter) Tokens() []common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]common.Address, 0, len(f.tokens))
	for token := range f.tokens {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// IsSupported implements pool.CollateralFilter.
func (f *SetFilter) IsSupported(_ context.Context, token common.Address, _ *big.Int, _ int, _ []byte) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.tokens[token]
	return ok, nil
}

// StaticOracle quotes fixed per-unit prices keyed by collateral token.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
}

// NewStaticOracle returns an oracle with no prices.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[common.Address]*big.Int)}
}

// SetPrice records the price of one unit of token.
func (o *StaticOracle) SetPrice(token common.Address, price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if price == nil {
		delete(o.prices, token)
		return
	}
	o.prices[token] = new(big.Int).Set(price)
}

// Price implements pool.PriceOracle.
func (o *StaticOracle) Price(_ context.Context, token, _ common.Address, _ []*big.Int, _ []byte) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, token.Hex())
	}
	return new(big.Int).Set(price), nil
}

type priceSource interface {
	Price(ctx context.Context, collateral, currency common.Address, tokenIDs []*big.Int, wrapperContext []byte) (*big.Int, error)
}

// CachedOracle memoises another oracle's per-token prices for a TTL.
type CachedOracle struct {
	source priceSource
	cache  *expirable.LRU[common.Address, *big.Int]
}

// NewCachedOracle wraps source with a cache of size entries.
func NewCachedOracle(source priceSource, size int, ttl time.Duration) *CachedOracle {
	if size <= 0 {
		size = 128
	}
	return &CachedOracle{source: source, cache: expirable.NewLRU[common.Address, *big.Int](size, nil, ttl)}
}

// Price implements pool.PriceOracle.
func (c *CachedOracle) Price(ctx context.Context, token, currency common.Address, ids []*big.Int, wrapperContext []byte) (*big.Int, error) {
	if price, ok := c.cache.Get(token); ok {
		return new(big.Int).Set(price), nil
	}
	price, err := c.source.Price(ctx, token, currency, ids, wrapperContext)
	if err != nil {
		return nil, err
	}
	c.cache.Add(token, new(big.Int).Set(price))
	return price, nil
}

// Bundle is the wrapper context of a bundle token: the underlying collection
// and the ids it holds.
type Bundle struct {
	Token common.Address
	IDs   []*big.Int
}

// EncodeBundle serializes a bundle into wrapper context bytes.
func EncodeBundle(b Bundle) ([]byte, error) {
	if len(b.IDs) == 0 {
		return nil, fmt.Errorf("%w: empty bundle", ErrBadContext)
	}
	return rlp.EncodeToBytes(&b)
}

// DecodeBundle parses wrapper context bytes.
func DecodeBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrBadContext, err)
	}
	if len(b.IDs) == 0 {
		return Bundle{}, fmt.Errorf("%w: empty bundle", ErrBadContext)
	}
	return b, nil
}

// BundleWrapper enumerates bundle tokens whose contents travel in the
// wrapper context.
type BundleWrapper struct{}

// Enumerate implements pool.CollateralWrapper.
func (BundleWrapper) Enumerate(_ context.Context, _ *big.Int, wrapperContext []byte) (common.Address, []*big.Int, error) {
	b, err := DecodeBundle(wrapperContext)
	if err != nil {
		return common.Address{}, nil, err
	}
	return b.Token, b.IDs, nil
}

// Count implements pool.CollateralWrapper.
func (BundleWrapper) Count(_ context.Context, _ *big.Int, wrapperContext []byte) (int, error) {
	b, err := DecodeBundle(wrapperContext)
	if err != nil {
		return 0, err
	}
	return len(b.IDs), nil
}

// Seized is a loan whose collateral the desk holds.
type Seized struct {
	Hash     common.Hash
	Receipt  []byte
	SeizedAt time.Time
}

// Desk is a liquidator that parks seized collateral at its own address
// until an operator sells it and reports the proceeds.
type Desk struct {
	address common.Address
	now     func() time.Time

	mu     sync.Mutex
	seized map[common.Hash]Seized
}

// NewDesk returns a desk custodying collateral at address.
func NewDesk(address common.Address) *Desk {
	return &Desk{address: address, now: time.Now, seized: make(map[common.Hash]Seized)}
}

// Address implements pool.Liquidator.
func (d *Desk) Address() common.Address { return d.address }

// Liquidate implements pool.Liquidator.
func (d *Desk) Liquidate(_ context.Context, hash common.Hash, encoded []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seized[hash] = Seized{Hash: hash, Receipt: append([]byte(nil), encoded...), SeizedAt: d.now()}
	return nil
}

// Pending lists seized loans awaiting proceeds, oldest first.
func (d *Desk) Pending() []Seized {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Seized, 0, len(d.seized))
	for _, s := range d.seized {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeizedAt.Before(out[j].SeizedAt) })
	return out
}

// Settle forgets a seized loan once its proceeds are reported. It reports
// whether the loan was pending.
func (d *Desk) Settle(hash common.Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seized[hash]
	delete(d.seized, hash)
	return ok
}
