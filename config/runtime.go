package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/native/bank"
	nativecommon "tickpool/native/common"
	"tickpool/native/pool"
	"tickpool/native/pool/collateral"
	"tickpool/native/pool/interest"
)

// PoolParams converts the configured tables into engine parameters.
func (c *Config) PoolParams() (pool.Params, error) {
	params := pool.Params{
		ChainID:     new(big.Int).SetUint64(c.ChainID),
		Durations:   append([]uint64(nil), c.Durations...),
		AdminFeeBps: c.AdminFeeBps,
	}
	addr, err := parseAddress("PoolAddress", c.PoolAddress)
	if err != nil {
		return pool.Params{}, err
	}
	params.Address = addr
	if strings.TrimSpace(c.Currency) != "" {
		currency, err := parseAddress("Currency", c.Currency)
		if err != nil {
			return pool.Params{}, err
		}
		params.Currency = currency
	}
	params.Rates = make([]*big.Int, len(c.RatesAPR))
	for i, apr := range c.RatesAPR {
		rate, err := interest.ParseAPR(apr)
		if err != nil {
			return pool.Params{}, fmt.Errorf("config: RatesAPR[%d]: %w", i, err)
		}
		params.Rates[i] = rate
	}
	if err := params.Validate(); err != nil {
		return pool.Params{}, fmt.Errorf("config: %w", err)
	}
	return params, nil
}

// Model resolves the configured interest model.
func (c *Config) Model() (interest.Model, error) {
	return interest.ModelByName(c.InterestModel)
}

// Collaborators bundles the reference collateral collaborators built from
// the [collateral] section.
type Collaborators struct {
	Filter     *collateral.SetFilter
	Oracle     pool.PriceOracle
	Wrappers   map[common.Address]pool.CollateralWrapper
	Liquidator *collateral.Desk
	Pauses     *nativecommon.Pauses
}

// Collaborators builds the filter, oracle, wrappers, liquidator desk and
// pause view. Filter is nil when no allow-list is configured.
func (c *Config) Collaborators() (*Collaborators, error) {
	out := &Collaborators{
		Wrappers: make(map[common.Address]pool.CollateralWrapper),
		Pauses:   nativecommon.NewPauses(c.PausedModules...),
	}
	if len(c.Collateral.Allowed) > 0 {
		out.Filter = collateral.NewSetFilter()
		for _, token := range c.Collateral.Allowed {
			addr, err := parseAddress("collateral.Allowed", token)
			if err != nil {
				return nil, err
			}
			out.Filter.Add(addr)
		}
	}
	for _, token := range c.Collateral.Bundles {
		addr, err := parseAddress("collateral.Bundles", token)
		if err != nil {
			return nil, err
		}
		out.Wrappers[addr] = collateral.BundleWrapper{}
	}
	if len(c.Collateral.Prices) > 0 {
		static := collateral.NewStaticOracle()
		for _, price := range c.Collateral.Prices {
			addr, err := parseAddress("collateral.prices.Token", price.Token)
			if err != nil {
				return nil, err
			}
			value, err := parseAmount(price.Value)
			if err != nil {
				return nil, fmt.Errorf("config: collateral price for %s: %w", price.Token, err)
			}
			static.SetPrice(addr, value)
		}
		out.Oracle = static
		if c.Collateral.OracleTTLSeconds > 0 {
			ttl := time.Duration(c.Collateral.OracleTTLSeconds) * time.Second
			out.Oracle = collateral.NewCachedOracle(static, c.Collateral.OracleCacheSize, ttl)
		}
	}
	if strings.TrimSpace(c.Collateral.Liquidator) != "" {
		addr, err := parseAddress("collateral.Liquidator", c.Collateral.Liquidator)
		if err != nil {
			return nil, err
		}
		out.Liquidator = collateral.NewDesk(addr)
	}
	return out, nil
}

// GenesisAllocation parses the [genesis] section into vault balances and
// custody records.
func (c *Config) GenesisAllocation() ([]bank.Balance, []bank.Custody, error) {
	var balances []bank.Balance
	for i, entry := range c.Genesis.Balances {
		account, err := parseAddress(fmt.Sprintf("genesis.balances[%d].Account", i), entry.Account)
		if err != nil {
			return nil, nil, err
		}
		amount, err := parseAmount(entry.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("config: genesis balance for %s: %w", entry.Account, err)
		}
		if amount.Sign() == 0 {
			return nil, nil, fmt.Errorf("config: genesis balance for %s must be positive", entry.Account)
		}
		balances = append(balances, bank.Balance{Account: account, Amount: amount})
	}
	var custody []bank.Custody
	seen := make(map[string]struct{})
	for i, entry := range c.Genesis.Collateral {
		field := fmt.Sprintf("genesis.collateral[%d]", i)
		token, err := parseAddress(field+".Token", entry.Token)
		if err != nil {
			return nil, nil, err
		}
		owner, err := parseAddress(field+".Owner", entry.Owner)
		if err != nil {
			return nil, nil, err
		}
		id, err := parseAmount(entry.TokenID)
		if err != nil {
			return nil, nil, fmt.Errorf("config: %s.TokenID: %w", field, err)
		}
		key := token.Hex() + "#" + id.String()
		if _, dup := seen[key]; dup {
			return nil, nil, fmt.Errorf("config: %s: token %s assigned twice", field, key)
		}
		seen[key] = struct{}{}
		custody = append(custody, bank.Custody{Token: token, TokenID: id, Owner: owner})
	}
	return balances, custody, nil
}
