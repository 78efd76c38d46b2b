package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/native/pool/interest"
)

// Validate checks the configuration without building runtime values.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if _, err := c.PoolParams(); err != nil {
		return err
	}
	if _, err := interest.ModelByName(c.InterestModel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Storage.Backend {
	case "memory":
	case "leveldb", "pebble":
		if strings.TrimSpace(c.Storage.DataDir) == "" {
			return fmt.Errorf("config: storage.DataDir required for %s", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	for _, token := range c.Collateral.Allowed {
		if _, err := parseAddress("collateral.Allowed", token); err != nil {
			return err
		}
	}
	for _, token := range c.Collateral.Bundles {
		if _, err := parseAddress("collateral.Bundles", token); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Collateral.Liquidator) != "" {
		if _, err := parseAddress("collateral.Liquidator", c.Collateral.Liquidator); err != nil {
			return err
		}
	}
	for _, price := range c.Collateral.Prices {
		if _, err := parseAddress("collateral.prices.Token", price.Token); err != nil {
			return err
		}
		if _, err := parseAmount(price.Value); err != nil {
			return fmt.Errorf("config: collateral price for %s: %w", price.Token, err)
		}
	}
	if _, _, err := c.GenesisAllocation(); err != nil {
		return err
	}
	return nil
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("config: %s: invalid address %q", field, value)
	}
	return common.HexToAddress(value), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}
