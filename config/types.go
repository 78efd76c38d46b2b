package config

// Storage selects the key-value backend holding pool state.
type Storage struct {
	// Backend is one of memory, leveldb or pebble.
	Backend       string `toml:"Backend"`
	DataDir       string `toml:"DataDir"`
	NodeCacheSize int    `toml:"NodeCacheSize"`
}

// Price is a configured oracle quote for one collateral token, expressed in
// base units of the pool currency.
type Price struct {
	Token string `toml:"Token"`
	Value string `toml:"Value"`
}

// Collateral wires the reference collateral collaborators.
type Collateral struct {
	// Allowed lists the collateral tokens accepted by the filter. An empty
	// list accepts any token.
	Allowed []string `toml:"Allowed"`
	// Bundles lists tokens whose ids wrap several underlying items.
	Bundles          []string `toml:"Bundles"`
	Liquidator       string   `toml:"Liquidator"`
	Prices           []Price  `toml:"prices"`
	OracleCacheSize  int      `toml:"OracleCacheSize"`
	OracleTTLSeconds uint64   `toml:"OracleTTLSeconds"`
}

// GenesisBalance funds one account the first time the vault ledger opens.
type GenesisBalance struct {
	Account string `toml:"Account"`
	Amount  string `toml:"Amount"`
}

// GenesisCollateral assigns one collateral token to its initial owner.
type GenesisCollateral struct {
	Token   string `toml:"Token"`
	TokenID string `toml:"TokenID"`
	Owner   string `toml:"Owner"`
}

// Genesis seeds an empty vault ledger. It is ignored once the ledger has
// been funded.
type Genesis struct {
	Balances   []GenesisBalance    `toml:"balances"`
	Collateral []GenesisCollateral `toml:"collateral"`
}
