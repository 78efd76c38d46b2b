package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultBackend   = "pebble"
	defaultDataDir   = "./pool-data"
	defaultModel     = "simple"
	defaultCacheSize = 1024

	envDataDir = "TICKPOOL_DATA_DIR"
	envBackend = "TICKPOOL_STORAGE_BACKEND"
	envChainID = "TICKPOOL_CHAIN_ID"
)

// Config holds the parameters of one pool instance.
type Config struct {
	ChainID       uint64   `toml:"ChainID"`
	PoolAddress   string   `toml:"PoolAddress"`
	Currency      string   `toml:"Currency"`
	InterestModel string   `toml:"InterestModel"`
	AdminFeeBps   uint64   `toml:"AdminFeeBps"`
	Durations     []uint64 `toml:"Durations"`
	// RatesAPR are annual rates as decimal strings ("0.12" is 12%).
	RatesAPR      []string `toml:"RatesAPR"`
	PausedModules []string `toml:"PausedModules"`

	Storage    Storage    `toml:"storage"`
	Collateral Collateral `toml:"collateral"`
	Genesis    Genesis    `toml:"genesis"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a development configuration: a single simple-interest rate
// table with one-week and thirty-day durations.
func Default() *Config {
	return &Config{
		ChainID:       1,
		PoolAddress:   "0x00000000000000000000000000000000000000f0",
		Currency:      "0x00000000000000000000000000000000000000c0",
		InterestModel: defaultModel,
		Durations:     []uint64{7 * 24 * 3600, 30 * 24 * 3600},
		RatesAPR:      []string{"0.05", "0.10", "0.20"},
		PausedModules: []string{},
		Storage: Storage{
			Backend:       defaultBackend,
			DataDir:       defaultDataDir,
			NodeCacheSize: defaultCacheSize,
		},
		Collateral: Collateral{
			Allowed:          []string{},
			Bundles:          []string{},
			OracleCacheSize:  128,
			OracleTTLSeconds: 60,
		},
		Genesis: Genesis{
			Balances:   []GenesisBalance{},
			Collateral: []GenesisCollateral{},
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.InterestModel) == "" {
		c.InterestModel = defaultModel
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = defaultBackend
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if strings.TrimSpace(c.Storage.DataDir) == "" && c.Storage.Backend != "memory" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Storage.NodeCacheSize <= 0 {
		c.Storage.NodeCacheSize = defaultCacheSize
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(envDataDir); ok && strings.TrimSpace(v) != "" {
		c.Storage.DataDir = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(envBackend); ok && strings.TrimSpace(v) != "" {
		c.Storage.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv(envChainID); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envChainID, err)
		}
		c.ChainID = id
	}
	return nil
}
