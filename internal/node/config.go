package node

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
)

// Config holds all configuration of the wallet daemon.
type Config struct {
	// Network is mainnet or testnet.
	Network string `yaml:"network"`

	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Redis    RedisConfig    `yaml:"redis"`
	Ops      OpsConfig      `yaml:"ops"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// Currencies holds endpoints and chain settings keyed by native symbol.
	// Tokens inherit the entry of their platform.
	Currencies map[string]*CurrencyEntry `yaml:"currencies,omitempty"`

	// Tokens are registered on top of the built-in stablecoins.
	Tokens []TokenEntry `yaml:"tokens,omitempty"`

	// Gas overrides the compiled-in gas policy per EVM platform.
	Gas map[string]*GasEntry `yaml:"gas,omitempty"`

	Workers WorkersConfig `yaml:"workers"`

	// Wallets lists the hot wallet of every wallet id and platform.
	Wallets []HotWalletEntry `yaml:"wallets,omitempty"`

	// ColdWallets lists the reserve addresses hot wallet surplus is swept to.
	ColdWallets []ColdWalletEntry `yaml:"cold_wallets,omitempty"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// KeystoreConfig locates the sealed key material.
type KeystoreConfig struct {
	// File is relative to the data directory unless absolute.
	File string `yaml:"file"`

	// Passphrase is only read from the environment.
	Passphrase string `yaml:"-"`
}

// RedisConfig enables the shared second-level cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// OpsConfig configures the operations HTTP server.
type OpsConfig struct {
	// Listen is the address of /healthz, /status and /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// TracingConfig configures OTLP trace export. Empty Endpoint disables it.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// CurrencyEntry is the deployment config of one platform.
type CurrencyEntry struct {
	RPC       string  `yaml:"rpc,omitempty"`
	RPCUser   string  `yaml:"rpc_user,omitempty"`
	RPCPass   string  `yaml:"rpc_pass,omitempty"`
	REST      string  `yaml:"rest,omitempty"`
	Indexer   string  `yaml:"indexer,omitempty"`
	WS        string  `yaml:"ws,omitempty"`
	APIKey    string  `yaml:"api_key,omitempty"`
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// Zero values keep the compiled-in chain defaults.
	Confirmations uint64        `yaml:"confirmations,omitempty"`
	BlockTime     time.Duration `yaml:"block_time,omitempty"`
	HDPath        string        `yaml:"hd_path,omitempty"`
}

// TokenEntry declares a token currency.
type TokenEntry struct {
	Type     string `yaml:"type"`
	Contract string `yaml:"contract"`
	Name     string `yaml:"name"`
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

// GasEntry overrides parts of an EVM gas policy. Prices are in gwei.
type GasEntry struct {
	MaxPriceGwei  int64  `yaml:"max_price_gwei,omitempty"`
	Multiplier    string `yaml:"multiplier,omitempty"`
	LowMultiplier string `yaml:"low_multiplier,omitempty"`
	BufferGwei    int64  `yaml:"buffer_gwei,omitempty"`
}

// WorkersConfig controls which platforms run and how often.
type WorkersConfig struct {
	// Platforms to run. Empty runs every platform with a configured endpoint.
	Platforms []string `yaml:"platforms,omitempty"`

	CollectorInterval time.Duration `yaml:"collector_interval"`
	SeederInterval    time.Duration `yaml:"seeder_interval"`
	VerifierInterval  time.Duration `yaml:"verifier_interval"`

	// WithdrawalInterval drives the picker, signer, sender and withdrawal
	// verifier.
	WithdrawalInterval time.Duration `yaml:"withdrawal_interval"`
	ColdSweepInterval  time.Duration `yaml:"cold_sweep_interval"`

	// CollectingTimeout is how long a transaction unknown to the network is
	// waited for before its collection or withdrawal is released.
	CollectingTimeout time.Duration `yaml:"collecting_timeout"`

	Crawlers map[string]*CrawlerEntry `yaml:"crawlers,omitempty"`
}

// CrawlerEntry overrides the crawler defaults of a platform.
type CrawlerEntry struct {
	// Interval defaults to the platform's average block time.
	Interval    time.Duration `yaml:"interval,omitempty"`
	BatchSize   uint64        `yaml:"batch_size,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`
	StartBlock  uint64        `yaml:"start_block,omitempty"`
}

// HotWalletEntry is the collection destination of a wallet on a platform.
// The sealed secret is only needed for fee seeding.
type HotWalletEntry struct {
	WalletID int64  `yaml:"wallet_id"`
	Platform string `yaml:"platform"`
	Address  string `yaml:"address"`
	Secret   string `yaml:"secret,omitempty"`

	// MinimumCollect maps currency symbols to the smallest deposit worth
	// collecting, in whole units ("0.5").
	MinimumCollect map[string]string `yaml:"minimum_collect,omitempty"`
}

// ColdWalletEntry is the cold wallet of a wallet and currency. Thresholds
// are in whole units.
type ColdWalletEntry struct {
	WalletID       int64  `yaml:"wallet_id"`
	Currency       string `yaml:"currency"`
	Address        string `yaml:"address"`
	UpperThreshold string `yaml:"upper_threshold"`
	LowerThreshold string `yaml:"lower_threshold"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: string(chain.Mainnet),
		Storage: StorageConfig{
			DataDir: "~/.walletd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Keystore: KeystoreConfig{
			File: "keystore.json",
		},
		Ops: OpsConfig{
			Listen: "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			ServiceName: "walletd",
		},
		Workers: WorkersConfig{
			CollectorInterval: 30 * time.Second,
			SeederInterval:    time.Minute,
			VerifierInterval:  time.Minute,

			WithdrawalInterval: 15 * time.Second,
			ColdSweepInterval:  5 * time.Minute,
			CollectingTimeout:  config.CollectingStaleAfter,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# walletd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// KeystorePath resolves the keystore file against the data directory.
func (c *Config) KeystorePath() string {
	return c.DataPath(c.Keystore.File)
}

// DataPath resolves name against the data directory unless it is absolute.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(expandPath(c.Storage.DataDir), name)
}

// ChainNetwork parses the configured network.
func (c *Config) ChainNetwork() (chain.Network, error) {
	return chain.ParseNetwork(c.Network)
}

// =============================================================================
// Environment overlay
// =============================================================================

// EnvSource looks up environment variables.
type EnvSource interface {
	Lookup(key string) (string, bool)
}

// OSEnv reads the process environment.
type OSEnv struct{}

func (OSEnv) Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// MapEnv is an in-memory EnvSource.
type MapEnv map[string]string

func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// EnvPrefix prefixes every variable read by ApplyEnv.
const EnvPrefix = "WALLETD_"

// LoadDotEnv loads a .env file into the process environment when it exists.
// Variables already set are kept.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables on the config:
//
//	WALLETD_NETWORK, WALLETD_LOG_LEVEL, WALLETD_DATA_DIR, WALLETD_REDIS_ADDR,
//	WALLETD_OPS_LISTEN, WALLETD_OTLP_ENDPOINT, WALLETD_KEYSTORE_PASSPHRASE,
//	WALLETD_<SYMBOL>_RPC, WALLETD_<SYMBOL>_REST, WALLETD_<SYMBOL>_WS, WALLETD_<SYMBOL>_API_KEY,
//	WALLETD_<SYMBOL>_MAX_GAS_PRICE (gwei), WALLETD_<SYMBOL>_GAS_MULTIPLIER_LOW,
//	WALLETD_<SYMBOL>_GAS_MULTIPLIER_HIGH, WALLETD_<SYMBOL>_GAS_BUFFER (gwei).
func (c *Config) ApplyEnv(env EnvSource) error {
	str := func(key string, dst *string) {
		if v, ok := env.Lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("NETWORK", &c.Network)
	str("LOG_LEVEL", &c.Logging.Level)
	str("DATA_DIR", &c.Storage.DataDir)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("OPS_LISTEN", &c.Ops.Listen)
	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	str("KEYSTORE_PASSPHRASE", &c.Keystore.Passphrase)

	for _, p := range chain.Platforms() {
		sym := strings.ToUpper(string(p))
		entry := c.Currencies[string(p)]
		if entry == nil {
			entry = &CurrencyEntry{}
		}
		before := *entry
		str(sym+"_RPC", &entry.RPC)
		str(sym+"_REST", &entry.REST)
		str(sym+"_WS", &entry.WS)
		str(sym+"_API_KEY", &entry.APIKey)
		if *entry != before {
			if c.Currencies == nil {
				c.Currencies = make(map[string]*CurrencyEntry)
			}
			c.Currencies[string(p)] = entry
		}

		if _, ok := config.GasPolicy(p); !ok {
			continue
		}
		gas := c.Gas[string(p)]
		if gas == nil {
			gas = &GasEntry{}
		}
		gasBefore := *gas
		if v, ok := env.Lookup(EnvPrefix + sym + "_MAX_GAS_PRICE"); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("%s%s_MAX_GAS_PRICE: invalid gwei value %q", EnvPrefix, sym, v)
			}
			gas.MaxPriceGwei = n
		}
		if v, ok := env.Lookup(EnvPrefix + sym + "_GAS_BUFFER"); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("%s%s_GAS_BUFFER: invalid gwei value %q", EnvPrefix, sym, v)
			}
			gas.BufferGwei = n
		}
		str(sym+"_GAS_MULTIPLIER_LOW", &gas.LowMultiplier)
		str(sym+"_GAS_MULTIPLIER_HIGH", &gas.Multiplier)
		if *gas != gasBefore {
			if c.Gas == nil {
				c.Gas = make(map[string]*GasEntry)
			}
			c.Gas[string(p)] = gas
		}
	}
	return nil
}

// =============================================================================
// Derived settings
// =============================================================================

// BuildRegistry creates the currency registry of the configured network with
// the built-in and configured tokens and the per-platform endpoint configs.
func (c *Config) BuildRegistry() (*chain.Registry, error) {
	network, err := c.ChainNetwork()
	if err != nil {
		return nil, err
	}
	reg := chain.NewRegistry(network)
	if err := reg.RegisterBuiltinTokens(); err != nil {
		return nil, err
	}
	for _, t := range c.Tokens {
		tc, err := chain.NewToken(chain.TokenType(t.Type), t.Contract, t.Name, t.Symbol, t.Decimals)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Symbol, err)
		}
		if err := reg.RegisterToken(tc); err != nil {
			return nil, err
		}
	}

	for symbol, e := range c.Currencies {
		if e == nil {
			continue
		}
		cfg, err := reg.Config(symbol)
		if err != nil {
			return nil, fmt.Errorf("currency %s: %w", symbol, err)
		}
		cfg.RPCEndpoint = e.RPC
		cfg.RPCUser = e.RPCUser
		cfg.RPCPass = e.RPCPass
		cfg.RESTEndpoint = e.REST
		cfg.Indexer = e.Indexer
		cfg.WSEndpoint = e.WS
		cfg.APIKey = e.APIKey
		cfg.RateLimit = e.RateLimit
		if e.Confirmations > 0 {
			cfg.RequiredConfirmations = e.Confirmations
		}
		if e.BlockTime > 0 {
			cfg.AverageBlockTime = e.BlockTime
		}
		if e.HDPath != "" {
			cfg.HDPath = e.HDPath
		}
		reg.SetConfig(symbol, cfg)
	}
	return reg, nil
}

// GasDefaults returns the gas policy of an EVM platform with the configured
// overrides applied.
func (c *Config) GasDefaults(p chain.Platform) (config.GasDefaults, bool) {
	d, ok := config.GasPolicy(p)
	if !ok {
		return d, false
	}
	o := c.Gas[string(p)]
	if o == nil {
		return d, true
	}
	gwei := big.NewInt(1_000_000_000)
	if o.MaxPriceGwei > 0 {
		d.MaxPrice = new(big.Int).Mul(big.NewInt(o.MaxPriceGwei), gwei)
	}
	if o.BufferGwei > 0 {
		d.Buffer = new(big.Int).Mul(big.NewInt(o.BufferGwei), gwei)
	}
	if m, err := decimal.NewFromString(o.Multiplier); err == nil {
		d.Multiplier = m
	}
	if m, err := decimal.NewFromString(o.LowMultiplier); err == nil {
		d.LowMultiplier = m
	}
	return d, true
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := c.ChainNetwork(); err != nil {
		return err
	}
	for _, p := range chain.Platforms() {
		d, ok := c.GasDefaults(p)
		if !ok {
			continue
		}
		if d.LowMultiplier.GreaterThan(d.Multiplier) {
			return fmt.Errorf("gas %s: low multiplier %s above high multiplier %s", p, d.LowMultiplier, d.Multiplier)
		}
		if d.Multiplier.LessThan(decimal.NewFromInt(1)) || d.LowMultiplier.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("gas %s: multipliers must be >= 1", p)
		}
	}
	for _, w := range c.Wallets {
		if !chain.IsSupported(chain.Platform(w.Platform)) {
			return fmt.Errorf("wallet %d: unsupported platform %q", w.WalletID, w.Platform)
		}
		if w.Address == "" {
			return fmt.Errorf("wallet %d/%s: empty hot wallet address", w.WalletID, w.Platform)
		}
	}
	for _, cw := range c.ColdWallets {
		if cw.Address == "" {
			return fmt.Errorf("cold wallet %d/%s: empty address", cw.WalletID, cw.Currency)
		}
		upper, err := decimal.NewFromString(cw.UpperThreshold)
		if err != nil {
			return fmt.Errorf("cold wallet %d/%s: upper threshold: %w", cw.WalletID, cw.Currency, err)
		}
		lower, err := decimal.NewFromString(cw.LowerThreshold)
		if err != nil {
			return fmt.Errorf("cold wallet %d/%s: lower threshold: %w", cw.WalletID, cw.Currency, err)
		}
		if lower.IsNegative() || !upper.GreaterThan(lower) {
			return fmt.Errorf("cold wallet %d/%s: need 0 <= lower < upper threshold", cw.WalletID, cw.Currency)
		}
	}
	return nil
}

// EnabledPlatforms lists the platforms to run: the configured list, or every
// platform that has an endpoint.
func (c *Config) EnabledPlatforms() ([]chain.Platform, error) {
	if len(c.Workers.Platforms) > 0 {
		out := make([]chain.Platform, 0, len(c.Workers.Platforms))
		for _, s := range c.Workers.Platforms {
			p := chain.Platform(strings.ToLower(s))
			if !chain.IsSupported(p) {
				return nil, fmt.Errorf("workers: unsupported platform %q", s)
			}
			out = append(out, p)
		}
		return out, nil
	}
	var out []chain.Platform
	for _, p := range chain.Platforms() {
		if e := c.Currencies[string(p)]; e != nil && (e.RPC != "" || e.REST != "" || e.WS != "") {
			out = append(out, p)
		}
	}
	return out, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
