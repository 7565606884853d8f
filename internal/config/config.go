// Package config holds the daemon configuration loaded from
// <data-dir>/config.yaml. Every tunable of the taker, the maker, the chain
// backend and the p2p node is defined here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
)

// =============================================================================
// Network Types
// =============================================================================

// NetworkType selects the Bitcoin network.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Signet  NetworkType = "signet"
	Regtest NetworkType = "regtest"
	// Simnet runs against the in-process chain.
	Simnet NetworkType = "simnet"
)

// Params returns the chain parameters of the network.
func (n NetworkType) Params() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Signet:
		return &chaincfg.SigNetParams, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	case Simnet:
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", n)
	}
}

// Role is what the daemon does.
type Role string

const (
	RoleTaker Role = "taker"
	RoleMaker Role = "maker"
)

// =============================================================================
// Config
// =============================================================================

// Config holds all daemon configuration.
type Config struct {
	NetworkType NetworkType `yaml:"network_type"`
	Role        Role        `yaml:"role"`

	Identity IdentityConfig `yaml:"identity"`
	Network  P2PConfig      `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	RPC      RPCConfig      `yaml:"rpc"`

	// Chain is the blockchain backend. The URL defaults to a public
	// mempool.space endpoint for the network.
	Chain backend.Config `yaml:"chain"`

	Taker TakerConfig `yaml:"taker"`
	Maker MakerConfig `yaml:"maker"`
}

// Protocol ids and discovery namespaces keep networks apart.
const (
	dhtPrefix   = "/coinswap"
	discoveryNS = "coinswap"
)

// DHTPrefix returns the DHT protocol prefix for the configured network.
func (c *Config) DHTPrefix() string {
	if c.NetworkType == Mainnet {
		return dhtPrefix
	}
	return dhtPrefix + "-" + string(c.NetworkType)
}

// DiscoveryNamespace returns the rendezvous namespace for the network.
func (c *Config) DiscoveryNamespace() string {
	return discoveryNS + "-" + string(c.NetworkType)
}

// OfferTopic returns the GossipSub topic makers announce offers on.
func (c *Config) OfferTopic() string {
	return "/coinswap/" + string(c.NetworkType) + "/offers/1.0.0"
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the node's libp2p private key, relative to the data dir.
	KeyFile string `yaml:"key_file"`
}

// P2PConfig holds libp2p settings.
type P2PConfig struct {
	ListenAddrs    []string      `yaml:"listen_addrs"`
	BootstrapPeers []string      `yaml:"bootstrap_peers"`
	EnableMDNS     bool          `yaml:"enable_mdns"`
	EnableDHT      bool          `yaml:"enable_dht"`
	ConnMgr        ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// File is the log file path (empty for stderr only).
	File string `yaml:"file"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// =============================================================================
// Swap Configuration
// =============================================================================

// TakerConfig holds the orchestrator's timing and schedule parameters.
type TakerConfig struct {
	// RequestTimeout bounds a single round trip to a maker.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// Locktime of the return hop in blocks; every earlier hop adds
	// LockTimeStep, so hop 0 matures last.
	LockTimeBase uint32 `yaml:"locktime_base"`
	LockTimeStep uint32 `yaml:"locktime_step"`

	// ContractFee is the fixed fee of every contract transaction.
	ContractFee uint64 `yaml:"contract_fee"`

	// Confirmations required for funding and contract transactions.
	Confirmations uint32 `yaml:"confirmations"`
	// ConfirmTimeout bounds each wait for confirmations.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// SafetyMarginBlocks is how close to maturity of the return hop the
	// taker still reveals the preimage.
	SafetyMarginBlocks uint32 `yaml:"safety_margin_blocks"`

	// OfferMaxAge drops maker offers older than this.
	OfferMaxAge time.Duration `yaml:"offer_max_age"`
}

// RetryPolicy returns the round-trip policy.
func (t TakerConfig) RetryPolicy() protocol.RetryPolicy {
	return protocol.RetryPolicy{
		Timeout:     t.RequestTimeout,
		MaxAttempts: t.MaxAttempts,
		BaseBackoff: t.BaseBackoff,
		MaxBackoff:  t.MaxBackoff,
	}
}

// LockTime returns the locktime of hop i in a session of hops hops. The
// result may exceed what a CSV can encode; callers check it.
func (t TakerConfig) LockTime(i, hops int) uint64 {
	return uint64(t.LockTimeBase) + uint64(hops-1-i)*uint64(t.LockTimeStep)
}

// MakerConfig holds what a maker offers and accepts.
type MakerConfig struct {
	FeeBase          uint64 `yaml:"fee_base"`
	FeePPM           uint64 `yaml:"fee_ppm"`
	MinAmount        uint64 `yaml:"min_amount"`
	MaxAmount        uint64 `yaml:"max_amount"`
	MinLockTime      uint32 `yaml:"min_locktime"`
	MinLockTimeDelta uint32 `yaml:"min_locktime_delta"`
	// MaxContractFee rejects hops whose contract fee would eat the amount.
	MaxContractFee uint64 `yaml:"max_contract_fee"`

	AnnounceInterval time.Duration `yaml:"announce_interval"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
	// InboxRetention is how long handled requests are kept for replay.
	InboxRetention time.Duration `yaml:"inbox_retention"`
}

// Offer builds the offer the maker announces.
func (m MakerConfig) Offer(peerID string, addrs []string) protocol.MakerOffer {
	return protocol.MakerOffer{
		PeerID:           peerID,
		Addrs:            addrs,
		FeeBase:          m.FeeBase,
		FeePPM:           m.FeePPM,
		MinAmount:        m.MinAmount,
		MaxAmount:        m.MaxAmount,
		MinLockTime:      m.MinLockTime,
		MinLockTimeDelta: m.MinLockTimeDelta,
		Timestamp:        time.Now().Unix(),
	}
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: Mainnet,
		Role:        RoleTaker,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: P2PConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/udp/4101/quic-v1",
			},
			BootstrapPeers: []string{},
			EnableMDNS:     true,
			EnableDHT:      true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Storage: StorageConfig{
			DataDir: "~/.coinswap",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8181",
		},
		Chain: backend.Config{
			Type:    backend.TypeMempool,
			Timeout: 30,
		},
		Taker: TakerConfig{
			RequestTimeout:     30 * time.Second,
			MaxAttempts:        3,
			BaseBackoff:        time.Second,
			MaxBackoff:         30 * time.Second,
			LockTimeBase:       20,
			LockTimeStep:       20,
			ContractFee:        1_000,
			Confirmations:      1,
			ConfirmTimeout:     2 * time.Hour,
			PollInterval:       30 * time.Second,
			SafetyMarginBlocks: 3,
			OfferMaxAge:        time.Hour,
		},
		Maker: MakerConfig{
			FeeBase:          1_000,
			FeePPM:           1_000,
			MinAmount:        100_000,
			MaxAmount:        100_000_000,
			MinLockTime:      10,
			MinLockTimeDelta: 10,
			MaxContractFee:   10_000,
			AnnounceInterval: 5 * time.Minute,
			WatchInterval:    30 * time.Second,
			InboxRetention:   7 * 24 * time.Hour,
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := c.NetworkType.Params(); err != nil {
		return err
	}
	switch c.Role {
	case RoleTaker, RoleMaker:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	switch c.Chain.Type {
	case backend.TypeMempool, backend.TypeEsplora, backend.TypeBitcoind, backend.TypeSimnet:
	default:
		return fmt.Errorf("%w: %s", backend.ErrUnsupportedBackend, c.Chain.Type)
	}
	if c.Chain.Type == backend.TypeSimnet && c.NetworkType != Simnet {
		return fmt.Errorf("simnet backend requires network_type simnet")
	}

	t := c.Taker
	if t.LockTimeBase == 0 || t.LockTimeStep == 0 {
		return fmt.Errorf("taker locktime base and step must be positive")
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("taker max_attempts must be at least 1")
	}
	if t.PollInterval <= 0 {
		return fmt.Errorf("taker poll_interval must be positive")
	}
	if t.ContractFee < 1 {
		return fmt.Errorf("taker contract_fee must be positive")
	}

	m := c.Maker
	if m.MaxAmount != 0 && m.MaxAmount < m.MinAmount {
		return fmt.Errorf("maker max_amount %d below min_amount %d", m.MaxAmount, m.MinAmount)
	}
	if m.MinAmount != 0 && m.MinAmount <= contract.DustLimit {
		return fmt.Errorf("maker min_amount must exceed dust")
	}
	if c.Role == RoleMaker && m.AnnounceInterval <= 0 {
		return fmt.Errorf("maker announce_interval must be positive")
	}
	return nil
}

// MaxHops returns the largest session the taker schedule can express.
func (c *Config) MaxHops() int {
	t := c.Taker
	if t.LockTimeStep == 0 || t.LockTimeBase > contract.MaxLockTime {
		return 0
	}
	return int((contract.MaxLockTime-t.LockTimeBase)/t.LockTimeStep) + 1
}

// =============================================================================
// Chain timing helpers
// =============================================================================

// IsSafeToComplete checks there are more than safetyMargin blocks left
// before timeoutHeight.
func IsSafeToComplete(currentHeight, timeoutHeight, safetyMargin uint32) bool {
	if currentHeight >= timeoutHeight {
		return false
	}
	return currentHeight+safetyMargin < timeoutHeight
}

// BlocksUntilTimeout returns the number of blocks until timeout, 0 once
// passed.
func BlocksUntilTimeout(currentHeight, timeoutHeight uint32) uint32 {
	if currentHeight >= timeoutHeight {
		return 0
	}
	return timeoutHeight - currentHeight
}

// =============================================================================
// Loading
// =============================================================================

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from <dataDir>/config.yaml, creating the
// file with defaults when it does not exist.
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
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
	header := []byte("# CoinSwap Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
