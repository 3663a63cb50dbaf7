package infra

import (
	"fmt"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5432"`
	PGUser      string `env:"PGUSER" envDefault:"crash"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"crash"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"crash"`

	// Server
	APIPort int `env:"API_PORT" envDefault:"3200"`

	// Round timing
	BettingDurationMS int64 `env:"BETTING_DURATION_MS" envDefault:"15000"`
	CashoutDurationMS int64 `env:"CASHOUT_DURATION_MS" envDefault:"3000"`
	CashoutBufferMS   int64 `env:"CASHOUT_BUFFER_MS" envDefault:"24"`

	// Fairness
	MaxCrash         float64 `env:"MAX_CRASH" envDefault:"1000.0"`
	HouseEdgeDivisor uint64  `env:"HOUSE_EDGE_DIVISOR" envDefault:"33"`
	ClientSeed       string  `env:"CLIENT_SEED" envDefault:"crashline-public-v1"`

	// Bet limits
	MinBetWei       string `env:"MIN_BET_WEI" envDefault:"1000000000000000"`    // 0.001 ETH
	MaxBetWei       string `env:"MAX_BET_WEI" envDefault:"100000000000000000000"` // 100 ETH
	BetCooldownMS   int64  `env:"BET_COOLDOWN_MS" envDefault:"1000"`
	MaxBetsPerRound int    `env:"MAX_BETS_PER_ROUND" envDefault:"500"`

	// Solvency
	MaxLiabilityRatio  float64 `env:"MAX_LIABILITY_RATIO" envDefault:"0.8"`
	EmergencyThreshold float64 `env:"EMERGENCY_THRESHOLD" envDefault:"0.95"`
	MinReserveWei      string  `env:"MIN_RESERVE_WEI" envDefault:"1000000000000000000"` // 1 ETH
	LiabilityCapPPM    uint64  `env:"LIABILITY_CAP_PPM" envDefault:"100000000"`         // manual bets count as 100x

	// Indexer
	ChainRPCURL          string `env:"CHAIN_RPC_URL" envDefault:"http://localhost:8545"`
	HotWalletAddress     string `env:"HOT_WALLET_ADDRESS"`
	HotWalletKey         string `env:"HOT_WALLET_KEY"`
	HouseWalletAddress   string `env:"HOUSE_WALLET_ADDRESS"`
	HouseWalletKey       string `env:"HOUSE_WALLET_KEY"`
	Confirmations        uint64 `env:"CONFIRMATIONS" envDefault:"12"`
	ReorgBuffer          uint64 `env:"REORG_BUFFER" envDefault:"25"`
	ScanBatch            uint64 `env:"SCAN_BATCH" envDefault:"200"`
	ScanIntervalMS       int64  `env:"SCAN_INTERVAL_MS" envDefault:"5000"`
	GenesisBlock         uint64 `env:"GENESIS_BLOCK" envDefault:"0"`
	ChainDegradedTimeout int64  `env:"CHAIN_DEGRADED_TIMEOUT_MS" envDefault:"60000"`
	IndexerLagCeiling    uint64 `env:"INDEXER_LAG_CEILING" envDefault:"100"`

	// Payouts
	PayoutIntervalMS  int64 `env:"PAYOUT_INTERVAL_MS" envDefault:"5000"`
	PayoutMaxAttempts int   `env:"PAYOUT_MAX_ATTEMPTS" envDefault:"5"`

	// Sessions
	ResyncWindowMS int64 `env:"RESYNC_WINDOW_MS" envDefault:"300000"`
	RequestTimeout int64 `env:"REQUEST_TIMEOUT_MS" envDefault:"5000"`

	// Kafka
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"false"`

	// CORS
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Dev
	AllowInsecureDefaults bool `env:"ALLOW_INSECURE_DEFAULTS" envDefault:"false"`
}

// LoadConfig parses environment variables into a Config struct.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks for configuration that must not run in production.
// Set ALLOW_INSECURE_DEFAULTS=true to bypass (local dev only).
func (c *Config) Validate() error {
	if _, ok := new(big.Int).SetString(c.MinBetWei, 10); !ok {
		return fmt.Errorf("MIN_BET_WEI is not a base-10 integer: %q", c.MinBetWei)
	}
	if _, ok := new(big.Int).SetString(c.MaxBetWei, 10); !ok {
		return fmt.Errorf("MAX_BET_WEI is not a base-10 integer: %q", c.MaxBetWei)
	}
	if _, ok := new(big.Int).SetString(c.MinReserveWei, 10); !ok {
		return fmt.Errorf("MIN_RESERVE_WEI is not a base-10 integer: %q", c.MinReserveWei)
	}
	if c.MaxLiabilityRatio <= 0 || c.MaxLiabilityRatio > 1 {
		return fmt.Errorf("MAX_LIABILITY_RATIO must be in (0, 1], got %v", c.MaxLiabilityRatio)
	}
	if c.EmergencyThreshold < c.MaxLiabilityRatio {
		return fmt.Errorf("EMERGENCY_THRESHOLD (%v) must be >= MAX_LIABILITY_RATIO (%v)",
			c.EmergencyThreshold, c.MaxLiabilityRatio)
	}
	if c.HouseEdgeDivisor < 2 {
		return fmt.Errorf("HOUSE_EDGE_DIVISOR must be >= 2, got %d", c.HouseEdgeDivisor)
	}
	if c.ResyncWindowMS < 300000 {
		return fmt.Errorf("RESYNC_WINDOW_MS must be >= 300000, got %d", c.ResyncWindowMS)
	}
	if c.ScanBatch <= c.ReorgBuffer {
		// Otherwise the scan window ends below the checkpoint and the
		// indexer regresses instead of advancing.
		return fmt.Errorf("SCAN_BATCH (%d) must exceed REORG_BUFFER (%d)",
			c.ScanBatch, c.ReorgBuffer)
	}
	if c.AllowInsecureDefaults {
		return nil
	}
	if c.HotWalletAddress == "" {
		return fmt.Errorf("HOT_WALLET_ADDRESS is required; set ALLOW_INSECURE_DEFAULTS=true for local dev")
	}
	return nil
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}

// MinBet returns MIN_BET_WEI as a big.Int. Validate must have passed.
func (c *Config) MinBet() *big.Int {
	v, _ := new(big.Int).SetString(c.MinBetWei, 10)
	return v
}

// MaxBet returns MAX_BET_WEI as a big.Int. Validate must have passed.
func (c *Config) MaxBet() *big.Int {
	v, _ := new(big.Int).SetString(c.MaxBetWei, 10)
	return v
}

// MinReserve returns MIN_RESERVE_WEI as a big.Int. Validate must have passed.
func (c *Config) MinReserve() *big.Int {
	v, _ := new(big.Int).SetString(c.MinReserveWei, 10)
	return v
}

// BettingDuration returns the betting window length.
func (c *Config) BettingDuration() time.Duration {
	return time.Duration(c.BettingDurationMS) * time.Millisecond
}

// CashoutDuration returns the pause after a crash.
func (c *Config) CashoutDuration() time.Duration {
	return time.Duration(c.CashoutDurationMS) * time.Millisecond
}

// CashoutBuffer returns the anti-timing-attack epsilon.
func (c *Config) CashoutBuffer() time.Duration {
	return time.Duration(c.CashoutBufferMS) * time.Millisecond
}

// ResyncWindow returns the session event retention window.
func (c *Config) ResyncWindow() time.Duration {
	return time.Duration(c.ResyncWindowMS) * time.Millisecond
}

// ScanInterval returns the indexer poll interval.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMS) * time.Millisecond
}

// PayoutInterval returns the dispatcher poll interval.
func (c *Config) PayoutInterval() time.Duration {
	return time.Duration(c.PayoutIntervalMS) * time.Millisecond
}

// RequestTimeoutDuration returns the bounded-wait ceiling for API requests.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}
