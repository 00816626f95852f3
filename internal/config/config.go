// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/contracts/lottery"
	"github.com/joho/godotenv"
	"github.com/tonkeeper/tongo/tlb"
)

// Prefix is prepended to every variable name.
const Prefix = "LOTTERY_"

const MinAdminTokenLen = 16

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	Verbose    bool   `env:"VERBOSE" envDefault:"false"`
	Testnet    bool   `env:"TESTNET" envDefault:"true"`

	DataDir     string `env:"DATA_DIR" envDefault:"data"`
	StateDBPath string `env:"STATE_DB" envDefault:"state.db"`
	IndexDBPath string `env:"INDEX_DB" envDefault:"index.db"`

	// OwnerKey is the hex private key of the deploying wallet. A key is
	// generated when empty.
	OwnerKey     string    `env:"OWNER_KEY"`
	OwnerBalance tlb.Grams `env:"OWNER_BALANCE" envDefault:"1000"`

	// AdminToken unlocks the operator routes of the HTTP API, which are
	// disabled when it is empty. SessionSecret signs admin session cookies; a
	// random secret is used when empty.
	AdminToken    string `env:"ADMIN_TOKEN"`
	SessionSecret string `env:"SESSION_SECRET"`

	EntryFee        tlb.Grams `env:"ENTRY_FEE" envDefault:"0.1"`
	MaxParticipants int       `env:"MAX_PARTICIPANTS" envDefault:"10"`
	MinParticipants int       `env:"MIN_PARTICIPANTS" envDefault:"2"`
	DrawPolicy      string    `env:"DRAW_POLICY" envDefault:"reject"`
	DeployValue     tlb.Grams `env:"DEPLOY_VALUE" envDefault:"0.5"`
	GasAmount       tlb.Grams `env:"GAS_AMOUNT" envDefault:"0.05"`
	MintForward     tlb.Grams `env:"MINT_FORWARD" envDefault:"0.02"`
	WithdrawReserve tlb.Grams `env:"WITHDRAW_RESERVE" envDefault:"0.05"`
	FaucetLimit     tlb.Grams `env:"FAUCET_LIMIT" envDefault:"10"`

	AutoDraw      bool   `env:"AUTO_DRAW" envDefault:"true"`
	DrawSchedule  string `env:"DRAW_SCHEDULE" envDefault:"@every 30s"`
	AutoReconcile bool   `env:"AUTO_RECONCILE" envDefault:"false"`
	// ReconcileSchedule is empty to disable the reconciliation job.
	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE" envDefault:"@every 5m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

var gramsType = reflect.TypeOf(tlb.Grams(0))

// Load reads the optional dotenv files and then the environment.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: Prefix,
		FuncMap: map[reflect.Type]env.ParserFunc{
			gramsType: func(v string) (interface{}, error) {
				return chain.ParseTON(v)
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.MinParticipants < 1 {
		return fmt.Errorf("min participants must be at least 1, got %d", c.MinParticipants)
	}
	if c.MaxParticipants < c.MinParticipants {
		return fmt.Errorf("max participants (%d) must not be below min participants (%d)",
			c.MaxParticipants, c.MinParticipants)
	}
	if c.EntryFee == 0 {
		return fmt.Errorf("entry fee must be positive")
	}
	if _, err := lottery.ParsePolicy(c.DrawPolicy); err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AdminToken != "" && len(c.AdminToken) < MinAdminTokenLen {
		return fmt.Errorf("admin token must be at least %d characters", MinAdminTokenLen)
	}
	return nil
}

// Policy returns the parsed draw policy.
func (c *Config) Policy() lottery.Policy {
	p, _ := lottery.ParsePolicy(c.DrawPolicy)
	return p
}

// StatePath resolves the state database path against DataDir.
func (c *Config) StatePath() string {
	return c.resolve(c.StateDBPath)
}

// IndexPath resolves the index database path against DataDir.
func (c *Config) IndexPath() string {
	return c.resolve(c.IndexDBPath)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
