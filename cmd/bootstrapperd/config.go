package main

import (
	"BackstopBootstrapper/internal/ingestion"
	"BackstopBootstrapper/internal/keeper"
	"BackstopBootstrapper/internal/sandbox"
	"BackstopBootstrapper/internal/state"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stellar/go/strkey"
)

// Config holds all application configuration. Every key is read from the
// environment with the BOOTSTRAPPER_ prefix.
type Config struct {
	// Postgres
	PostgresURL   string
	MigrationsDir string

	// NATS
	NATSURL string

	// Accounting ledger: memory or pebble
	Store     string
	PebbleDir string

	// Channels
	PersistChanSize    int
	ProjectionChanSize int
	OutcomeChanSize    int
	SubmitChanSize     int

	// Persistence worker
	PersistBatchSize    int
	PersistFlushTimeout time.Duration

	// Snapshot every N applied commands
	SnapshotInterval int64

	// gRPC/HTTP/Metrics
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string

	// LRU
	IdempotencyLRUCapacity int

	// Keeper
	KeeperEnabled  bool
	KeeperSchedule string

	// Chain
	GenesisLedger  uint32
	LedgerDuration time.Duration
	Sandbox        SandboxConfig
}

// SandboxConfig seeds the in-process chain. Unset addresses default to
// stable strkeys derived from their role.
type SandboxConfig struct {
	Contract string
	Factory  string
	Backstop string
	Comet    string
	BLND     string
	USDC     string
	LPHolder string

	LendingPools  []string
	Holders       []string
	HolderBalance int64

	CometBLND   int64
	CometUSDC   int64
	CometSupply int64
	CometFee    int64
}

func DefaultConfig() Config {
	return Config{
		PostgresURL:            envOrDefault("BOOTSTRAPPER_POSTGRES_URL", "postgres://localhost:5432/bootstrapper?sslmode=disable"),
		MigrationsDir:          envOrDefault("BOOTSTRAPPER_MIGRATIONS_DIR", "migrations"),
		NATSURL:                envOrDefault("BOOTSTRAPPER_NATS_URL", "nats://localhost:4222"),
		Store:                  envOrDefault("BOOTSTRAPPER_STORE", "memory"),
		PebbleDir:              envOrDefault("BOOTSTRAPPER_PEBBLE_DIR", "data/pebble"),
		PersistChanSize:        envIntOrDefault("BOOTSTRAPPER_PERSIST_CHAN_SIZE", 4096),
		ProjectionChanSize:     envIntOrDefault("BOOTSTRAPPER_PROJECTION_CHAN_SIZE", 4096),
		OutcomeChanSize:        envIntOrDefault("BOOTSTRAPPER_OUTCOME_CHAN_SIZE", 4096),
		SubmitChanSize:         envIntOrDefault("BOOTSTRAPPER_SUBMIT_CHAN_SIZE", 1024),
		PersistBatchSize:       envIntOrDefault("BOOTSTRAPPER_PERSIST_BATCH_SIZE", 256),
		PersistFlushTimeout:    time.Duration(envIntOrDefault("BOOTSTRAPPER_PERSIST_FLUSH_MS", 10)) * time.Millisecond,
		SnapshotInterval:       envInt64OrDefault("BOOTSTRAPPER_SNAPSHOT_INTERVAL", 10_000),
		GRPCAddr:               envOrDefault("BOOTSTRAPPER_GRPC_ADDR", ":9090"),
		HTTPAddr:               envOrDefault("BOOTSTRAPPER_HTTP_ADDR", ":8080"),
		MetricsAddr:            envOrDefault("BOOTSTRAPPER_METRICS_ADDR", ":9091"),
		IdempotencyLRUCapacity: envIntOrDefault("BOOTSTRAPPER_IDEMPOTENCY_LRU_CAPACITY", 1_000_000),
		KeeperEnabled:          envIntOrDefault("BOOTSTRAPPER_KEEPER_ENABLED", 1) != 0,
		KeeperSchedule:         envOrDefault("BOOTSTRAPPER_KEEPER_SCHEDULE", keeper.DefaultSchedule),
		GenesisLedger:          uint32(envInt64OrDefault("BOOTSTRAPPER_GENESIS_LEDGER", 1_000_000)),
		LedgerDuration:         time.Duration(envIntOrDefault("BOOTSTRAPPER_LEDGER_SECONDS", 5)) * time.Second,
		Sandbox: SandboxConfig{
			Contract:      envOrDefault("BOOTSTRAPPER_SANDBOX_CONTRACT", devAddress(strkey.VersionByteContract, "bootstrapper")),
			Factory:       envOrDefault("BOOTSTRAPPER_SANDBOX_FACTORY", devAddress(strkey.VersionByteContract, "pool-factory")),
			Backstop:      envOrDefault("BOOTSTRAPPER_SANDBOX_BACKSTOP", devAddress(strkey.VersionByteContract, "backstop")),
			Comet:         envOrDefault("BOOTSTRAPPER_SANDBOX_COMET", devAddress(strkey.VersionByteContract, "comet")),
			BLND:          envOrDefault("BOOTSTRAPPER_SANDBOX_BLND", devAddress(strkey.VersionByteContract, "blnd")),
			USDC:          envOrDefault("BOOTSTRAPPER_SANDBOX_USDC", devAddress(strkey.VersionByteContract, "usdc")),
			LPHolder:      envOrDefault("BOOTSTRAPPER_SANDBOX_LP_HOLDER", devAddress(strkey.VersionByteAccountID, "lp-holder")),
			LendingPools:  envListOrDefault("BOOTSTRAPPER_SANDBOX_POOLS", []string{devAddress(strkey.VersionByteContract, "pool")}),
			Holders:       envListOrDefault("BOOTSTRAPPER_SANDBOX_HOLDERS", nil),
			HolderBalance: envInt64OrDefault("BOOTSTRAPPER_SANDBOX_HOLDER_BALANCE", 100_000_0000000),
			CometBLND:     envInt64OrDefault("BOOTSTRAPPER_SANDBOX_COMET_BLND", 1_000_000_0000000),
			CometUSDC:     envInt64OrDefault("BOOTSTRAPPER_SANDBOX_COMET_USDC", 25_000_0000000),
			CometSupply:   envInt64OrDefault("BOOTSTRAPPER_SANDBOX_COMET_SUPPLY", 100_000_0000000),
			CometFee:      envInt64OrDefault("BOOTSTRAPPER_SANDBOX_COMET_FEE", sandbox.DefaultSwapFee),
		},
	}
}

// Devnet validates every sandbox address and builds the devnet config.
func (c Config) Devnet() (sandbox.DevnetConfig, error) {
	s := c.Sandbox
	contract := func(field, v string) (state.Address, error) {
		return ingestion.ParseAddress(field, v, ingestion.ContractAddress)
	}
	account := func(field, v string) (state.Address, error) {
		return ingestion.ParseAddress(field, v, ingestion.AnyAddress)
	}

	dc := sandbox.DevnetConfig{
		Genesis:        c.GenesisLedger,
		LedgerDuration: c.LedgerDuration,
		CometBLND:      s.CometBLND,
		CometUSDC:      s.CometUSDC,
		CometSupply:    s.CometSupply,
		CometFee:       s.CometFee,
		HolderBalance:  s.HolderBalance,
	}
	var err error
	for _, f := range []struct {
		name  string
		value string
		dst   *state.Address
		parse func(string, string) (state.Address, error)
	}{
		{"sandbox factory", s.Factory, &dc.Factory, contract},
		{"sandbox backstop", s.Backstop, &dc.Backstop, contract},
		{"sandbox comet", s.Comet, &dc.Comet, contract},
		{"sandbox blnd", s.BLND, &dc.BLND, contract},
		{"sandbox usdc", s.USDC, &dc.USDC, contract},
		{"sandbox lp holder", s.LPHolder, &dc.LPHolder, account},
	} {
		if *f.dst, err = f.parse(f.name, f.value); err != nil {
			return dc, err
		}
	}
	for _, p := range s.LendingPools {
		addr, err := contract("sandbox pool", p)
		if err != nil {
			return dc, err
		}
		dc.LendingPools = append(dc.LendingPools, addr)
	}
	for _, h := range s.Holders {
		addr, err := account("sandbox holder", h)
		if err != nil {
			return dc, err
		}
		dc.Holders = append(dc.Holders, addr)
	}
	return dc, nil
}

// ContractAddress is the validated address the contract runs under.
func (c Config) ContractAddress() (state.Address, error) {
	return ingestion.ParseAddress("sandbox contract", c.Sandbox.Contract, ingestion.ContractAddress)
}

// devAddress derives a stable strkey for a sandbox role.
func devAddress(version strkey.VersionByte, role string) string {
	payload := sha256.Sum256([]byte("bootstrapper-devnet/" + role))
	addr, err := strkey.Encode(version, payload[:])
	if err != nil {
		panic(fmt.Sprintf("encode dev address %s: %v", role, err))
	}
	return addr
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

func envInt64OrDefault(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int64
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

// envListOrDefault reads a comma-separated list.
func envListOrDefault(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
