package main

import (
	"BackstopBootstrapper/internal/keeper"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 256, cfg.PersistBatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, uint32(1_000_000), cfg.GenesisLedger)
	assert.Equal(t, 5*time.Second, cfg.LedgerDuration)
	assert.Equal(t, keeper.DefaultSchedule, cfg.KeeperSchedule)
	assert.True(t, cfg.KeeperEnabled)

	dc, err := cfg.Devnet()
	require.NoError(t, err)
	assert.Len(t, dc.LendingPools, 1)
	assert.Empty(t, dc.Holders)
	assert.NotEqual(t, dc.BLND, dc.USDC)

	self, err := cfg.ContractAddress()
	require.NoError(t, err)
	assert.Equal(t, cfg.Sandbox.Contract, string(self))
}

func TestDefaultConfig_Env(t *testing.T) {
	t.Setenv("BOOTSTRAPPER_STORE", "pebble")
	t.Setenv("BOOTSTRAPPER_PERSIST_FLUSH_MS", "25")
	t.Setenv("BOOTSTRAPPER_SNAPSHOT_INTERVAL", "42")
	t.Setenv("BOOTSTRAPPER_KEEPER_ENABLED", "0")
	t.Setenv("BOOTSTRAPPER_PERSIST_BATCH_SIZE", "not-a-number")

	cfg := DefaultConfig()
	assert.Equal(t, "pebble", cfg.Store)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, int64(42), cfg.SnapshotInterval)
	assert.False(t, cfg.KeeperEnabled)
	assert.Equal(t, 256, cfg.PersistBatchSize)
}

func TestConfig_HolderList(t *testing.T) {
	a := DefaultConfig().Sandbox.LPHolder
	t.Setenv("BOOTSTRAPPER_SANDBOX_HOLDERS", " "+a+" ,,"+a)

	dc, err := DefaultConfig().Devnet()
	require.NoError(t, err)
	assert.Len(t, dc.Holders, 2)
}

func TestConfig_RejectsAccountAsContract(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.Comet = cfg.Sandbox.LPHolder

	_, err := cfg.Devnet()
	assert.Error(t, err)
}
