package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dao-reconciler", cfg.App.Name)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 3, cfg.Reconcile.QueryRetryAttempts)
	assert.Equal(t, time.Duration(0), cfg.Reconcile.FreshnessTolerance)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ProposalInterval)
	assert.Equal(t, cfg.Ledger.General.NodeURL, cfg.Ledger.Holder.NodeURL)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
indexer:
  base_url: https://indexer.example.org
ledger:
  general:
    node_url: https://rpc.example.org
  holder:
    node_url: https://archive.example.org
storage:
  type: memory
reconcile:
  freshness_tolerance: 2s
whitelist:
  proposals:
    blocked: ["0xdead"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://indexer.example.org", cfg.Indexer.BaseURL)
	assert.Equal(t, "https://archive.example.org", cfg.Ledger.Holder.NodeURL)
	assert.Equal(t, 2*time.Second, cfg.Reconcile.FreshnessTolerance)
	assert.Equal(t, []string{"0xdead"}, cfg.Whitelist.Proposals.Blocked)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Reconcile.PendingConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg.Reconcile.PendingConcurrency = 1
	cfg.Ledger.General.NodeURL = ""
	assert.Error(t, cfg.Validate())

	cfg.Ledger.General.NodeURL = "http://localhost:8545"
	cfg.Ledger.RegistryAddress = "registry"
	assert.Error(t, cfg.Validate())

	cfg.Ledger.RegistryAddress = "0x00000000000000000000000000000000000000c1"
	assert.NoError(t, cfg.Validate())
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it changes
// the working directory for the duration of the test and restores it after.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
