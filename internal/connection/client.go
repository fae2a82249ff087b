package connection

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/smartdevs17/dao-reconciler/internal/ledger"
	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// InstrumentedClient records RPC metrics around an ethclient handle
type InstrumentedClient struct {
	name           string
	endpoint       string
	client         *ethclient.Client
	metricsManager *metrics.Manager
}

// NewInstrumentedClient wraps client for the named handle
func NewInstrumentedClient(name, endpoint string, client *ethclient.Client, metricsManager *metrics.Manager) *InstrumentedClient {
	return &InstrumentedClient{
		name:           name,
		endpoint:       endpoint,
		client:         client,
		metricsManager: metricsManager,
	}
}

func (c *InstrumentedClient) record(method string, start time.Time, err error) {
	if c.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		c.metricsManager.GetPrometheusMetrics().RecordConnectionError(c.endpoint, "rpc_call_failed")
	}
	c.metricsManager.GetPrometheusMetrics().RecordRPCRequest(c.name, method, status, time.Since(start))
}

// CallContract executes a read-only contract call
func (c *InstrumentedClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	start := time.Now()
	out, err := c.client.CallContract(ctx, call, blockNumber)
	c.record("eth_call", start, err)
	return out, err
}

// FilterLogs runs a log query
func (c *InstrumentedClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	start := time.Now()
	logs, err := c.client.FilterLogs(ctx, query)
	c.record("eth_getLogs", start, err)
	return logs, err
}

// BlockNumber returns the head block number
func (c *InstrumentedClient) BlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	n, err := c.client.BlockNumber(ctx)
	c.record("eth_blockNumber", start, err)
	return n, err
}

// Clients holds the general and holder ledger client handles
type Clients struct {
	General *ConnectionManager
	Holder  *ConnectionManager

	metricsManager *metrics.Manager
}

// NewClients creates managers for both ledger handles
func NewClients(general, holder *ConnectionManager, metricsManager *metrics.Manager) *Clients {
	return &Clients{General: general, Holder: holder, metricsManager: metricsManager}
}

// GeneralBackend returns the client used for contract state reads
func (c *Clients) GeneralBackend(ctx context.Context) (ledger.Backend, error) {
	return c.backend(ctx, c.General)
}

// HolderBackend returns the client used for vote and membership history
func (c *Clients) HolderBackend(ctx context.Context) (ledger.Backend, error) {
	if c.Holder == nil {
		return c.backend(ctx, c.General)
	}
	return c.backend(ctx, c.Holder)
}

func (c *Clients) backend(ctx context.Context, manager *ConnectionManager) (ledger.Backend, error) {
	if manager == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Ledger client not configured", "")
	}
	client, err := manager.GetClientWithContext(ctx)
	if err != nil {
		if !utils.IsCode(err, utils.ErrCodeLedgerUnavailable) {
			err = utils.WrapAppError(utils.ErrCodeLedgerUnavailable, "Ledger client unavailable", err)
		}
		return nil, err
	}
	return NewInstrumentedClient(manager.Name(), manager.currentURL(), client, c.metricsManager), nil
}

// HealthCheck checks both handles and returns the errors by name
func (c *Clients) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, manager := range c.managers() {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		results[manager.Name()] = manager.HealthCheckWithContext(checkCtx)
		cancel()
	}
	return results
}

// Stats returns statistics for both handles
func (c *Clients) Stats() map[string]ConnectionStats {
	stats := make(map[string]ConnectionStats)
	for _, manager := range c.managers() {
		stats[manager.Name()] = manager.Stats()
	}
	return stats
}

// Close closes both handles
func (c *Clients) Close() error {
	var lastErr error
	for _, manager := range c.managers() {
		if err := manager.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Clients) managers() []*ConnectionManager {
	var out []*ConnectionManager
	if c.General != nil {
		out = append(out, c.General)
	}
	if c.Holder != nil && c.Holder != c.General {
		out = append(out, c.Holder)
	}
	return out
}
