package evm

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	x402flex "github.com/x402flex/x402flex-go"
)

// ChainReader is the read surface the settlement verifier needs. Satisfied
// by ethclient.Client; tests substitute fakes.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// FeeReader is the read surface the gas fee cache needs.
type FeeReader interface {
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// TxSubmitter is the write surface signer transports need.
type TxSubmitter interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// RelayConfig points payments at an HTTP relay instead of direct submission.
type RelayConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"apiKey,omitempty"`
}

// NetworkConfig describes one chain the router is deployed on.
type NetworkConfig struct {
	Name          string         `json:"name"`
	ChainID       uint64         `json:"chainId"`
	RPCURL        string         `json:"rpcUrl,omitempty"`
	Router        common.Address `json:"router"`
	Registry      common.Address `json:"registry"`
	Confirmations uint64         `json:"confirmations,omitempty"` // zero means the chain default
	Relay         *RelayConfig   `json:"relay,omitempty"`
}

// RequiredConfirmations resolves the effective confirmation depth.
func (n *NetworkConfig) RequiredConfirmations() uint64 {
	if n.Confirmations > 0 {
		return n.Confirmations
	}
	return ConfirmationBlocksFor(n.ChainID)
}

// RequireContracts fails unless both router and registry are configured.
func (n *NetworkConfig) RequireContracts() error {
	if n.Router == (common.Address{}) {
		return x402flex.UnconfiguredContractsError(n.Name, "router")
	}
	if n.Registry == (common.Address{}) {
		return x402flex.UnconfiguredContractsError(n.Name, "registry")
	}
	return nil
}

// Networks is a name-keyed registry of configured chains.
type Networks map[string]*NetworkConfig

// Get looks up a network by name, case-insensitively.
func (n Networks) Get(name string) (*NetworkConfig, error) {
	if cfg, ok := n[name]; ok {
		return cfg, nil
	}
	for key, cfg := range n {
		if strings.EqualFold(key, name) {
			return cfg, nil
		}
	}
	return nil, x402flex.UnconfiguredNetworkError(name)
}

// ByChainID looks up a network by chain id.
func (n Networks) ByChainID(chainID uint64) (*NetworkConfig, error) {
	for _, cfg := range n {
		if cfg.ChainID == chainID {
			return cfg, nil
		}
	}
	return nil, x402flex.UnconfiguredNetworkError(new(big.Int).SetUint64(chainID).String())
}

// ClientCache lazily dials and reuses one RPC client per network.
type ClientCache struct {
	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func NewClientCache() *ClientCache {
	return &ClientCache{clients: make(map[string]*ethclient.Client)}
}

// Client returns the cached client for a network, dialing on first use.
func (c *ClientCache) Client(ctx context.Context, cfg *NetworkConfig) (*ethclient.Client, error) {
	if cfg.RPCURL == "" {
		return nil, x402flex.ConfigError("network %q has no RPC URL configured", cfg.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[cfg.Name]; ok {
		return client, nil
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, x402flex.ConfigError("dial %q rpc: %v", cfg.Name, err)
	}
	c.clients[cfg.Name] = client
	return client, nil
}

// Close releases every cached client.
func (c *ClientCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, client := range c.clients {
		client.Close()
		delete(c.clients, name)
	}
}
