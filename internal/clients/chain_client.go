package clients

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/config"
)

// ChainClients holds one RPC client per configured chain. Clients are
// dialed on first use.
type ChainClients struct {
	mu      sync.Mutex
	chains  map[int64]config.ChainConfig
	clients map[int64]*ethclient.Client
	log     logrus.FieldLogger
}

// NewChainClients creates the registry from the configured chains
func NewChainClients(chains []config.ChainConfig, log logrus.FieldLogger) *ChainClients {
	c := &ChainClients{
		chains:  make(map[int64]config.ChainConfig, len(chains)),
		clients: make(map[int64]*ethclient.Client),
		log:     log,
	}
	for _, chain := range chains {
		c.chains[chain.ChainID] = chain
	}
	return c
}

// ChainIDs returns the configured chain ids in ascending order.
func (c *ChainClients) ChainIDs() []int64 {
	ids := make([]int64, 0, len(c.chains))
	for id := range c.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Name returns the configured display name of a chain.
func (c *ChainClients) Name(chainID int64) string {
	return c.chains[chainID].Name
}

// HasRPC reports whether chainID has an RPC endpoint configured.
func (c *ChainClients) HasRPC(chainID int64) bool {
	return c.chains[chainID].RPCURL != ""
}

// Client returns the dialed client for chainID.
func (c *ChainClients) Client(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[chainID]; ok {
		return client, nil
	}
	chain, ok := c.chains[chainID]
	if !ok || chain.RPCURL == "" {
		return nil, fmt.Errorf("chain %d is not configured", chainID)
	}

	client, err := ethclient.DialContext(ctx, chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain %d RPC: %w", chainID, err)
	}
	c.log.WithFields(logrus.Fields{"chainId": chainID, "name": chain.Name}).Info("🔌 Chain RPC client connected")
	c.clients[chainID] = client
	return client, nil
}

// HeadBlock returns the latest block number of chainID.
func (c *ChainClients) HeadBlock(ctx context.Context, chainID int64) (uint64, error) {
	client, err := c.Client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read chain %d head: %w", chainID, err)
	}
	return head, nil
}

// Close closes every dialed client.
func (c *ChainClients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, client := range c.clients {
		client.Close()
		delete(c.clients, id)
	}
}
