package evm

import (
	"context"
	"math/big"
	"sync"
	"time"

	x402flex "github.com/x402flex/x402flex-go"
)

// DefaultFeeCacheTTL bounds how long a fee suggestion is reused before a
// fresh chain query.
const DefaultFeeCacheTTL = 30 * time.Second

var (
	minTipWei      = big.NewInt(1_000_000_000) // 1 gwei
	tipNumerator   = big.NewInt(12)
	tipDenominator = big.NewInt(10)
	legacyBumpNum  = big.NewInt(11)
	legacyBumpDen  = big.NewInt(10)
)

// FeeSuggestion is a ready-to-use fee choice for one transaction.
type FeeSuggestion struct {
	EIP1559  bool
	TipCap   *big.Int // nil unless EIP1559
	FeeCap   *big.Int // nil unless EIP1559
	GasPrice *big.Int // nil when EIP1559
}

// FeeCache caches fee suggestions for one chain with a short TTL so bursts
// of payments share a single fee query.
type FeeCache struct {
	reader FeeReader
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    *FeeSuggestion
	fetchedAt time.Time
}

// NewFeeCache builds a cache over a chain's fee reader. A non-positive TTL
// falls back to the default.
func NewFeeCache(reader FeeReader, ttl time.Duration) *FeeCache {
	if ttl <= 0 {
		ttl = DefaultFeeCacheTTL
	}
	return &FeeCache{reader: reader, ttl: ttl, now: time.Now}
}

// Suggest returns a cached suggestion when fresh, otherwise queries the
// chain. Chains without EIP-1559 fee history fall back to a bumped legacy
// gas price.
func (c *FeeCache) Suggest(ctx context.Context) (*FeeSuggestion, error) {
	c.mu.Lock()
	if c.cached != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	suggestion, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = suggestion
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return suggestion, nil
}

// Invalidate drops the cached suggestion, forcing the next Suggest to query.
func (c *FeeCache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

func (c *FeeCache) fetch(ctx context.Context) (*FeeSuggestion, error) {
	history, err := c.reader.FeeHistory(ctx, 5, nil, []float64{50})
	if err == nil && len(history.BaseFee) > 0 && history.BaseFee[len(history.BaseFee)-1].Sign() > 0 {
		baseFee := history.BaseFee[len(history.BaseFee)-1]
		tip := medianReward(history.Reward)
		tip = new(big.Int).Div(new(big.Int).Mul(tip, tipNumerator), tipDenominator)
		if tip.Cmp(minTipWei) < 0 {
			tip = new(big.Int).Set(minTipWei)
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
		return &FeeSuggestion{EIP1559: true, TipCap: tip, FeeCap: feeCap}, nil
	}

	gasPrice, err := c.reader.SuggestGasPrice(ctx)
	if err != nil {
		return nil, x402flex.ChainRPCError("suggest gas price: %v", err)
	}
	bumped := new(big.Int).Div(new(big.Int).Mul(gasPrice, legacyBumpNum), legacyBumpDen)
	return &FeeSuggestion{GasPrice: bumped}, nil
}

func medianReward(rewards [][]*big.Int) *big.Int {
	values := make([]*big.Int, 0, len(rewards))
	for _, block := range rewards {
		if len(block) > 0 && block[0] != nil {
			values = append(values, block[0])
		}
	}
	if len(values) == 0 {
		return new(big.Int).Set(minTipWei)
	}
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j].Cmp(values[j-1]) < 0; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
	return new(big.Int).Set(values[len(values)/2])
}
