package evm

// Chain ids for the networks the settlement router is deployed on.
const (
	ChainBNB          uint64 = 56
	ChainBNBTestnet   uint64 = 97
	ChainOPBNB        uint64 = 204
	ChainOPBNBTestnet uint64 = 5611
	ChainAvalanche    uint64 = 43114
	ChainFuji         uint64 = 43113
	ChainArbitrum     uint64 = 42161
	ChainArbSepolia   uint64 = 421614
	ChainPolygon      uint64 = 137
	ChainAmoy         uint64 = 80002
	ChainMonadTestnet uint64 = 10143
)

// DefaultConfirmationBlocks is the per-chain confirmation depth considered
// final for settlement verification.
var DefaultConfirmationBlocks = map[uint64]uint64{
	ChainBNB:          3,
	ChainBNBTestnet:   1,
	ChainOPBNB:        1,
	ChainOPBNBTestnet: 1,
	ChainAvalanche:    1,
	ChainFuji:         1,
	ChainArbitrum:     12,
	ChainArbSepolia:   1,
	ChainPolygon:      64,
	ChainAmoy:         1,
	ChainMonadTestnet: 1,
}

// ConfirmationBlocksFor returns the confirmation depth for a chain,
// defaulting to 1 for unknown chains.
func ConfirmationBlocksFor(chainID uint64) uint64 {
	if n, ok := DefaultConfirmationBlocks[chainID]; ok {
		return n
	}
	return 1
}

// DefaultRouterDeadlineSeconds is how long a freshly built intent stays
// payable when no explicit deadline is given.
const DefaultRouterDeadlineSeconds = 3600

// Canonical struct encodings for the router's signature domain. The router
// contract hardcodes the same strings; any drift breaks signature recovery.
const (
	paymentIntentTypeDef = "PaymentIntent(bytes32 paymentId,address merchant,address token,uint256 amount,uint256 deadline,address payer,bytes32 resourceId,bytes32 referenceHash,bytes32 nonce)"
	paymentIDTypeDef     = "PaymentId(address token,uint256 amount,uint256 deadline,bytes32 resourceId,bytes32 referenceHash,bytes32 nonce)"
	flexWitnessTypeDef   = "FlexWitness(bytes32 schemeId,bytes32 intentHash,address payer,bytes32 salt)"

	rateLimitTypeDef = "RateLimit(uint32 maxTxPerMinute,uint32 maxTxPerDay,uint32 coolDownSeconds)"
	tokenCapTypeDef  = "TokenCap(address token,uint128 cap,uint128 dailyCap)"

	sessionGrantTypeDef = "FlexSessionGrant(bytes32 sessionId,address payer,address agent,bytes32 merchantScope," +
		"uint32 deadline,uint32 expiresAt,uint32 epoch,uint256 nonce,RateLimit rateLimit,bytes32 schemesHash," +
		"bytes32 tokenCapsHash)" + rateLimitTypeDef + tokenCapTypeDef

	claimableGrantTypeDef = "ClaimableSessionGrant(bytes32 sessionId,address payer,bytes32 merchantScope," +
		"uint32 deadline,uint32 expiresAt,uint32 epoch,uint256 nonce,address claimSigner,RateLimit rateLimit," +
		"bytes32 schemesHash,bytes32 tokenCapsHash)" + rateLimitTypeDef + tokenCapTypeDef
)

// EIP-712 domain constants for session grants and subscriptions.
const (
	SessionDomainName       = "X402Flex Session"
	SessionDomainVersion    = "1"
	SubscriptionsDomainName = "X402FlexSubscriptions"
	SubscriptionsVersion    = "1"
)

// Permit2Address is the canonical Permit2 deployment, identical on every
// supported chain.
const Permit2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
