package evm

import (
	"crypto/rand"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402flex "github.com/x402flex/x402flex-go"
)

var (
	paymentIntentTypehash = crypto.Keccak256Hash([]byte(paymentIntentTypeDef))
	paymentIDTypehash     = crypto.Keccak256Hash([]byte(paymentIDTypeDef))
	flexWitnessTypehash   = crypto.Keccak256Hash([]byte(flexWitnessTypeDef))
	rateLimitTypehash     = crypto.Keccak256Hash([]byte(rateLimitTypeDef))
	tokenCapTypehash      = crypto.Keccak256Hash([]byte(tokenCapTypeDef))
	sessionGrantTypehash  = crypto.Keccak256Hash([]byte(sessionGrantTypeDef))
	claimableTypehash     = crypto.Keccak256Hash([]byte(claimableGrantTypeDef))
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	typBytes32 = mustType("bytes32")
	typAddress = mustType("address")
	typUint256 = mustType("uint256")
	typUint128 = mustType("uint128")
	typUint64  = mustType("uint64")
	typUint32  = mustType("uint32")
	typString  = mustType("string")
)

var intentArgs = abi.Arguments{
	{Type: typBytes32}, {Type: typBytes32}, {Type: typAddress}, {Type: typAddress},
	{Type: typUint256}, {Type: typUint256}, {Type: typAddress}, {Type: typBytes32},
	{Type: typBytes32}, {Type: typBytes32},
}

// HashPaymentIntent computes the struct hash the router recovers witness
// signatures against.
func HashPaymentIntent(intent *x402flex.PaymentIntent) (common.Hash, error) {
	packed, err := intentArgs.Pack(
		[32]byte(paymentIntentTypehash),
		[32]byte(intent.PaymentID),
		intent.Merchant,
		intent.Token,
		intent.Amount,
		new(big.Int).SetUint64(intent.Deadline),
		intent.Payer,
		[32]byte(intent.ResourceID),
		[32]byte(intent.ReferenceHash),
		[32]byte(intent.Nonce),
	)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("hash payment intent: %v", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

var paymentIDArgs = abi.Arguments{
	{Type: typBytes32}, {Type: typAddress}, {Type: typUint256}, {Type: typUint256},
	{Type: typBytes32}, {Type: typBytes32}, {Type: typBytes32},
}

// DerivePaymentID computes the deterministic payment id from the intent's
// economic fields. Merchant and payer are deliberately excluded so the same
// obligation yields the same id regardless of who relays it.
func DerivePaymentID(token common.Address, amount *big.Int, deadline uint64, resourceID, referenceHash, nonce common.Hash) (common.Hash, error) {
	packed, err := paymentIDArgs.Pack(
		[32]byte(paymentIDTypehash),
		token,
		amount,
		new(big.Int).SetUint64(deadline),
		[32]byte(resourceID),
		[32]byte(referenceHash),
		[32]byte(nonce),
	)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("derive payment id: %v", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

var witnessArgs = abi.Arguments{
	{Type: typBytes32}, {Type: typBytes32}, {Type: typBytes32}, {Type: typAddress}, {Type: typBytes32},
}

// HashFlexWitness computes the witness struct hash. The witness commits to
// the full intent hash, not just the payment id.
func HashFlexWitness(witness *x402flex.FlexWitness) (common.Hash, error) {
	packed, err := witnessArgs.Pack(
		[32]byte(flexWitnessTypehash),
		[32]byte(witness.SchemeID),
		[32]byte(witness.IntentHash),
		witness.Payer,
		[32]byte(witness.Salt),
	)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("hash witness: %v", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

var resourceIDArgs = abi.Arguments{
	{Type: typAddress}, {Type: typString}, {Type: typAddress}, {Type: typUint256},
	{Type: typUint64}, {Type: typBytes32},
}

// DeriveResourceID computes a resource id binding merchant, reference,
// token, amount and chain. A zero salt is replaced with fresh randomness so
// distinct challenges for the same resource stay distinguishable; the
// effective salt is returned so callers can persist it and re-derive the
// same id later.
func DeriveResourceID(merchant common.Address, reference string, token common.Address, amount *big.Int, chainID uint64, salt common.Hash) (common.Hash, common.Hash, error) {
	normalized, err := x402flex.NormalizeReference(reference)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	if salt == (common.Hash{}) {
		if _, err := rand.Read(salt[:]); err != nil {
			return common.Hash{}, common.Hash{}, x402flex.ConfigError("generate resource salt: %v", err)
		}
	}
	packed, err := resourceIDArgs.Pack(merchant, normalized, token, amount, chainID, [32]byte(salt))
	if err != nil {
		return common.Hash{}, common.Hash{}, x402flex.ValidationError("derive resource id: %v", err)
	}
	return crypto.Keccak256Hash(packed), salt, nil
}

// RandomHash returns 32 bytes of fresh randomness for nonces and salts.
func RandomHash() (common.Hash, error) {
	var h common.Hash
	if _, err := rand.Read(h[:]); err != nil {
		return common.Hash{}, x402flex.ConfigError("generate random hash: %v", err)
	}
	return h, nil
}

// DeriveEIP3009Nonce derives the transferWithAuthorization nonce that binds
// an EIP-3009 signature to a specific intent and router deployment. Packed
// encoding: "X402Flex" | intentHash | router | chainId.
func DeriveEIP3009Nonce(intentHash common.Hash, router common.Address, chainID uint64) common.Hash {
	chainWord := common.BigToHash(new(big.Int).SetUint64(chainID))
	packed := make([]byte, 0, 8+32+20+32)
	packed = append(packed, []byte("X402Flex")...)
	packed = append(packed, intentHash[:]...)
	packed = append(packed, router[:]...)
	packed = append(packed, chainWord[:]...)
	return crypto.Keccak256Hash(packed)
}
