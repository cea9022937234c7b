// Package cryptoutils provides the key generation, identity derivation, and
// share-transit sealing primitives used by the session coordination layer.
package cryptoutils

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// GeneratePrivateKey creates a fresh secp256k1 private key for a new account.
func GeneratePrivateKey() (interfaces.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return interfaces.PrivateKey(crypto.FromECDSA(key)), nil
}

// DeriveDID computes the decentralized identifier for a private key. The DID
// is a pure deterministic function of the key: the did:pkh form of the
// secp256k1 address.
func DeriveDID(key interfaces.PrivateKey) (interfaces.DID, error) {
	if len(key) == 0 {
		return "", errors.New("empty private key")
	}

	ecdsaKey, err := crypto.ToECDSA(key)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}

	addr := crypto.PubkeyToAddress(ecdsaKey.PublicKey)
	return interfaces.DID(fmt.Sprintf("did:pkh:eip155:1:%s", addr.Hex())), nil
}

// WalletIdentity is the identity object derived from a private key.
type WalletIdentity struct {
	did interfaces.DID
}

// DID returns the identifier of the derived identity.
func (w *WalletIdentity) DID() interfaces.DID {
	return w.did
}

// Deriver implements interfaces.IdentityDeriver over secp256k1 keys.
type Deriver struct{}

// DeriveIdentity turns a raw private key into a usable identity object.
func (Deriver) DeriveIdentity(key interfaces.PrivateKey) (interfaces.Identity, error) {
	did, err := DeriveDID(key)
	if err != nil {
		return nil, err
	}
	return &WalletIdentity{did: did}, nil
}

// WipeBytes zeroes sensitive material in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
