package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// PairingSecretSize is the size of the secret carried in the QR payload.
const PairingSecretSize = 32

const sealInfo = "device-link share transit v1"

// NewPairingSecret generates the symmetric secret a requester embeds in its QR
// payload. The relay never sees it, so a share sealed under it is opaque to
// the relay.
func NewPairingSecret() ([]byte, error) {
	secret := make([]byte, PairingSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate pairing secret: %w", err)
	}
	return secret, nil
}

// sealKey expands the pairing secret into a secretbox key.
func sealKey(pairingSecret []byte) (*[32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, pairingSecret, nil, []byte(sealInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return &key, nil
}

// SealShare encrypts a device share for relay transit under the pairing
// secret. The nonce is prepended to the ciphertext.
func SealShare(pairingSecret, share []byte) ([]byte, error) {
	if len(pairingSecret) != PairingSecretSize {
		return nil, fmt.Errorf("invalid pairing secret length %d", len(pairingSecret))
	}

	key, err := sealKey(pairingSecret)
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], share, &nonce, key), nil
}

// OpenShare decrypts a sealed share received from the relay.
func OpenShare(pairingSecret, sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("sealed share too short")
	}

	key, err := sealKey(pairingSecret)
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	share, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return nil, errors.New("sealed share authentication failed")
	}
	return share, nil
}
