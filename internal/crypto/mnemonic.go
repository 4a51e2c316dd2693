package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// NewMnemonic generates a fresh 24-word recovery phrase backed by 256 bits
// of entropy, and the encryption key derived from it.
func NewMnemonic() (mnemonic string, key []byte, err error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	key, err = DeriveKey(mnemonic)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, key, nil
}

// DeriveKey deterministically derives the 256-bit encryption key from a
// 24-word recovery phrase. The same phrase always yields the same key, which
// is what makes recovery possible on a new machine.
//
// Derivation is BIP39 seed stretching followed by HKDF-SHA256 expansion to
// the AES key size, bound to a fixed application label so the key cannot be
// confused with wallet keys derived from the same phrase.
func DeriveKey(mnemonic string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid recovery phrase: not a valid 24-word mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, seed, nil, []byte("todopro field encryption v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
