package signer

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	sub402 "github.com/sub402/sub402-go"
)

// WithKeystore loads a private key from an encrypted keystore file.
func WithKeystore(keystorePath, password string) Option {
	return func(s *Signer) error {
		data, err := os.ReadFile(keystorePath)
		if err != nil {
			return fmt.Errorf("%w: %v", sub402.ErrInvalidKeystore, err)
		}

		var keyJSON struct {
			Crypto keystore.CryptoJSON `json:"crypto"`
		}
		if err := json.Unmarshal(data, &keyJSON); err != nil {
			return fmt.Errorf("%w: invalid JSON format", sub402.ErrInvalidKeystore)
		}

		keyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
		if err != nil {
			return fmt.Errorf("%w: decryption failed", sub402.ErrInvalidKeystore)
		}
		key, err := crypto.ToECDSA(keyBytes)
		if err != nil {
			return fmt.Errorf("%w: invalid private key", sub402.ErrInvalidKeystore)
		}

		s.privateKey = key
		return nil
	}
}

// WithMnemonic derives a private key from a BIP39 mnemonic phrase at
// m/44'/60'/0'/0/{accountIndex}.
func WithMnemonic(mnemonic string, accountIndex uint32) Option {
	return func(s *Signer) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return sub402.ErrInvalidMnemonic
		}
		seed := bip39.NewSeed(mnemonic, "")

		key, err := deriveKey(seed, accountIndex)
		if err != nil {
			return fmt.Errorf("%w: %v", sub402.ErrInvalidMnemonic, err)
		}
		s.privateKey = key
		return nil
	}
}

// deriveKey walks the BIP44 path m/44'/60'/0'/0/{index}.
func deriveKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	for _, step := range []uint32{
		bip32.FirstHardenedChild + 44, // purpose
		bip32.FirstHardenedChild + 60, // coin type
		bip32.FirstHardenedChild + 0,  // account
		0,                             // external chain
		index,
	} {
		if key, err = key.NewChildKey(step); err != nil {
			return nil, err
		}
	}
	return crypto.ToECDSA(key.Key)
}
