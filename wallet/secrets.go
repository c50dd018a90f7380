package wallet

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut13"
	"github.com/nutshell-labs/nutcore/crypto"
)

// generateDeterministicSecret derives the NUT-13 secret and blinding factor
// for the given keyset derivation path and counter, so a wallet's proofs
// can always be recreated from its mnemonic alone.
func generateDeterministicSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, *secp256k1.PrivateKey, error) {
	secret, err := nut13.DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}

	r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}

	return secret, r, nil
}

// unblindSignature decodes a hex-encoded blind signature C_ and removes the
// blinding factor r under mint public key K, returning the resulting
// proof's C as hex.
func unblindSignature(C_hex string, r *secp256k1.PrivateKey, K *secp256k1.PublicKey) (string, error) {
	C_bytes, err := hex.DecodeString(C_hex)
	if err != nil {
		return "", err
	}

	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return "", err
	}

	C := crypto.UnblindSignature(C_, r, K)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}
