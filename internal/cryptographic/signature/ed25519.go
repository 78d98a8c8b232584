package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func NewEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	privKey := ed25519.PrivateKey(privKeyBytes)
	return ed25519.Sign(privKey, message)
}

func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	pubKey := ed25519.PublicKey(pubKeyBytes)
	return ed25519.Verify(pubKey, message, signature)
}

// DecodePub parses a hex-encoded ed25519 public key.
func DecodePub(pubHex string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decode pubkey: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey is %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// EncodePub hex-encodes a public key for identity key sets and wire use.
func EncodePub(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}
