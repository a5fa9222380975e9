package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Keys holds a secp256k1 key pair. Public keys travel on the wire in their
// 32-byte x-only form (BIP-340), hex encoded.
type Keys struct {
	privateKey *btcec.PrivateKey
	publicKey  *btcec.PublicKey
	pubHex     string
}

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*Keys, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newKeys(privateKey), nil
}

// FromPrivateKeyHex loads keys from a hex-encoded 32-byte private key.
// Format: "0x1234..." or "1234..." (64 hex chars)
func FromPrivateKeyHex(hexKey string) (*Keys, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	privateKey, _ := btcec.PrivKeyFromBytes(raw)
	return newKeys(privateKey), nil
}

func newKeys(privateKey *btcec.PrivateKey) *Keys {
	pub := privateKey.PubKey()
	return &Keys{
		privateKey: privateKey,
		publicKey:  pub,
		pubHex:     hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}
}

// PublicKeyHex returns the x-only public key as 64 lowercase hex chars.
func (k *Keys) PublicKeyHex() string {
	return k.pubHex
}

// PrivateKeyHex returns the private key as hex string (WITHOUT 0x prefix)
// WARNING: Keep this secret! Never expose to users or logs
func (k *Keys) PrivateKeyHex() string {
	return hex.EncodeToString(k.privateKey.Serialize())
}

// Sign produces a 64-byte BIP-340 schnorr signature over a 32-byte hash.
func (k *Keys) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(k.privateKey, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig.Serialize(), nil
}

// ParsePublicKeyHex parses a 64-char x-only public key.
func ParsePublicKeyHex(pubHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

// VerifySignature reports whether sig is a valid BIP-340 signature of hash by pubHex.
func VerifySignature(pubHex string, hash, sig []byte) bool {
	if len(hash) != 32 || len(sig) != schnorr.SignatureSize {
		return false
	}
	pub, err := ParsePublicKeyHex(pubHex)
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(hash, pub)
}
