package crypto

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// Direct message payloads use NIP-44 version 2: secp256k1 ECDH, HKDF-SHA256,
// ChaCha20 and HMAC-SHA256 over a length-prefixed, padded plaintext.

// ConversationKey derives the long-lived key shared between k and peerHex.
// It is symmetric: a.ConversationKey(b) == b.ConversationKey(a).
func (k *Keys) ConversationKey(peerHex string) ([32]byte, error) {
	if _, err := ParsePublicKeyHex(peerHex); err != nil {
		return [32]byte{}, err
	}
	ck, err := nip44.GenerateConversationKey(peerHex, k.PrivateKeyHex())
	if err != nil {
		return [32]byte{}, fmt.Errorf("nip44: conversation key: %w", err)
	}
	return ck, nil
}

// Encrypt encrypts plaintext for recipientHex.
func (k *Keys) Encrypt(plaintext, recipientHex string) (string, error) {
	ck, err := k.ConversationKey(recipientHex)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, ck)
}

// Decrypt decrypts a payload sent by senderHex to k.
func (k *Keys) Decrypt(payload, senderHex string) (string, error) {
	ck, err := k.ConversationKey(senderHex)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(payload, ck)
}
