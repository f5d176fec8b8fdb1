package olm

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// AlgorithmOlm identifies the pairwise to-device cipher.
const AlgorithmOlm = "m.olm.v1.curve25519-aes-sha2"

const pairwiseKeyInfo = "OLM_SESSION_KEYS"

// Envelope is the encrypted to-device payload: a ciphertext per recipient
// identity key, so one event can carry the same plaintext wrapped for
// several devices.
type Envelope struct {
	Algorithm  string                  `json:"algorithm"`
	SenderKey  string                  `json:"sender_key"`
	Ciphertext map[string]EnvelopeBody `json:"ciphertext"`
}

// EnvelopeBody is one recipient's ciphertext within an Envelope.
type EnvelopeBody struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// pairwiseShared computes the static-static X25519 agreement between the
// local identity key and a peer identity key. Both directions derive the
// same secret, which is what lets the recipient unwrap without a round
// trip.
func (a *Account) pairwiseShared(peerKey string) ([]byte, error) {
	peer, err := b64.DecodeString(peerKey)
	if err != nil || len(peer) != 32 {
		return nil, fmt.Errorf("olm: invalid peer identity key %q", peerKey)
	}
	shared, err := curve25519.X25519(a.identityPriv[:], peer)
	if err != nil {
		return nil, fmt.Errorf("olm: pairwise agreement: %w", err)
	}
	return shared, nil
}

// EncryptTo wraps plaintext for a single recipient device identified by
// its curve25519 identity key. Each call uses a fresh random nonce as the
// HKDF salt, so the static agreement never reuses cipher keys.
func (a *Account) EncryptTo(peerIdentityKey string, plaintext []byte) (EnvelopeBody, error) {
	shared, err := a.pairwiseShared(peerIdentityKey)
	if err != nil {
		return EnvelopeBody{}, err
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return EnvelopeBody{}, fmt.Errorf("olm: nonce: %w", err)
	}
	keys, err := deriveNoncedKeys(shared, nonce)
	if err != nil {
		return EnvelopeBody{}, err
	}
	ct, err := keys.encryptCBC(plaintext)
	if err != nil {
		return EnvelopeBody{}, err
	}
	body := make([]byte, 0, len(nonce)+len(ct)+megolmMacLen)
	body = append(body, nonce...)
	body = append(body, ct...)
	body = append(body, keys.mac8(ct)...)
	return EnvelopeBody{Type: 0, Body: b64.EncodeToString(body)}, nil
}

// DecryptFrom unwraps an EnvelopeBody produced by the device holding
// senderIdentityKey.
func (a *Account) DecryptFrom(senderIdentityKey string, body EnvelopeBody) ([]byte, error) {
	shared, err := a.pairwiseShared(senderIdentityKey)
	if err != nil {
		return nil, err
	}
	raw, err := b64.DecodeString(body.Body)
	if err != nil {
		return nil, fmt.Errorf("olm: decode pairwise body: %w", err)
	}
	if len(raw) < 32+megolmMacLen {
		return nil, fmt.Errorf("olm: pairwise body too short")
	}
	nonce, rest := raw[:32], raw[32:]
	ct, mac := rest[:len(rest)-megolmMacLen], rest[len(rest)-megolmMacLen:]
	keys, err := deriveNoncedKeys(shared, nonce)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(keys.mac8(ct), mac) {
		return nil, ErrBadMessageMAC
	}
	return keys.decryptCBC(ct)
}

// deriveNoncedKeys mixes a per-message nonce into the HKDF input so the
// static agreement yields distinct cipher keys for every message.
func deriveNoncedKeys(secret, nonce []byte) (cipherKeys, error) {
	mixed := make([]byte, 0, len(secret)+len(nonce))
	mixed = append(mixed, secret...)
	mixed = append(mixed, nonce...)
	return deriveCipherKeys(mixed, pairwiseKeyInfo)
}
