package olm

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const pkKeyInfo = "OLM_PK_KEYS"

// PKMessage is an anonymously encrypted blob: an ephemeral curve25519 key,
// AES-256-CBC ciphertext, and a truncated HMAC. All fields are unpadded
// base64. This is the cipher used for key-backup blobs, where the backup
// key has no online counterpart to run a pairwise session with.
type PKMessage struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// GeneratePKKeyPair returns a fresh curve25519 key pair: the public key in
// unpadded base64 and the 32-byte private key.
func GeneratePKKeyPair() (string, []byte, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return "", nil, fmt.Errorf("olm: generate pk key: %w", err)
	}
	clampX25519(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", nil, fmt.Errorf("olm: derive pk key: %w", err)
	}
	return b64.EncodeToString(pub), priv, nil
}

// PKPublicKeyFromPrivate derives the public half of a pk private key.
func PKPublicKeyFromPrivate(priv []byte) (string, error) {
	if len(priv) != 32 {
		return "", fmt.Errorf("olm: pk private key must be 32 bytes, got %d", len(priv))
	}
	k := make([]byte, 32)
	copy(k, priv)
	clampX25519(k)
	pub, err := curve25519.X25519(k, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("olm: derive pk key: %w", err)
	}
	return b64.EncodeToString(pub), nil
}

// PKEncrypt encrypts plaintext to a curve25519 public key using an
// ephemeral key agreement. Anyone can encrypt; only the private key holder
// can decrypt.
func PKEncrypt(recipientKey string, plaintext []byte) (*PKMessage, error) {
	pub, err := b64.DecodeString(recipientKey)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("olm: invalid pk recipient key")
	}
	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("olm: pk encrypt: %w", err)
	}
	clampX25519(ephPriv)
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("olm: pk encrypt: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, pub)
	if err != nil {
		return nil, fmt.Errorf("olm: pk encrypt: %w", err)
	}
	keys, err := deriveCipherKeys(shared, pkKeyInfo)
	if err != nil {
		return nil, err
	}
	ct, err := keys.encryptCBC(plaintext)
	if err != nil {
		return nil, err
	}
	return &PKMessage{
		Ephemeral:  b64.EncodeToString(ephPub),
		Ciphertext: b64.EncodeToString(ct),
		MAC:        b64.EncodeToString(keys.mac8(ct)),
	}, nil
}

// PKDecrypt decrypts a PKMessage with the matching private key. A wrong
// key yields a MAC failure, never a panic or garbage plaintext.
func PKDecrypt(priv []byte, msg *PKMessage) ([]byte, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("olm: pk private key must be 32 bytes, got %d", len(priv))
	}
	ephPub, err := b64.DecodeString(msg.Ephemeral)
	if err != nil || len(ephPub) != 32 {
		return nil, fmt.Errorf("olm: invalid pk ephemeral key")
	}
	ct, err := b64.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("olm: invalid pk ciphertext")
	}
	mac, err := b64.DecodeString(msg.MAC)
	if err != nil {
		return nil, fmt.Errorf("olm: invalid pk mac")
	}
	k := make([]byte, 32)
	copy(k, priv)
	clampX25519(k)
	shared, err := curve25519.X25519(k, ephPub)
	if err != nil {
		return nil, fmt.Errorf("olm: pk decrypt: %w", err)
	}
	keys, err := deriveCipherKeys(shared, pkKeyInfo)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(keys.mac8(ct), mac) {
		return nil, ErrBadMessageMAC
	}
	return keys.decryptCBC(ct)
}
