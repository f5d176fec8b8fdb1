// Package olm implements the cryptographic primitives for Matrix group
// messaging: the device identity (curve25519 + ed25519 key pairs with
// canonical-JSON signing), the Megolm group ratchet, anonymous public-key
// encryption for key backups, and a pairwise channel for wrapping
// to-device payloads.
package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/curve25519"
)

// b64 is the unpadded base64 used for Matrix keys and signatures.
var b64 = base64.RawStdEncoding

// Account holds the long-lived key material of the local device: a
// curve25519 identity key and an ed25519 signing key.
type Account struct {
	UserID   string
	DeviceID string

	identityPriv [32]byte
	identityPub  [32]byte
	signingPriv  ed25519.PrivateKey
	signingPub   ed25519.PublicKey
}

// NewAccount generates fresh identity and signing keys for a device.
func NewAccount(userID, deviceID string) (*Account, error) {
	a := &Account{UserID: userID, DeviceID: deviceID}
	if _, err := rand.Read(a.identityPriv[:]); err != nil {
		return nil, fmt.Errorf("olm: generate identity key: %w", err)
	}
	clampX25519(a.identityPriv[:])
	pub, err := curve25519.X25519(a.identityPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("olm: derive identity key: %w", err)
	}
	copy(a.identityPub[:], pub)

	a.signingPub, a.signingPriv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generate signing key: %w", err)
	}
	return a, nil
}

// accountPickle is the serialized form of an Account.
type accountPickle struct {
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	IdentityPriv string `json:"identity_key"`
	SigningSeed  string `json:"signing_key"`
}

// Pickle serializes the account's secret key material.
func (a *Account) Pickle() ([]byte, error) {
	return json.Marshal(accountPickle{
		UserID:       a.UserID,
		DeviceID:     a.DeviceID,
		IdentityPriv: b64.EncodeToString(a.identityPriv[:]),
		SigningSeed:  b64.EncodeToString(a.signingPriv.Seed()),
	})
}

// UnpickleAccount restores an account from its pickled form.
func UnpickleAccount(data []byte) (*Account, error) {
	var p accountPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle account: %w", err)
	}
	a := &Account{UserID: p.UserID, DeviceID: p.DeviceID}
	priv, err := b64.DecodeString(p.IdentityPriv)
	if err != nil || len(priv) != 32 {
		return nil, fmt.Errorf("olm: unpickle account: bad identity key")
	}
	copy(a.identityPriv[:], priv)
	pub, err := curve25519.X25519(a.identityPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("olm: unpickle account: %w", err)
	}
	copy(a.identityPub[:], pub)
	seed, err := b64.DecodeString(p.SigningSeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("olm: unpickle account: bad signing key")
	}
	a.signingPriv = ed25519.NewKeyFromSeed(seed)
	a.signingPub = a.signingPriv.Public().(ed25519.PublicKey)
	return a, nil
}

// IdentityKey returns the device curve25519 identity key, unpadded base64.
func (a *Account) IdentityKey() string {
	return b64.EncodeToString(a.identityPub[:])
}

// Ed25519Key returns the device ed25519 signing key, unpadded base64.
func (a *Account) Ed25519Key() string {
	return b64.EncodeToString(a.signingPub)
}

// SignJSON signs the canonical JSON form of v, ignoring any "signatures"
// and "unsigned" fields, and returns the signature keyed as the Matrix
// signatures map expects: {userID: {"ed25519:DEVICEID": sig}}.
func (a *Account) SignJSON(v any) (map[string]map[string]string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(a.signingPriv, canonical)
	return map[string]map[string]string{
		a.UserID: {"ed25519:" + a.DeviceID: b64.EncodeToString(sig)},
	}, nil
}

// VerifyJSON checks an ed25519 signature over the canonical JSON form of v.
// The key is the signer's ed25519 public key in unpadded base64.
func VerifyJSON(key, signature string, v any) error {
	pub, err := b64.DecodeString(key)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("olm: invalid ed25519 key")
	}
	sig, err := b64.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("olm: invalid signature encoding")
	}
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), canonical, sig) {
		return fmt.Errorf("olm: signature verification failed")
	}
	return nil
}

// CanonicalJSON renders v as RFC 8785 canonical JSON with the "signatures"
// and "unsigned" fields removed.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("olm: marshal for signing: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("olm: canonicalize: %w", err)
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	stripped, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("olm: canonicalize: %w", err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return nil, fmt.Errorf("olm: canonicalize: %w", err)
	}
	return canonical, nil
}

// clampX25519 applies the standard curve25519 scalar clamping.
func clampX25519(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
