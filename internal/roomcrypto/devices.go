package roomcrypto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
)

// DeviceInfo describes one device of a user, with the local trust
// decisions attached.
type DeviceInfo struct {
	UserID      string
	DeviceID    string
	IdentityKey string
	SigningKey  string
	// Verified means the local user confirmed this device's keys.
	Verified bool
	// Blocked means the local user refuses to encrypt to this device.
	Blocked bool
	// Known means the local user has seen and acknowledged this device.
	// Unknown devices abort encryption so they can be reviewed first.
	Known bool
}

// DeviceSource resolves user and device identities. Implementations
// typically front a /keys/query client with a local cache.
type DeviceSource interface {
	// DownloadKeys returns the devices of the given users, keyed by user
	// ID. Users with no devices map to an empty slice.
	DownloadKeys(ctx context.Context, userIDs []string) (map[string][]DeviceInfo, error)
	// DeviceWithIdentityKey finds the device owning a curve25519 identity
	// key, or nil if unknown.
	DeviceWithIdentityKey(ctx context.Context, userID, identityKey string) (*DeviceInfo, error)
	// UserDevice returns one device of a user, or nil if unknown.
	UserDevice(ctx context.Context, userID, deviceID string) (*DeviceInfo, error)
}

// PairwiseEncryptor wraps payloads for individual devices over a secure
// pairwise channel.
type PairwiseEncryptor interface {
	// EnsureSessions prepares pairwise channels to the given devices and
	// partitions them into devices we can reach and devices with no
	// usable channel.
	EnsureSessions(ctx context.Context, devices []DeviceInfo) (ready, noOlm []DeviceInfo, err error)
	// EncryptTo wraps a to-device payload of the given type for one
	// device, returning the m.room.encrypted content to send.
	EncryptTo(device DeviceInfo, eventType string, content any) (json.RawMessage, error)
}

// ToDeviceSender delivers to-device events. The messages map is keyed by
// user ID then device ID; "*" as a device ID addresses all of a user's
// devices.
type ToDeviceSender interface {
	SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]any) error
}

// AccountPairwise is the PairwiseEncryptor backed by the local device's
// identity key. Sessions are derived statically from the two identity
// keys, so EnsureSessions only fails for devices with no identity key.
type AccountPairwise struct {
	Account *olm.Account
}

// EnsureSessions reports every device carrying an identity key as ready.
func (p *AccountPairwise) EnsureSessions(_ context.Context, devices []DeviceInfo) (ready, noOlm []DeviceInfo, err error) {
	for _, d := range devices {
		if d.IdentityKey == "" {
			noOlm = append(noOlm, d)
			continue
		}
		ready = append(ready, d)
	}
	return ready, noOlm, nil
}

// EncryptTo wraps the payload in the pairwise envelope for one device.
// The plaintext carries the event type, sender, recipient, and the
// sender's claimed ed25519 key so the receiver can authenticate the
// channel end to end.
func (p *AccountPairwise) EncryptTo(device DeviceInfo, eventType string, content any) (json.RawMessage, error) {
	payload := map[string]any{
		"type":    eventType,
		"content": content,
		"sender":  p.Account.UserID,
		"keys":    map[string]string{"ed25519": p.Account.Ed25519Key()},
		"recipient": map[string]string{
			"user_id":   device.UserID,
			"device_id": device.DeviceID,
		},
		"recipient_keys": map[string]string{"ed25519": device.SigningKey},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("roomcrypto: marshal to-device payload: %w", err)
	}
	body, err := p.Account.EncryptTo(device.IdentityKey, raw)
	if err != nil {
		return nil, err
	}
	envelope := olm.Envelope{
		Algorithm: olm.AlgorithmOlm,
		SenderKey: p.Account.IdentityKey(),
		Ciphertext: map[string]olm.EnvelopeBody{
			device.IdentityKey: body,
		},
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("roomcrypto: marshal envelope: %w", err)
	}
	return out, nil
}

// DecryptFrom unwraps a pairwise envelope addressed to this device and
// returns the inner payload together with the authenticated sender key.
func (p *AccountPairwise) DecryptFrom(raw json.RawMessage) (*event.DecryptedToDevice, error) {
	var envelope olm.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("roomcrypto: unmarshal envelope: %w", err)
	}
	if envelope.Algorithm != olm.AlgorithmOlm {
		return nil, fmt.Errorf("roomcrypto: unexpected algorithm %q", envelope.Algorithm)
	}
	body, ok := envelope.Ciphertext[p.Account.IdentityKey()]
	if !ok {
		return nil, fmt.Errorf("roomcrypto: envelope not addressed to this device")
	}
	plaintext, err := p.Account.DecryptFrom(envelope.SenderKey, body)
	if err != nil {
		return nil, err
	}
	var inner struct {
		Type    string            `json:"type"`
		Sender  string            `json:"sender"`
		Content json.RawMessage   `json:"content"`
		Keys    map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("roomcrypto: unmarshal inner payload: %w", err)
	}
	return &event.DecryptedToDevice{
		ToDevice: event.ToDevice{
			Type:    inner.Type,
			Sender:  inner.Sender,
			Content: inner.Content,
		},
		SenderKey:         envelope.SenderKey,
		ClaimedEd25519Key: inner.Keys["ed25519"],
	}, nil
}
