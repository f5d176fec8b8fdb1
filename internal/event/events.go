// Package event defines the to-device wire types the crypto core consumes
// and produces: room keys, forwarded room keys, key requests, withheld
// notices, and the encrypted room payload, plus the portable session
// export format shared by forwards and key backups.
package event

import "encoding/json"

// Algorithms.
const (
	AlgorithmMegolm       = "m.megolm.v1.aes-sha2"
	AlgorithmMegolmBackup = "m.megolm_backup.v1.curve25519-aes-sha2"
	AlgorithmPBKDF2       = "m.pbkdf2"
)

// To-device event types.
const (
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomKeyRequest   = "m.room_key_request"
	TypeRoomKeyWithheld  = "m.room_key.withheld"
	TypeEncrypted        = "m.room.encrypted"
)

// Key request actions.
const (
	ActionRequest             = "request"
	ActionRequestCancellation = "request_cancellation"
)

// WithheldCode explains why a peer deliberately refused to share a key.
type WithheldCode string

const (
	WithheldBlacklisted  WithheldCode = "m.blacklisted"
	WithheldUnverified   WithheldCode = "m.unverified"
	WithheldUnauthorised WithheldCode = "m.unauthorised"
	WithheldUnavailable  WithheldCode = "m.unavailable"
	WithheldNoOlm        WithheldCode = "m.no_olm"
)

// Reason returns the human-readable reason conventionally attached to a
// withheld code.
func (c WithheldCode) Reason() string {
	switch c {
	case WithheldBlacklisted:
		return "The sender has blocked you."
	case WithheldUnverified:
		return "The sender has disabled encrypting to unverified devices."
	case WithheldUnauthorised:
		return "You are not authorised to read the message."
	case WithheldUnavailable:
		return "The requested key was not found."
	case WithheldNoOlm:
		return "Unable to establish a secure channel."
	default:
		return string(c)
	}
}

// ToDevice is a to-device event as delivered by sync.
type ToDevice struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// DecryptedToDevice is a to-device event whose pairwise envelope has been
// unwrapped. SenderKey is the authenticated curve25519 identity key of
// the sending device; it is empty for events that arrived in plaintext.
type DecryptedToDevice struct {
	ToDevice
	SenderKey         string
	ClaimedEd25519Key string
}

// EncryptedContent is the m.room.encrypted payload for Megolm traffic.
type EncryptedContent struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	Ciphertext string `json:"ciphertext"`
	SessionID  string `json:"session_id"`
	DeviceID   string `json:"device_id"`
}

// RoomKeyContent is the m.room_key payload sharing an outbound session.
type RoomKeyContent struct {
	Algorithm     string `json:"algorithm"`
	RoomID        string `json:"room_id"`
	SessionID     string `json:"session_id"`
	SessionKey    string `json:"session_key"`
	ChainIndex    uint32 `json:"chain_index"`
	SharedHistory bool   `json:"org.matrix.msc3061.shared_history,omitempty"`
}

// ForwardedRoomKeyContent is the m.forwarded_room_key payload.
type ForwardedRoomKeyContent struct {
	Algorithm               string   `json:"algorithm"`
	RoomID                  string   `json:"room_id"`
	SenderKey               string   `json:"sender_key"`
	SessionID               string   `json:"session_id"`
	SessionKey              string   `json:"session_key"`
	SenderClaimedEd25519Key string   `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain      []string `json:"forwarding_curve25519_key_chain"`
	SharedHistory           bool     `json:"org.matrix.msc3061.shared_history,omitempty"`
}

// RoomKeyRequestBody identifies the session a key request is about.
type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// RoomKeyRequestContent is the m.room_key_request payload.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID string              `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
}

// RoomKeyWithheldContent is the m.room_key.withheld payload.
type RoomKeyWithheldContent struct {
	Algorithm  string       `json:"algorithm"`
	RoomID     string       `json:"room_id,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	SenderKey  string       `json:"sender_key,omitempty"`
	Code       WithheldCode `json:"code"`
	Reason     string       `json:"reason,omitempty"`
	FromDevice string       `json:"from_device,omitempty"`
}

// MegolmSessionData is the portable form of an inbound group session,
// used both as the forwarded-room-key content and as the plaintext of a
// backup blob.
type MegolmSessionData struct {
	Algorithm          string            `json:"algorithm"`
	RoomID             string            `json:"room_id"`
	SenderKey          string            `json:"sender_key"`
	SessionID          string            `json:"session_id"`
	SessionKey         string            `json:"session_key"`
	SenderClaimedKeys  map[string]string `json:"sender_claimed_keys"`
	ForwardingKeyChain []string          `json:"forwarding_curve25519_key_chain"`
	SharedHistory      bool              `json:"org.matrix.msc3061.shared_history,omitempty"`
}
