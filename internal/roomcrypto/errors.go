// Package roomcrypto implements room message encryption and decryption on
// top of Megolm group sessions: outbound session lifecycle and rotation,
// key sharing with withheld notices, and the inbound decryption error
// taxonomy.
package roomcrypto

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gwillem/megolm-go/internal/event"
)

// DecryptErrorCode classifies why an event could not be decrypted.
type DecryptErrorCode string

const (
	// DecryptMissingFields means the encrypted content lacked required
	// fields.
	DecryptMissingFields DecryptErrorCode = "MISSING_FIELDS"
	// DecryptOlm covers cryptographic failures inside the session: bad
	// MAC, bad signature, malformed ciphertext.
	DecryptOlm DecryptErrorCode = "OLM"
	// DecryptUnknownMessageIndex means the session is known but starts
	// after the message's ratchet index.
	DecryptUnknownMessageIndex DecryptErrorCode = "UNKNOWN_MESSAGE_INDEX"
	// DecryptUnknownSession means no inbound session matches.
	DecryptUnknownSession DecryptErrorCode = "UNKNOWN_INBOUND_SESSION_ID"
	// DecryptKeysWithheld means the sender told us it will not share the
	// key.
	DecryptKeysWithheld DecryptErrorCode = "KEYS_WITHHELD"
)

// DecryptError is the failure surfaced when an event cannot be decrypted.
type DecryptError struct {
	Code   DecryptErrorCode
	Reason string
	// WithheldCode is set when Code is DecryptKeysWithheld.
	WithheldCode event.WithheldCode
}

func (e *DecryptError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("roomcrypto: decryption failed: %s", e.Code)
	}
	return fmt.Sprintf("roomcrypto: decryption failed: %s: %s", e.Code, e.Reason)
}

func decryptErr(code DecryptErrorCode, format string, args ...any) *DecryptError {
	return &DecryptError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// UnknownDeviceError aborts encryption when recipients include devices the
// local user has never acknowledged. The caller surfaces the devices so
// the user can verify or block them and retry.
type UnknownDeviceError struct {
	// Devices maps user ID to the unknown device IDs.
	Devices map[string][]string
}

func (e *UnknownDeviceError) Error() string {
	users := make([]string, 0, len(e.Devices))
	for u := range e.Devices {
		users = append(users, u)
	}
	sort.Strings(users)
	return fmt.Sprintf("roomcrypto: unknown devices for %s", strings.Join(users, ", "))
}
