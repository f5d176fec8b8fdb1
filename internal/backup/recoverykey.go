package backup

import (
	"fmt"
	"strings"

	"github.com/decred/base58"
)

// Recovery keys are base58 with a fixed two-byte prefix and a trailing
// parity byte that XORs the whole buffer to zero.
var recoveryKeyPrefix = []byte{0x8B, 0x01}

const recoveryKeyLen = 32

// ComputeRecoveryKey renders a 32-byte private key as a human-readable
// recovery key, grouped in blocks of four characters.
func ComputeRecoveryKey(key []byte) string {
	buf := make([]byte, 0, len(recoveryKeyPrefix)+len(key)+1)
	buf = append(buf, recoveryKeyPrefix...)
	buf = append(buf, key...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	encoded := base58.Encode(buf)
	var sb strings.Builder
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(encoded[i:min(i+4, len(encoded))])
	}
	return sb.String()
}

// ExtractKeyFromRecoveryKey parses and validates a recovery key,
// returning the 32-byte private key. Whitespace is ignored.
func ExtractKeyFromRecoveryKey(recoveryKey string) ([]byte, error) {
	compact := strings.Join(strings.Fields(recoveryKey), "")
	decoded := base58.Decode(compact)
	if len(decoded) != len(recoveryKeyPrefix)+recoveryKeyLen+1 {
		return nil, fmt.Errorf("backup: recovery key has wrong length")
	}
	for i, p := range recoveryKeyPrefix {
		if decoded[i] != p {
			return nil, fmt.Errorf("backup: recovery key has wrong prefix")
		}
	}
	var parity byte
	for _, b := range decoded {
		parity ^= b
	}
	if parity != 0 {
		return nil, fmt.Errorf("backup: recovery key parity check failed")
	}
	key := make([]byte, recoveryKeyLen)
	copy(key, decoded[len(recoveryKeyPrefix):len(decoded)-1])
	return key, nil
}

// IsValidRecoveryKey reports whether the string parses as a recovery key.
func IsValidRecoveryKey(recoveryKey string) bool {
	_, err := ExtractKeyFromRecoveryKey(recoveryKey)
	return err == nil
}
