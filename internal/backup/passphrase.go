package backup

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// DefaultKeyIterations is the PBKDF2 iteration count for new passphrase
// backups.
const DefaultKeyIterations = 500_000

const derivedKeyLen = 32

// GeneratePrivateKeyWithPassword derives a backup private key from a
// passphrase with a fresh random salt. progress, if non-nil, receives the
// derivation progress in percent.
func GeneratePrivateKeyWithPassword(password string, progress func(percent int)) (key []byte, salt string, iterations int, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", 0, fmt.Errorf("backup: generate salt: %w", err)
	}
	salt = base64.RawStdEncoding.EncodeToString(raw)
	key = deriveKey(password, salt, DefaultKeyIterations, progress)
	return key, salt, DefaultKeyIterations, nil
}

// RetrievePrivateKeyWithPassword re-derives the backup private key from a
// passphrase and the salt and iteration count stored in the backup's auth
// data.
func RetrievePrivateKeyWithPassword(password, salt string, iterations int, progress func(percent int)) ([]byte, error) {
	if salt == "" || iterations <= 0 {
		return nil, fmt.Errorf("backup: missing key derivation parameters")
	}
	return deriveKey(password, salt, iterations, progress), nil
}

// deriveKey is PBKDF2-HMAC-SHA512 unrolled for a single output block (the
// derived key is shorter than one SHA-512 digest), which lets it report
// progress through the iteration loop.
func deriveKey(password, salt string, iterations int, progress func(percent int)) []byte {
	prf := hmac.New(sha512.New, []byte(password))
	prf.Write([]byte(salt))
	prf.Write([]byte{0, 0, 0, 1})
	u := prf.Sum(nil)

	t := make([]byte, len(u))
	copy(t, u)

	reportEvery := iterations / 100
	if reportEvery == 0 {
		reportEvery = 1
	}
	lastPercent := -1
	for i := 2; i <= iterations; i++ {
		prf.Reset()
		prf.Write(u)
		u = prf.Sum(u[:0])
		for j := range t {
			t[j] ^= u[j]
		}
		if progress != nil && i%reportEvery == 0 {
			percent := i * 100 / iterations
			if percent != lastPercent {
				progress(percent)
				lastPercent = percent
			}
		}
	}
	if progress != nil && lastPercent != 100 {
		progress(100)
	}
	return t[:derivedKeyLen]
}
