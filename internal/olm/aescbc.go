package olm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// cipherKeys is the derived key set for one encryption: AES-256-CBC key,
// HMAC-SHA256 key, and a fixed IV.
type cipherKeys struct {
	aesKey []byte // 32 bytes
	macKey []byte // 32 bytes
	iv     []byte // 16 bytes
}

// deriveCipherKeys expands secret into an 80-byte key block with
// HKDF-SHA256 using a 32-byte zero salt and the given info string.
func deriveCipherKeys(secret []byte, info string) (cipherKeys, error) {
	r := hkdf.New(sha256.New, secret, make([]byte, 32), []byte(info))
	block := make([]byte, 80)
	if _, err := io.ReadFull(r, block); err != nil {
		return cipherKeys{}, fmt.Errorf("olm: hkdf: %w", err)
	}
	return cipherKeys{aesKey: block[:32], macKey: block[32:64], iv: block[64:80]}, nil
}

// encryptCBC encrypts plaintext with AES-256-CBC under the derived keys,
// padding with PKCS#7. The IV comes from the key block, so a key set must
// never be reused for a second plaintext.
func (k cipherKeys) encryptCBC(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return nil, fmt.Errorf("olm: aes: %w", err)
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, k.iv).CryptBlocks(ct, padded)
	return ct, nil
}

// decryptCBC reverses encryptCBC.
func (k cipherKeys) decryptCBC(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("olm: ciphertext length %d not block aligned", len(ciphertext))
	}
	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return nil, fmt.Errorf("olm: aes: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, k.iv).CryptBlocks(padded, ciphertext)
	return unpadPKCS7(padded, aes.BlockSize)
}

// mac8 computes a truncated 8-byte HMAC-SHA256 over data.
func (k cipherKeys) mac8(data []byte) []byte {
	mac := hmac.New(sha256.New, k.macKey)
	mac.Write(data)
	return mac.Sum(nil)[:8]
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("olm: invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("olm: invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("olm: invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
