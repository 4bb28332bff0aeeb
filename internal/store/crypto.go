package store

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Profile fields are stored AES-256-CBC encrypted with a random 16-byte IV
// prepended to the ciphertext. The key comes from scrypt over the configured
// secret with the fixed salt "salt" — not authenticated encryption; kept
// for compatibility with existing stored rows.
const fieldKeySalt = "salt"

var errShortCiphertext = errors.New("ciphertext shorter than IV")

// FieldCipher encrypts and decrypts individual profile fields.
type FieldCipher struct {
	key []byte
}

func NewFieldCipher(secret string) (*FieldCipher, error) {
	key, err := scrypt.Key([]byte(secret), []byte(fieldKeySalt), 16384, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive field key: %w", err)
	}
	return &FieldCipher{key: key}, nil
}

// Encrypt returns IV || CBC(PKCS7(plaintext)).
func (f *FieldCipher) Encrypt(plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(f.key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

func (f *FieldCipher) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < aes.BlockSize {
		return "", errShortCiphertext
	}
	block, err := aes.NewCipher(f.key)
	if err != nil {
		return "", err
	}
	iv, body := ciphertext[:aes.BlockSize], ciphertext[aes.BlockSize:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext not block aligned")
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EmailHash gives the deterministic lookup value for an email. Ciphertexts
// carry a random IV so equality checks have to run against this instead.
func EmailHash(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
