package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of an artifact key. The key string is used as the
// raw AES-256 key.
const KeySize = 32

var (
	ErrInvalidKey     = errors.New("crypto: key must be 32 bytes")
	ErrInvalidPayload = errors.New("crypto: invalid payload")
)

// Codec encrypts the telemetry exchanged with challenge scripts. Payloads
// travel as standard base64.
type Codec interface {
	Encrypt(key string, plaintext []byte) (string, error)
	Decrypt(key string, payload []byte) ([]byte, error)
	Name() string
}

// NewCodec returns the codec registered under name: "gcm" or "cbc".
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gcm":
		return GCMCodec{}, nil
	case "cbc":
		return CBCCodec{}, nil
	}
	return nil, fmt.Errorf("crypto: unknown cipher %q", name)
}

func newBlock(key string) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return aes.NewCipher([]byte(key))
}

func decodePayload(payload []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}

// GCMCodec is AES-256-GCM with a random 12 byte nonce prepended to the
// sealed data.
type GCMCodec struct{}

func (GCMCodec) Name() string { return "gcm" }

func (GCMCodec) Encrypt(key string, plaintext []byte) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (GCMCodec) Decrypt(key string, payload []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	raw, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidPayload
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return plain, nil
}

// CBCCodec speaks the first-generation wire format: AES-CBC with a zero IV
// and trailing-length padding. It exists for clients that cannot be
// redeployed; new groups should stay on GCM.
type CBCCodec struct{}

func (CBCCodec) Name() string { return "cbc" }

func (CBCCodec) Encrypt(key string, plaintext []byte) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := make([]byte, len(plaintext), len(plaintext)+pad)
	copy(buf, plaintext)
	buf = append(buf, bytes.Repeat([]byte{byte(pad)}, pad)...)

	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (CBCCodec) Decrypt(key string, payload []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	raw, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrInvalidPayload
	}
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(raw, raw)

	pad := int(raw[len(raw)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(raw) {
		return nil, ErrInvalidPayload
	}
	return raw[:len(raw)-pad], nil
}
