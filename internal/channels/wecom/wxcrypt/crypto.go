// Package wxcrypt implements the WeCom callback envelope: message signatures and
// AES-256-CBC encryption of callback bodies and media files.
package wxcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// BlockSize is the PKCS#7 block size WeCom pads to. It is not the AES block size.
const BlockSize = 32

var (
	ErrInvalidKey       = errors.New("wxcrypt: invalid EncodingAESKey")
	ErrCiphertext       = errors.New("wxcrypt: malformed ciphertext")
	ErrInvalidBlockSize = errors.New("wxcrypt: invalid block size")
	ErrInvalidPKCS7Data = errors.New("wxcrypt: invalid PKCS#7 data")
	ErrInvalidPadding   = errors.New("wxcrypt: invalid PKCS#7 padding")
	ErrInvalidLength    = errors.New("wxcrypt: embedded length out of range")
	ErrReceiverMismatch = errors.New("wxcrypt: receive id mismatch")
)

// Signature computes the msg_signature for a callback: SHA-1 hex over the
// lexicographically sorted concatenation of token, timestamp, nonce and encrypt.
func Signature(token, timestamp, nonce, encrypt string) string {
	parts := []string{token, timestamp, nonce, encrypt}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature reports whether signature matches the computed one.
// An empty token or signature never verifies.
func VerifySignature(token, timestamp, nonce, encrypt, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	expected := Signature(token, timestamp, nonce, encrypt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// DecodeKey turns the 43-character EncodingAESKey into the 32-byte AES key.
func DecodeKey(encodingAESKey string) ([]byte, error) {
	k := strings.TrimSpace(encodingAESKey)
	if k == "" {
		return nil, ErrInvalidKey
	}
	if !strings.HasSuffix(k, "=") {
		k += "="
	}
	key, err := base64.StdEncoding.DecodeString(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: decoded to %d bytes", ErrInvalidKey, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext into the envelope layout
// random(16) || uint32BE(len(plaintext)) || plaintext || receiveID and returns base64.
func Encrypt(encodingAESKey, receiveID string, plaintext []byte) (string, error) {
	key, err := DecodeKey(encodingAESKey)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, 20+len(plaintext)+len(receiveID))
	prefix := make([]byte, 16)
	if _, err := rand.Read(prefix); err != nil {
		return "", fmt.Errorf("wxcrypt: random prefix: %w", err)
	}
	buf = append(buf, prefix...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(plaintext)))
	buf = append(buf, plaintext...)
	buf = append(buf, receiveID...)

	padded, err := pkcs7Pad(buf, BlockSize)
	if err != nil {
		return "", fmt.Errorf("wxcrypt: pkcs7 pad: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("wxcrypt: new cipher: %w", err)
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a base64 envelope and returns the embedded message.
// When receiveID is non-empty it must equal the trailing id in the envelope.
func Decrypt(encodingAESKey, receiveID, encrypted string) ([]byte, error) {
	key, err := DecodeKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrCiphertext, err)
	}

	plain, err := decryptCBC(key, ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, ErrInvalidLength
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if uint64(msgLen) > uint64(len(plain)-20) {
		return nil, ErrInvalidLength
	}
	msg := plain[20 : 20+msgLen]
	trailer := string(plain[20+msgLen:])
	if receiveID != "" && trailer != receiveID {
		return nil, ErrReceiverMismatch
	}
	return msg, nil
}

// DecryptMedia decrypts a downloaded media file. Media uses the same key and IV as
// callback bodies but carries no inner layout, only PKCS#7 padding.
func DecryptMedia(encodingAESKey string, data []byte) ([]byte, error) {
	key, err := DecodeKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	return decryptCBC(key, data)
}

func decryptCBC(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrCiphertext, len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wxcrypt: new cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain, BlockSize)
	if err != nil {
		return nil, fmt.Errorf("wxcrypt: pkcs7 unpad: %w", err)
	}
	return plain, nil
}

// --- PKCS#7 padding ---

func pkcs7Pad(data []byte, blockSize int) ([]byte, error) {
	if blockSize <= 0 || blockSize > 255 {
		return nil, ErrInvalidBlockSize
	}
	padLen := blockSize - (len(data) % blockSize)
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...), nil
}

// pkcs7Unpad accepts any length that is a multiple of the AES block, since media
// files from WeCom are not always aligned to the 32-byte padding block.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if blockSize <= 0 || blockSize > 255 {
		return nil, ErrInvalidBlockSize
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrInvalidPKCS7Data
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	if !bytes.Equal(bytes.Repeat([]byte{byte(padLen)}, padLen), data[len(data)-padLen:]) {
		return nil, ErrInvalidPadding
	}
	return data[:len(data)-padLen], nil
}
