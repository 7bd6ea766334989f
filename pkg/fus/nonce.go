package fus

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

// NonceSize is the length of a decoded FUS nonce
const NonceSize = 16

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding byte %#x", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}

// aesCBC runs AES-CBC with IV = key[:16] over data, as FUS does for both the
// nonce envelope and request signatures.
func aesCBC(key, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("data is not a multiple of the block size")
	}
	out := make([]byte, len(data))
	iv := key[:aes.BlockSize]
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

// DecodeNonce turns the NONCE response header into the raw nonce
func (k *Keys) DecodeNonce(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: response has no NONCE header", ErrProtocol)
	}
	enc, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return "", fmt.Errorf("%w: NONCE header is not base64: %w", ErrProtocol, err)
	}
	dec, err := aesCBC(k.fixed, enc, false)
	if err != nil {
		return "", fmt.Errorf("%w: cannot decrypt NONCE: %w", ErrProtocol, err)
	}
	nonce, err := pkcs7Unpad(dec, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: cannot decrypt NONCE: %w", ErrProtocol, err)
	}
	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: decoded nonce is %d bytes, want %d", ErrProtocol, len(nonce), NonceSize)
	}
	for _, c := range nonce {
		if c < 0x20 || c > 0x7e {
			return "", fmt.Errorf("%w: decoded nonce is not printable", ErrProtocol)
		}
	}
	return string(nonce), nil
}

// EncodeNonce is the inverse of DecodeNonce. Only the service (and its test
// doubles) produce NONCE headers.
func (k *Keys) EncodeNonce(nonce string) (string, error) {
	enc, err := aesCBC(k.fixed, pkcs7Pad([]byte(nonce), aes.BlockSize), true)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

// Sign computes the request signature for nonce
func (k *Keys) Sign(nonce string) (string, error) {
	key, err := k.signatureKey(nonce)
	if err != nil {
		return "", err
	}
	return signWith(key, nonce)
}

func signWith(key []byte, nonce string) (string, error) {
	sig, err := aesCBC(key, pkcs7Pad([]byte(nonce), aes.BlockSize), true)
	if err != nil {
		return "", fmt.Errorf("%w: cannot sign nonce: %w", ErrProtocol, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// LogicCheck selects one byte of input per nonce byte, indexed by the low
// nibble of the nonce byte.
func LogicCheck(input, nonce string) (string, error) {
	if len(input) < 16 {
		return "", fmt.Errorf("%w: logic check input %q is shorter than 16 bytes", ErrProtocol, input)
	}
	out := make([]byte, 0, len(nonce))
	for i := 0; i < len(nonce); i++ {
		out = append(out, input[nonce[i]&0xf])
	}
	return string(out), nil
}
