package fus

import (
	"fmt"
)

const (
	fixedKeyLen          = 32
	flexibleKeySuffixLen = 16
)

// Keys holds the two public constants of the FUS signing scheme. They are
// supplied by the user rather than compiled in.
type Keys struct {
	fixed          []byte
	flexibleSuffix []byte
}

// NewKeys validates and returns the FUS keys
func NewKeys(fixedKey, flexibleKeySuffix string) (*Keys, error) {
	if len(fixedKey) != fixedKeyLen {
		return nil, fmt.Errorf("fus: fixed key must be %d bytes (got %d)", fixedKeyLen, len(fixedKey))
	}
	if len(flexibleKeySuffix) != flexibleKeySuffixLen {
		return nil, fmt.Errorf("fus: flexible key suffix must be %d bytes (got %d)", flexibleKeySuffixLen, len(flexibleKeySuffix))
	}
	return &Keys{
		fixed:          []byte(fixedKey),
		flexibleSuffix: []byte(flexibleKeySuffix),
	}, nil
}

// String never prints key material
func (k *Keys) String() string {
	return "fus.Keys{<redacted>}"
}

// GoString never prints key material
func (k *Keys) GoString() string {
	return k.String()
}

// signatureKey builds the per-nonce AES-256 key: one fixed key byte selected by
// each nonce byte, followed by the flexible suffix.
func (k *Keys) signatureKey(nonce string) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes (got %d)", ErrProtocol, NonceSize, len(nonce))
	}
	key := make([]byte, 0, fixedKeyLen)
	for i := 0; i < NonceSize; i++ {
		key = append(key, k.fixed[int(nonce[i])%16])
	}
	return append(key, k.flexibleSuffix...), nil
}
