// Package fwcrypt derives firmware container keys and decrypts container streams
package fwcrypt

import (
	"crypto/aes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/blacktop/fusdl/pkg/fus"
)

var (
	// ErrUnknownTag indicates a container scheme this package cannot derive keys for
	ErrUnknownTag = errors.New("fwcrypt: unknown container version tag")
	// ErrNoLogicValue indicates a V4 key was requested without the logic value
	// the service returns from BinaryInform
	ErrNoLogicValue = errors.New("fwcrypt: V4 keys require the service logic value")
)

// DecryptionKey is the AES-128 key and initial CBC chaining block of one
// archive. It is never logged or persisted; use Fingerprint to identify it.
type DecryptionKey struct {
	Tag fus.VersionTag
	Key [16]byte
	IV  [aes.BlockSize]byte
}

// Fingerprint is a short one-way identifier of the key, safe to log and store
func (k DecryptionKey) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte{byte(k.Tag)})
	h.Write(k.Key[:])
	h.Write(k.IV[:])
	return hex.EncodeToString(h.Sum(nil)[:8])
}

func (k DecryptionKey) String() string {
	return fmt.Sprintf("%s key %s", k.Tag, k.Fingerprint())
}

// GoString keeps %#v from dumping the key bytes
func (k DecryptionKey) GoString() string {
	return "fwcrypt.DecryptionKey{" + k.String() + "}"
}

// DeriveKey derives the container key for tag.
//
// V2 keys are the MD5 of region:model:version, with the version normalized and
// the identifiers hashed as given. V4 keys are the MD5 of the logic check of
// q.Version (the LATEST_FW_VERSION of the BinaryInform reply) against
// logicValue (its LOGIC_VALUE_FACTORY); logicValue is ignored for V2.
func DeriveKey(tag fus.VersionTag, q fus.DeviceQuery, logicValue string) (DecryptionKey, error) {
	switch tag {
	case fus.V2:
		return deriveV2(q)
	case fus.V4:
		return deriveV4(q.Version, logicValue)
	}
	return DecryptionKey{}, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
}

// KeyFor derives the key of the archive described by a BinaryInform reply
func KeyFor(info *fus.BinaryInfo) (DecryptionKey, error) {
	q := fus.DeviceQuery{Model: info.Model, Region: info.Region, Version: info.Version}
	if info.Tag == fus.V4 && info.LatestVersion != "" {
		q.Version = info.LatestVersion
	}
	return DeriveKey(info.Tag, q, info.LogicValue)
}

func deriveV2(q fus.DeviceQuery) (DecryptionKey, error) {
	version, err := fus.NormalizeVersion(q.Version)
	if err != nil {
		return DecryptionKey{}, err
	}
	if q.Model == "" || q.Region == "" {
		return DecryptionKey{}, fmt.Errorf("fwcrypt: model and region are required")
	}
	return DecryptionKey{
		Tag: fus.V2,
		Key: md5.Sum([]byte(q.Region + ":" + q.Model + ":" + version)),
	}, nil
}

func deriveV4(version, logicValue string) (DecryptionKey, error) {
	if logicValue == "" {
		return DecryptionKey{}, fmt.Errorf("%w: %w", fus.ErrProtocol, ErrNoLogicValue)
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return DecryptionKey{}, fmt.Errorf("fwcrypt: firmware version is required")
	}
	check, err := fus.LogicCheck(version, logicValue)
	if err != nil {
		return DecryptionKey{}, err
	}
	return DecryptionKey{
		Tag: fus.V4,
		Key: md5.Sum([]byte(check)),
	}, nil
}
