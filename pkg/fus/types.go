package fus

import (
	"fmt"
	"path"
	"strings"
)

// VersionTag identifies the container encryption scheme of a firmware archive
type VersionTag uint8

const (
	// V2 archives (.enc2) use a key derived from the device identifiers only
	V2 VersionTag = 2
	// V4 archives (.enc4) use a key derived from the logic value BinaryInform returns
	V4 VersionTag = 4
)

func (t VersionTag) String() string {
	switch t {
	case V2:
		return "V2"
	case V4:
		return "V4"
	}
	return fmt.Sprintf("VersionTag(%d)", uint8(t))
}

// Extension returns the archive suffix of the scheme
func (t VersionTag) Extension() string {
	return fmt.Sprintf(".enc%d", uint8(t))
}

// TagFromFilename determines the scheme from an archive filename
func TagFromFilename(name string) (VersionTag, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".enc2":
		return V2, nil
	case ".enc4":
		return V4, nil
	}
	return 0, fmt.Errorf("%w: unknown container extension in %q", ErrParse, name)
}

// DeviceQuery identifies the firmware to look up
type DeviceQuery struct {
	Model   string
	Region  string
	Version string
	// IMEI is optional; newer service builds require it for BinaryInform
	IMEI string
}

func (q DeviceQuery) String() string {
	return fmt.Sprintf("%s/%s/%s", q.Model, q.Region, q.Version)
}

// BinaryInfo is the descriptor the service returns for a firmware archive
type BinaryInfo struct {
	Filename string
	Size     uint64
	CRC      uint32
	Tag      VersionTag
	Path     string
	// LatestVersion and LogicValue key V4 archives
	LatestVersion string
	LogicValue    string

	Model        string
	Region       string
	Version      string
	DisplayName  string
	Platform     string
	OSVersion    string
	LastModified string
}

// DecryptedName is the archive filename without its container suffix
func (i *BinaryInfo) DecryptedName() string {
	base := path.Base(i.Filename)
	ext := path.Ext(base)
	if strings.HasPrefix(strings.ToLower(ext), ".enc") {
		return strings.TrimSuffix(base, ext)
	}
	return base
}
