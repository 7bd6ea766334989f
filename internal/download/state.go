package download

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/blacktop/fusdl/pkg/fwcrypt"
)

const (
	partSuffix  = ".part"
	stateSuffix = ".part.state"
)

// PartPath is where the plaintext of dest accumulates during a download
func PartPath(dest string) string { return dest + partSuffix }

// StatePath is where the checkpoint of dest is kept
func StatePath(dest string) string { return dest + stateSuffix }

// Checkpoint is the persisted progress of a download. It identifies the key
// only by fingerprint.
type Checkpoint struct {
	Filename       string         `json:"filename"`
	Size           uint64         `json:"size"`
	CRCExpected    uint32         `json:"crc_expected"`
	Tag            fus.VersionTag `json:"tag"`
	KeyFingerprint string         `json:"key_fingerprint"`
	BytesReceived  int64          `json:"bytes_received"`
	DecryptCursor  int64          `json:"decrypt_cursor"`
	Chain          string         `json:"chain,omitempty"`
	// CRC32 runs over the fetched ciphertext, PlainCRC32 over the output
	CRC32          uint32         `json:"crc32"`
	PlainCRC32     uint32         `json:"plain_crc32"`
}

func newCheckpoint(info *fus.BinaryInfo, key fwcrypt.DecryptionKey) *Checkpoint {
	return &Checkpoint{
		Filename:       info.Filename,
		Size:           info.Size,
		CRCExpected:    info.CRC,
		Tag:            info.Tag,
		KeyFingerprint: key.Fingerprint(),
	}
}

// Matches reports whether the checkpoint was written for the same archive
// and key.
func (c *Checkpoint) Matches(info *fus.BinaryInfo, key fwcrypt.DecryptionKey) bool {
	return c.Filename == info.Filename &&
		c.Size == info.Size &&
		c.CRCExpected == info.CRC &&
		c.Tag == info.Tag &&
		c.KeyFingerprint == key.Fingerprint()
}

func (c *Checkpoint) validate() error {
	if c.DecryptCursor < 0 || uint64(c.DecryptCursor) > c.Size || c.DecryptCursor%16 != 0 {
		return fmt.Errorf("invalid decrypt cursor %d", c.DecryptCursor)
	}
	if c.BytesReceived < c.DecryptCursor {
		return fmt.Errorf("bytes received %d behind decrypt cursor %d", c.BytesReceived, c.DecryptCursor)
	}
	if c.DecryptCursor > 0 {
		if _, err := c.chain(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkpoint) chain() ([]byte, error) {
	if c.Chain == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.Chain)
	if err != nil || len(b) != 16 {
		return nil, fmt.Errorf("invalid chaining block %q", c.Chain)
	}
	return b, nil
}

// LoadCheckpoint reads the checkpoint at path. A missing file is reported with
// an error matching os.ErrNotExist.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %v", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %v", path, err)
	}
	return &c, nil
}

// Save atomically replaces the checkpoint at path
func (c *Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
