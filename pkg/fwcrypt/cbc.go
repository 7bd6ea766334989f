package fwcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated is returned when a stream ends in the middle of a cipher block
var ErrTruncated = errors.New("fwcrypt: ciphertext is not a multiple of the block size")

// Decrypter decrypts an AES-CBC stream fed in arbitrarily sized pieces.
// Trailing bytes that do not fill a block are held until more data arrives.
type Decrypter struct {
	block cipher.Block
	chain [aes.BlockSize]byte
	buf   []byte
	n     int64
}

// NewDecrypter creates a Decrypter for key. A nil chain starts at the
// beginning of the archive; otherwise chain must be the last ciphertext block
// consumed before the point the stream resumes at.
func NewDecrypter(key DecryptionKey, chain []byte) (*Decrypter, error) {
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		return nil, err
	}
	d := &Decrypter{block: block}
	switch len(chain) {
	case 0:
		d.chain = key.IV
	case aes.BlockSize:
		copy(d.chain[:], chain)
	default:
		return nil, fmt.Errorf("fwcrypt: invalid chaining block length %d", len(chain))
	}
	return d, nil
}

// Update decrypts as many whole blocks of buffered data plus src as possible
// and returns the plaintext.
func (d *Decrypter) Update(src []byte) []byte {
	d.buf = append(d.buf, src...)
	whole := len(d.buf) - len(d.buf)%aes.BlockSize
	if whole == 0 {
		return nil
	}

	out := make([]byte, whole)
	cipher.NewCBCDecrypter(d.block, d.chain[:]).CryptBlocks(out, d.buf[:whole])
	copy(d.chain[:], d.buf[whole-aes.BlockSize:whole])

	d.buf = append(d.buf[:0], d.buf[whole:]...)
	d.n += int64(whole)
	return out
}

// Chain returns the ciphertext block that seeds the next decryption
func (d *Decrypter) Chain() []byte {
	return bytes.Clone(d.chain[:])
}

// Offset is the number of ciphertext bytes decrypted so far
func (d *Decrypter) Offset() int64 {
	return d.n
}

// Buffered is the number of ciphertext bytes waiting for a full block
func (d *Decrypter) Buffered() int {
	return len(d.buf)
}

// Final reports whether the stream ended on a block boundary
func (d *Decrypter) Final() error {
	if len(d.buf) != 0 {
		return fmt.Errorf("%w (%d trailing bytes)", ErrTruncated, len(d.buf))
	}
	return nil
}

type reader struct {
	r   io.Reader
	d   *Decrypter
	in  []byte
	out []byte
	err error
}

// NewReader returns a reader of the plaintext of the container read from r
func NewReader(r io.Reader, key DecryptionKey) (io.Reader, error) {
	d, err := NewDecrypter(key, nil)
	if err != nil {
		return nil, err
	}
	return &reader{r: r, d: d, in: make([]byte, 64*1024)}, nil
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			if r.err == io.EOF {
				if err := r.d.Final(); err != nil {
					return 0, err
				}
			}
			return 0, r.err
		}
		n, err := r.r.Read(r.in)
		r.out = r.d.Update(r.in[:n])
		r.err = err
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// Encrypt encrypts a block aligned plaintext with key
func Encrypt(key DecryptionKey, plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, ErrTruncated
	}
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, key.IV[:]).CryptBlocks(out, plaintext)
	return out, nil
}
