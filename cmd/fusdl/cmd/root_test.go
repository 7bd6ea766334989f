package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/blacktop/fusdl/pkg/fwcrypt"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, 0},
		{"unclassified", errors.New("boom"), 1},
		{"network", fmt.Errorf("%w: reset", fus.ErrNetwork), 2},
		{"server", &fus.ServerError{Status: 503}, 2},
		{"auth", &fus.ServerError{Status: 401}, 3},
		{"protocol", fus.ErrProtocol, 3},
		{"not found", fmt.Errorf("resolve: %w", fus.ErrNotFound), 4},
		{"parse", fus.ErrParse, 5},
		{"integrity", &fus.IntegrityError{Path: "x.part", Expected: 1, Actual: 2}, 6},
		{"io", fus.Classify(fus.ErrIO, os.ErrPermission), 7},
		{"interrupted", fmt.Errorf("%w: context canceled", fus.ErrInterrupted), 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseCRC(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{in: "DEADBEEF", want: 0xdeadbeef},
		{in: "0x0000abcd", want: 0xabcd},
		{in: " 1234 ", want: 0x1234},
		{in: "123456789", wantErr: true},
		{in: "xyz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseCRC(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCRC(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseCRC(%q) = %X, want %X", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecryptStream(t *testing.T) {
	q := fus.DeviceQuery{Model: "SM-G991B", Region: "EUX", Version: "G991BXXU5CVF3/G991BOXM5CVF3"}
	key, err := fwcrypt.DeriveKey(fus.V2, q, "")
	if err != nil {
		t.Fatal(err)
	}
	plain := bytes.Repeat([]byte("firmware-archive"), 10000)
	enc, err := fwcrypt.Encrypt(key, plain)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	in := filepath.Join(dir, "fw.zip.enc2")
	if err := os.WriteFile(in, enc, 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "fw.zip")
	crc, err := decryptStream(in, out, key)
	if err != nil {
		t.Fatalf("decryptStream() error = %v", err)
	}
	if crc != crc32.ChecksumIEEE(plain) {
		t.Errorf("decryptStream() crc = %08X, want %08X", crc, crc32.ChecksumIEEE(plain))
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("decrypted output differs from plaintext")
	}

	if err := os.WriteFile(in, enc[:len(enc)-3], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := decryptStream(in, out, key); !errors.Is(err, fus.ErrProtocol) {
		t.Errorf("truncated input error = %v, want %v", err, fus.ErrProtocol)
	}
}

func TestNewQuery(t *testing.T) {
	q := newQuery(" sm-g991b ", "eux", " G991BXXU5CVF3/G991BOXM5CVF3 ", "")
	if q.Model != "SM-G991B" || q.Region != "EUX" || q.Version != "G991BXXU5CVF3/G991BOXM5CVF3" {
		t.Errorf("newQuery() = %+v", q)
	}

	// the V2 key hashes identifiers byte for byte, so user input is normalized first
	want, _ := fwcrypt.DeriveKey(fus.V2, fus.DeviceQuery{Model: "SM-G991B", Region: "EUX", Version: q.Version}, "")
	got, err := fwcrypt.DeriveKey(fus.V2, q, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("key of normalized query differs")
	}
}
