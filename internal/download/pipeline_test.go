package download

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/blacktop/fusdl/pkg/fwcrypt"
)

type memFetcher struct {
	data  []byte
	short bool
	long  bool

	mu      sync.Mutex
	offsets []int64
}

func (m *memFetcher) Fetch(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	m.offsets = append(m.offsets, offset)
	m.mu.Unlock()

	b := bytes.Clone(m.data[offset : offset+length])
	if m.short {
		b = b[:len(b)-1]
	}
	if m.long {
		b = append(b, 0)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memFetcher) minOffset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo := int64(-1)
	for _, o := range m.offsets {
		if lo < 0 || o < lo {
			lo = o
		}
	}
	return lo
}

type fixture struct {
	plain []byte
	key   fwcrypt.DecryptionKey
	info  *fus.BinaryInfo
	ct    []byte
	dest  string
}

func newFixture(t *testing.T, size int) *fixture {
	t.Helper()
	plain := make([]byte, size)
	rand.New(rand.NewSource(1)).Read(plain)
	key, err := fwcrypt.DeriveKey(fus.V2, fus.DeviceQuery{
		Model:   "SM-G991B",
		Region:  "EUX",
		Version: "G991BXXU5CVF3/G991BOXM5CVF3",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	ct, err := fwcrypt.Encrypt(key, plain)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		plain: plain,
		key:   key,
		ct:    ct,
		info: &fus.BinaryInfo{
			Filename: "fw.zip.enc2",
			Size:     uint64(size),
			CRC:      crc32.ChecksumIEEE(ct),
			Tag:      fus.V2,
		},
		dest: filepath.Join(t.TempDir(), "fw.zip"),
	}
}

func (f *fixture) checkDone(t *testing.T) {
	t.Helper()
	got, err := os.ReadFile(f.dest)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if !bytes.Equal(got, f.plain) {
		t.Errorf("output differs from plaintext")
	}
	for _, p := range []string{PartPath(f.dest), StatePath(f.dest)} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s left behind", filepath.Base(p))
		}
	}
}

func TestPipelineRun(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int64
		workers   int
	}{
		{name: "single chunk", size: 4096, chunkSize: 8192, workers: 1},
		{name: "aligned chunks", size: 64 * 1024, chunkSize: 4096, workers: 4},
		{name: "short last chunk", size: 64*1024 + 48, chunkSize: 4096, workers: 3},
		{name: "max workers", size: 256 * 1024, chunkSize: 1024, workers: MaxWorkers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.size)
			var last int64
			var stages []Stage
			p := &Pipeline{
				Fetcher:   &memFetcher{data: f.ct},
				ChunkSize: tt.chunkSize,
				Workers:   tt.workers,
				Progress: func(done, total int64) {
					if done < last || total != int64(tt.size) {
						t.Errorf("progress went from %d to %d/%d", last, done, total)
					}
					last = done
				},
				OnStage: func(s Stage) { stages = append(stages, s) },
			}
			if err := p.Run(context.Background(), f.info, f.key, f.dest, false); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			f.checkDone(t)
			if last != int64(tt.size) {
				t.Errorf("final progress = %d, want %d", last, tt.size)
			}
			want := []Stage{StageDownloading, StageVerifying, StageDone}
			if len(stages) != len(want) {
				t.Fatalf("stages = %v, want %v", stages, want)
			}
			for i := range want {
				if stages[i] != want[i] {
					t.Errorf("stages = %v, want %v", stages, want)
				}
			}
		})
	}
}

func TestPipelineInterruptResume(t *testing.T) {
	f := newFixture(t, 128*1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &Pipeline{
		Fetcher:   &memFetcher{data: f.ct},
		ChunkSize: 4096,
		Workers:   2,
		Progress: func(done, total int64) {
			if done >= total/2 {
				cancel()
			}
		},
	}
	err := first.Run(ctx, f.info, f.key, f.dest, false)
	if !errors.Is(err, fus.ErrInterrupted) {
		t.Fatalf("Run() error = %v, want %v", err, fus.ErrInterrupted)
	}

	cp, err := LoadCheckpoint(StatePath(f.dest))
	if err != nil {
		t.Fatalf("no checkpoint after interruption: %v", err)
	}
	if cp.DecryptCursor < int64(len(f.ct))/2 || cp.DecryptCursor == int64(len(f.ct)) {
		t.Fatalf("checkpoint cursor = %d", cp.DecryptCursor)
	}
	fi, err := os.Stat(PartPath(f.dest))
	if err != nil || fi.Size() != cp.DecryptCursor {
		t.Fatalf("partial output does not end at the checkpoint cursor")
	}
	part, _ := os.ReadFile(PartPath(f.dest))
	if !bytes.Equal(part, f.plain[:cp.DecryptCursor]) {
		t.Fatalf("partial output differs from plaintext prefix")
	}

	// bytes written after the checkpoint (e.g. by a crash) are discarded
	pf, _ := os.OpenFile(PartPath(f.dest), os.O_APPEND|os.O_WRONLY, 0644)
	pf.Write([]byte("garbage past the cursor"))
	pf.Close()

	fetcher := &memFetcher{data: f.ct}
	second := &Pipeline{Fetcher: fetcher, ChunkSize: 4096, Workers: 4}
	if err := second.Run(context.Background(), f.info, f.key, f.dest, true); err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	f.checkDone(t)
	if lo := fetcher.minOffset(); lo != cp.DecryptCursor {
		t.Errorf("resume fetched from offset %d, want %d", lo, cp.DecryptCursor)
	}
}

func TestPipelineResumeIdempotent(t *testing.T) {
	f := newFixture(t, 64*1024)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		Fetcher:   &memFetcher{data: f.ct},
		ChunkSize: 4096,
		Workers:   1,
		Progress: func(done, total int64) {
			if done >= 5*4096 {
				cancel()
			}
		},
	}
	if err := p.Run(ctx, f.info, f.key, f.dest, false); !errors.Is(err, fus.ErrInterrupted) {
		t.Fatalf("Run() error = %v, want %v", err, fus.ErrInterrupted)
	}
	cancel()

	// interrupt the resumed run again before it makes progress, then resume
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	again := &Pipeline{Fetcher: &memFetcher{data: f.ct}, ChunkSize: 4096, Workers: 1}
	if err := again.Run(ctx2, f.info, f.key, f.dest, true); !errors.Is(err, fus.ErrInterrupted) {
		t.Fatalf("Run() error = %v, want %v", err, fus.ErrInterrupted)
	}

	final := &Pipeline{Fetcher: &memFetcher{data: f.ct}, ChunkSize: 8192, Workers: 3}
	if err := final.Run(context.Background(), f.info, f.key, f.dest, true); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	f.checkDone(t)
}

func TestPipelineRestartsOnKeyChange(t *testing.T) {
	f := newFixture(t, 32*1024)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		Fetcher:   &memFetcher{data: f.ct},
		ChunkSize: 4096,
		Workers:   1,
		Progress: func(done, total int64) {
			if done >= 4096 {
				cancel()
			}
		},
	}
	if err := p.Run(ctx, f.info, f.key, f.dest, false); !errors.Is(err, fus.ErrInterrupted) {
		t.Fatalf("Run() error = %v, want %v", err, fus.ErrInterrupted)
	}

	// a checkpoint made under another key cannot be continued
	cp, _ := LoadCheckpoint(StatePath(f.dest))
	cp.KeyFingerprint = "ffffffffffffffff"
	if err := cp.Save(StatePath(f.dest)); err != nil {
		t.Fatal(err)
	}

	fetcher := &memFetcher{data: f.ct}
	again := &Pipeline{Fetcher: fetcher, ChunkSize: 4096, Workers: 2}
	if err := again.Run(context.Background(), f.info, f.key, f.dest, true); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	f.checkDone(t)
	if lo := fetcher.minOffset(); lo != 0 {
		t.Errorf("restart fetched from offset %d, want 0", lo)
	}
}

func TestPipelineCorruption(t *testing.T) {
	f := newFixture(t, 64*1024)
	f.ct[40000] ^= 0x01

	p := &Pipeline{Fetcher: &memFetcher{data: f.ct}, ChunkSize: 4096, Workers: 4}
	err := p.Run(context.Background(), f.info, f.key, f.dest, false)
	if !errors.Is(err, fus.ErrIntegrity) {
		t.Fatalf("Run() error = %v, want %v", err, fus.ErrIntegrity)
	}
	var ie *fus.IntegrityError
	if !errors.As(err, &ie) || ie.Expected != f.info.CRC || ie.Actual == ie.Expected {
		t.Errorf("Run() error = %#v", err)
	}
	if ie != nil && ie.Actual != crc32.ChecksumIEEE(f.ct) {
		t.Errorf("IntegrityError.Actual = %08X, want the CRC32 of the fetched ciphertext", ie.Actual)
	}
	if _, err := os.Stat(f.dest); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("corrupt output was published")
	}
	for _, path := range []string{PartPath(f.dest), StatePath(f.dest)} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s not retained: %v", filepath.Base(path), err)
		}
	}
}

func TestPipelineRestartsAfterFailedVerification(t *testing.T) {
	f := newFixture(t, 64*1024)
	clean := bytes.Clone(f.ct)
	f.ct[40000] ^= 0x01

	p := &Pipeline{Fetcher: &memFetcher{data: f.ct}, ChunkSize: 4096, Workers: 4}
	if err := p.Run(context.Background(), f.info, f.key, f.dest, false); !errors.Is(err, fus.ErrIntegrity) {
		t.Fatalf("Run() error = %v, want %v", err, fus.ErrIntegrity)
	}
	cp, err := LoadCheckpoint(StatePath(f.dest))
	if err != nil {
		t.Fatalf("no checkpoint after failed verification: %v", err)
	}
	if cp.DecryptCursor != int64(len(f.ct)) || cp.CRC32 == cp.CRCExpected {
		t.Fatalf("checkpoint = %+v", cp)
	}

	// resuming a fully fetched but bad archive fetches it again
	fetcher := &memFetcher{data: clean}
	again := &Pipeline{Fetcher: fetcher, ChunkSize: 4096, Workers: 4}
	if err := again.Run(context.Background(), f.info, f.key, f.dest, true); err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	f.checkDone(t)
	if lo := fetcher.minOffset(); lo != 0 {
		t.Errorf("resume fetched from offset %d, want 0", lo)
	}
}

func TestPipelineResumeVerifiedArchive(t *testing.T) {
	f := newFixture(t, 16*1024)
	p := &Pipeline{Fetcher: &memFetcher{data: f.ct}, ChunkSize: 4096, Workers: 2}
	if err := p.Run(context.Background(), f.info, f.key, f.dest, false); err != nil {
		t.Fatal(err)
	}

	// a crash between verification and rename leaves a complete, good checkpoint
	if err := os.Rename(f.dest, PartPath(f.dest)); err != nil {
		t.Fatal(err)
	}
	cp := newCheckpoint(f.info, f.key)
	cp.DecryptCursor = int64(len(f.ct))
	cp.BytesReceived = cp.DecryptCursor
	cp.Chain = hex.EncodeToString(f.ct[len(f.ct)-16:])
	cp.CRC32 = f.info.CRC
	if err := cp.Save(StatePath(f.dest)); err != nil {
		t.Fatal(err)
	}

	fetcher := &memFetcher{data: f.ct}
	again := &Pipeline{Fetcher: fetcher, ChunkSize: 4096, Workers: 2}
	if err := again.Run(context.Background(), f.info, f.key, f.dest, true); err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	f.checkDone(t)
	if lo := fetcher.minOffset(); lo != -1 {
		t.Errorf("resume of a complete archive fetched from offset %d", lo)
	}
}

func TestPipelineBadBodies(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *memFetcher
		wantErr error
	}{
		{name: "short body", fetcher: &memFetcher{short: true}, wantErr: fus.ErrNetwork},
		{name: "long body", fetcher: &memFetcher{long: true}, wantErr: fus.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 16*1024)
			tt.fetcher.data = f.ct
			p := &Pipeline{Fetcher: tt.fetcher, ChunkSize: 4096, Workers: 2}
			if err := p.Run(context.Background(), f.info, f.key, f.dest, false); !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPipelineConfig(t *testing.T) {
	f := newFixture(t, 4096)
	tests := []struct {
		name string
		p    Pipeline
	}{
		{name: "unaligned chunk", p: Pipeline{Fetcher: &memFetcher{data: f.ct}, ChunkSize: 1000}},
		{name: "too many workers", p: Pipeline{Fetcher: &memFetcher{data: f.ct}, Workers: MaxWorkers + 1}},
		{name: "negative workers", p: Pipeline{Fetcher: &memFetcher{data: f.ct}, Workers: -1}},
		{name: "no fetcher", p: Pipeline{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Run(context.Background(), f.info, f.key, f.dest, false); err == nil {
				t.Errorf("Run() accepted an invalid pipeline")
			}
		})
	}

	wrongTag := *f.info
	wrongTag.Tag = fus.V4
	p := &Pipeline{Fetcher: &memFetcher{data: f.ct}}
	if err := p.Run(context.Background(), &wrongTag, f.key, f.dest, false); err == nil {
		t.Errorf("Run() accepted a key for another container version")
	}
}

func TestFileFetcher(t *testing.T) {
	f := newFixture(t, 32*1024)
	src := filepath.Join(t.TempDir(), f.info.Filename)
	if err := os.WriteFile(src, f.ct, 0644); err != nil {
		t.Fatal(err)
	}
	ff, err := NewFileFetcher(src)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()

	p := &Pipeline{Fetcher: ff, ChunkSize: 4096, Workers: 2}
	if err := p.Run(context.Background(), f.info, f.key, f.dest, false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	f.checkDone(t)

	if _, err := ff.Fetch(context.Background(), ff.Size()-16, 32); !errors.Is(err, fus.ErrProtocol) {
		t.Errorf("Fetch() past the end error = %v, want %v", err, fus.ErrProtocol)
	}
	if _, err := NewFileFetcher(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, fus.ErrIO) {
		t.Errorf("NewFileFetcher() error = %v, want %v", err, fus.ErrIO)
	}
}
