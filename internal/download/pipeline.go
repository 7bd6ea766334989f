package download

import (
	"context"
	"crypto/aes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/fusdl/internal/utils"
	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/blacktop/fusdl/pkg/fwcrypt"
	"github.com/dustin/go-humanize"
	"github.com/juju/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkSize is the size of one ranged request
	DefaultChunkSize = 1 << 20
	// DefaultWorkers is the number of concurrent ranged requests
	DefaultWorkers = 4
	// MaxWorkers bounds Workers
	MaxWorkers = 16
)

// Pipeline fetches an encrypted archive in parallel chunks, decrypts it in
// order and writes the plaintext to disk, checkpointing after every chunk.
type Pipeline struct {
	Fetcher   Fetcher
	ChunkSize int64
	Workers   int
	// LimitRate caps the combined fetch rate in bytes/s (0 = unlimited)
	LimitRate int64
	Progress  func(done, total int64)
	OnStage   func(Stage)
}

type chunk struct {
	off int64
	n   int64
}

func (p *Pipeline) stage(s Stage) {
	if p.OnStage != nil {
		p.OnStage(s)
	}
}

func (p *Pipeline) progress(done, total int64) {
	if p.Progress != nil {
		p.Progress(done, total)
	}
}

func (p *Pipeline) config() (int64, int, error) {
	chunkSize := p.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize%aes.BlockSize != 0 {
		return 0, 0, fmt.Errorf("chunk size %d is not a positive multiple of %d", chunkSize, aes.BlockSize)
	}
	workers := p.Workers
	if workers == 0 {
		workers = DefaultWorkers
	}
	if workers < 1 || workers > MaxWorkers {
		return 0, 0, fmt.Errorf("workers must be between 1 and %d (got %d)", MaxWorkers, workers)
	}
	return chunkSize, workers, nil
}

// resumeFrom returns the checkpoint to continue from, or a fresh one when
// there is nothing usable on disk.
func resumeFrom(dest string, info *fus.BinaryInfo, key fwcrypt.DecryptionKey) *Checkpoint {
	fresh := newCheckpoint(info, key)

	cp, err := LoadCheckpoint(StatePath(dest))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("ignoring unreadable checkpoint")
		}
		return fresh
	}
	if !cp.Matches(info, key) {
		log.WithFields(log.Fields{
			"file":        cp.Filename,
			"fingerprint": cp.KeyFingerprint,
		}).Warn("checkpoint belongs to another archive or key, restarting")
		return fresh
	}
	if uint64(cp.DecryptCursor) == cp.Size && cp.CRC32 != cp.CRCExpected {
		log.WithField("crc32", fmt.Sprintf("%08X", cp.CRC32)).Warn("previous download failed verification, restarting")
		return fresh
	}
	fi, err := os.Stat(PartPath(dest))
	if err != nil || fi.Size() < cp.DecryptCursor {
		log.Warn("partial output is missing or shorter than the checkpoint, restarting")
		return fresh
	}
	return cp
}

// Run downloads info to dest. With resume set a matching checkpoint is
// continued from its decrypt cursor; otherwise any previous state is discarded.
func (p *Pipeline) Run(ctx context.Context, info *fus.BinaryInfo, key fwcrypt.DecryptionKey, dest string, resume bool) error {
	chunkSize, workers, err := p.config()
	if err != nil {
		return err
	}
	if p.Fetcher == nil {
		return fmt.Errorf("pipeline has no fetcher")
	}
	size := int64(info.Size)
	if size <= 0 || size%aes.BlockSize != 0 {
		return fmt.Errorf("%w: archive size %d is not a positive multiple of %d", fus.ErrProtocol, size, aes.BlockSize)
	}
	if key.Tag != info.Tag {
		return fmt.Errorf("%s key cannot decrypt a %s archive", key.Tag, info.Tag)
	}

	cp := newCheckpoint(info, key)
	if resume {
		cp = resumeFrom(dest, info, key)
	}
	chain, err := cp.chain()
	if err != nil {
		return err
	}

	part, err := os.OpenFile(PartPath(dest), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fus.Classify(fus.ErrIO, err)
	}
	defer part.Close()
	if err := part.Truncate(cp.DecryptCursor); err != nil {
		return fus.Classify(fus.ErrIO, err)
	}
	if err := cp.Save(StatePath(dest)); err != nil {
		return fus.Classify(fus.ErrIO, err)
	}

	dec, err := fwcrypt.NewDecrypter(key, chain)
	if err != nil {
		return err
	}

	if cp.DecryptCursor > 0 {
		utils.Indent(log.WithFields(log.Fields{
			"offset": humanize.IBytes(uint64(cp.DecryptCursor)),
			"total":  humanize.IBytes(info.Size),
		}).Info, 2)("Resuming download")
	}

	var chunks []chunk
	for off := cp.DecryptCursor; off < size; off += chunkSize {
		chunks = append(chunks, chunk{off: off, n: min(chunkSize, size-off)})
	}

	var bucket *ratelimit.Bucket
	if p.LimitRate > 0 {
		bucket = ratelimit.NewBucketWithRate(float64(p.LimitRate), 2*p.LimitRate)
	}

	p.stage(StageDownloading)
	p.progress(cp.DecryptCursor, size)

	g, gctx := errgroup.WithContext(ctx)
	results := make([]chan []byte, len(chunks))
	for i := range results {
		results[i] = make(chan []byte, 1)
	}
	tokens := make(chan struct{}, 2*workers)
	queue := make(chan int)

	g.Go(func() error {
		defer close(queue)
		for i := range chunks {
			select {
			case tokens <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case queue <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range queue {
				data, err := p.fetch(gctx, chunks[i], bucket)
				if err != nil {
					return err
				}
				results[i] <- data
			}
			return nil
		})
	}

	g.Go(func() error {
		for i, c := range chunks {
			// only stop on a chunk boundary
			if err := ctx.Err(); err != nil {
				return err
			}
			var data []byte
			select {
			case data = <-results[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			<-tokens

			cp.CRC32 = crc32.Update(cp.CRC32, crc32.IEEETable, data)
			plain := dec.Update(data)
			if _, err := part.Write(plain); err != nil {
				return fus.Classify(fus.ErrIO, err)
			}
			cp.PlainCRC32 = crc32.Update(cp.PlainCRC32, crc32.IEEETable, plain)
			cp.DecryptCursor = c.off + c.n
			cp.BytesReceived = cp.DecryptCursor
			cp.Chain = hex.EncodeToString(dec.Chain())
			if err := cp.Save(StatePath(dest)); err != nil {
				return fus.Classify(fus.ErrIO, err)
			}
			p.progress(cp.DecryptCursor, size)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			p.stage(StagePaused)
			utils.Indent(log.WithField("offset", humanize.IBytes(uint64(cp.DecryptCursor))).Warn, 2)("Download paused")
			return fmt.Errorf("%w: %w", fus.ErrInterrupted, ctx.Err())
		}
		return err
	}

	return p.verify(part, dec, cp, dest)
}

// fetch reads one whole chunk
func (p *Pipeline) fetch(ctx context.Context, c chunk, bucket *ratelimit.Bucket) ([]byte, error) {
	body, err := p.Fetcher.Fetch(ctx, c.off, c.n)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var r io.Reader = body
	if bucket != nil {
		r = ratelimit.Reader(body, bucket)
	}
	buf := make([]byte, c.n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fus.Classify(fus.ErrNetwork, err)
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: range %d+%d returned more data than requested", fus.ErrProtocol, c.off, c.n)
	}
	return buf, nil
}

func (p *Pipeline) verify(part *os.File, dec *fwcrypt.Decrypter, cp *Checkpoint, dest string) error {
	p.stage(StageVerifying)

	if err := dec.Final(); err != nil {
		return fmt.Errorf("%w: %w", fus.ErrProtocol, err)
	}
	if err := part.Sync(); err != nil {
		return fus.Classify(fus.ErrIO, err)
	}
	if err := part.Close(); err != nil {
		return fus.Classify(fus.ErrIO, err)
	}

	// BINARY_CRC covers the encrypted archive
	if cp.CRC32 != cp.CRCExpected {
		utils.Indent(log.WithFields(log.Fields{
			"expected": fmt.Sprintf("%08X", cp.CRCExpected),
			"actual":   fmt.Sprintf("%08X", cp.CRC32),
		}).Error, 3)("BAD CHECKSUM")
		return &fus.IntegrityError{Path: PartPath(dest), Expected: cp.CRCExpected, Actual: cp.CRC32}
	}

	if err := os.Rename(PartPath(dest), dest); err != nil {
		return fus.Classify(fus.ErrIO, err)
	}
	if err := os.Remove(StatePath(dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fus.Classify(fus.ErrIO, err)
	}

	log.WithField("crc32", fmt.Sprintf("%08X", cp.PlainCRC32)).Debug("decrypted archive")
	p.stage(StageDone)
	return nil
}
