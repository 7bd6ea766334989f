package download

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/fusdl/internal/utils"
	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/blacktop/fusdl/pkg/fwcrypt"
	"github.com/pkg/errors"
	"gopkg.in/retry.v1"
)

const (
	// DefaultRetries is the number of attempts made for transient failures
	DefaultRetries = 5
	// DefaultRetryDelay is the backoff before the first retry
	DefaultRetryDelay = 500 * time.Millisecond
)

// Options tunes an Operation
type Options struct {
	Workers    int
	ChunkSize  int64
	LimitRate  int64
	Retries    int
	RetryDelay time.Duration
	// Resume continues a matching checkpoint left by an earlier run
	Resume   bool
	Progress func(done, total int64)
}

// Operation downloads one firmware archive. It owns its session; a session
// the service rejects is dropped and a fresh handshake made.
type Operation struct {
	Transport *fus.Transport
	Keys      *fus.Keys
	Query     fus.DeviceQuery
	Options   Options

	stage   atomic.Int32
	session *fus.Session
	info    *fus.BinaryInfo
}

// Stage returns the current lifecycle stage
func (o *Operation) Stage() Stage {
	return Stage(o.stage.Load())
}

func (o *Operation) setStage(s Stage) {
	if Stage(o.stage.Swap(int32(s))) != s {
		log.WithField("stage", s).Debug("operation stage")
	}
}

func (o *Operation) strategy() retry.Strategy {
	retries := o.Options.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	delay := o.Options.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return retry.LimitCount(retries, retry.Exponential{
		Initial: delay,
		Factor:  2,
	})
}

func (o *Operation) handshake(ctx context.Context) error {
	if o.session != nil {
		return nil
	}
	o.setStage(StageHandshaking)
	s, err := fus.StartSession(ctx, o.Transport, o.Keys)
	if err != nil {
		return errors.Wrap(err, "handshake failed")
	}
	o.session = s
	return nil
}

func (o *Operation) resolve(ctx context.Context) error {
	if err := o.handshake(ctx); err != nil {
		return err
	}
	o.setStage(StageResolving)
	if o.Query.Version == "" {
		v, err := fus.LatestVersion(ctx, o.Transport, o.Query.Model, o.Query.Region)
		if err != nil {
			return err
		}
		utils.Indent(log.WithField("version", v).Info, 2)("Using latest firmware")
		o.Query.Version = v
	}
	info, err := fus.NewResolver(o.Transport).Resolve(ctx, o.session, o.Query)
	if err != nil {
		return err
	}
	o.info = info
	return nil
}

// do runs f until it succeeds, fails permanently or runs out of attempts
func (o *Operation) do(ctx context.Context, f func() error) error {
	var err error
	for attempt := retry.Start(o.strategy(), nil); attempt.Next(); {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%w: %w", fus.ErrInterrupted, cerr)
		}
		if err = f(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			if !errors.Is(err, fus.ErrInterrupted) {
				err = fmt.Errorf("%w: %w", fus.ErrInterrupted, ctx.Err())
			}
			return err
		}
		switch {
		case fus.NeedsHandshake(err):
			o.session = nil
		case fus.Retryable(err):
		default:
			return err
		}
		if attempt.More() {
			utils.Indent(log.WithError(err).WithField("attempt", attempt.Count()).Warn, 2)("Retrying")
		}
	}
	return err
}

func (o *Operation) finish(err error) error {
	switch {
	case err == nil:
		o.setStage(StageDone)
	case errors.Is(err, fus.ErrInterrupted):
		o.setStage(StagePaused)
	default:
		o.setStage(StageFailed)
	}
	return err
}

// Info performs the handshake and resolves the firmware descriptor only
func (o *Operation) Info(ctx context.Context) (*fus.BinaryInfo, error) {
	if err := o.finish(o.do(ctx, func() error { return o.resolve(ctx) })); err != nil {
		return nil, err
	}
	return o.info, nil
}

// Run downloads and decrypts the firmware to dest. When dest is empty the
// archive name without its container suffix is used.
func (o *Operation) Run(ctx context.Context, dest string) (*fus.BinaryInfo, error) {
	resume := o.Options.Resume
	err := o.do(ctx, func() error {
		if err := o.resolve(ctx); err != nil {
			return err
		}
		if dest == "" {
			dest = o.info.DecryptedName()
		}

		if err := fus.NewResolver(o.Transport).InitDownload(ctx, o.session, o.info); err != nil {
			return err
		}
		key, err := fwcrypt.KeyFor(o.info)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"tag":         o.info.Tag,
			"fingerprint": key.Fingerprint(),
		}).Debug("derived decryption key")

		p := &Pipeline{
			Fetcher:   NewRangeFetcher(o.Transport, o.session, o.info),
			ChunkSize: o.Options.ChunkSize,
			Workers:   o.Options.Workers,
			LimitRate: o.Options.LimitRate,
			Progress:  o.Options.Progress,
			OnStage:   o.setStage,
		}
		err = p.Run(ctx, o.info, key, dest, resume)
		// later attempts continue from the checkpoint this one left
		resume = true
		return err
	})
	if err := o.finish(err); err != nil {
		return o.info, err
	}
	return o.info, nil
}
