package embedding

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Observer receives the latency and outcome of every inference.
type Observer interface {
	ObserveInference(d time.Duration, err error)
}

// Pool runs a Provider on a bounded number of inference slots, off the
// request goroutine. A call waits at most timeout, for a slot and for the
// result together. On expiry the computation keeps its slot until it
// finishes and the result is dropped.
type Pool struct {
	next     Provider
	slots    *semaphore.Weighted
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer
}

// NewPool bounds next to workers concurrent inferences.
func NewPool(next Provider, workers int, timeout time.Duration, logger *zap.Logger, observer Observer) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		next:     next,
		slots:    semaphore.NewWeighted(int64(workers)),
		timeout:  timeout,
		logger:   logger.Named("inference_pool"),
		observer: observer,
	}
}

type outcome struct {
	res *Result
	err error
}

// Embed implements Provider.
func (p *Pool) Embed(ctx context.Context, imageBytes []byte) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.slots.Acquire(ctx, 1); err != nil {
		p.observe(start, err)
		return nil, inferenceFailure(err, "inference capacity exhausted, try again shortly")
	}

	done := make(chan outcome, 1)
	go func() {
		defer p.slots.Release(1)
		res, err := p.next.Embed(context.WithoutCancel(ctx), imageBytes)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		p.observe(start, out.err)
		return out.res, out.err
	case <-ctx.Done():
		err := ctx.Err()
		p.observe(start, err)
		p.logger.Warn("inference abandoned", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, inferenceFailure(err, "inference timed out")
		}
		return nil, inferenceFailure(err, "inference cancelled")
	}
}

func (p *Pool) observe(start time.Time, err error) {
	if p.observer != nil {
		p.observer.ObserveInference(time.Since(start), err)
	}
}

// Warmup runs one inference on a synthetic textured image so model
// loading cost is paid at startup instead of on the first request.
func Warmup(ctx context.Context, provider Provider) error {
	_, err := provider.Embed(ctx, warmupImage())
	return err
}
