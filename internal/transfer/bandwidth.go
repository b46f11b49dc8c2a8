package transfer

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/time/rate"
)

// burstMultiplier sets the token bucket size relative to the per-second
// rate, so a short stall can be made up on the next read or write.
const burstMultiplier = 2

// Limiter caps the aggregate throughput of every transfer sharing it. A nil
// *Limiter is valid and means unlimited.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter returns a Limiter for bytesPerSec, or nil when bytesPerSec is
// not positive.
func NewLimiter(bytesPerSec int64, logger *slog.Logger) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// WrapReadSeeker returns a rate-limited view of r that still seeks.
func (l *Limiter) WrapReadSeeker(ctx context.Context, r io.ReadSeeker) io.ReadSeeker {
	if l == nil {
		return r
	}

	return &limitedReadSeeker{ReadSeeker: r, limiter: l.limiter, ctx: ctx}
}

// WrapWriter returns a rate-limited io.Writer.
func (l *Limiter) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	if l == nil {
		return w
	}

	return &limitedWriter{w: w, limiter: l.limiter, ctx: ctx}
}

// limitedReadSeeker blocks after each read until the limiter admits the
// bytes consumed. Seek passes through.
type limitedReadSeeker struct {
	io.ReadSeeker
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *limitedReadSeeker) Read(p []byte) (int, error) {
	n, err := r.ReadSeeker.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

type limitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		if waitErr := waitN(w.ctx, w.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a request larger than the burst, which rate.Limiter.WaitN
// would reject outright.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
