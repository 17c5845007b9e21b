package httpserver

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const minBurst = 32 << 10

// throttledWriter caps the throughput of a single response.
type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

// throttle wraps w so it writes at most bytesPerSec. Zero disables the cap.
func throttle(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(max(bytesPerSec, minBurst))
	return &throttledWriter{ctx: ctx, w: w, lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		chunk := min(len(p), t.lim.Burst())
		if err := t.lim.WaitN(t.ctx, chunk); err != nil {
			return written, err
		}
		n, err := t.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
