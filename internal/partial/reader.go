// Package partial exposes a byte window of a file as if it were the whole
// file, for serving HTTP range requests.
package partial

import (
	"errors"
	"fmt"
	"io"
)

// DefaultWindow is the window length used when the client gave no upper
// bound.
const DefaultWindow int64 = 4 << 20

var (
	// ErrUnsatisfiable means the requested range does not overlap the file.
	ErrUnsatisfiable = errors.New("partial: range not satisfiable")
	// ErrSeekFailed wraps a failed seek of the underlying file.
	ErrSeekFailed = errors.New("partial: seek failed")

	errNegativePosition = errors.New("partial: negative position")
)

// Range is an inclusive byte range. When HasEnd is false, End is ignored
// and the window runs for DefaultWindow bytes.
type Range struct {
	Start  int64
	End    int64
	HasEnd bool
}

// Reader reads and seeks within [start, end] of an underlying file.
// Positions reported by Seek are relative to start.
type Reader struct {
	f     io.ReadSeekCloser
	start int64
	end   int64
	total int64
	pos   int64 // bytes into the window
}

// Open positions f at the start of rng and returns a reader limited to it.
// total is the size of f. The end of the range is clamped to total-1.
// On error f is left open.
func Open(f io.ReadSeekCloser, rng Range, total int64) (*Reader, error) {
	if rng.Start < 0 || rng.Start >= total {
		return nil, fmt.Errorf("%w: start %d, size %d", ErrUnsatisfiable, rng.Start, total)
	}
	end := rng.End
	if !rng.HasEnd {
		end = rng.Start + DefaultWindow - 1
	} else if end < rng.Start {
		return nil, fmt.Errorf("%w: end %d before start %d", ErrUnsatisfiable, end, rng.Start)
	}
	end = min(end, total-1)

	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSeekFailed, err)
	}
	return &Reader{f: f, start: rng.Start, end: end, total: total}, nil
}

// Read reads from the window. At the end of the window it returns io.EOF
// even if the file continues.
func (r *Reader) Read(p []byte) (int, error) {
	left := r.Len() - r.pos
	if left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > left {
		p = p[:left]
	}
	n, err := r.f.Read(p)
	r.pos += int64(n)
	return n, err
}

// Seek moves within the window. io.SeekStart and io.SeekCurrent work as
// usual. io.SeekEnd is relative to the last byte of the window, so
// Seek(0, io.SeekEnd) lands on that byte rather than past it.
// The returned offset is relative to the window start.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = r.start + offset
	case io.SeekCurrent:
		abs = r.start + r.pos + offset
	case io.SeekEnd:
		abs = r.end + offset
	default:
		return 0, fmt.Errorf("partial: invalid whence %d", whence)
	}
	if abs < r.start {
		return 0, errNegativePosition
	}

	got, err := r.f.Seek(abs, io.SeekStart)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSeekFailed, err)
	}
	r.pos = got - r.start
	return r.pos, nil
}

// Start is the absolute offset of the first byte of the window.
func (r *Reader) Start() int64 { return r.start }

// End is the absolute offset of the last byte of the window.
func (r *Reader) End() int64 { return r.end }

// Total is the size of the whole file.
func (r *Reader) Total() int64 { return r.total }

// Len is the window length, end - start + 1.
func (r *Reader) Len() int64 { return r.end - r.start + 1 }

// ContentRange formats the window for a Content-Range response header.
func (r *Reader) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, r.total)
}

func (r *Reader) Close() error {
	return r.f.Close()
}
