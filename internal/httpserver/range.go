package httpserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"whatcloud/internal/partial"
)

var (
	// errNoRange means the header is absent or not a bytes range; the
	// request is served whole.
	errNoRange    = errors.New("no byte range")
	errMultiRange = errors.New("multiple ranges not supported")
)

// parseRange reads a single-range Range header against a file of size
// total:
//
//	bytes=<start>-<end>
//	bytes=<start>-
//	bytes=-<suffix>
//
// A suffix range becomes an explicit window over the last bytes of the
// file. Ranges that cannot be satisfied wrap partial.ErrUnsatisfiable.
func parseRange(v string, total int64) (partial.Range, error) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes=") {
		return partial.Range{}, errNoRange
	}
	set := strings.TrimSpace(strings.TrimPrefix(v, "bytes="))
	if strings.Contains(set, ",") {
		return partial.Range{}, errMultiRange
	}
	se := strings.SplitN(set, "-", 2)
	if len(se) != 2 {
		return partial.Range{}, fmt.Errorf("%w: %q", partial.ErrUnsatisfiable, v)
	}
	first, last := strings.TrimSpace(se[0]), strings.TrimSpace(se[1])

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || total == 0 {
			return partial.Range{}, fmt.Errorf("%w: %q", partial.ErrUnsatisfiable, v)
		}
		return partial.Range{Start: max(total-n, 0), End: total - 1, HasEnd: true}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return partial.Range{}, fmt.Errorf("%w: %q", partial.ErrUnsatisfiable, v)
	}
	if last == "" {
		return partial.Range{Start: start}, nil
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return partial.Range{}, fmt.Errorf("%w: %q", partial.ErrUnsatisfiable, v)
	}
	return partial.Range{Start: start, End: end, HasEnd: true}, nil
}
