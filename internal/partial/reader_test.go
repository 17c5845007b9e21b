package partial

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openSample writes a file whose byte i is i%251 and opens it.
func openSample(t *testing.T, size int) (*os.File, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	f, err := os.Open(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, data
}

func TestOpen_ReadsExactWindow(t *testing.T) {
	f, data := openSample(t, 100)

	r, err := Open(f, Range{Start: 5, End: 14, HasEnd: true}, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Len())
	assert.Equal(t, "bytes 5-14/100", r.ContentRange())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[5:15], got)

	n, err := r.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpen_SmallReadsStopAtWindowEnd(t *testing.T) {
	f, data := openSample(t, 100)

	r, err := Open(f, Range{Start: 90, End: 95, HasEnd: true}, 100)
	require.NoError(t, err)

	var got []byte
	buf := make([]byte, 4)
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, data[90:96], got)
}

func TestOpen_OneByteRange(t *testing.T) {
	f, data := openSample(t, 100)

	r, err := Open(f, Range{Start: 42, End: 42, HasEnd: true}, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Len())

	buf := make([]byte, 10)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, data[42], buf[0])

	n, err = r.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpen_ClampsEnd(t *testing.T) {
	f, data := openSample(t, 100)

	r, err := Open(f, Range{Start: 95, End: 1000, HasEnd: true}, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(99), r.End())
	assert.Equal(t, int64(100), r.Total())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[95:], got)
}

func TestOpen_OmittedEndUsesDefaultWindow(t *testing.T) {
	f, _ := openSample(t, 100)
	r, err := Open(f, Range{Start: 10}, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Start())
	assert.Equal(t, int64(99), r.End())

	// a file larger than the default window is cut at the window
	const big = DefaultWindow * 2
	r2, err := Open(f, Range{Start: 7}, big)
	require.NoError(t, err)
	assert.Equal(t, 7+DefaultWindow-1, r2.End())
	assert.Equal(t, DefaultWindow, r2.Len())
}

func TestOpen_Unsatisfiable(t *testing.T) {
	f, _ := openSample(t, 100)

	cases := []Range{
		{Start: 100, End: 120, HasEnd: true},
		{Start: 250},
		{Start: -1, End: 3, HasEnd: true},
		{Start: 20, End: 10, HasEnd: true},
	}
	for _, rng := range cases {
		_, err := Open(f, rng, 100)
		assert.ErrorIs(t, err, ErrUnsatisfiable, "%+v", rng)
	}

	_, err := Open(f, Range{Start: 0}, 0)
	assert.ErrorIs(t, err, ErrUnsatisfiable)
}

type brokenSeeker struct{ closed bool }

func (b *brokenSeeker) Read(p []byte) (int, error) { return 0, io.ErrUnexpectedEOF }
func (b *brokenSeeker) Seek(int64, int) (int64, error) {
	return 0, errors.New("device gone")
}
func (b *brokenSeeker) Close() error {
	b.closed = true
	return nil
}

func TestOpen_SeekFailure(t *testing.T) {
	bs := &brokenSeeker{}
	_, err := Open(bs, Range{Start: 1, End: 2, HasEnd: true}, 10)
	assert.ErrorIs(t, err, ErrSeekFailed)
	assert.False(t, bs.closed)
}

func TestSeek_EndRelativeZeroIsLastByte(t *testing.T) {
	f, data := openSample(t, 100)

	r, err := Open(f, Range{Start: 20, End: 29, HasEnd: true}, 100)
	require.NoError(t, err)

	pos, err := r.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(9), pos)

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, data[29], buf[0])

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	pos, err = r.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[26:30], got)
}

func TestSeek_StartAndCurrentAreWindowRelative(t *testing.T) {
	f, data := openSample(t, 100)

	r, err := Open(f, Range{Start: 50, End: 59, HasEnd: true}, 100)
	require.NoError(t, err)

	pos, err := r.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)

	buf := make([]byte, 2)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, data[54:56], buf)

	pos, err = r.Seek(-3, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, data[53:55], buf)

	// the underlying file sits at the matching absolute offset
	abs, err := f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(55), abs)
}

func TestSeek_RejectsPositionsBeforeWindow(t *testing.T) {
	f, _ := openSample(t, 100)
	r, err := Open(f, Range{Start: 10, End: 19, HasEnd: true}, 100)
	require.NoError(t, err)

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(t, err)
	_, err = r.Seek(-11, io.SeekEnd)
	assert.Error(t, err)
	_, err = r.Seek(0, 42)
	assert.Error(t, err)

	// position unchanged
	pos, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestSeek_PastWindowReadsEOF(t *testing.T) {
	f, _ := openSample(t, 100)
	r, err := Open(f, Range{Start: 10, End: 19, HasEnd: true}, 100)
	require.NoError(t, err)

	pos, err := r.Seek(30, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(30), pos)

	n, err := r.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestClose_ClosesFile(t *testing.T) {
	f, _ := openSample(t, 10)
	r, err := Open(f, Range{Start: 0, End: 3, HasEnd: true}, 10)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
}
