package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func readZip(t *testing.T, b []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(body)
	}
	return out
}

func TestZip_ArchivesTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "photos")
	writeTree(t, root, map[string]string{
		"a.txt":          "alpha",
		"sub/b.txt":      "bravo",
		"sub/deep/c.bin": string(bytes.Repeat([]byte{0xfe}, 10_000)),
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	var buf bytes.Buffer
	require.NoError(t, Zip{}.Archive(&buf, root))

	got := readZip(t, buf.Bytes())
	names := make([]string, 0, len(got))
	for n := range got {
		names = append(names, n)
	}
	sort.Strings(names)

	assert.Equal(t, []string{
		"photos/",
		"photos/a.txt",
		"photos/empty/",
		"photos/sub/",
		"photos/sub/b.txt",
		"photos/sub/deep/",
		"photos/sub/deep/c.bin",
	}, names)
	assert.Equal(t, "alpha", got["photos/a.txt"])
	assert.Equal(t, "bravo", got["photos/sub/b.txt"])
	assert.Len(t, got["photos/sub/deep/c.bin"], 10_000)
}

func TestZip_StoreMethod(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"x.txt": "plain"})

	var buf bytes.Buffer
	require.NoError(t, Zip{Store: true}.Archive(&buf, root))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	for _, f := range zr.File {
		assert.Equal(t, zip.Store, f.Method, f.Name)
	}
}

func TestZip_SkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := filepath.Join(t.TempDir(), "share")
	writeTree(t, root, map[string]string{"real.txt": "r"})
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")))

	var buf bytes.Buffer
	require.NoError(t, Zip{}.Archive(&buf, root))

	got := readZip(t, buf.Bytes())
	assert.Contains(t, got, "share/real.txt")
	assert.NotContains(t, got, "share/link.txt")
}

func TestZip_NotADirectory(t *testing.T) {
	p := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	err := Zip{}.Archive(io.Discard, p)
	assert.ErrorIs(t, err, ErrNotDir)

	err = Zip{}.Archive(io.Discard, filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type failingWriter struct {
	left int
	err  error
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if len(p) > w.left {
		n := w.left
		w.left = 0
		return n, w.err
	}
	w.left -= len(p)
	return len(p), nil
}

func TestZip_WriteErrorAborts(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"big.bin": string(bytes.Repeat([]byte("0123456789"), 100_000)),
	})

	gone := errors.New("consumer gone")
	err := Zip{Store: true}.Archive(&failingWriter{left: 1024, err: gone}, root)
	assert.ErrorIs(t, err, gone)
}

func TestArchiverFunc(t *testing.T) {
	var called string
	a := ArchiverFunc(func(dst io.Writer, dir string) error {
		called = dir
		_, err := io.WriteString(dst, "ok")
		return err
	})
	var buf bytes.Buffer
	require.NoError(t, a.Archive(&buf, "/data"))
	assert.Equal(t, "/data", called)
	assert.Equal(t, "ok", buf.String())
}

func TestSanitizeZipPath(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"/":         "",
		"a/b":       "a/b",
		`a\b`:       "a/b",
		"../../etc": "etc",
		"a/\x00b":   "a/b",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeZipPath(in), "input %q", in)
	}
}
