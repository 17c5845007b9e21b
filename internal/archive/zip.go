package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

// Archiver writes a complete archive of dir into dst.
// The export pool treats it as an opaque producer: any error simply ends
// the stream early.
type Archiver interface {
	Archive(dst io.Writer, dir string) error
}

type ArchiverFunc func(dst io.Writer, dir string) error

func (f ArchiverFunc) Archive(dst io.Writer, dir string) error {
	return f(dst, dir)
}

var ErrNotDir = errors.New("archive: not a directory")

// Zip streams a directory tree as a zip file. Entries are named
// "<base>/<rel>", where base is the directory's own name. Symlinks are
// skipped, and so are files that cannot be opened.
type Zip struct {
	// Store disables compression.
	Store bool
	// Level is the deflate level; 0 means flate.DefaultCompression.
	Level int
}

func (z Zip) Archive(dst io.Writer, dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDir, dir)
	}

	level := z.Level
	if level == 0 {
		level = flate.DefaultCompression
	}
	method := zip.Deflate
	if z.Store {
		method = zip.Store
	}

	zw := zip.NewWriter(dst)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	base := sanitizeZipPath(filepath.Base(dir))
	if base == "" {
		base = "download"
	}

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtree
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		name := sanitizeZipPath(path.Join(base, filepath.ToSlash(rel)))
		if name == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		if d.IsDir() {
			h := &zip.FileHeader{Name: name + "/", Method: zip.Store}
			h.Modified = info.ModTime()
			h.SetMode(info.Mode())
			_, err := zw.CreateHeader(h)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()

		h, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		h.Name = name
		h.Method = method
		wr, err := zw.CreateHeader(h)
		if err != nil {
			return err
		}
		_, err = io.Copy(wr, f)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

func sanitizeZipPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	p = strings.ReplaceAll(p, "\x00", "")
	p = strings.Trim(p, "/")
	if p == "." || p == "" {
		return ""
	}
	// Avoid extremely long zip paths.
	if len(p) > 240 {
		p = p[:240]
	}
	return p
}
