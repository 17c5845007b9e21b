package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"whatcloud/internal/config"
	"whatcloud/internal/export"
	"whatcloud/internal/fsutil"
	"whatcloud/internal/metrics"
	"whatcloud/internal/partial"
)

// copyBufSize matches the default export ring so one read drains it.
const copyBufSize = export.DefaultBufferSize

// retryAfter is sent with 503 when no export worker is free.
const retryAfter = "5"

type Options struct {
	Config config.Config
	Pool   *export.Pool

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

type Server struct {
	cfg      config.Config
	pool     *export.Pool
	gatherer prometheus.Gatherer
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Pool == nil {
		return nil, errors.New("httpserver: export pool is required")
	}
	if strings.TrimSpace(opts.Config.Root) == "" {
		return nil, errors.New("httpserver: root is required")
	}
	root, err := filepath.Abs(opts.Config.Root)
	if err != nil {
		return nil, fmt.Errorf("httpserver: abs root: %w", err)
	}
	opts.Config.Root = root
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		cfg:      opts.Config,
		pool:     opts.Pool,
		gatherer: opts.Gatherer,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With(zap.String("component", "http")),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/download", s.handleDownload)

	return withHeaders(mux)
}

type statusResponse struct {
	Exports struct {
		Active int `json:"active"`
		Max    int `json:"max"`
	} `json:"exports"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	resp.Exports.Active = s.pool.Active()
	resp.Exports.Max = s.pool.Max()
	writeJSON(w, resp)
}

// handleDownload serves GET /download?path=<rel>. Directories are zipped on
// the fly by the export pool, files are sent whole or by byte range.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	abs, err := fsutil.Resolve(s.cfg.Root, rel)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		http.NotFound(w, r)
		return
	case errors.Is(err, fsutil.ErrPathEscape):
		s.logger.Warn("download outside root refused", zap.String("path", rel))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if st.IsDir() {
		s.serveArchive(w, r, abs)
		return
	}
	s.serveFile(w, r, abs, st)
}

func (s *Server) serveArchive(w http.ResponseWriter, r *http.Request, dir string) {
	log := s.logger.With(zap.String("dir", dir))

	ctx := r.Context()
	if t := s.cfg.AdmissionTimeout.Std(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	cons, err := s.pool.Start(ctx, dir)
	switch {
	case errors.Is(err, export.ErrRejectedTemporarily):
		log.Info("folder download rejected, no free worker")
		w.Header().Set("Retry-After", retryAfter)
		http.Error(w, "server busy, retry later", http.StatusServiceUnavailable)
		return
	case err != nil:
		log.Error("folder download failed to start", zap.Error(err))
		http.Error(w, "could not start export", http.StatusInternalServerError)
		return
	}
	stream := cons.Async()
	defer stream.Close()

	name := sanitizeZipBaseName(filepath.Base(dir)) + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	// Commit the headers so a later abort reads as a broken transfer.
	_ = http.NewResponseController(w).Flush()

	dst := throttle(r.Context(), w, s.cfg.RateLimit)
	buf := make([]byte, copyBufSize)
	var sent int64
	defer func() { s.metrics.AddBytes(metrics.KindZip, sent) }()
	for {
		n, err := stream.ReadContext(r.Context(), buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			sent += int64(wn)
			if werr != nil {
				log.Debug("client went away during folder download", zap.Error(werr))
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return
		case r.Context().Err() != nil:
			log.Debug("client went away during folder download", zap.Error(err))
			return
		default:
			// Headers are out; only a broken connection tells the client
			// the archive is incomplete.
			log.Error("folder download truncated", zap.Error(err), zap.Int64("sent", sent))
			panic(http.ErrAbortHandler)
		}
	}
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, abs string, st os.FileInfo) {
	f, err := os.Open(abs)
	if err != nil {
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	var body io.Closer = f
	defer func() { _ = body.Close() }()

	if ct := contentTypeForName(st.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Accept-Ranges", "bytes")

	rng, err := parseRange(r.Header.Get("Range"), st.Size())
	switch {
	case errors.Is(err, errNoRange):
		// ServeContent must not see a Range header it would interpret
		// differently.
		r.Header.Del("Range")
		mw := &meteredWriter{ResponseWriter: w, out: throttle(r.Context(), w, s.cfg.RateLimit)}
		http.ServeContent(mw, r, st.Name(), st.ModTime(), f)
		s.metrics.AddBytes(metrics.KindFile, mw.n)
		return
	case err != nil:
		s.unsatisfiable(w, st.Size(), err)
		return
	}

	pr, err := partial.Open(f, rng, st.Size())
	switch {
	case errors.Is(err, partial.ErrUnsatisfiable):
		s.unsatisfiable(w, st.Size(), err)
		return
	case err != nil:
		s.logger.Error("range open failed", zap.String("file", abs), zap.Error(err))
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	body = pr
	s.metrics.RangeRequest(metrics.RangePartial)

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Range", pr.ContentRange())
	w.Header().Set("Content-Length", fmt.Sprint(pr.Len()))
	w.Header().Set("Last-Modified", st.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}

	n, err := io.CopyBuffer(throttle(r.Context(), w, s.cfg.RateLimit), pr, make([]byte, copyBufSize))
	s.metrics.AddBytes(metrics.KindRange, n)
	if err != nil {
		s.logger.Debug("range copy ended early", zap.String("file", abs), zap.Error(err))
	}
}

func (s *Server) unsatisfiable(w http.ResponseWriter, size int64, err error) {
	s.metrics.RangeRequest(metrics.RangeUnsatisfiable)
	s.logger.Debug("range not satisfiable", zap.Error(err))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
}

// meteredWriter counts body bytes and routes them through out.
type meteredWriter struct {
	http.ResponseWriter
	out io.Writer
	n   int64
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	n, err := m.out.Write(p)
	m.n += int64(n)
	return n, err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".iso", ".img":
		return "application/octet-stream"
	default:
		return ""
	}
}

func sanitizeZipBaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
