// Package middleware holds the HTTP wrappers of the status API.
package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"hls-engine/work/logger"
)

// gzipWriters holds BestSpeed writers shared by every status response.
var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter compresses the body of one response.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.gz.Write(b)
}

// Flush pushes buffered compressed bytes through to the client.
func (w *gzipResponseWriter) Flush() {
	_ = w.gz.Flush()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(coding, "gzip") {
			return true
		}
	}
	return false
}

// GzipMiddleware compresses responses for clients sending Accept-Encoding: gzip.
// HEAD requests and clients without gzip pass through untouched.
//
// Parameters:
//   - next: the status handler to wrap
//
// Returns:
//   - http.HandlerFunc: next with pooled gzip compression applied
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		if r.Method == http.MethodHead || !acceptsGzip(r) {
			next(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")

		gz := gzipWriters.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression - GzipMiddleware} closing gzip stream for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipWriters.Put(gz)
		}()

		next(&gzipResponseWriter{ResponseWriter: w, gz: gz}, r)
	}
}
