package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	maxLoggedBody  = 4 << 10
	maxRequestBody = 1 << 20
)

type responseData struct {
	status int
	size   int
}

type loggingResponseWriter struct {
	http.ResponseWriter
	data *responseData
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	size, err := w.ResponseWriter.Write(b)
	w.data.size += size
	return size, err
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	w.ResponseWriter.WriteHeader(statusCode)
	w.data.status = statusCode
}

type prefixedBody struct {
	io.Reader
	io.Closer
}

func LogMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var body []byte
			if r.Body != nil {
				limited := http.MaxBytesReader(w, r.Body, maxRequestBody)

				// Only the logged prefix is buffered; the handler reads the rest
				// straight from the connection.
				var err error
				body, err = io.ReadAll(io.LimitReader(limited, maxLoggedBody))
				if err != nil {
					writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
					return
				}
				r.Body = prefixedBody{Reader: io.MultiReader(bytes.NewReader(body), limited), Closer: limited}
			}

			data := &responseData{status: http.StatusOK}
			lw := &loggingResponseWriter{ResponseWriter: w, data: data}

			next.ServeHTTP(lw, r)

			logger.Infof("method=%s uri=%s status=%d duration=%s size=%d body=%s outputheaders=%v",
				r.Method, r.RequestURI, data.status, time.Since(start), data.size, body, w.Header())
		})
	}
}
