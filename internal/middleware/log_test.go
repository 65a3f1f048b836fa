package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func bufferLogger(buf *bytes.Buffer) *zap.SugaredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(buf),
		zapcore.DebugLevel,
	)
	return zap.New(core).Sugar()
}

func TestLogMiddleware(t *testing.T) {
	var buf bytes.Buffer

	body := `{"amount":"100.00"}`
	req := httptest.NewRequest(http.MethodPost, "/wallet/c1/topup", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()

	var seen string
	handler := LogMiddleware(bufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("response"))
	}))

	handler.ServeHTTP(rr, req)

	assert.Equal(t, body, seen)

	out := buf.String()
	assert.Contains(t, out, "method=POST")
	assert.Contains(t, out, "uri=/wallet/c1/topup")
	assert.Contains(t, out, "status=201")
	assert.Contains(t, out, "size=8")
	assert.Contains(t, out, `body={"amount":"100.00"}`)
	assert.Contains(t, out, "outputheaders=")
}

func TestLogMiddleware_TruncatesLargeBody(t *testing.T) {
	var buf bytes.Buffer

	body := strings.Repeat("a", maxLoggedBody) + "TAIL"
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	rr := httptest.NewRecorder()

	var seen int
	handler := LogMiddleware(bufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = len(b)
	}))

	handler.ServeHTTP(rr, req)

	assert.Equal(t, len(body), seen)
	assert.NotContains(t, buf.String(), "TAIL")
	assert.Contains(t, buf.String(), "status=200")
}

type countingReader struct {
	r    io.Reader
	read int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func TestLogMiddleware_BuffersOnlyLoggedPrefix(t *testing.T) {
	var buf bytes.Buffer

	src := &countingReader{r: strings.NewReader(strings.Repeat("b", 3*maxLoggedBody))}
	req := httptest.NewRequest(http.MethodPost, "/orders", io.NopCloser(src))
	rr := httptest.NewRecorder()

	var readBeforeHandler, seen int
	handler := LogMiddleware(bufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		readBeforeHandler = src.read
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = len(b)
	}))

	handler.ServeHTTP(rr, req)

	assert.LessOrEqual(t, readBeforeHandler, maxLoggedBody)
	assert.Equal(t, 3*maxLoggedBody, seen)
}

func TestLogMiddleware_RejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(strings.Repeat("c", maxRequestBody+1)))
	rr := httptest.NewRecorder()

	var readErr error
	handler := LogMiddleware(bufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		if readErr != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		}
	}))

	handler.ServeHTTP(rr, req)

	var tooLarge *http.MaxBytesError
	require.True(t, errors.As(readErr, &tooLarge))
	assert.Equal(t, int64(maxRequestBody), tooLarge.Limit)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Contains(t, buf.String(), "status=413")
}
