package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	asarhttp "github.com/meigma/asar/http"
)

func noDelay() backoff.BackOff { return &backoff.ZeroBackOff{} }

func serveData(data []byte) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}
}

func TestSource_ReadAt(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server := httptest.NewServer(serveData(data))
	t.Cleanup(server.Close)

	src, err := asarhttp.NewSource(server.URL, asarhttp.WithConditionalHeaders())
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", src.Size(), len(data))
	}

	tests := []struct {
		name    string
		bufSize int
		offset  int64
		wantN   int
		wantErr error
		want    string
	}{
		{
			name:    "read from middle",
			bufSize: 5,
			offset:  6,
			wantN:   5,
			wantErr: nil,
			want:    "world",
		},
		{
			name:    "read past end returns EOF",
			bufSize: 10,
			offset:  int64(len(data) - 3),
			wantN:   3,
			wantErr: io.EOF,
			want:    "rld",
		},
		{
			name:    "offset at size",
			bufSize: 4,
			offset:  int64(len(data)),
			wantN:   0,
			wantErr: io.EOF,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := make([]byte, tt.bufSize)
			n, err := src.ReadAt(buf, tt.offset)
			if err != tt.wantErr { //nolint:errorlint // exact sentinel expected
				t.Fatalf("ReadAt() error = %v, want %v", err, tt.wantErr)
			}
			if n != tt.wantN {
				t.Fatalf("ReadAt() n = %d, want %d", n, tt.wantN)
			}
			if got := string(buf[:n]); got != tt.want {
				t.Fatalf("ReadAt() got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSource_ReadRange(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789"), 1000)
	server := httptest.NewServer(serveData(data))
	t.Cleanup(server.Close)

	src, err := asarhttp.NewSource(server.URL)
	require.NoError(t, err)

	rc, err := src.ReadRange(100, 25)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data[100:125], got)

	// Abandoning a long range early still closes cleanly.
	rc, err = src.ReadRange(0, int64(len(data)))
	require.NoError(t, err)
	_, err = io.ReadFull(rc, make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	rc, err = src.ReadRange(int64(len(data)), 5)
	require.ErrorIs(t, err, io.EOF)
	require.NotNil(t, rc)

	_, err = src.ReadRange(-1, 5)
	require.Error(t, err)
}

func TestNewSource_RangeUnsupported(t *testing.T) {
	t.Parallel()

	data := []byte("range unsupported")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	_, err := asarhttp.NewSource(server.URL)
	require.ErrorIs(t, err, asarhttp.ErrRangeUnsupported)
}

func TestSource_ReadAt_RetriesWithoutIfMatchOn412(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	etag := `"retry-test"`
	var withIfMatchRange int32
	var withoutIfMatchRange int32

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		switch r.Method {
		case nethttp.MethodHead:
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Header().Set("ETag", etag)
			return
		case nethttp.MethodGet:
			if r.Header.Get("Range") == "bytes=6-10" {
				if r.Header.Get("If-Match") != "" {
					atomic.AddInt32(&withIfMatchRange, 1)
					w.WriteHeader(nethttp.StatusPreconditionFailed)
					return
				}
				atomic.AddInt32(&withoutIfMatchRange, 1)
			}
			w.Header().Set("ETag", etag)
			nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
			return
		default:
			w.WriteHeader(nethttp.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(server.Close)

	src, err := asarhttp.NewSource(server.URL, asarhttp.WithConditionalHeaders())
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}

	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 6)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if got := string(buf[:n]); got != "world" {
		t.Fatalf("ReadAt() got %q, want %q", got, "world")
	}
	if atomic.LoadInt32(&withIfMatchRange) != 1 {
		t.Fatalf("expected one range request with If-Match, got %d", withIfMatchRange)
	}
	if atomic.LoadInt32(&withoutIfMatchRange) != 1 {
		t.Fatalf("expected one range retry without If-Match, got %d", withoutIfMatchRange)
	}
}

func TestSource_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	data := []byte("flaky content")
	var failures atomic.Int32
	failures.Store(2)

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodGet && r.Header.Get("Range") == "bytes=6-12" && failures.Add(-1) >= 0 {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		serveData(data)(w, r)
	}))
	t.Cleanup(server.Close)

	src, err := asarhttp.NewSource(server.URL, asarhttp.WithBackOff(noDelay))
	require.NoError(t, err)

	buf := make([]byte, 7)
	n, err := src.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "content", string(buf[:n]))
	assert.Equal(t, int32(-1), failures.Load())
}

func TestSource_GivesUp(t *testing.T) {
	t.Parallel()

	data := []byte("always failing")
	var attempts atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodGet && r.Header.Get("Range") != "bytes=0-0" {
			attempts.Add(1)
			w.WriteHeader(nethttp.StatusBadGateway)
			return
		}
		serveData(data)(w, r)
	}))
	t.Cleanup(server.Close)

	src, err := asarhttp.NewSource(server.URL, asarhttp.WithBackOff(noDelay), asarhttp.WithMaxTries(3))
	require.NoError(t, err)

	_, err = src.ReadAt(make([]byte, 4), 2)
	var se *asarhttp.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, nethttp.StatusBadGateway, se.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSource_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	data := []byte("forbidden range")
	var attempts atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodGet && r.Header.Get("Range") != "bytes=0-0" {
			attempts.Add(1)
			w.WriteHeader(nethttp.StatusForbidden)
			return
		}
		serveData(data)(w, r)
	}))
	t.Cleanup(server.Close)

	src, err := asarhttp.NewSource(server.URL, asarhttp.WithBackOff(noDelay))
	require.NoError(t, err)

	_, err = src.ReadRange(0, 4)
	var se *asarhttp.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, nethttp.StatusForbidden, se.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestSource_ContextCancel(t *testing.T) {
	t.Parallel()

	data := []byte("cancel me")
	server := httptest.NewServer(serveData(data))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	src, err := asarhttp.NewSource(server.URL, asarhttp.WithContext(ctx))
	require.NoError(t, err)
	cancel()

	_, err = src.ReadAt(make([]byte, 4), 0)
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSource_SourceID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("ETag", `"v1"`)
		serveData([]byte("abc"))(w, r)
	}))
	t.Cleanup(server.Close)

	src, err := asarhttp.NewSource(server.URL)
	require.NoError(t, err)
	assert.Equal(t, "url:"+server.URL+`|etag:"v1"`, src.SourceID())
	assert.Equal(t, server.URL, src.URL())

	src, err = asarhttp.NewSource(server.URL, asarhttp.WithSourceID("custom"))
	require.NoError(t, err)
	assert.Equal(t, "custom", src.SourceID())
}
