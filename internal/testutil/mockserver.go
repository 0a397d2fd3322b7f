package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// MockServer serves a deterministic pseudo-random body with optional range
// support, latency and failure injection, for download engine tests.
type MockServer struct {
	srv *httptest.Server

	fileSize     int64
	rangeSupport bool
	latency      time.Duration
	disposition  string
	// reject416After: after this many successful range requests, every
	// further Range request is answered 416. Zero disables.
	reject416After int64
	rangeRequests  atomic.Int64
}

type Option func(*MockServer)

func WithFileSize(n int64) Option            { return func(m *MockServer) { m.fileSize = n } }
func WithRangeSupport(ok bool) Option        { return func(m *MockServer) { m.rangeSupport = ok } }
func WithLatency(d time.Duration) Option     { return func(m *MockServer) { m.latency = d } }
func WithDisposition(v string) Option        { return func(m *MockServer) { m.disposition = v } }
func WithReject416After(n int64) Option      { return func(m *MockServer) { m.reject416After = n } }

func NewMockServer(opts ...Option) *MockServer {
	m := &MockServer{fileSize: 1 << 20, rangeSupport: true}
	for _, opt := range opts {
		opt(m)
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *MockServer) URL() string { return m.srv.URL + "/testfile.bin" }

// BaseURL returns the server root, for tests that need a URL without a
// usable path component.
func (m *MockServer) BaseURL() string { return m.srv.URL }

func (m *MockServer) Close() { m.srv.Close() }

// RangeRequests reports how many range requests were served.
func (m *MockServer) RangeRequests() int64 { return m.rangeRequests.Load() }

// ByteAt is the deterministic body byte at a given offset.
func ByteAt(offset int64) byte {
	return byte((offset*31 + 7) % 251)
}

// Body materializes the full expected body.
func (m *MockServer) Body() []byte {
	out := make([]byte, m.fileSize)
	for i := range out {
		out[i] = ByteAt(int64(i))
	}
	return out
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	if m.latency > 0 {
		time.Sleep(m.latency)
	}

	if m.rangeSupport {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	if m.disposition != "" {
		w.Header().Set("Content-Disposition", m.disposition)
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(m.fileSize, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" || !m.rangeSupport {
		w.Header().Set("Content-Length", strconv.FormatInt(m.fileSize, 10))
		w.WriteHeader(http.StatusOK)
		m.writeBody(w, 0, m.fileSize-1)
		return
	}

	n := m.rangeRequests.Add(1)
	if m.reject416After > 0 && n > m.reject416After {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	start, end, err := parseRange(rangeHeader, m.fileSize)
	if err != nil {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.fileSize))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	m.writeBody(w, start, end)
}

func (m *MockServer) writeBody(w http.ResponseWriter, start, end int64) {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	for offset := start; offset <= end; {
		n := int64(chunk)
		if offset+n > end+1 {
			n = end + 1 - offset
		}
		for i := int64(0); i < n; i++ {
			buf[i] = ByteAt(offset + i)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return
		}
		offset += n
	}
}

func parseRange(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("bad range header: %s", header)
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad range spec: %s", spec)
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start >= size {
		return 0, 0, fmt.Errorf("bad range start: %s", spec)
	}

	end := size - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad range end: %s", spec)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	if end < start {
		return 0, 0, fmt.Errorf("inverted range: %s", spec)
	}
	return start, end, nil
}
