package concurrent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"crypto/tls"

	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/proxy"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// ErrRangeNotSupported is the distinguished 416 signal. It is never
// retried; the task reacts by latching to single-stream mode.
var ErrRangeNotSupported = errors.New("server refused the range request")

// errStopped marks a clean cooperative stop between chunks.
var errStopped = errors.New("fetch stopped")

// ProgressSink receives byte-level progress from a fetcher. All methods
// are called from worker goroutines; implementations synchronize.
type ProgressSink interface {
	// Advance records n bytes written at the segment's current position.
	Advance(seg *types.Segment, n int64)
	// SegmentDone marks the segment complete and persists progress.
	SegmentDone(seg *types.Segment)
	// Checkpoint persists current positions (called on cooperative stop).
	Checkpoint()
}

// Fetcher downloads single segments of one resource into a pre-sized temp
// file. One fetcher is shared by a worker across the segments it claims.
type Fetcher struct {
	URL        string
	File       *os.File
	ChunkSize  int
	Timeouts   types.Timeouts
	MaxRetries int
	Stop       func() bool
	Sink       ProgressSink
}

// FetchSegment downloads [seg.Current, seg.End] through the bound proxy
// (or directly), retrying transient failures. A 416 surfaces unchanged as
// ErrRangeNotSupported. A cooperative stop returns nil after persisting
// the segment position.
func (f *Fetcher) FetchSegment(seg *types.Segment, endpoint *proxy.Endpoint, client *http.Client) error {
	if seg.Current > seg.End {
		f.Sink.SegmentDone(seg)
		return nil
	}

	maxRetries := f.MaxRetries
	if maxRetries <= 0 {
		maxRetries = types.DefaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(types.RetryDelay)
			if f.Stop() {
				f.Sink.Checkpoint()
				return nil
			}
		}

		lastErr = f.fetchOnce(seg, endpoint, client)
		switch {
		case lastErr == nil:
			f.Sink.SegmentDone(seg)
			return nil
		case errors.Is(lastErr, errStopped):
			return nil
		case errors.Is(lastErr, ErrRangeNotSupported):
			return lastErr
		}
		utils.Debug("segment %d attempt %d/%d failed: %v", seg.Index, attempt+1, maxRetries, lastErr)

		if f.Stop() {
			f.Sink.Checkpoint()
			return nil
		}
	}

	return fmt.Errorf("segment %d failed after %d attempts: %w", seg.Index, maxRetries, lastErr)
}

// fetchOnce walks the transports until one succeeds. Direct downloads use
// the worker's client only; proxied downloads escalate through the three
// proxy transports.
func (f *Fetcher) fetchOnce(seg *types.Segment, endpoint *proxy.Endpoint, client *http.Client) error {
	if endpoint == nil {
		return f.fetchViaClient(seg, client)
	}

	err := f.fetchViaClient(seg, client)
	if err == nil || errors.Is(err, errStopped) || errors.Is(err, ErrRangeNotSupported) {
		return err
	}
	utils.Debug("segment %d: pooled SOCKS transport failed: %v", seg.Index, err)

	err = f.fetchViaRawSocket(seg, endpoint)
	if err == nil || errors.Is(err, errStopped) || errors.Is(err, ErrRangeNotSupported) {
		return err
	}
	utils.Debug("segment %d: raw socket transport failed: %v", seg.Index, err)

	return f.fetchViaProxyURL(seg, endpoint)
}

// fetchViaClient is transport A (and the direct path): a standard request
// on the worker's pooled client.
func (f *Fetcher) fetchViaClient(seg *types.Segment, client *http.Client) error {
	req, err := http.NewRequest(http.MethodGet, f.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", types.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.Current, seg.End))
	req.Header.Set("Connection", "keep-alive")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return ErrRangeNotSupported
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return f.streamBody(resp.Body, seg)
}

// fetchViaProxyURL is transport C: net/http drives the SOCKS5 proxy
// itself via the proxy URL.
func (f *Fetcher) fetchViaProxyURL(seg *types.Segment, endpoint *proxy.Endpoint) error {
	client := newProxyURLClient(endpoint, f.Timeouts)
	defer client.CloseIdleConnections()
	return f.fetchViaClient(seg, client)
}

// fetchViaRawSocket is transport B: a hand-rolled HTTP/1.1 request over a
// SOCKS5-wrapped TCP socket, TLS-upgraded for https.
func (f *Fetcher) fetchViaRawSocket(seg *types.Segment, endpoint *proxy.Endpoint) error {
	parsed, err := url.Parse(f.URL)
	if err != nil {
		return err
	}

	host := parsed.Hostname()
	port := parsed.Port()
	if port == "" {
		if parsed.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	conn, err := dialSOCKS(endpoint, host+":"+port, f.Timeouts.Connect)
	if err != nil {
		return err
	}
	defer conn.Close()

	if parsed.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		tlsConn.SetDeadline(time.Now().Add(f.Timeouts.Connect))
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	requestPath := parsed.RequestURI()
	if requestPath == "" {
		requestPath = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", requestPath)
	fmt.Fprintf(&b, "Host: %s\r\n", parsed.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", types.UserAgent)
	fmt.Fprintf(&b, "Range: bytes=%d-%d\r\n", seg.Current, seg.End)
	b.WriteString("Connection: close\r\n\r\n")

	conn.SetWriteDeadline(time.Now().Add(f.Timeouts.Read))
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(f.Timeouts.Read))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read status line: %w", err)
	}
	if strings.Contains(statusLine, " 416") {
		return ErrRangeNotSupported
	}
	if !strings.Contains(statusLine, " 200") && !strings.Contains(statusLine, " 206") {
		return fmt.Errorf("unexpected status line: %s", strings.TrimSpace(statusLine))
	}

	// Drain the remaining headers.
	tp := textproto.NewReader(reader)
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return fmt.Errorf("failed to read headers: %w", err)
	}

	return f.streamBody(&deadlineReader{r: reader, conn: conn, timeout: f.Timeouts.Read}, seg)
}

// streamBody copies the response body into the temp file at the segment's
// current offset, in ChunkSize pieces. Writes past the segment's inclusive
// end are truncated, which absorbs servers that ignore the upper bound. A
// cooperative stop persists the position and returns errStopped.
func (f *Fetcher) streamBody(body io.Reader, seg *types.Segment) error {
	buf := make([]byte, f.ChunkSize)

	for {
		if f.Stop() {
			f.Sink.Checkpoint()
			return errStopped
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			remaining := seg.End + 1 - seg.Current
			truncated := false
			if int64(n) > remaining {
				n = int(remaining)
				truncated = true
			}
			if n > 0 {
				if _, err := f.File.WriteAt(buf[:n], seg.Current); err != nil {
					return fmt.Errorf("write error: %w", err)
				}
				f.Sink.Advance(seg, int64(n))
			}
			if truncated || seg.Current > seg.End {
				return nil
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if seg.Current <= seg.End {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return fmt.Errorf("read error: %w", readErr)
		}
	}
}

// deadlineReader refreshes the socket read deadline before each read so a
// stalled proxy cannot wedge transport B forever.
type deadlineReader struct {
	r       io.Reader
	conn    interface{ SetReadDeadline(time.Time) error }
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	return d.r.Read(p)
}
