package single

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/proxy"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// Fetcher is the sequential full-body fallback, used when the server
// rejects ranges, the size is unknown, or the file is too small to split.
// The temp file grows from zero; there is no mid-file resume.
type Fetcher struct {
	URL       string
	TempPath  string
	ChunkSize int
	Timeouts  types.Timeouts

	// Stop is polled between chunks for cooperative pause/cancel.
	Stop func() bool
	// OnBytes reports every chunk written.
	OnBytes func(n int64)
	// OnResponse, if set, sees the response before the body is streamed,
	// so the task can pick up Content-Length and a late filename.
	OnResponse func(resp *http.Response)
}

// Download streams the whole resource into TempPath. With a proxy bound it
// tunnels through it; otherwise the request goes direct. Returns the byte
// count written. A cooperative stop returns cleanly with a partial count.
func (f *Fetcher) Download(endpoint *proxy.Endpoint) (int64, error) {
	client, err := f.newClient(endpoint)
	if err != nil {
		return 0, err
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequest(http.MethodGet, f.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", types.UserAgent)
	req.Header.Set("Connection", "keep-alive")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if f.OnResponse != nil {
		f.OnResponse(resp)
	}

	out, err := os.OpenFile(f.TempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer out.Close()

	chunkSize := f.ChunkSize
	if chunkSize <= 0 {
		chunkSize = int(64 * types.KB)
	}
	buf := make([]byte, chunkSize)

	var written int64
	for {
		if f.Stop != nil && f.Stop() {
			utils.Debug("single-stream fetch stopped at %d bytes", written)
			return written, nil
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write error: %w", err)
			}
			written += int64(n)
			if f.OnBytes != nil {
				f.OnBytes(int64(n))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return written, fmt.Errorf("read error: %w", readErr)
		}
	}

	if err := out.Sync(); err != nil {
		return written, fmt.Errorf("sync error: %w", err)
	}
	return written, nil
}

func (f *Fetcher) newClient(endpoint *proxy.Endpoint) (*http.Client, error) {
	forward := &net.Dialer{Timeout: f.Timeouts.Connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		ResponseHeaderTimeout: f.Timeouts.Read,
		DisableCompression:    true,
		DialContext:           forward.DialContext,
	}

	if endpoint != nil {
		dialer, err := xproxy.SOCKS5("tcp", endpoint.Addr(), nil, forward)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", endpoint.Addr(), err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	}

	return &http.Client{Transport: transport}, nil
}
