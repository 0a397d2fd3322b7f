package concurrent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/proxy"
)

// Some SOCKS5 endpoints misbehave with higher-level HTTP stacks, so three
// transports exist for the same range fetch:
//
//	A. a connection-pooled http.Client dialing through the proxy
//	B. a hand-rolled HTTP/1.1 exchange over a SOCKS5-wrapped socket
//	C. an http.Client pointed at the socks5:// URL as its proxy
//
// The fetcher walks them in order until one succeeds.

// NewRangeClient builds the transport-A client. With a nil endpoint it is
// a plain direct client; otherwise every connection is dialed through the
// SOCKS5 proxy. Clients are per-worker and never shared.
func NewRangeClient(endpoint *proxy.Endpoint, timeouts types.Timeouts, keepAlive bool) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:          8,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeouts.Connect,
		ResponseHeaderTimeout: timeouts.Read,
		DisableCompression:    true,
		DisableKeepAlives:     !keepAlive,
		// One TCP connection per worker; HTTP/2 would multiplex them away.
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
	}

	forward := &net.Dialer{Timeout: timeouts.Connect, KeepAlive: 30 * time.Second}
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
	} else {
		transport.DialContext = forward.DialContext
	}

	return &http.Client{Transport: transport}, nil
}

// newProxyURLClient builds the transport-C client: the SOCKS5 endpoint is
// handed to net/http as a proxy URL instead of a custom dialer.
func newProxyURLClient(endpoint *proxy.Endpoint, timeouts types.Timeouts) *http.Client {
	proxyURL := &url.URL{Scheme: "socks5", Host: endpoint.Addr()}
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		TLSHandshakeTimeout:   timeouts.Connect,
		ResponseHeaderTimeout: timeouts.Read,
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   timeouts.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &http.Client{Transport: transport}
}

// dialSOCKS opens a raw TCP connection through the proxy for transport B.
func dialSOCKS(endpoint *proxy.Endpoint, addr string, connectTimeout time.Duration) (net.Conn, error) {
	forward := &net.Dialer{Timeout: connectTimeout}
	dialer, err := xproxy.SOCKS5("tcp", endpoint.Addr(), nil, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", endpoint.Addr(), err)
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connect to %s via %s failed: %w", addr, endpoint.Addr(), err)
	}
	return conn, nil
}
