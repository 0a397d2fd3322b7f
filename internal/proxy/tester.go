package proxy

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// defaultTCPTargets are well-known reachable endpoints used for the basic
// connectivity check. One success is enough.
var defaultTCPTargets = []string{
	"www.google.com:80",
	"www.cloudflare.com:80",
	"www.microsoft.com:80",
	"1.1.1.1:80",
	"8.8.8.8:53",
}

var reOriginIP = regexp.MustCompile(`"origin":\s*"([^"]+)"`)

// Tester probes a SOCKS5 proxy and produces a human-readable verdict.
// Tests never fail hard; every outcome is a status string.
type Tester struct {
	Timeout    time.Duration
	TCPTargets []string
	// EchoAddr is an HTTP endpoint that echoes the caller's IP on GET /ip.
	EchoAddr string
	EchoHost string
	Clock    utils.Clock
}

func NewTester() *Tester {
	return &Tester{
		Timeout:    10 * time.Second,
		TCPTargets: defaultTCPTargets,
		EchoAddr:   "httpbin.org:80",
		EchoHost:   "httpbin.org",
		Clock:      utils.SystemClock,
	}
}

// Test probes the endpoint in two stages: raw TCP reachability through the
// proxy, then a manual HTTP exchange to learn the egress IP. The verdict
// string starts with "Available", "Limited" or "Unavailable".
func (t *Tester) Test(endpoint Endpoint) string {
	start := t.Clock.Now()

	reason, reachable := t.testTCP(endpoint)
	if !reachable {
		return "Unavailable: " + reason
	}

	ip, ok := t.testHTTP(endpoint)
	elapsed := t.Clock.Since(start).Seconds()

	if ok {
		return fmt.Sprintf("Available %.1fs - IP: %s", elapsed, ip)
	}
	return fmt.Sprintf("Limited (%.1fs) - TCP only", elapsed)
}

// testTCP attempts a SOCKS5-tunneled connect to each target until one
// succeeds.
func (t *Tester) testTCP(endpoint Endpoint) (string, bool) {
	dialer, err := xproxy.SOCKS5("tcp", endpoint.Addr(), nil, &net.Dialer{Timeout: t.Timeout})
	if err != nil {
		return err.Error(), false
	}

	lastErr := "no targets to test"
	for _, target := range t.TCPTargets {
		conn, err := dialer.Dial("tcp", target)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		conn.Close()
		utils.Debug("proxy %s reached %s", endpoint.Addr(), target)
		return "", true
	}
	return lastErr, false
}

// testHTTP opens a fresh SOCKS5 connection to the echo endpoint, sends a
// minimal HTTP/1.1 request and extracts the observed IP from the JSON
// body.
func (t *Tester) testHTTP(endpoint Endpoint) (string, bool) {
	dialer, err := xproxy.SOCKS5("tcp", endpoint.Addr(), nil, &net.Dialer{Timeout: t.Timeout})
	if err != nil {
		return "", false
	}

	conn, err := dialer.Dial("tcp", t.EchoAddr)
	if err != nil {
		return "", false
	}
	defer conn.Close()

	request := fmt.Sprintf(
		"GET /ip HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nConnection: close\r\n\r\n",
		t.EchoHost, "Multi-Socks-Downloader/1.0")

	conn.SetDeadline(time.Now().Add(t.Timeout))
	if _, err := conn.Write([]byte(request)); err != nil {
		return "", false
	}

	var response strings.Builder
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(t.Timeout))
		n, err := conn.Read(buf)
		if n > 0 {
			response.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	body := response.String()
	if !strings.Contains(body, "HTTP/1.1 200") {
		return "", false
	}

	ip := "unknown"
	if m := reOriginIP.FindStringSubmatch(body); m != nil {
		ip = m[1]
	}
	return ip, true
}
