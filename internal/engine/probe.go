package engine

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/multisocks-downloader/multisocks/internal/engine/concurrent"
	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/proxy"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// ProbeResult is the metadata learned from the HEAD request.
type ProbeResult struct {
	TotalSize     int64
	SupportsRange bool
	Filename      string
	Reached       bool
}

// Probe issues a HEAD request to learn size, range capability and a
// tentative filename. With proxies it tries each in turn and falls back
// to a direct request when all fail. Probe never fails hard: an
// unreachable server yields a zero result and the task proceeds into
// single-stream mode with an unknown size.
func Probe(rawurl string, endpoints []proxy.Endpoint, timeouts types.Timeouts) ProbeResult {
	for i := range endpoints {
		if result, ok := probeVia(rawurl, &endpoints[i], timeouts); ok {
			utils.Debug("probe succeeded via proxy %s", endpoints[i].Addr())
			return result
		}
		utils.Debug("probe via proxy %s failed", endpoints[i].Addr())
	}

	if result, ok := probeVia(rawurl, nil, timeouts); ok {
		return result
	}

	utils.Debug("probe failed for %s, proceeding with unknown size", rawurl)
	return ProbeResult{Filename: utils.ResolveFilenameFromURL(rawurl)}
}

func probeVia(rawurl string, endpoint *proxy.Endpoint, timeouts types.Timeouts) (ProbeResult, bool) {
	client, err := concurrent.NewRangeClient(endpoint, timeouts, true)
	if err != nil {
		return ProbeResult{}, false
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequest(http.MethodHead, rawurl, nil)
	if err != nil {
		return ProbeResult{}, false
	}
	req.Header.Set("User-Agent", types.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return ProbeResult{}, false
	}

	result := ProbeResult{Reached: true}

	// A 206 reply is range-capable even without an Accept-Ranges header.
	result.SupportsRange = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") ||
		resp.StatusCode == http.StatusPartialContent

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil && size >= 0 {
			result.TotalSize = size
		}
	}

	result.Filename = utils.ResolveFilename(rawurl, resp.Header)
	return result, true
}
