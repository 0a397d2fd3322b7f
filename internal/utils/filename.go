package utils

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// FallbackFilename is used when no candidate can be derived from the
// response headers or the URL.
const FallbackFilename = "download_file"

var (
	reFilenameQuoted = regexp.MustCompile(`filename="([^"]+)"`)
	reFilenameBare   = regexp.MustCompile(`filename=([^;,\s]+)`)
	reFilenameExt    = regexp.MustCompile(`filename\*=UTF-8''([^;,\s]+)`)
)

// Known query parameters that carry a filename.
var filenameQueryKeys = []string{"filename", "name", "file", "title", "download"}

// ResolveFilename derives the on-disk filename for a download from the
// response headers and the request URL. Candidates are tried in a fixed
// order; the first hit wins:
//
//  1. Content-Disposition (quoted filename, bare filename, RFC 5987)
//  2. HuggingFace CDN response-content-disposition query parameter
//  3. last URL path component, when it looks like a real filename
//  4. well-known filename query parameters
//  5. last URL path component, unconditionally
//  6. a literal fallback
//
// Note the bare filename parameter deliberately beats filename*.
func ResolveFilename(rawurl string, header http.Header) string {
	if header != nil {
		if name := filenameFromDisposition(header.Get("Content-Disposition")); name != "" {
			return sanitizeFilename(name)
		}
	}
	return ResolveFilenameFromURL(rawurl)
}

// ResolveFilenameFromURL applies steps 2-6 of the resolution order, for
// callers that have no response headers yet.
func ResolveFilenameFromURL(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return FallbackFilename
	}

	// HuggingFace CDN URLs carry the server's Content-Disposition in a
	// query parameter.
	if strings.Contains(parsed.Host, "hf.co") {
		if disposition := parsed.Query().Get("response-content-disposition"); disposition != "" {
			if m := reFilenameQuoted.FindStringSubmatch(disposition); m != nil {
				return sanitizeFilename(m[1])
			}
			if m := reFilenameExt.FindStringSubmatch(disposition); m != nil {
				if decoded, err := url.PathUnescape(m[1]); err == nil {
					return sanitizeFilename(decoded)
				}
				return sanitizeFilename(m[1])
			}
		}
	}

	unescaped := parsed.Path
	if p, err := url.PathUnescape(parsed.Path); err == nil {
		unescaped = p
	}
	base := path.Base(unescaped)
	if base == "/" || base == "." {
		base = ""
	}

	if strings.Contains(base, ".") && len(base) < 100 {
		return sanitizeFilename(base)
	}

	query := parsed.Query()
	for _, key := range filenameQueryKeys {
		if candidate := query.Get(key); strings.Contains(candidate, ".") {
			return sanitizeFilename(candidate)
		}
	}

	if base != "" {
		return sanitizeFilename(base)
	}
	return FallbackFilename
}

// filenameFromDisposition extracts a filename from a Content-Disposition
// value. The quoted form is preferred, then the bare form, then the
// RFC 5987 encoded form.
func filenameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	if m := reFilenameQuoted.FindStringSubmatch(disposition); m != nil {
		return m[1]
	}
	if m := reFilenameBare.FindStringSubmatch(disposition); m != nil {
		return m[1]
	}
	if m := reFilenameExt.FindStringSubmatch(disposition); m != nil {
		if decoded, err := url.PathUnescape(m[1]); err == nil {
			return decoded
		}
		return m[1]
	}
	return ""
}

func sanitizeFilename(name string) string {
	// Backslashes become separators so path.Base treats them uniformly.
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "/" || name == "." {
		return FallbackFilename
	}
	name = strings.TrimSpace(name)
	for _, bad := range []string{"/", ":", "*", "?", "\"", "<", ">", "|"} {
		name = strings.ReplaceAll(name, bad, "_")
	}
	if name == "" {
		return FallbackFilename
	}
	return name
}
