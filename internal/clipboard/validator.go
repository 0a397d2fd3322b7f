package clipboard

import (
	"net/url"
	"strings"

	"github.com/atotto/clipboard"
)

// ExtractURL validates free text and returns a clean downloadable URL, or
// an empty string.
func ExtractURL(text string) string {
	text = strings.TrimSpace(text)

	if len(text) > 2048 || strings.ContainsAny(text, "\n\r") {
		return ""
	}
	if !strings.HasPrefix(text, "http://") && !strings.HasPrefix(text, "https://") {
		return ""
	}

	parsed, err := url.Parse(text)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.String()
}

// ReadURL returns a valid URL from the clipboard, or an empty string.
func ReadURL() string {
	text, err := clipboard.ReadAll()
	if err != nil {
		return ""
	}
	return ExtractURL(text)
}
