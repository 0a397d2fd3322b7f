package clipboard

import "testing"

func TestExtractURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/file.bin":      "https://example.com/file.bin",
		"  http://example.com/x.zip  ":      "http://example.com/x.zip",
		"ftp://example.com/file.bin":        "",
		"not a url":                         "",
		"https://":                          "",
		"https://a.com/x\nhttps://b.com/y":  "",
	}
	for in, want := range cases {
		if got := ExtractURL(in); got != want {
			t.Errorf("ExtractURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractURLRejectsOversized(t *testing.T) {
	long := "https://example.com/"
	for len(long) <= 2048 {
		long += "aaaaaaaaaa"
	}
	if got := ExtractURL(long); got != "" {
		t.Error("oversized text accepted")
	}
}
